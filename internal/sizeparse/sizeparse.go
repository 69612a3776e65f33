// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package sizeparse parses human-readable byte size strings used in
// the bulk engine's CLI flags and config files (the disk margin), and
// formats byte counts for display.
package sizeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^\s*(\d+)\s*([KMGT])?\s*$`)

var suffixes = map[byte]int64{
	'K': 1024,
	'M': 1024 * 1024,
	'G': 1024 * 1024 * 1024,
	'T': 1024 * 1024 * 1024 * 1024,
}

// Parse converts a human-readable size string ("500M", "2G", "1024")
// to a byte count. Units are 1024-based and case-insensitive; a
// trailing "B" is tolerated as syntactic noise ("1GB" == "1G"). No
// locale-specific parsing (decimal separators, thousands grouping) is
// supported.
func Parse(s string) (int64, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if strings.HasSuffix(normalized, "B") && !isAllDigits(normalized) {
		normalized = normalized[:len(normalized)-1]
	}

	m := sizeRe.FindStringSubmatch(normalized)
	if m == nil {
		return 0, fmt.Errorf("sizeparse: invalid size string %q", s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sizeparse: invalid size string %q: %w", s, err)
	}

	if m[2] == "" {
		return n, nil
	}
	mult, ok := suffixes[m[2][0]]
	if !ok {
		return 0, fmt.Errorf("sizeparse: unknown unit %q in %q", m[2], s)
	}
	return n * mult, nil
}

// ParseDefault calls Parse but returns def when s is empty.
func ParseDefault(s string, def int64) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return Parse(s)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Format renders a byte count as a human-readable string, e.g.
// "1.0 GB". Mirrors the reference UI handler's byte formatting.
func Format(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	units := []string{"KB", "MB", "GB", "TB"}
	for i, unit := range units {
		value /= 1024
		if value < 1024 || i == len(units)-1 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
	}
	return fmt.Sprintf("%d B", n)
}
