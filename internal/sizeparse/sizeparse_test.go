// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sizeparse

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"500M", 500 * 1024 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
		{"1T", 1024 * 1024 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"1gb", 1024 * 1024 * 1024},
		{" 32M ", 32 * 1024 * 1024},
		{"0K", 0},
		{"100", 100},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10X", "-5M", "5.5M"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", in)
		}
	}
}

func TestParseDefault(t *testing.T) {
	got, err := ParseDefault("", 42)
	if err != nil || got != 42 {
		t.Fatalf("ParseDefault empty = (%d, %v), want (42, nil)", got, err)
	}
	got, err = ParseDefault("1K", 42)
	if err != nil || got != 1024 {
		t.Fatalf("ParseDefault(1K) = (%d, %v), want (1024, nil)", got, err)
	}
}

func TestFormat(t *testing.T) {
	cases := map[int64]string{
		0:                "0 B",
		1023:             "1023 B",
		1024:             "1.0 KB",
		1024 * 1024:      "1.0 MB",
		1024 * 1024 * 10: "10.0 MB",
	}
	for n, want := range cases {
		if got := Format(n); got != want {
			t.Errorf("Format(%d) = %q, want %q", n, got, want)
		}
	}
}
