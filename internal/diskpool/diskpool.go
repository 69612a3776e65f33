// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package diskpool monitors free space across a set of destination
// directories and routes bulk-engine work to one with enough room,
// reserving bytes so concurrent workers don't overcommit a disk.
package diskpool

import (
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultMargin is the per-disk safety margin used when none is
// configured.
const DefaultMargin int64 = 1024 * 1024 * 1024 // 1 GiB

// Pool routes estimated-size work to destination directories with
// sufficient free space. All reads and mutations are serialized by a
// single pool-wide lock.
type Pool struct {
	mu       sync.Mutex
	destdirs []string
	margin   int64
	disabled bool

	reserved  map[string]int64
	inFlight  map[string]int
	full      map[string]bool
}

// New constructs a Pool over destdirs in the given (significant)
// order. margin <= 0 uses DefaultMargin. When disabled is true, all
// space checks are bypassed and route always returns the first
// configured directory.
func New(destdirs []string, margin int64, disabled bool) *Pool {
	if margin <= 0 {
		margin = DefaultMargin
	}
	dirs := make([]string, len(destdirs))
	copy(dirs, destdirs)
	return &Pool{
		destdirs: dirs,
		margin:   margin,
		disabled: disabled,
		reserved: make(map[string]int64),
		inFlight: make(map[string]int),
		full:     make(map[string]bool),
	}
}

// Route finds the first configured directory, in order, with enough
// available space for estBytes, reserves that many bytes on it, bumps
// its in-flight counter, and returns its path. estBytes < 0 is treated
// as unknown and substituted with 2*margin, a conservative
// reservation. Returns ("", false) when no directory qualifies.
func (p *Pool) Route(estBytes int64) (string, bool) {
	if p.disabled {
		if len(p.destdirs) == 0 {
			return "", false
		}
		return p.destdirs[0], true
	}

	size := estBytes
	if size < 0 {
		size = 2 * p.margin
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range p.destdirs {
		if p.full[d] {
			continue
		}
		if p.availableLocked(d) >= size {
			p.reserved[d] += size
			p.inFlight[d]++
			return d, true
		}
	}
	return "", false
}

// Available returns usable free bytes on destdir: OS-reported free
// space minus the safety margin and any outstanding reservations,
// floored at zero.
func (p *Pool) Available(destdir string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(destdir)
}

// Release undoes a reservation made by a prior Route call. The
// estBytes argument must equal the value Route reserved (the
// substituted 2*margin when the original estimate was unknown, not
// -1 itself). Counters are clamped at zero.
func (p *Pool) Release(destdir string, estBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reserved[destdir]-estBytes < 0 {
		p.reserved[destdir] = 0
	} else {
		p.reserved[destdir] -= estBytes
	}
	if p.inFlight[destdir] > 0 {
		p.inFlight[destdir]--
	}
}

// MarkFull permanently removes destdir from future routing, e.g.
// after a write fails with a no-space error.
func (p *Pool) MarkFull(destdir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full[destdir] = true
}

// InFlight returns the number of items currently routed to destdir.
func (p *Pool) InFlight(destdir string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[destdir]
}

// DirStatus is a point-in-time snapshot of one destination directory,
// as returned by Status.
type DirStatus struct {
	Dir       string
	Free      int64
	Reserved  int64
	Available int64
	InFlight  int
	Full      bool
}

// Status returns a snapshot of every configured directory.
func (p *Pool) Status() []DirStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DirStatus, 0, len(p.destdirs))
	for _, d := range p.destdirs {
		out = append(out, DirStatus{
			Dir:       d,
			Free:      freeBytes(d),
			Reserved:  p.reserved[d],
			Available: p.availableLocked(d),
			InFlight:  p.inFlight[d],
			Full:      p.full[d],
		})
	}
	return out
}

func (p *Pool) availableLocked(destdir string) int64 {
	avail := freeBytes(destdir) - p.margin - p.reserved[destdir]
	if avail < 0 {
		return 0
	}
	return avail
}

// freeBytes reports OS free space on the filesystem containing dir.
// Uses gopsutil rather than a hand-rolled syscall.Statfs wrapper so
// behavior is consistent across the platforms gopsutil already
// abstracts (Linux, macOS, *BSD, Windows). A package-level variable so
// tests can substitute deterministic values without touching the
// filesystem.
var freeBytes = func(dir string) int64 {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0
	}
	return int64(usage.Free)
}
