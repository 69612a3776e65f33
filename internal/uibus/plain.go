// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package uibus

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"bulkarchive/internal/sizeparse"
)

// PlainHandler writes timestamped, one-line-per-event status lines to
// a stream. It is the backend for quiet, line-oriented output and log
// capture; every event of a known kind becomes exactly one line, and
// events of other kinds write nothing.
type PlainHandler struct {
	mu         sync.Mutex
	stream     io.Writer
	totalItems int
}

// NewPlainHandler builds a PlainHandler writing to stream. A nil
// stream defaults to os.Stderr.
func NewPlainHandler(stream io.Writer, totalItems int) *PlainHandler {
	if stream == nil {
		stream = os.Stderr
	}
	return &PlainHandler{stream: stream, totalItems: totalItems}
}

// Handle implements Handler.
func (p *PlainHandler) Handle(ev Event) {
	switch ev.Kind {
	case ItemStarted:
		p.write(ev, "download started")
	case ItemCompleted:
		msg := fmt.Sprintf("completed, %d files", ev.FilesOK)
		if ev.BytesDone > 0 {
			msg += ", " + sizeparse.Format(ev.BytesDone)
		}
		if ev.Elapsed > 0 {
			msg += fmt.Sprintf(", %.1fs", ev.Elapsed.Seconds())
		}
		p.write(ev, msg)
	case ItemFailed:
		msg := "FAILED"
		if ev.Error != "" {
			msg = "FAILED: " + ev.Error
		}
		p.write(ev, msg)
	case ItemSkipped:
		if ev.Error != "" {
			p.write(ev, "skipped ("+ev.Error+")")
		} else {
			p.write(ev, "skipped (already complete)")
		}
	case FileProgress:
		msg := ev.Filename
		if ev.BytesTotal > 0 {
			pct := float64(ev.BytesDone) / float64(ev.BytesTotal) * 100
			msg += fmt.Sprintf(" %s/%s (%.0f%%)", sizeparse.Format(ev.BytesDone), sizeparse.Format(ev.BytesTotal), pct)
		}
		p.write(ev, msg)
	case DiskUpdate:
		p.write(ev, fmt.Sprintf("disk %s: %s free", ev.Destdir, sizeparse.Format(ev.BytesDone)))
	}
}

func (p *PlainHandler) progressTag(ev Event) string {
	if ev.ItemIndex == 0 {
		return ""
	}
	if p.totalItems > 0 {
		return fmt.Sprintf("[%d/%d]", ev.ItemIndex, p.totalItems)
	}
	return fmt.Sprintf("[%d]", ev.ItemIndex)
}

func (p *PlainHandler) write(ev Event, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := time.Now().UTC().Format("15:04:05")
	tag := p.progressTag(ev)
	if tag != "" {
		fmt.Fprintf(p.stream, "[%s] %s %s: %s\n", ts, tag, ev.Identifier, message)
	} else {
		fmt.Fprintf(p.stream, "[%s] %s: %s\n", ts, ev.Identifier, message)
	}
}

// PrintSummary prints a final one-line run summary.
func (p *PlainHandler) PrintSummary(completed, failed, skipped int, totalBytes int64, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := time.Now().UTC().Format("15:04:05")
	fmt.Fprintf(p.stream, "[%s] Summary: %d completed, %d failed, %d skipped, %s in %.1fs\n",
		ts, completed, failed, skipped, sizeparse.Format(totalBytes), elapsed.Seconds())
}
