// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package joblog implements the bulk engine's append-only event log:
// both the progress record and the resume oracle.
//
// Layout: flat, identifier-keyed event stream with sticky completion
// state, chosen over a sequence-number-plus-bitmap layout since job
// sizes here run in the thousands, not the tens of millions a bitmap
// form would suit.
package joblog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event kinds recorded to the log.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventSkipped   = "skipped"
	EventRerouted  = "rerouted"
)

// Skip reasons. Permanent reasons are never retried on a later run;
// "no_disk_space" is transient and is retried.
const (
	SkipExists      = "exists"
	SkipDark        = "dark"
	SkipEmpty       = "empty"
	SkipNoDiskSpace = "no_disk_space"
)

var permanentSkipReasons = map[string]bool{
	SkipExists: true,
	SkipDark:   true,
	SkipEmpty:  true,
}

// record is the on-disk JSON shape. Every field after op is omitted
// whenever it holds its zero value, whatever the event kind: a worker
// index of 0, a retry of 0 or a retries_left of 0 is not written, and
// replay reads an absent field as zero.
type record struct {
	TS       string `json:"ts"`
	Event    string `json:"event"`
	ID       string `json:"id"`
	Op       string `json:"op"`
	Destdir  string `json:"destdir,omitempty"`
	EstBytes int64  `json:"est_bytes,omitempty"`
	Worker   int    `json:"worker,omitempty"`
	Retry    int    `json:"retry,omitempty"`

	BytesTransferred int64   `json:"bytes_transferred,omitempty"`
	FilesOK          int     `json:"files_ok,omitempty"`
	FilesSkipped     int     `json:"files_skipped,omitempty"`
	FilesFailed      int     `json:"files_failed,omitempty"`
	Elapsed          float64 `json:"elapsed,omitempty"`

	Error       string `json:"error,omitempty"`
	RetriesLeft int    `json:"retries_left,omitempty"`
	Reason      string `json:"reason,omitempty"`
	FromDestdir string `json:"from_destdir,omitempty"`
	ToDestdir   string `json:"to_destdir,omitempty"`
}

// itemState is the sticky, last-effective-event state for one
// identifier.
type itemState struct {
	event  string
	detail string // reason (skipped) or error (failed)
}

// Log is an append-only, thread-safe job log with single-pass replay
// for resume. The zero value is not usable; construct with Open.
type Log struct {
	path string

	mu sync.Mutex
	fh *os.File

	items            map[string]itemState
	completedBytes   map[string]int64
	completedFiles   map[string]int
	completedDestdir map[string]string
}

// Open opens path for appending, creating it if necessary, and
// replays any existing content into memory before returning. A
// malformed trailing line (partial write from a crash) is silently
// skipped.
func Open(path string) (*Log, error) {
	l := &Log{
		path:             path,
		items:            make(map[string]itemState),
		completedBytes:   make(map[string]int64),
		completedFiles:   make(map[string]int),
		completedDestdir: make(map[string]string),
	}

	if existing, err := os.Open(path); err == nil {
		l.replay(existing)
		existing.Close()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("joblog: open %s: %w", path, err)
	}

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("joblog: open %s for append: %w", path, err)
	}
	l.fh = fh
	return l, nil
}

// Exists reports whether a job log file is present at path, without
// opening it for writing. Used by the CLI bridge's --status mode.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (l *Log) replay(f *os.File) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Partial trailing write from a crash; discard.
			continue
		}
		l.apply(rec)
	}
}

func (l *Log) apply(rec record) {
	switch rec.Event {
	case EventCompleted:
		l.items[rec.ID] = itemState{event: EventCompleted}
		l.completedBytes[rec.ID] = rec.BytesTransferred
		l.completedFiles[rec.ID] = rec.FilesOK
		l.completedDestdir[rec.ID] = rec.Destdir
	case EventSkipped:
		if l.items[rec.ID].event != EventCompleted {
			l.items[rec.ID] = itemState{event: EventSkipped, detail: rec.Reason}
		}
	case EventFailed:
		if l.items[rec.ID].event != EventCompleted {
			l.items[rec.ID] = itemState{event: EventFailed, detail: rec.Error}
		}
	case EventStarted:
		if l.items[rec.ID].event != EventCompleted {
			l.items[rec.ID] = itemState{event: EventStarted}
		}
		// EventRerouted: advisory only, no state change.
	}
}

func nowTS() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// append serializes rec, writes it, flushes, and fsyncs when sync is
// true (state-transition events). apply() updates in-memory state
// under the same lock so readers never observe a write without its
// effect.
func (l *Log) append(rec record, sync bool) error {
	rec.TS = nowTS()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("joblog: marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("joblog: append: %w", err)
	}
	if sync {
		if err := l.fh.Sync(); err != nil {
			return fmt.Errorf("joblog: fsync: %w", err)
		}
	}
	l.apply(rec)
	return nil
}

// LogStarted records that work has begun on identifier.
func (l *Log) LogStarted(identifier, op, destdir string, estBytes int64, worker, retry int) error {
	return l.append(record{
		Event:    EventStarted,
		ID:       identifier,
		Op:       op,
		Destdir:  destdir,
		EstBytes: estBytes,
		Worker:   worker,
		Retry:    retry,
	}, true)
}

// LogCompleted records a successful completion.
func (l *Log) LogCompleted(identifier, op, destdir string, bytesTransferred int64, filesOK, filesSkipped, filesFailed int, elapsed time.Duration) error {
	return l.append(record{
		Event:            EventCompleted,
		ID:               identifier,
		Op:               op,
		Destdir:          destdir,
		BytesTransferred: bytesTransferred,
		FilesOK:          filesOK,
		FilesSkipped:     filesSkipped,
		FilesFailed:      filesFailed,
		Elapsed:          elapsed.Seconds(),
	}, true)
}

// LogFailed records a failed attempt. retriesLeft is recorded as
// given; the engine passes JobRetries-retry-1 floored at zero and
// re-queues the item while that value, before flooring, is zero or
// more, so 0 is logged both for the last failure that is retried and
// for the final one.
func (l *Log) LogFailed(identifier, op, errMsg string, retriesLeft int) error {
	return l.append(record{
		Event:       EventFailed,
		ID:          identifier,
		Op:          op,
		Error:       errMsg,
		RetriesLeft: retriesLeft,
	}, true)
}

// LogSkipped records that identifier was skipped for reason (one of
// the closed set of skip reasons above).
func (l *Log) LogSkipped(identifier, op, reason string) error {
	return l.append(record{
		Event:  EventSkipped,
		ID:     identifier,
		Op:     op,
		Reason: reason,
	}, true)
}

// LogRerouted records an advisory reroute; it never changes resume
// state, so it is flushed but not fsynced, unlike the state-transition
// events above.
func (l *Log) LogRerouted(identifier, op, fromDestdir, toDestdir, reason string) error {
	return l.append(record{
		Event:       EventRerouted,
		ID:          identifier,
		Op:          op,
		FromDestdir: fromDestdir,
		ToDestdir:   toDestdir,
		Reason:      reason,
	}, false)
}

// ShouldSkip reports whether identifier should be skipped on this
// run: true iff the effective state is completed, or skipped with a
// permanent reason. completed is sticky regardless of later events.
func (l *Log) ShouldSkip(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.items[identifier]
	if !ok {
		return false
	}
	switch state.event {
	case EventCompleted:
		return true
	case EventSkipped:
		return permanentSkipReasons[state.detail]
	default:
		return false
	}
}

// CompletedDestdir returns the destination directory recorded on the
// completed event for identifier, and whether one was found. Used by
// --verify to resolve per-item destdirs when multiple --destdirs were
// configured at download time.
func (l *Log) CompletedDestdir(identifier string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.completedDestdir[identifier]
	return d, ok
}

// FailedItem pairs an identifier with its last recorded error.
type FailedItem struct {
	Identifier string
	Error      string
}

// Status aggregates counters and a failed-item list by folding the
// in-memory maps; it never re-reads the file.
type Status struct {
	Completed    int
	Failed       int
	Skipped      int
	TotalBytes   int64
	TotalFilesOK int
	FailedItems  []FailedItem
}

// Status computes a summary of the job log's current state.
func (l *Log) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st Status
	for id, state := range l.items {
		switch state.event {
		case EventCompleted:
			st.Completed++
		case EventFailed:
			st.Failed++
			st.FailedItems = append(st.FailedItems, FailedItem{Identifier: id, Error: state.detail})
		case EventSkipped:
			st.Skipped++
		}
	}
	for _, b := range l.completedBytes {
		st.TotalBytes += b
	}
	for _, f := range l.completedFiles {
		st.TotalFilesOK += f
	}
	return st
}

// CompletedIdentifiers returns every identifier whose effective state
// is completed, for the --verify CLI mode.
func (l *Log) CompletedIdentifiers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.items))
	for id, state := range l.items {
		if state.event == EventCompleted {
			out = append(out, id)
		}
	}
	return out
}

// Close flushes and closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fh == nil {
		return nil
	}
	err := l.fh.Close()
	l.fh = nil
	return err
}
