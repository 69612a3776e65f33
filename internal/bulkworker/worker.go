// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package bulkworker defines the contract every bulk-engine operation
// (download, and future siblings such as upload) implements.
package bulkworker

import "context"

// Result carries the outcome of a single Execute call back to the
// engine, for both the job log and the UI event bus.
type Result struct {
	BytesTransferred int64
	FilesOK          int
	FilesSkipped     int
	FilesFailed      int

	// Skip, when non-empty, tells the engine to record a skip instead
	// of a completion, using this value as the reason ("exists",
	// "dark", "empty").
	Skip string
}

// VerifyResult carries the outcome of a Verify call. FilesChecked is
// the number of files expected on disk; Missing lists the names of
// those found absent or with the wrong size, for the CLI's
// "found/expected missing: ..." report.
type VerifyResult struct {
	OK           bool
	FilesChecked int
	FilesMissing int
	Missing      []string
}

// Worker is the contract the engine drives every item through. A
// single Worker value is shared across all goroutines in the pool;
// implementations that need per-goroutine state (an HTTP session, for
// instance) must key it by the worker index Execute receives.
type Worker interface {
	// EstimateSize returns a best-effort byte estimate for identifier,
	// used to route it to a destination directory with enough free
	// space. A negative return means "unknown"; the caller substitutes
	// a conservative reservation.
	EstimateSize(ctx context.Context, identifier string) (int64, error)

	// Execute performs the operation against identifier, writing under
	// destdir. workerIndex identifies which pool slot is calling, for
	// workers that cache per-goroutine resources.
	Execute(ctx context.Context, identifier, destdir string, workerIndex int) (Result, error)

	// Verify checks that identifier's output under destdir is present
	// and intact, without re-fetching data that is already there.
	Verify(ctx context.Context, identifier, destdir string) (VerifyResult, error)
}
