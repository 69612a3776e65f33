// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package engine orchestrates concurrent bulk operations over a list
// of archive identifiers: disk routing, job logging, retries, and UI
// event emission. Bounded concurrency is a goroutine group fed by a
// pre-filled channel of worker slot indices (`slots := make(chan int,
// NumWorkers)` in processPass), the same shape as a bounded-worker-pool
// download loop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bulkarchive/internal/bulkworker"
	"bulkarchive/internal/diskpool"
	"bulkarchive/internal/joblog"
	"bulkarchive/internal/uibus"
)

// Options configures an Engine.
type Options struct {
	NumWorkers int
	JobRetries int
	Op         string // log/event operation name, e.g. "download"
	UIHandler  uibus.Handler
}

// Result is the outcome of one Run call.
type Result struct {
	Completed int
	Failed    int
	Skipped   int
}

// Engine drives a Worker over a set of identifiers concurrently,
// routing each through a DiskPool and recording every state
// transition to a Log.
type Engine struct {
	worker bulkworker.Worker
	log    *joblog.Log
	disk   *diskpool.Pool
	opts   Options

	mu         sync.Mutex
	completed  int
	failed     int
	skipped    int
	totalBytes int64

	stopRequested atomic.Bool
	pauseMu       sync.Mutex
	paused        bool
	resumeCh      chan struct{}

	fatalMu  sync.Mutex
	fatalErr error
}

// New constructs an Engine. opts.NumWorkers < 1 is treated as 1.
func New(worker bulkworker.Worker, log *joblog.Log, disk *diskpool.Pool, opts Options) *Engine {
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	if opts.Op == "" {
		opts.Op = "download"
	}
	return &Engine{
		worker:   worker,
		log:      log,
		disk:     disk,
		opts:     opts,
		resumeCh: make(chan struct{}),
	}
}

// RequestStop signals the engine to stop submitting new items; items
// already in flight run to completion.
func (e *Engine) RequestStop() { e.stopRequested.Store(true) }

// Pause blocks submission of new items until Resume is called.
// In-flight items are unaffected.
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if !e.paused {
		e.paused = true
		e.resumeCh = make(chan struct{})
	}
}

// Resume unblocks item submission after a Pause.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resumeCh)
	}
}

// fail records a job-log I/O failure as fatal and requests that no
// further items be submitted. Only the first such error is kept; the
// engine cannot meaningfully proceed once durable progress can't be
// recorded.
func (e *Engine) fail(err error) {
	e.fatalMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	e.stopRequested.Store(true)
}

func (e *Engine) fatal() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

func (e *Engine) waitIfPaused(ctx context.Context) bool {
	e.pauseMu.Lock()
	ch := e.resumeCh
	paused := e.paused
	e.pauseMu.Unlock()
	if !paused {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

type queueItem struct {
	identifier string
	retry      int
	itemIndex  int
}

// Run executes the bulk operation for every identifier not already
// resolved by the job log. Items that fail are retried up to
// opts.JobRetries times across successive passes, matching the
// original engine's queue/retry-queue handoff between passes.
//
// A job-log write failure is a fatal, engine-cannot-proceed condition:
// it is returned as err, after every in-flight item's disk reservation
// and worker slot have been released, matching the original's
// unguarded job_log.log_* call propagating out of the run while its
// per-item try/finally still releases resources.
func (e *Engine) Run(ctx context.Context, identifiers []string) (Result, error) {
	total := len(identifiers)
	queue := make([]queueItem, 0, total)

	for idx, ident := range identifiers {
		if e.log.ShouldSkip(ident) {
			e.emit(uibus.Event{Kind: uibus.ItemSkipped, Identifier: ident, ItemIndex: idx + 1, TotalItems: total})
			e.mu.Lock()
			e.skipped++
			e.mu.Unlock()
			continue
		}
		queue = append(queue, queueItem{identifier: ident, retry: 0, itemIndex: idx + 1})
	}

	for len(queue) > 0 {
		if e.stopRequested.Load() {
			break
		}
		queue = e.processPass(ctx, queue, total)
	}

	e.mu.Lock()
	res := Result{Completed: e.completed, Failed: e.failed, Skipped: e.skipped}
	e.mu.Unlock()
	return res, e.fatal()
}

// processPass runs one pass over queue with opts.NumWorkers
// concurrent goroutines and returns the items to retry in the next
// pass. Worker identity is a slot index (0..NumWorkers-1) drawn from
// a pre-filled token channel, since goroutines have no stable identity
// of their own; a goroutine holds its slot index for an item's full
// lifetime, giving each concurrent lane one stable worker ID.
func (e *Engine) processPass(ctx context.Context, queue []queueItem, total int) []queueItem {
	slots := make(chan int, e.opts.NumWorkers)
	for i := 0; i < e.opts.NumWorkers; i++ {
		slots <- i
	}

	var wg sync.WaitGroup
	var retryMu sync.Mutex
	var retryQueue []queueItem

submit:
	for _, item := range queue {
		if e.stopRequested.Load() {
			break
		}
		if !e.waitIfPaused(ctx) {
			break
		}

		var workerID int
		select {
		case workerID = <-slots:
		case <-ctx.Done():
			break submit
		}
		if e.stopRequested.Load() {
			slots <- workerID
			break
		}

		wg.Add(1)
		go func(it queueItem, wid int) {
			defer wg.Done()
			defer func() { slots <- wid }()
			e.runItem(ctx, it, total, wid, &retryMu, &retryQueue)
		}(item, workerID)
	}

	wg.Wait()
	return retryQueue
}

func (e *Engine) runItem(ctx context.Context, item queueItem, total, workerID int, retryMu *sync.Mutex, retryQueue *[]queueItem) {
	est, err := e.worker.EstimateSize(ctx, item.identifier)
	if err != nil {
		est = -1
	}

	destdir, ok := e.disk.Route(est)
	if !ok {
		if err := e.log.LogSkipped(item.identifier, e.opts.Op, joblog.SkipNoDiskSpace); err != nil {
			e.fail(fmt.Errorf("engine: job log write for %s: %w", item.identifier, err))
			return
		}
		e.emit(uibus.Event{Kind: uibus.ItemSkipped, Identifier: item.identifier, Worker: workerID, ItemIndex: item.itemIndex, TotalItems: total, Error: "no_disk_space"})
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		return
	}

	estForRelease := est
	if estForRelease < 0 {
		estForRelease = 2 * diskpool.DefaultMargin
	}
	defer e.disk.Release(destdir, estForRelease)

	success := e.runOne(ctx, item, destdir, total, workerID, est)
	if !success {
		retriesLeft := e.opts.JobRetries - item.retry - 1
		if retriesLeft >= 0 {
			retryMu.Lock()
			*retryQueue = append(*retryQueue, queueItem{identifier: item.identifier, retry: item.retry + 1, itemIndex: item.itemIndex})
			retryMu.Unlock()
		}
	}
}

// runOne returns true when the item is settled (completed, skipped, or
// aborted on a fatal log-write error) and false when it failed and is
// eligible for the retry queue.
func (e *Engine) runOne(ctx context.Context, item queueItem, destdir string, total, workerID int, est int64) bool {
	if err := e.log.LogStarted(item.identifier, e.opts.Op, destdir, est, workerID, item.retry); err != nil {
		e.fail(fmt.Errorf("engine: job log write for %s: %w", item.identifier, err))
		return true
	}
	e.emit(uibus.Event{Kind: uibus.ItemStarted, Identifier: item.identifier, Worker: workerID, ItemIndex: item.itemIndex, TotalItems: total, BytesTotal: maxInt64(est, 0)})

	start := time.Now()
	result, err := e.worker.Execute(ctx, item.identifier, destdir, workerID)
	elapsed := time.Since(start)

	if err != nil {
		return e.recordFailure(item, err.Error(), elapsed, workerID, total)
	}

	if result.Skip != "" {
		if err := e.log.LogSkipped(item.identifier, e.opts.Op, result.Skip); err != nil {
			e.fail(fmt.Errorf("engine: job log write for %s: %w", item.identifier, err))
			return true
		}
		e.emit(uibus.Event{Kind: uibus.ItemSkipped, Identifier: item.identifier, Worker: workerID, ItemIndex: item.itemIndex, TotalItems: total, Error: result.Skip})
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		return true
	}

	if err := e.log.LogCompleted(item.identifier, e.opts.Op, destdir, result.BytesTransferred, result.FilesOK, result.FilesSkipped, result.FilesFailed, elapsed); err != nil {
		e.fail(fmt.Errorf("engine: job log write for %s: %w", item.identifier, err))
		return true
	}
	e.emit(uibus.Event{
		Kind: uibus.ItemCompleted, Identifier: item.identifier, Worker: workerID, ItemIndex: item.itemIndex,
		TotalItems: total, BytesDone: result.BytesTransferred, BytesTotal: maxInt64(est, 0), FilesOK: result.FilesOK, Elapsed: elapsed,
	})
	e.mu.Lock()
	e.completed++
	e.totalBytes += result.BytesTransferred
	e.mu.Unlock()
	return true
}

func (e *Engine) recordFailure(item queueItem, errMsg string, elapsed time.Duration, workerID, total int) bool {
	retriesLeft := e.opts.JobRetries - item.retry - 1
	if retriesLeft < 0 {
		retriesLeft = 0
	}
	if err := e.log.LogFailed(item.identifier, e.opts.Op, errMsg, retriesLeft); err != nil {
		e.fail(fmt.Errorf("engine: job log write for %s: %w", item.identifier, err))
		return true
	}
	e.emit(uibus.Event{Kind: uibus.ItemFailed, Identifier: item.identifier, Worker: workerID, ItemIndex: item.itemIndex, TotalItems: total, Error: errMsg, Elapsed: elapsed})

	if e.opts.JobRetries-item.retry-1 < 0 {
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
	}
	return false
}

func (e *Engine) emit(ev uibus.Event) {
	uibus.Dispatch(e.opts.UIHandler, ev)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
