// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package downloadworker implements bulkworker.Worker against
// archiveclient, the engine's reference operation: per-goroutine-index
// client cache, file selection by source/format/glob, and a verify
// pass comparing expected files against what's on disk.
package downloadworker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"bulkarchive/internal/archiveclient"
	"bulkarchive/internal/bulkworker"
)

// Options configures which of an item's files Execute downloads.
type Options struct {
	// Sources, when non-empty, restricts downloads to files whose
	// Source field matches one of these values (e.g. "original").
	Sources []string
	// Formats, when non-empty, restricts downloads to files whose
	// Format field matches one of these values.
	Formats []string
	// GlobPattern, when non-empty, restricts downloads to files whose
	// name matches the pattern (filepath.Match syntax).
	GlobPattern string
}

// Worker downloads an item's files via archiveclient.Client. A single
// Worker is shared by every goroutine in the engine's pool; each
// goroutine gets its own archiveclient.Client the first time it calls
// in, keyed by workerIndex, since http.Client is safe for concurrent
// use but per-goroutine clients let future callers attach
// goroutine-local state (cookies, rate limiters) without contention.
// EstimateSize and Verify receive no worker index and always use the
// client cached for index 0.
type Worker struct {
	newClient func() *archiveclient.Client
	opts      Options

	mu      sync.Mutex
	clients map[int]*archiveclient.Client
}

// New builds a Worker. newClient is called once per distinct
// workerIndex to produce that goroutine's archiveclient.Client.
func New(newClient func() *archiveclient.Client, opts Options) *Worker {
	return &Worker{
		newClient: newClient,
		opts:      opts,
		clients:   make(map[int]*archiveclient.Client),
	}
}

func (w *Worker) clientFor(workerIndex int) *archiveclient.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.clients[workerIndex]
	if !ok {
		c = w.newClient()
		w.clients[workerIndex] = c
	}
	return c
}

// EstimateSize returns the item's total size from its metadata.
func (w *Worker) EstimateSize(ctx context.Context, identifier string) (int64, error) {
	c := w.clientFor(0)
	item, err := c.GetItem(ctx, identifier)
	if err != nil {
		return -1, fmt.Errorf("downloadworker: estimate size for %s: %w", identifier, err)
	}
	if item.ItemSize <= 0 {
		return -1, nil
	}
	return item.ItemSize, nil
}

// Execute downloads every file of identifier matching Options into
// destdir/identifier/.
func (w *Worker) Execute(ctx context.Context, identifier, destdir string, workerIndex int) (bulkworker.Result, error) {
	c := w.clientFor(workerIndex)

	item, err := c.GetItem(ctx, identifier)
	if err != nil {
		return bulkworker.Result{}, fmt.Errorf("downloadworker: get item %s: %w", identifier, err)
	}
	if item.IsDark {
		// No file I/O for dark items; the failure is permanent but the
		// retry budget is the engine's call.
		return bulkworker.Result{}, fmt.Errorf("downloadworker: item %s is dark", identifier)
	}

	files := w.selectFiles(item.Files)

	itemDir := filepath.Join(destdir, identifier)
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return bulkworker.Result{}, fmt.Errorf("downloadworker: mkdir %s: %w", itemDir, err)
	}

	var res bulkworker.Result
	for _, f := range files {
		n, err := w.downloadOne(ctx, c, identifier, itemDir, f)
		if err != nil {
			res.FilesFailed++
			continue
		}
		res.FilesOK++
		res.BytesTransferred += n
	}
	if res.FilesFailed > 0 {
		return res, fmt.Errorf("downloadworker: %d of %d files failed for %s", res.FilesFailed, len(files), identifier)
	}
	return res, nil
}

func (w *Worker) selectFiles(all []archiveclient.File) []archiveclient.File {
	out := make([]archiveclient.File, 0, len(all))
	for _, f := range all {
		if len(w.opts.Sources) > 0 && !containsString(w.opts.Sources, f.Source) {
			continue
		}
		if len(w.opts.Formats) > 0 && !containsString(w.opts.Formats, f.Format) {
			continue
		}
		if w.opts.GlobPattern != "" {
			if ok, _ := filepath.Match(w.opts.GlobPattern, f.Name); !ok {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// fileRetries bounds how many attempts downloadOne makes at a single
// file, the first one included; it stops early on a non-retryable
// error. This is distinct from the engine's item-level retry queue.
const fileRetries = 3

func (w *Worker) downloadOne(ctx context.Context, c *archiveclient.Client, identifier, itemDir string, f archiveclient.File) (int64, error) {
	dest := filepath.Join(itemDir, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	if info, err := os.Stat(dest); err == nil && f.Size > 0 && info.Size() == f.Size {
		return info.Size(), nil // already present with matching size
	}

	var lastErr error
	for attempt := 0; attempt < fileRetries; attempt++ {
		n, err := w.fetchOne(ctx, c, identifier, dest, f)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !archiveclient.IsRetryable(err) {
			break
		}
	}
	return 0, lastErr
}

// fetchOne streams one file to dest. A partial file left by an earlier
// crash or failed attempt is resumed with a ranged GET when the server
// advertises byte-range support; otherwise it is rewritten from the
// start.
func (w *Worker) fetchOne(ctx context.Context, c *archiveclient.Client, identifier, dest string, f archiveclient.File) (int64, error) {
	var offset int64 = -1
	if info, err := os.Stat(dest); err == nil && f.Size > 0 && info.Size() > 0 && info.Size() < f.Size {
		if c.HeadAcceptsRanges(ctx, c.DownloadURL(identifier, f.Name)) {
			offset = info.Size()
		}
	}

	resp, err := c.OpenFile(ctx, identifier, f.Name, offset)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the range and sent the whole body.
		offset = -1
	}

	var out *os.File
	if offset > 0 {
		out, err = os.OpenFile(dest, os.O_APPEND|os.O_WRONLY, 0o644)
	} else {
		out, err = os.Create(dest)
	}
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return n, fmt.Errorf("downloadworker: write %s: %w", dest, err)
	}
	return n, nil
}

// Verify checks every file the metadata API lists for identifier
// against what's on disk under destdir/identifier.
func (w *Worker) Verify(ctx context.Context, identifier, destdir string) (bulkworker.VerifyResult, error) {
	c := w.clientFor(0)
	item, err := c.GetItem(ctx, identifier)
	if err != nil {
		return bulkworker.VerifyResult{}, fmt.Errorf("downloadworker: verify get item %s: %w", identifier, err)
	}

	files := w.selectFiles(item.Files)
	itemDir := filepath.Join(destdir, identifier)

	var res bulkworker.VerifyResult
	var missing []string
	for _, f := range files {
		res.FilesChecked++
		path := filepath.Join(itemDir, filepath.FromSlash(f.Name))
		info, err := os.Stat(path)
		if err != nil {
			res.FilesMissing++
			missing = append(missing, f.Name)
			continue
		}
		if f.Size > 0 && info.Size() != f.Size {
			res.FilesMissing++
			missing = append(missing, f.Name)
		}
	}
	res.OK = res.FilesMissing == 0
	res.Missing = missing
	return res, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
