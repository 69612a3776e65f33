// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package uibus

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPlainHandlerFormatsCompleted(t *testing.T) {
	var buf bytes.Buffer
	h := NewPlainHandler(&buf, 10)
	h.Handle(Event{Kind: ItemCompleted, Identifier: "item1", ItemIndex: 3, FilesOK: 5, BytesDone: 2048, Elapsed: 2 * time.Second})

	out := buf.String()
	if !strings.Contains(out, "item1") || !strings.Contains(out, "[3/10]") || !strings.Contains(out, "5 files") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestPlainHandlerFailedIncludesError(t *testing.T) {
	var buf bytes.Buffer
	h := NewPlainHandler(&buf, 0)
	h.Handle(Event{Kind: ItemFailed, Identifier: "item1", Error: "connection reset"})
	if !strings.Contains(buf.String(), "FAILED: connection reset") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	panicky := func(Event) { panic("boom") }
	// Must not panic out of Dispatch.
	Dispatch(panicky, Event{Kind: ItemStarted})
}

func TestDispatchNilHandlerIsNoop(t *testing.T) {
	Dispatch(nil, Event{Kind: ItemStarted})
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	h := NewPlainHandler(&buf, 0)
	h.PrintSummary(5, 1, 2, 4096, 10*time.Second)
	out := buf.String()
	if !strings.Contains(out, "5 completed") || !strings.Contains(out, "1 failed") || !strings.Contains(out, "2 skipped") {
		t.Fatalf("unexpected summary: %q", out)
	}
}
