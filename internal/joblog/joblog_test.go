// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package joblog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestShouldSkipUnknownIdentifier(t *testing.T) {
	l, _ := openTemp(t)
	if l.ShouldSkip("nobody-here") {
		t.Fatal("unknown identifier should not be skipped")
	}
}

func TestCompletedIsSticky(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.LogCompleted("item1", "download", "/d1", 1024, 3, 0, 0, time.Second); err != nil {
		t.Fatalf("LogCompleted: %v", err)
	}
	// A later failed record for the same identifier must not un-complete it.
	if err := l.LogFailed("item1", "download", "transient glitch", 0); err != nil {
		t.Fatalf("LogFailed: %v", err)
	}
	if !l.ShouldSkip("item1") {
		t.Fatal("completed item became skippable-false after a later failed record")
	}
}

func TestPermanentSkipReasonsAreSticky(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.LogSkipped("darkitem", "download", SkipDark); err != nil {
		t.Fatalf("LogSkipped: %v", err)
	}
	if !l.ShouldSkip("darkitem") {
		t.Fatal("dark-skipped item should be permanently skipped")
	}
}

func TestTransientSkipReasonIsNotSticky(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.LogSkipped("fullitem", "download", SkipNoDiskSpace); err != nil {
		t.Fatalf("LogSkipped: %v", err)
	}
	if l.ShouldSkip("fullitem") {
		t.Fatal("no_disk_space skip should be retried on a later run")
	}
}

func TestResumeReplaysFromDisk(t *testing.T) {
	l, path := openTemp(t)
	if err := l.LogCompleted("item1", "download", "/d1", 2048, 1, 0, 0, time.Millisecond); err != nil {
		t.Fatalf("LogCompleted: %v", err)
	}
	if err := l.LogSkipped("item2", "download", SkipExists); err != nil {
		t.Fatalf("LogSkipped: %v", err)
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	if !l2.ShouldSkip("item1") {
		t.Fatal("item1 should resume as completed")
	}
	if !l2.ShouldSkip("item2") {
		t.Fatal("item2 should resume as permanently skipped")
	}
	st := l2.Status()
	if st.Completed != 1 || st.Skipped != 1 {
		t.Fatalf("Status = %+v, want 1 completed, 1 skipped", st)
	}
	if st.TotalBytes != 2048 {
		t.Fatalf("TotalBytes = %d, want 2048", st.TotalBytes)
	}
}

func TestResumeIgnoresTrailingPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.log")
	good := `{"ts":"2026-01-01T00:00:00.000Z","event":"completed","id":"item1","op":"download","bytes_transferred":10}` + "\n"
	partial := `{"ts":"2026-01-01T00:00:01.000Z","event":"started","id":"item2"`
	if err := os.WriteFile(path, []byte(good+partial), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open over partial trailing line: %v", err)
	}
	defer l.Close()

	if !l.ShouldSkip("item1") {
		t.Fatal("item1 should have replayed as completed")
	}
	if l.ShouldSkip("item2") {
		t.Fatal("item2's partial record should not have been applied")
	}
}

func TestCompletedDestdirRecorded(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.LogCompleted("item1", "download", "/data/d2", 10, 1, 0, 0, time.Second); err != nil {
		t.Fatalf("LogCompleted: %v", err)
	}
	dir, ok := l.CompletedDestdir("item1")
	if !ok || dir != "/data/d2" {
		t.Fatalf("CompletedDestdir = (%q, %v), want (/data/d2, true)", dir, ok)
	}
}

func TestFailedItemsListedInStatus(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.LogFailed("item1", "download", "HTTP 503", 0); err != nil {
		t.Fatalf("LogFailed: %v", err)
	}
	st := l.Status()
	if st.Failed != 1 || len(st.FailedItems) != 1 {
		t.Fatalf("Status = %+v, want 1 failed item", st)
	}
	if st.FailedItems[0].Error != "HTTP 503" {
		t.Fatalf("FailedItems[0].Error = %q", st.FailedItems[0].Error)
	}
}

func TestReroutedDoesNotAffectResumeState(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.LogRerouted("item1", "download", "/d1", "/d2", "no_disk_space"); err != nil {
		t.Fatalf("LogRerouted: %v", err)
	}
	if l.ShouldSkip("item1") {
		t.Fatal("a reroute alone should not mark an item as resumed")
	}
}
