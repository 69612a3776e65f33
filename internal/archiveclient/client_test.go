// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archiveclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetItemParsesMixedSizeEncodings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"metadata": {"identifier": "item1", "title": "Example Item"},
			"item_size": "2048",
			"is_dark": false,
			"files": [
				{"name": "a.txt", "size": 10},
				{"name": "b.txt", "size": "2038"}
			]
		}`)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	item, err := c.GetItem(context.Background(), "item1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.ItemSize != 2048 {
		t.Fatalf("ItemSize = %d, want 2048", item.ItemSize)
	}
	if len(item.Files) != 2 || item.Files[1].Size != 2038 {
		t.Fatalf("Files = %+v", item.Files)
	}
}

func TestGetItemUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	if _, err := c.GetItem(context.Background(), "restricted"); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestGetItemNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"metadata": {}, "files": []}`)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.GetItem(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestDownloadURLEscapesNestedPaths(t *testing.T) {
	c := New(WithBaseURL("https://example.org"))
	got := c.DownloadURL("item one", "sub dir/file name.txt")
	want := "https://example.org/download/item%20one/sub%20dir/file%20name.txt"
	if got != want {
		t.Fatalf("DownloadURL = %q, want %q", got, want)
	}
}

func TestOpenFileSetsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	resp, err := c.OpenFile(context.Background(), "item1", "file.bin", 1024)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	resp.Body.Close()
	if gotRange != "bytes=1024-" {
		t.Fatalf("Range header = %q, want bytes=1024-", gotRange)
	}
}
