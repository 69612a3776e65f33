// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIdentifiersFromItemlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.txt")
	if err := os.WriteFile(path, []byte("item1\n\n  item2  \nitem3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := identifiersFrom(&downloadSettings{Itemlist: path}, nil)
	if err != nil {
		t.Fatalf("identifiersFrom: %v", err)
	}
	want := []string{"item1", "item2", "item3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestIdentifiersFromArgs(t *testing.T) {
	ids, err := identifiersFrom(&downloadSettings{}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("identifiersFrom: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestIdentifiersFromNothingIsAnError(t *testing.T) {
	if _, err := identifiersFrom(&downloadSettings{}, nil); err == nil {
		t.Fatal("expected an error when no identifier source is given")
	}
}

func TestSearchWithoutResolverIsAnError(t *testing.T) {
	if _, err := identifiersFrom(&downloadSettings{Search: "collection:live"}, nil); err == nil {
		t.Fatal("expected --search without a resolver to error")
	}
}

func TestLoadConfigFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"workers": 8, "disk-margin": "2G"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg["disk-margin"] != "2G" {
		t.Fatalf("disk-margin = %v", cfg["disk-margin"])
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("workers: 8\ndisk-margin: 2G\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg["disk-margin"] != "2G" {
		t.Fatalf("disk-margin = %v", cfg["disk-margin"])
	}
}

func TestLoadConfigFileRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"workers": `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfigFile(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
