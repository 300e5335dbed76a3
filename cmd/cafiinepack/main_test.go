package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/cafiine/pkg/gamepack"
)

func TestDescribe(t *testing.T) {
	src := filepath.Join(t.TempDir(), "00050000-101C9400")
	if err := os.MkdirAll(filepath.Join(src, "content"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "content", "a.bin"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	validTo := time.Date(2099, 12, 31, 23, 59, 0, 0, time.UTC)
	path, err := gamepack.Create(filepath.Join(t.TempDir(), "out"), src, "", gamepack.MinTime, validTo)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pack, err := gamepack.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var out bytes.Buffer
	describe(&out, pack)
	s := out.String()

	for _, want := range []string{
		"Root      : 00050000-101C9400",
		"Valid from: no limit",
		"Valid to  : 23:59-31.12.2099",
		"00050000-101C9400/content/a.bin",
		"1 files, 5 bytes",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, s)
		}
	}
}

func TestFormatBound(t *testing.T) {
	if got := formatBound(gamepack.MaxTime, gamepack.MaxTime); got != "no limit" {
		t.Errorf("expected no limit, got %s", got)
	}
	ts := time.Date(2015, 2, 1, 8, 30, 0, 0, time.UTC)
	if got := formatBound(ts, gamepack.MaxTime); got != "08:30-01.02.2015" {
		t.Errorf("expected 08:30-01.02.2015, got %s", got)
	}
}
