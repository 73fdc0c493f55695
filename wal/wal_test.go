package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	w, err := Open(path, Options{FsyncPolicy: FsyncAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestAppendAndReadFrom(t *testing.T) {
	w, _ := openTemp(t)

	seq0, err := w.Append(Create, "n1", []byte("a"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(Patch, "n1", []byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}

	ch, err := w.ReadFrom(seq0)
	if err != nil {
		t.Fatalf("read_from: %v", err)
	}
	first := <-ch
	if first.Seq != seq0 || string(first.Payload) != "a" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	second := <-ch
	if string(second.Payload) != "b" {
		t.Fatalf("unexpected second record: %+v", second)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to close at end of stream")
	}
}

func TestCrashRecoveryDropsTrailingPartialRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Open(path, Options{FsyncPolicy: FsyncAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.Append(Create, "n1", []byte("one"))
	w.Append(Create, "n2", []byte("two"))
	w.Append(Create, "n3", []byte("three"))
	w.Close()

	// simulate a crash mid-write: drop the final byte of the file
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-1); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	w2, err := Open(path, Options{FsyncPolicy: FsyncAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	stats := w2.Stats()
	if stats.Count != 2 {
		t.Fatalf("expected 2 recovered records, got %d", stats.Count)
	}

	ch, err := w2.ReadFrom(0)
	if err != nil {
		t.Fatalf("read_from: %v", err)
	}
	var got []string
	for rec := range ch {
		got = append(got, string(rec.Payload))
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected recovered records: %v", got)
	}
}

func TestCompactRetainsOnlyNewerRecords(t *testing.T) {
	w, _ := openTemp(t)
	w.Append(Create, "n1", []byte("a"))
	seq1, _ := w.Append(Create, "n2", []byte("b"))
	w.Append(Create, "n3", []byte("c"))

	if err := w.Compact(seq1); err != nil {
		t.Fatalf("compact: %v", err)
	}

	stats := w.Stats()
	if stats.Count != 1 {
		t.Fatalf("expected 1 record after compaction, got %d", stats.Count)
	}

	ch, err := w.ReadFrom(0)
	if err != nil {
		t.Fatalf("read_from: %v", err)
	}
	rec := <-ch
	if string(rec.Payload) != "c" {
		t.Fatalf("expected surviving record 'c', got %q", rec.Payload)
	}
}

func TestStatsEmpty(t *testing.T) {
	w, _ := openTemp(t)
	stats := w.Stats()
	if stats.Count != 0 {
		t.Fatalf("expected empty wal, got count %d", stats.Count)
	}
}
