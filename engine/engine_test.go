package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func mustOpen(t *testing.T, dir string, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(dir, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestPutThenGet(t *testing.T) {
	e := mustOpen(t, t.TempDir())
	defer e.Close()

	if err := e.Put("user:1", []byte("Alice")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Put("user:2", []byte("Bob")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := e.Get("user:1")
	if err != nil || !ok || string(v) != "Alice" {
		t.Fatalf("Get(user:1): (%q, %v, %v)", v, ok, err)
	}

	if err := e.Delete("user:2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = e.Get("user:2")
	if err != nil || ok {
		t.Fatalf("Get(user:2) after delete: expected absent, got ok=%v err=%v", ok, err)
	}
}

func TestPutManyThenDeleteSome(t *testing.T) {
	e := mustOpen(t, t.TempDir())
	defer e.Close()

	const n = 10
	for i := 0; i < n; i++ {
		if err := e.Put(fmt.Sprintf("key:%d", i), []byte(fmt.Sprintf("value:%d", i))); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := e.Delete("key:5"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.Delete("key:7"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for i := 0; i < n; i++ {
		v, ok, err := e.Get(fmt.Sprintf("key:%d", i))
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if i == 5 || i == 7 {
			if ok {
				t.Fatalf("key %d: expected absent after delete, got %q", i, v)
			}
			continue
		}
		want := fmt.Sprintf("value:%d", i)
		if !ok || string(v) != want {
			t.Fatalf("key %d: got (%q, %v), want %q", i, v, ok, want)
		}
	}
}

func TestReopenRecoversViaWALReplay(t *testing.T) {
	dir := t.TempDir()

	e := mustOpen(t, dir)
	if err := e.Put("name", []byte("snaildb")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Close(); err != nil { // Close flushes and fsyncs the WAL
		t.Fatalf("Close: %v", err)
	}

	e2 := mustOpen(t, dir)
	defer e2.Close()

	v, ok, err := e2.Get("name")
	if err != nil || !ok || string(v) != "snaildb" {
		t.Fatalf("Get(name) after reopen: (%q, %v, %v)", v, ok, err)
	}
}

func TestFlushProducesSSTableAndTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir, WithFlushThreshold(1)) // flush after the very first put
	defer e.Close()

	if err := e.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one sst file after an automatic flush, got %v", matches)
	}

	info, err := os.Stat(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatalf("Stat wal.log: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected wal.log truncated to zero after flush, got %d bytes", info.Size())
	}

	v, ok, err := e.Get("k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get(k) after flush: (%q, %v, %v)", v, ok, err)
	}
}

func TestMemtableShadowsOlderSSTableValue(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir, WithFlushThreshold(1))
	defer e.Close()

	if err := e.Put("k", []byte("v1")); err != nil { // flushes immediately
		t.Fatalf("Put: %v", err)
	}
	// A large threshold keeps the next write in the memtable.
	e.WithFlushThreshold(DefaultFlushThresholdBytes)
	if err := e.Put("k", []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := e.Get("k")
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("expected the memtable's v2 to shadow the flushed v1, got (%q, %v, %v)", v, ok, err)
	}
}

func TestDeleteAfterFlushShadowsOlderSSTableValue(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir, WithFlushThreshold(1))
	defer e.Close()

	if err := e.Put("k", []byte("v1")); err != nil { // flushes immediately
		t.Fatalf("Put: %v", err)
	}
	e.WithFlushThreshold(DefaultFlushThresholdBytes)
	if err := e.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, ok, err := e.Get("k")
	if err != nil || ok {
		t.Fatalf("expected the memtable tombstone to shadow the flushed value, got ok=%v err=%v", ok, err)
	}
}

func TestFlushMemtableIsNoOpWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.FlushMemtable(); err != nil {
		t.Fatalf("FlushMemtable on empty memtable: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no sst file from flushing an empty memtable, got %v", matches)
	}
}

func TestGetOnFreshEngineIsAbsent(t *testing.T) {
	e := mustOpen(t, t.TempDir())
	defer e.Close()

	_, ok, err := e.Get("missing")
	if err != nil || ok {
		t.Fatalf("expected absent on a fresh engine, got ok=%v err=%v", ok, err)
	}
}

func TestNonSSTFilesInDirAreIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := mustOpen(t, dir)
	defer e.Close()
}
