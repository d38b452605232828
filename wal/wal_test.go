package wal

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/barrelkv/barrelkv/kverrors"
	"github.com/barrelkv/barrelkv/record"
	"github.com/barrelkv/barrelkv/value"
)

func openTestWAL(t *testing.T, flushInterval time.Duration) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, flushInterval)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w, dir
}

func TestOpenCreatesFile(t *testing.T) {
	w, dir := openTestWAL(t, time.Hour)
	defer w.Close()

	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("expected wal.log to exist: %v", err)
	}
}

func TestWriteRecordThenFlushIsDurable(t *testing.T) {
	w, dir := openTestWAL(t, time.Hour) // long interval: only explicit Flush should persist
	if err := w.WriteRecord(record.KindSet, "k1", []byte("v1")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Replay before Close, since Close would itself sync the file.
	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "k1" || string(entries[0].Value.Bytes()) != "v1" {
		t.Fatalf("unexpected replay result: %+v", entries)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPeriodicSyncPersistsWithoutExplicitFlush(t *testing.T) {
	w, dir := openTestWAL(t, 10*time.Millisecond)
	if err := w.WriteRecord(record.KindSet, "k1", []byte("v1")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// Replay before Close, since Close would itself sync the file.
	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the periodic sync to have persisted one entry, got %d", len(entries))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestResetTruncatesFile(t *testing.T) {
	w, dir := openTestWAL(t, time.Hour)
	defer w.Close()

	if err := w.WriteRecord(record.KindSet, "k1", []byte("v1")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	info, err := os.Stat(Path(dir))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected wal.log to be truncated to zero length, got %d bytes", info.Size())
	}

	if err := w.WriteRecord(record.KindSet, "k2", []byte("v2")); err != nil {
		t.Fatalf("WriteRecord after reset: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush after reset: %v", err)
	}

	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "k2" {
		t.Fatalf("expected only the post-reset record to survive, got %+v", entries)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, _ := openTestWAL(t, time.Hour)
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestOperationsAfterCloseReturnChannelClosed(t *testing.T) {
	w, _ := openTestWAL(t, time.Hour)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := w.WriteRecord(record.KindSet, "k", []byte("v")); !kverrors.Is(err, kverrors.KindChannelClosed) {
		t.Fatalf("expected ChannelClosed after Close, got %v", err)
	}
	if err := w.Flush(); !kverrors.Is(err, kverrors.KindChannelClosed) {
		t.Fatalf("expected ChannelClosed after Close, got %v", err)
	}
	if err := w.Reset(); !kverrors.Is(err, kverrors.KindChannelClosed) {
		t.Fatalf("expected ChannelClosed after Close, got %v", err)
	}
}

func TestConcurrentWritersAllSucceed(t *testing.T) {
	w, dir := openTestWAL(t, time.Hour)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if err := w.WriteRecord(record.KindSet, keyFor(i), []byte("v")); err != nil {
				t.Errorf("WriteRecord %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
}

func keyFor(i int) string {
	return fmt.Sprintf("k:%03d", i)
}

func TestReplayOfMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries for a missing wal.log, got %v", entries)
	}
}

func TestReplayIncludesTombstonesInOrder(t *testing.T) {
	w, dir := openTestWAL(t, time.Hour)
	if err := w.WriteRecord(record.KindSet, "k", []byte("v1")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.WriteRecord(record.KindDelete, "k", nil); err != nil {
		t.Fatalf("WriteRecord delete: %v", err)
	}
	if err := w.WriteRecord(record.KindSet, "k", []byte("v2")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.Close(); err != nil { // Close flushes pending writes
		t.Fatalf("Close: %v", err)
	}

	entries, err := Replay(dir)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if !entries[1].Value.IsDeleted() {
		t.Fatalf("expected the middle entry to be a tombstone")
	}

	// Last-writer-wins is the replaying caller's responsibility; applying
	// these entries in order to a map yields v2, not a tombstone.
	latest := map[string]value.Value{}
	for _, e := range entries {
		latest[e.Key] = e.Value
	}
	if got := latest["k"]; !got.IsPresent() || string(got.Bytes()) != "v2" {
		t.Fatalf("expected last-writer-wins to leave (v2, present), got %v", got)
	}
}

func TestReplayDetectsCorruption(t *testing.T) {
	w, dir := openTestWAL(t, time.Hour)
	if err := w.WriteRecord(record.KindSet, "k", []byte("v")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := Path(dir)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF // flip a payload byte, breaking the CRC
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Replay(dir); !kverrors.Is(err, kverrors.KindCorruption) {
		t.Fatalf("expected a corruption error from a flipped payload byte, got %v", err)
	}
}
