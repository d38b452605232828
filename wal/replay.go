package wal

import (
	"errors"
	"io"
	"os"

	"github.com/barrelkv/barrelkv/kverrors"
	"github.com/barrelkv/barrelkv/record"
	"github.com/barrelkv/barrelkv/value"
)

// Entry is one (key, value) pair recovered by Replay, in the order the
// records appear in the log.
type Entry struct {
	Key   string
	Value value.Value
}

// Replay reads every record from the WAL file at dir/wal.log in order and
// returns the resulting (key, value) sequence, including tombstones. A
// missing file replays as empty — an engine opening a fresh directory has
// nothing to recover. Duplicate keys are returned once per record, in
// insertion order; callers that want last-writer-wins semantics (as the
// engine does, replaying into a memtable) get that for free by applying
// entries in the returned order.
func Replay(dir string) ([]Entry, error) {
	f, err := os.Open(Path(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, kverrors.IO("wal.Replay", err)
	}
	defer f.Close()

	var entries []Entry
	for {
		rec, err := record.Read(f)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		var v value.Value
		switch rec.Kind {
		case record.KindSet:
			v = value.Present(rec.Value)
		case record.KindDelete:
			v = value.Deleted
		}
		entries = append(entries, Entry{Key: rec.Key, Value: v})
	}

	return entries, nil
}
