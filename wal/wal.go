// Package wal implements the engine's write-ahead log: a single
// append-only wal.log file owned exclusively, after Open, by one
// background writer goroutine. Callers enqueue commands on a single
// command channel and wait for the writer's reply: a write returns once the
// record is buffered, Flush and Reset once their file operations are done.
// Durability is only guaranteed once Flush returns or a periodic sync has
// elapsed.
//
// The writer-task/command-channel shape and its orderly Close are
// grounded on FlashLogGo's WALWriter (github.com/Priyanshu23/FlashLogGo),
// generalized from a single always-sync write to a buffered writer that
// coalesces a burst of appends and fsyncs on an explicit Flush/Reset or a
// periodic timeout.
package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/barrelkv/barrelkv/kverrors"
	"github.com/barrelkv/barrelkv/record"
)

// FileName is the WAL's fixed file name within an engine's base directory.
const FileName = "wal.log"

// DefaultFlushInterval is the periodic fsync interval used when none is
// supplied to Open. The reference sources split between 50ms and 500ms;
// this store standardizes on the faster of the two.
const DefaultFlushInterval = 50 * time.Millisecond

type commandKind int

const (
	cmdWrite commandKind = iota
	cmdFlush
	cmdReset
	cmdShutdown
)

type command struct {
	kind  commandKind
	kind_ record.Kind // avoid colliding with commandKind's field name "kind"
	key   string
	value []byte
	done  chan error
}

// WAL is a handle to the background writer task. The zero WAL is not
// usable; construct one with Open.
type WAL struct {
	cmds chan command
	exit chan struct{} // closed once the writer loop has returned

	mu     sync.Mutex
	closed bool
}

// Open creates dir if missing, opens (or creates) wal.log in append mode,
// and starts the dedicated writer goroutine. flushInterval governs how
// often un-fsynced writes are flushed in the absence of an explicit Flush;
// a non-positive value selects DefaultFlushInterval.
func Open(dir string, flushInterval time.Duration) (*WAL, error) {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kverrors.IO("wal.Open", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, kverrors.IO("wal.Open", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, kverrors.IO("wal.Open", err)
	}

	w := &WAL{
		cmds: make(chan command, 64),
		exit: make(chan struct{}),
	}

	go w.loop(f, flushInterval)

	return w, nil
}

// Path returns the WAL file's path given the engine base directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// submit hands cmd to the writer goroutine and waits for its reply. The
// mutex serializes every submit against Close: once Close has observed (and
// set) closed under the lock, no later submit can enqueue behind its
// shutdown command, so the writer is never asked to answer a command that
// arrives after it has already been told to exit.
func (w *WAL) submit(cmd command) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return kverrors.ChannelClosed("wal")
	}
	w.cmds <- cmd
	w.mu.Unlock()

	return <-cmd.done
}

// WriteRecord enqueues one SET or DELETE record. It returns once the
// writer task has accepted and buffered the record; the write is not
// necessarily durable until Flush is called or the periodic sync fires.
func (w *WAL) WriteRecord(kind record.Kind, key string, value []byte) error {
	return w.submit(command{kind: cmdWrite, kind_: kind, key: key, value: value, done: make(chan error, 1)})
}

// Flush writes any buffered records, fsyncs the file, and returns once
// both have completed.
func (w *WAL) Flush() error {
	return w.submit(command{kind: cmdFlush, done: make(chan error, 1)})
}

// Reset flushes pending writes, truncates the file to zero length, fsyncs,
// and seeks back to the start. It is called after a successful memtable
// flush.
func (w *WAL) Reset() error {
	return w.submit(command{kind: cmdReset, done: make(chan error, 1)})
}

// Close enqueues a shutdown, waits for the writer task to flush, fsync,
// and exit, then returns. It does not panic or block if called more than
// once; later calls are no-ops.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	done := make(chan error, 1)
	w.cmds <- command{kind: cmdShutdown, done: done}
	w.mu.Unlock()

	err := <-done
	<-w.exit // wait for the writer to actually return (file closed)
	return err
}

func (w *WAL) loop(f *os.File, flushInterval time.Duration) {
	defer close(w.exit)
	defer f.Close()

	var buf bytes.Buffer
	dirty := false

	timer := time.NewTimer(flushInterval)
	defer timer.Stop()

	flushBuffer := func() error {
		if buf.Len() == 0 {
			return nil
		}
		if _, err := f.Write(buf.Bytes()); err != nil {
			buf.Reset()
			return kverrors.IO("wal", err)
		}
		buf.Reset()
		return nil
	}

	sync := func() error {
		if err := flushBuffer(); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return kverrors.IO("wal", err)
		}
		dirty = false
		return nil
	}

	for {
		select {
		case cmd := <-w.cmds:
			switch cmd.kind {
			case cmdWrite:
				err := record.Write(&buf, cmd.kind_, cmd.key, cmd.value)
				if err == nil {
					dirty = true
				}
				cmd.done <- err

			case cmdFlush:
				cmd.done <- sync()

			case cmdReset:
				// §4.6: flush pending, then truncate to zero length, fsync,
				// seek to start.
				err := flushBuffer()
				if err == nil {
					if terr := f.Truncate(0); terr != nil {
						err = kverrors.IO("wal", terr)
					}
				}
				if err == nil {
					if serr := f.Sync(); serr != nil {
						err = kverrors.IO("wal", serr)
					}
				}
				if err == nil {
					if _, serr := f.Seek(0, io.SeekStart); serr != nil {
						err = kverrors.IO("wal", serr)
					}
				}
				dirty = false
				cmd.done <- err

			case cmdShutdown:
				cmd.done <- sync()
				return
			}

		case <-timer.C:
			if dirty {
				if err := sync(); err != nil {
					fmt.Fprintf(os.Stderr, "wal: periodic sync failed: %v\n", err)
				}
			}
			timer.Reset(flushInterval)
		}
	}
}
