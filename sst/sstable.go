// Package sst implements the on-disk sorted table produced by flushing a
// memtable: a length-prefixed Bloom filter, the sorted run of records
// itself, and a trailing footer giving the table's key range and the
// footer's own offset.
//
// The file-writing shape — a running byte offset tracked alongside a
// buffered writer, a footer written last and pointing back into the file —
// is grounded on FlashLogGo's sst.diskSSTWriter (writer.go), generalized
// from that file's multi-block index+Bloom+footer layout down to the single
// flat record run plus min/max-key footer this store's format calls for.
package sst

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/barrelkv/barrelkv/bloom"
	"github.com/barrelkv/barrelkv/kverrors"
	"github.com/barrelkv/barrelkv/memtable"
	"github.com/barrelkv/barrelkv/record"
	"github.com/barrelkv/barrelkv/value"
)

const headerSize = 8 // entry_count:u32 + bloom_size:u32

// Handle is an in-memory reference to a sealed SSTable file: its path, key
// range, and Bloom filter are always resident; the decoded entries are
// loaded lazily and cached at most once.
type Handle struct {
	Path   string
	MinKey string
	MaxKey string

	bloom      *bloom.Filter
	entryCount int
	bloomSize  uint32

	mu      sync.Mutex
	loaded  bool
	entries []memtable.Entry
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Create writes a new sealed SSTable to path from entries, which must be
// non-empty and already sorted in ascending key order (as produced by
// memtable.Memtable.SnapshotSorted). On success the returned Handle's
// entries are already cached — there is no need to reload what was just
// written.
func Create(path string, entries []memtable.Entry) (*Handle, error) {
	return CreateWithBloomParams(path, entries, bloom.DefaultBitsPerKey, bloom.DefaultHashCount)
}

// CreateWithBloomParams is Create with explicit Bloom filter tuning. The
// on-disk format has no field for bitsPerKey or hashCount (only the
// resulting bit array is stored), so a reader must already know hashCount
// to reconstruct the same filter — see LoadMetadataWithHashCount.
func CreateWithBloomParams(path string, entries []memtable.Entry, bitsPerKey, hashCount int) (*Handle, error) {
	if len(entries) == 0 {
		return nil, kverrors.InvalidInput("sst.Create", "cannot create an SSTable from zero entries")
	}

	filter := bloom.New(len(entries), bitsPerKey, hashCount)
	for _, e := range entries {
		filter.Insert(e.Key)
	}
	bloomBits := filter.Marshal()

	f, err := os.Create(path)
	if err != nil {
		return nil, kverrors.IO("sst.Create", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw := &countingWriter{w: bw}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(entries)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(bloomBits)))
	if _, err := cw.Write(hdr[:]); err != nil {
		return nil, kverrors.IO("sst.Create", err)
	}
	if _, err := cw.Write(bloomBits); err != nil {
		return nil, kverrors.IO("sst.Create", err)
	}

	for _, e := range entries {
		kind, payload := encodeEntry(e)
		if err := record.Write(cw, kind, e.Key, payload); err != nil {
			return nil, err
		}
	}

	footerOffset := cw.n
	minKey, maxKey := entries[0].Key, entries[len(entries)-1].Key
	if err := writeFooter(cw, minKey, maxKey, uint64(footerOffset)); err != nil {
		return nil, err
	}

	if err := bw.Flush(); err != nil {
		return nil, kverrors.IO("sst.Create", err)
	}
	if err := f.Sync(); err != nil {
		return nil, kverrors.IO("sst.Create", err)
	}

	return &Handle{
		Path:       path,
		MinKey:     minKey,
		MaxKey:     maxKey,
		bloom:      filter,
		entryCount: len(entries),
		bloomSize:  uint32(len(bloomBits)),
		loaded:     true,
		entries:    entries,
	}, nil
}

func encodeEntry(e memtable.Entry) (record.Kind, []byte) {
	if e.Value.IsPresent() {
		return record.KindSet, e.Value.Bytes()
	}
	return record.KindDelete, nil
}

func writeFooter(w io.Writer, minKey, maxKey string, footerOffset uint64) error {
	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(minKey)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return kverrors.IO("sst.writeFooter", err)
	}
	if _, err := io.WriteString(w, minKey); err != nil {
		return kverrors.IO("sst.writeFooter", err)
	}

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(maxKey)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return kverrors.IO("sst.writeFooter", err)
	}
	if _, err := io.WriteString(w, maxKey); err != nil {
		return kverrors.IO("sst.writeFooter", err)
	}

	var offBuf [8]byte
	binary.LittleEndian.PutUint64(offBuf[:], footerOffset)
	if _, err := w.Write(offBuf[:]); err != nil {
		return kverrors.IO("sst.writeFooter", err)
	}
	return nil
}

// LoadMetadata opens path and reads just its header and footer: entry
// count, the Bloom filter bits, and the min/max key range. It does not read
// the data section; Get triggers a lazy full load on first use via
// EnsureLoaded, while MightContainKey only consults the resident Bloom
// filter and key range.
func LoadMetadata(path string) (*Handle, error) {
	return LoadMetadataWithHashCount(path, bloom.DefaultHashCount)
}

// LoadMetadataWithHashCount is LoadMetadata for a store configured with a
// non-default Bloom hash count.
func LoadMetadataWithHashCount(path string, hashCount int) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.IO("sst.LoadMetadata", err)
	}
	defer f.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, kverrors.Corruption("sst.LoadMetadata", fmt.Errorf("truncated header: %w", err))
	}
	entryCount := binary.LittleEndian.Uint32(hdr[0:4])
	bloomSize := binary.LittleEndian.Uint32(hdr[4:8])

	bloomBits := make([]byte, bloomSize)
	if _, err := io.ReadFull(f, bloomBits); err != nil {
		return nil, kverrors.Corruption("sst.LoadMetadata", fmt.Errorf("truncated bloom filter: %w", err))
	}

	info, err := f.Stat()
	if err != nil {
		return nil, kverrors.IO("sst.LoadMetadata", err)
	}
	if info.Size() < 8 {
		return nil, kverrors.Corruptf("sst.LoadMetadata", "file too short to hold a footer offset")
	}

	if _, err := f.Seek(info.Size()-8, io.SeekStart); err != nil {
		return nil, kverrors.IO("sst.LoadMetadata", err)
	}
	var offBuf [8]byte
	if _, err := io.ReadFull(f, offBuf[:]); err != nil {
		return nil, kverrors.Corruption("sst.LoadMetadata", fmt.Errorf("truncated footer offset: %w", err))
	}
	footerOffset := binary.LittleEndian.Uint64(offBuf[:])

	if _, err := f.Seek(int64(footerOffset), io.SeekStart); err != nil {
		return nil, kverrors.Corruptf("sst.LoadMetadata", "invalid footer offset %d: %v", footerOffset, err)
	}
	minKey, maxKey, err := readFooterKeys(f)
	if err != nil {
		return nil, err
	}

	filter := bloom.Unmarshal(bloomBits, hashCount)

	return &Handle{
		Path:       path,
		MinKey:     minKey,
		MaxKey:     maxKey,
		bloom:      filter,
		entryCount: int(entryCount),
		bloomSize:  bloomSize,
	}, nil
}

func readFooterKeys(r io.Reader) (minKey, maxKey string, err error) {
	minKey, err = readLenPrefixedString(r)
	if err != nil {
		return "", "", kverrors.Corruption("sst.readFooterKeys", fmt.Errorf("min_key: %w", err))
	}
	maxKey, err = readLenPrefixedString(r)
	if err != nil {
		return "", "", kverrors.Corruption("sst.readFooterKeys", fmt.Errorf("max_key: %w", err))
	}
	return minKey, maxKey, nil
}

func readLenPrefixedString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// LoadFull opens path and decodes its header, every record, and the footer,
// caching the decoded entries immediately.
func LoadFull(path string) (*Handle, error) {
	return LoadFullWithHashCount(path, bloom.DefaultHashCount)
}

// LoadFullWithHashCount is LoadFull for a store configured with a
// non-default Bloom hash count.
func LoadFullWithHashCount(path string, hashCount int) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.IO("sst.LoadFull", err)
	}
	defer f.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, kverrors.Corruption("sst.LoadFull", fmt.Errorf("truncated header: %w", err))
	}
	entryCount := binary.LittleEndian.Uint32(hdr[0:4])
	bloomSize := binary.LittleEndian.Uint32(hdr[4:8])

	bloomBits := make([]byte, bloomSize)
	if _, err := io.ReadFull(f, bloomBits); err != nil {
		return nil, kverrors.Corruption("sst.LoadFull", fmt.Errorf("truncated bloom filter: %w", err))
	}

	entries, err := readEntries(f, int(entryCount))
	if err != nil {
		return nil, err
	}

	minKey, maxKey, err := readFooterKeys(f)
	if err != nil {
		return nil, err
	}

	filter := bloom.Unmarshal(bloomBits, hashCount)

	return &Handle{
		Path:       path,
		MinKey:     minKey,
		MaxKey:     maxKey,
		bloom:      filter,
		entryCount: int(entryCount),
		bloomSize:  bloomSize,
		loaded:     true,
		entries:    entries,
	}, nil
}

func readEntries(r io.Reader, n int) ([]memtable.Entry, error) {
	out := make([]memtable.Entry, 0, n)
	for i := 0; i < n; i++ {
		rec, err := record.Read(r)
		if err != nil {
			if err == io.EOF {
				return nil, kverrors.Corruptf("sst.readEntries", "expected %d records, stream ended after %d", n, i)
			}
			return nil, err
		}
		out = append(out, memtable.Entry{Key: rec.Key, Value: recordToValue(rec)})
	}
	return out, nil
}

func recordToValue(rec *record.Record) value.Value {
	if rec.Kind == record.KindDelete {
		return value.Deleted
	}
	return value.Present(rec.Value)
}

// EnsureLoaded decodes and caches every entry if they are not already
// resident. It is idempotent and safe to call concurrently; only the first
// caller pays the I/O cost.
func (h *Handle) EnsureLoaded() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return nil
	}

	f, err := os.Open(h.Path)
	if err != nil {
		return kverrors.IO("sst.EnsureLoaded", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(headerSize)+int64(h.bloomSize), io.SeekStart); err != nil {
		return kverrors.IO("sst.EnsureLoaded", err)
	}

	entries, err := readEntries(f, h.entryCount)
	if err != nil {
		return err
	}

	h.entries = entries
	h.loaded = true
	return nil
}

// Get ensures entries are loaded, then returns the stored value for key
// (which may be a tombstone) via binary search. Absent reports false.
func (h *Handle) Get(key string) (value.Value, bool, error) {
	if err := h.EnsureLoaded(); err != nil {
		return value.Value{}, false, err
	}

	h.mu.Lock()
	entries := h.entries
	h.mu.Unlock()

	i := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= key })
	if i < len(entries) && entries[i].Key == key {
		return entries[i].Value, true, nil
	}
	return value.Value{}, false, nil
}

// MightContainKey is a cheap pre-filter for Get: it returns false only when
// the Bloom filter is certain key is absent, or key falls outside
// [MinKey, MaxKey].
func (h *Handle) MightContainKey(key string) bool {
	if h.bloom == nil || !h.bloom.MayContain(key) {
		return false
	}
	return h.MinKey <= key && key <= h.MaxKey
}
