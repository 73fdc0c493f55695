/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package wal implements the single-writer, crash-safe, append-only
// framed log described in spec §4.2/§6. It is the generalized,
// binary-framed descendant of the teacher's per-shard text log
// (storage/persistence-files.go's FileLogfile): instead of one log per
// shard carrying only insert/delete, this log carries any typed,
// checksummed record for the whole node graph.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/btree"

	"github.com/launix-de/fxd/fxderr"
)

// RecordType enumerates the WAL record kinds (spec §6).
type RecordType uint8

const (
	Create     RecordType = 1
	Patch      RecordType = 2
	LinkAdd    RecordType = 3
	LinkRemove RecordType = 4
	Signal     RecordType = 5
	Checkpoint RecordType = 6
)

// FsyncPolicy controls when appended records are durably flushed.
type FsyncPolicy uint8

const (
	FsyncAlways FsyncPolicy = iota
	FsyncInterval
	FsyncNever
)

var fileMagic = [8]byte{'F', 'X', 'D', 'W', 'A', 'L', '0', '1'}

const fileHeaderSize = 16 // 8 magic + 2 version + 2 flags + 4 reserved
const formatVersion uint16 = 1

// Record is one decoded WAL entry.
type Record struct {
	Seq         uint64
	TimestampNs int64
	Type        RecordType
	NodeID      string
	Payload     []byte
}

// Stats mirrors spec §4.2's stats() contract.
type Stats struct {
	Count     int
	OldestSeq uint64
	NewestSeq uint64
	Bytes     int64
}

type offsetEntry struct {
	seq    uint64
	offset int64
}

func offsetLess(a, b offsetEntry) bool { return a.seq < b.seq }

// Options configures WAL behavior beyond the defaults.
type Options struct {
	FsyncPolicy     FsyncPolicy
	FsyncInterval   time.Duration
	WatchForeignWrites bool // emit a log line for every fsnotify write/rename event on the log file
}

// WAL is a single-writer append-only log over one file.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer

	opts Options

	nextSeq   uint64
	oldestSeq uint64
	newestSeq uint64
	bytes     int64
	closed    bool

	// seq -> file offset index, for efficient read_from/compact seeking,
	// the same B-tree structure the teacher uses for shard range
	// indices (storage/index.go).
	index *btree.BTreeG[offsetEntry]

	lastFsync    time.Time
	watcher      *fsnotify.Watcher
	watcherClose chan struct{}
}

// Open creates or opens the WAL at path, verifying magic/version and
// recovering the highest valid seq by scanning forward. Any trailing
// partial or checksum-failing record is dropped and the file is
// truncated at the last good record (spec §4.2 failure semantics).
func Open(path string, opts Options) (*WAL, error) {
	if opts.FsyncInterval == 0 {
		opts.FsyncInterval = 200 * time.Millisecond
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, fxderr.Wrap(fxderr.Io, "wal: open", err)
	}

	w := &WAL{
		path:  path,
		f:     f,
		opts:  opts,
		index: btree.NewG[offsetEntry](8, offsetLess),
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fxderr.Wrap(fxderr.Io, "wal: stat", err)
	}

	if stat.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.verifyHeader(); err != nil {
		f.Close()
		return nil, err
	}

	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}

	w.w = bufio.NewWriter(f)
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fxderr.Wrap(fxderr.Io, "wal: seek", err)
	}

	if opts.WatchForeignWrites {
		w.startWatch()
	}

	return w, nil
}

func (w *WAL) writeHeader() error {
	var hdr [fileHeaderSize]byte
	copy(hdr[0:8], fileMagic[:])
	binary.LittleEndian.PutUint16(hdr[8:10], formatVersion)
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: write header", err)
	}
	w.bytes = fileHeaderSize
	return nil
}

func (w *WAL) verifyHeader() error {
	var hdr [fileHeaderSize]byte
	n, err := w.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fxderr.Wrap(fxderr.Io, "wal: read header", err)
	}
	if n < fileHeaderSize {
		return fxderr.New(fxderr.InvalidFormat, "wal: truncated header")
	}
	for i := range fileMagic {
		if hdr[i] != fileMagic[i] {
			return fxderr.New(fxderr.InvalidFormat, "wal: invalid magic")
		}
	}
	version := binary.LittleEndian.Uint16(hdr[8:10])
	if version != formatVersion {
		return fxderr.New(fxderr.InvalidFormat, "wal: unsupported format version")
	}
	return nil
}

// recover scans every record from the header forward, verifying
// checksums and populating the offset index. It stops and truncates
// at the first bad or partial record.
func (w *WAL) recover() error {
	r := bufio.NewReader(w.f)
	offset := int64(fileHeaderSize)
	if _, err := w.f.Seek(offset, io.SeekStart); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: seek", err)
	}
	r.Reset(w.f)

	var lastGood int64 = offset
	var count int
	for {
		frameLen, header, ok := readFrameHeader(r)
		if !ok {
			break
		}
		body := make([]byte, frameLen)
		n, err := io.ReadFull(r, body)
		if err != nil || n != int(frameLen) {
			break // partial record: drop and stop
		}
		rec, checksum, err := decodeFrameBody(header, body)
		if err != nil {
			break
		}
		computed := crc32.ChecksumIEEE(body[:len(body)-4])
		if computed != checksum {
			break // corrupted record: drop and stop scanning
		}

		w.index.ReplaceOrInsert(offsetEntry{seq: rec.Seq, offset: lastGood})
		if count == 0 {
			w.oldestSeq = rec.Seq
		}
		w.newestSeq = rec.Seq
		w.nextSeq = rec.Seq + 1
		count++

		consumed := int64(len(header) + len(body))
		lastGood += consumed
	}

	if err := w.f.Truncate(lastGood); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: truncate", err)
	}
	w.bytes = lastGood
	return nil
}

// frame wire layout: u32 frameLen | u64 seq | u64 tsNs | u8 type |
// u16 nodeIDLen | nodeID bytes | u32 payloadLen | payload | u32 crc32
// frameLen counts everything after itself up to and including the crc.
func readFrameHeader(r *bufio.Reader) (frameLen uint32, header []byte, ok bool) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, false
	}
	frameLen = binary.LittleEndian.Uint32(lenBuf[:])
	return frameLen, lenBuf[:], true
}

func decodeFrameBody(header []byte, body []byte) (Record, uint32, error) {
	if len(body) < 8+8+1+2 {
		return Record{}, 0, fxderr.New(fxderr.InvalidFormat, "wal: truncated frame")
	}
	seq := binary.LittleEndian.Uint64(body[0:8])
	ts := int64(binary.LittleEndian.Uint64(body[8:16]))
	typ := RecordType(body[16])
	nodeIDLen := binary.LittleEndian.Uint16(body[17:19])
	pos := 19
	if len(body) < pos+int(nodeIDLen)+4 {
		return Record{}, 0, fxderr.New(fxderr.InvalidFormat, "wal: truncated frame")
	}
	nodeID := string(body[pos : pos+int(nodeIDLen)])
	pos += int(nodeIDLen)
	payloadLen := binary.LittleEndian.Uint32(body[pos : pos+4])
	pos += 4
	if len(body) < pos+int(payloadLen)+4 {
		return Record{}, 0, fxderr.New(fxderr.InvalidFormat, "wal: truncated frame")
	}
	payload := body[pos : pos+int(payloadLen)]
	pos += int(payloadLen)
	checksum := binary.LittleEndian.Uint32(body[pos : pos+4])

	return Record{
		Seq:         seq,
		TimestampNs: ts,
		Type:        typ,
		NodeID:      nodeID,
		Payload:     append([]byte(nil), payload...),
	}, checksum, nil
}

func encodeFrame(seq uint64, ts int64, typ RecordType, nodeID string, payload []byte) []byte {
	nodeIDBytes := []byte(nodeID)
	bodyLen := 8 + 8 + 1 + 2 + len(nodeIDBytes) + 4 + len(payload)
	frame := make([]byte, 4+bodyLen+4)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(bodyLen+4))
	pos := 4
	binary.LittleEndian.PutUint64(frame[pos:pos+8], seq)
	pos += 8
	binary.LittleEndian.PutUint64(frame[pos:pos+8], uint64(ts))
	pos += 8
	frame[pos] = byte(typ)
	pos++
	binary.LittleEndian.PutUint16(frame[pos:pos+2], uint16(len(nodeIDBytes)))
	pos += 2
	copy(frame[pos:pos+len(nodeIDBytes)], nodeIDBytes)
	pos += len(nodeIDBytes)
	binary.LittleEndian.PutUint32(frame[pos:pos+4], uint32(len(payload)))
	pos += 4
	copy(frame[pos:pos+len(payload)], payload)
	pos += len(payload)

	checksum := crc32.ChecksumIEEE(frame[4:pos])
	binary.LittleEndian.PutUint32(frame[pos:pos+4], checksum)
	return frame
}

// Append assigns the next monotonic seq, timestamps, computes the
// frame checksum, and writes a single record. Durability follows
// opts.FsyncPolicy.
func (w *WAL) Append(typ RecordType, nodeID string, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fxderr.New(fxderr.Io, "wal: append on closed log")
	}

	seq := w.nextSeq
	w.nextSeq++
	offset := w.bytes

	frame := encodeFrame(seq, time.Now().UnixNano(), typ, nodeID, payload)
	if _, err := w.w.Write(frame); err != nil {
		w.closed = true
		return 0, fxderr.Wrap(fxderr.Io, "wal: append", err)
	}

	w.bytes += int64(len(frame))
	if w.index.Len() == 0 {
		w.oldestSeq = seq
	}
	w.newestSeq = seq
	w.index.ReplaceOrInsert(offsetEntry{seq: seq, offset: offset})

	switch w.opts.FsyncPolicy {
	case FsyncAlways:
		if err := w.syncLocked(); err != nil {
			return seq, err
		}
	case FsyncInterval:
		if time.Since(w.lastFsync) >= w.opts.FsyncInterval {
			if err := w.syncLocked(); err != nil {
				return seq, err
			}
		}
	case FsyncNever:
		if err := w.w.Flush(); err != nil {
			return seq, fxderr.Wrap(fxderr.Io, "wal: flush", err)
		}
	}

	return seq, nil
}

func (w *WAL) syncLocked() error {
	if err := w.w.Flush(); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: flush", err)
	}
	if err := w.f.Sync(); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: fsync", err)
	}
	w.lastFsync = time.Now()
	return nil
}

// Sync forces a flush+fsync regardless of policy.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// ReadFrom returns a channel yielding records with seq >= from, in
// order, scanning forward from the nearest known offset. The channel
// is closed at end of file (spec: "reading past end of file yields
// end-of-stream, not an error").
func (w *WAL) ReadFrom(from uint64) (<-chan Record, error) {
	w.mu.Lock()
	// the smallest indexed offset whose seq >= from is the exact seek
	// target; if there is none, every existing record precedes `from`
	// and the scan below will simply yield nothing.
	startOffset := w.bytes
	w.index.AscendGreaterOrEqual(offsetEntry{seq: from}, func(e offsetEntry) bool {
		startOffset = e.offset
		return false
	})
	path := w.path
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fxderr.Wrap(fxderr.Io, "wal: open for read", err)
	}

	out := make(chan Record, 16)
	go func() {
		defer f.Close()
		defer close(out)
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return
		}
		r := bufio.NewReader(f)
		for {
			frameLen, header, ok := readFrameHeader(r)
			if !ok {
				return
			}
			body := make([]byte, frameLen)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
			rec, checksum, err := decodeFrameBody(header, body)
			if err != nil {
				return
			}
			computed := crc32.ChecksumIEEE(body[:len(body)-4])
			if computed != checksum {
				return
			}
			if rec.Seq >= from {
				out <- rec
			}
		}
	}()
	return out, nil
}

// Stats reports count/oldest/newest/bytes per spec §4.2.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Count:     w.index.Len(),
		OldestSeq: w.oldestSeq,
		NewestSeq: w.newestSeq,
		Bytes:     w.bytes,
	}
}

// Compact rewrites the log to a new file retaining only records with
// seq > upToSeq, then atomically renames it into place. Any WAL
// instance that reopens afterward will re-resolve its index from the
// new file, per spec ("readers holding cursors re-resolve from the
// new file").
func (w *WAL) Compact(upToSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.syncLocked(); err != nil {
		return err
	}

	tmpPath := w.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: create compaction file", err)
	}

	var hdr [fileHeaderSize]byte
	copy(hdr[0:8], fileMagic[:])
	binary.LittleEndian.PutUint16(hdr[8:10], formatVersion)
	if _, err := tmp.Write(hdr[:]); err != nil {
		tmp.Close()
		return fxderr.Wrap(fxderr.Io, "wal: write header", err)
	}

	newIndex := btree.NewG[offsetEntry](8, offsetLess)
	var newOldest, newNewest uint64
	var count int
	offset := int64(fileHeaderSize)

	src, err := os.Open(w.path)
	if err != nil {
		tmp.Close()
		return fxderr.Wrap(fxderr.Io, "wal: reopen source", err)
	}
	if _, err := src.Seek(fileHeaderSize, io.SeekStart); err != nil {
		src.Close()
		tmp.Close()
		return fxderr.Wrap(fxderr.Io, "wal: seek source", err)
	}
	r := bufio.NewReader(src)
	for {
		frameLen, header, ok := readFrameHeader(r)
		if !ok {
			break
		}
		body := make([]byte, frameLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		rec, checksum, err := decodeFrameBody(header, body)
		if err != nil {
			break
		}
		computed := crc32.ChecksumIEEE(body[:len(body)-4])
		if computed != checksum {
			break
		}
		if rec.Seq > upToSeq {
			frame := encodeFrame(rec.Seq, rec.TimestampNs, rec.Type, rec.NodeID, rec.Payload)
			if _, err := tmp.Write(frame); err != nil {
				src.Close()
				tmp.Close()
				return fxderr.Wrap(fxderr.Io, "wal: write compaction frame", err)
			}
			newIndex.ReplaceOrInsert(offsetEntry{seq: rec.Seq, offset: offset})
			if count == 0 {
				newOldest = rec.Seq
			}
			newNewest = rec.Seq
			count++
			offset += int64(len(frame))
		}
	}
	src.Close()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fxderr.Wrap(fxderr.Io, "wal: sync compaction file", err)
	}
	tmp.Close()

	if err := w.f.Close(); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: close old file", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: rename compaction file", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR, 0640)
	if err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: reopen after compact", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.index = newIndex
	w.oldestSeq = newOldest
	w.newestSeq = newNewest
	w.bytes = offset
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fxderr.Wrap(fxderr.Io, "wal: seek after compact", err)
	}
	return nil
}

func (w *WAL) startWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return
	}
	w.watcher = watcher
	w.watcherClose = make(chan struct{})
	base := filepath.Base(w.path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
					// Every write/rename event on the log file is
					// logged, including those caused by this WAL's own
					// appends and compactions; events from a foreign
					// writer are not told apart from our own.
					fmt.Fprintf(os.Stderr, "wal: observed write event on %s\n", w.path)
				}
			case <-w.watcherClose:
				return
			}
		}
	}()
}

// Close flushes, fsyncs, and releases the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.syncLocked()
	w.closed = true
	if w.watcher != nil {
		close(w.watcherClose)
		w.watcher.Close()
	}
	if cerr := w.f.Close(); cerr != nil && err == nil {
		err = fxderr.Wrap(fxderr.Io, "wal: close", cerr)
	}
	return err
}
