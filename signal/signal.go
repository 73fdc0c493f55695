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

// Package signal implements the ordered change log described in spec
// §4.4: an append-only in-memory record stream with live subscription
// and deterministic replay-on-subscribe. It generalizes the teacher's
// per-table BEFORE/AFTER trigger timings (storage/trigger.go) into a
// graph-wide signal log that any subscriber can replay from a cursor.
package signal

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jtolds/gls"

	"github.com/launix-de/fxd/uarr"
)

// Kind is the signal's delta shape discriminator.
type Kind uint8

const (
	Value Kind = iota
	Children
	Metadata
	Custom
)

// ChildOp distinguishes add/remove within a Children delta.
type ChildOp uint8

const (
	ChildAdd ChildOp = iota
	ChildRemove
)

// ValueDelta is the payload of a Value signal.
type ValueDelta struct {
	OldValue any
	NewValue any
}

// ChildrenDelta is the payload of a Children signal.
type ChildrenDelta struct {
	Op      ChildOp
	Key     string
	ChildID string
}

// MetadataDelta is the payload of a Metadata signal.
type MetadataDelta struct {
	Key      string
	OldValue any
	NewValue any
}

// CustomDelta is the payload of a Custom signal.
type CustomDelta struct {
	EventName string
	Payload   any
}

// Signal is one immutable record in the stream.
type Signal struct {
	Seq          uint64
	TimestampNs  int64
	Kind         Kind
	SourceNodeID string
	BaseVersion  uint64
	NewVersion   uint64
	Delta        any
}

// Backend is the optional durability sink a Stream appends to
// synchronously before dispatching to subscribers (typically the WAL).
type Backend interface {
	Append(kind uint8, sourceNodeID string, encoded []byte) (seq uint64, err error)
}

// Filter restricts which signals a subscriber receives.
type Filter struct {
	Kinds        []Kind // empty means "all kinds"
	SourceNodeID string // empty means "any source"
}

func (f Filter) matches(s Signal) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == s.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SourceNodeID != "" && f.SourceNodeID != s.SourceNodeID {
		return false
	}
	return true
}

type subscriber struct {
	id     uint64
	filter Filter
	cb     func(Signal)
}

// Stream is the process-wide ordered signal log.
type Stream struct {
	mu          sync.RWMutex
	records     []Signal
	nextSeq     uint64
	lastTsNs    int64
	subs        map[uint64]*subscriber
	nextSubID   uint64
	txGlsCtx    *gls.ContextManager
	backend     Backend
}

// SetBackend installs (or clears, with nil) the durability sink Append
// writes through before dispatching to subscribers.
func (s *Stream) SetBackend(b Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// New builds an empty in-memory signal stream.
func New() *Stream {
	return &Stream{
		subs:     make(map[uint64]*subscriber),
		txGlsCtx: gls.NewContextManager(),
	}
}

// Append assigns the next seq, stamps a strictly-increasing timestamp,
// and invokes matching subscriber callbacks in registration order.
// Dispatch is synchronous on the calling goroutine, so a transaction id
// the caller attached via SetTxContext is visible to callbacks through
// CurrentTxID.
func (s *Stream) Append(kind Kind, sourceNodeID string, baseVersion, newVersion uint64, delta any) Signal {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++

	ts := time.Now().UnixNano()
	if ts <= s.lastTsNs {
		ts = s.lastTsNs + 1
	}
	s.lastTsNs = ts

	sig := Signal{
		Seq:          seq,
		TimestampNs:  ts,
		Kind:         kind,
		SourceNodeID: sourceNodeID,
		BaseVersion:  baseVersion,
		NewVersion:   newVersion,
		Delta:        delta,
	}
	s.records = append(s.records, sig)

	subsSnapshot := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subsSnapshot = append(subsSnapshot, sub)
	}
	sort.Slice(subsSnapshot, func(i, j int) bool { return subsSnapshot[i].id < subsSnapshot[j].id })
	backend := s.backend
	s.mu.Unlock()

	if backend != nil {
		encoded, err := encodeDelta(kind, delta)
		if err == nil {
			_, err = backend.Append(uint8(kind), sourceNodeID, encoded)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "signal: durability backend append failed for seq %d: %v\n", seq, err)
		}
	}

	for _, sub := range subsSnapshot {
		if sub.filter.matches(sig) {
			sub.cb(sig)
		}
	}
	return sig
}

// encodeDelta renders a delta payload to UArr bytes for the durability
// backend as a UArr object with fixed per-kind keys, so a backend can
// decode it without Go struct reflection.
func encodeDelta(kind Kind, delta any) ([]byte, error) {
	obj := &uarr.Object{}
	switch kind {
	case Value:
		d := delta.(ValueDelta)
		obj.Set("old", d.OldValue)
		obj.Set("new", d.NewValue)
	case Children:
		d := delta.(ChildrenDelta)
		obj.Set("op", int64(d.Op))
		obj.Set("key", d.Key)
		obj.Set("child_id", d.ChildID)
	case Metadata:
		d := delta.(MetadataDelta)
		obj.Set("key", d.Key)
		obj.Set("old", d.OldValue)
		obj.Set("new", d.NewValue)
	case Custom:
		d := delta.(CustomDelta)
		obj.Set("event", d.EventName)
		obj.Set("payload", d.Payload)
	}
	return uarr.Encode(obj)
}

// SetTxContext attaches txID to the calling goroutine's context so
// that dispatch work spawned via gls.Go can recover it (e.g. from a
// panic handler) without threading a context.Context through every
// subscriber callback.
func (s *Stream) SetTxContext(txID uint64, fn func()) {
	s.txGlsCtx.SetValues(gls.Values{"fxd-tx": txID}, fn)
}

// CurrentTxID returns the transaction id attached by SetTxContext, if
// any, as observed from within fn's call graph (including goroutines
// spawned with gls.Go).
func (s *Stream) CurrentTxID() (uint64, bool) {
	v, ok := s.txGlsCtx.GetValue("fxd-tx")
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// Cursor builds a cursor referring to an existing seq.
func Cursor(seq uint64) *uint64 { return &seq }

// Subscribe replays every record with seq >= *cursor matching filter
// before going live, then invokes cb for every future matching signal.
// If cursor is nil, the subscriber only observes signals appended
// after registration (tail behavior). Returns an unsubscribe func;
// unregistering mid-delivery takes effect after the in-flight callback
// returns (spec §5).
func (s *Stream) Subscribe(cursor *uint64, filter Filter, cb func(Signal)) (unsubscribe func()) {
	s.mu.Lock()
	var backlog []Signal
	if cursor != nil {
		for _, rec := range s.records {
			if rec.Seq >= *cursor && filter.matches(rec) {
				backlog = append(backlog, rec)
			}
		}
	}
	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{id: id, filter: filter, cb: cb}
	s.subs[id] = sub
	s.mu.Unlock()

	for _, rec := range backlog {
		cb(rec)
	}

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Tail is shorthand for Subscribe with cursor == current seq (i.e. no
// replay, only future signals of the given kind).
func (s *Stream) Tail(kind Kind, cb func(Signal)) (unsubscribe func()) {
	return s.Subscribe(nil, Filter{Kinds: []Kind{kind}}, cb)
}

// ReadRange returns records with lo <= seq < hi, purely from memory.
func (s *Stream) ReadRange(lo, hi uint64) []Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Signal
	for _, rec := range s.records {
		if rec.Seq >= lo && rec.Seq < hi {
			out = append(out, rec)
		}
	}
	return out
}

// CurrentSeq returns the seq that will be assigned to the next Append.
func (s *Stream) CurrentSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq
}
