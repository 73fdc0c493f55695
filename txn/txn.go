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

// Package txn coordinates grouped graph mutations, classifies and
// retries transient failures, and tracks dirty nodes for scheduled
// flushing (spec §4.10). It is storage/transaction.go's TxContext
// generalized from row-level undo/redo over storage shards to
// node-level undo/redo over the graph: the same two-mode split
// survives, keyed by node id and version instead of shard and recid.
// Both modes write directly to the graph and keep an undo log; ACID
// additionally checks, at commit, that no other writer has bumped the
// version of a node this transaction wrote (OCC).
package txn

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jtolds/gls"

	"github.com/launix-de/fxd/fxderr"
	"github.com/launix-de/fxd/graph"
)

// Mode selects the transaction isolation strategy (spec §9, adopting
// the teacher's TxMode split verbatim).
type Mode uint8

const (
	CursorStability Mode = iota // default: direct writes + undo log
	ACID                        // direct writes + undo log + OCC version check at commit
)

// State tracks a transaction's lifecycle.
type State uint8

const (
	Active State = iota
	Committed
	Aborted
)

// UndoKind identifies the kind of reversible operation recorded.
type UndoKind uint8

const (
	UndoValue UndoKind = iota
	UndoMeta
	UndoRemove
	UndoType
)

// UndoEntry records one reversible node mutation.
type UndoEntry struct {
	Kind UndoKind
	Path string

	// UndoValue
	OldValue   any
	HadOld     bool
	WasCreated bool

	// UndoMeta
	MetaKey string
	OldMeta graph.MetaValue
	HadMeta bool

	// UndoType
	OldType string

	// UndoRemove: enough to recreate a removed leaf; descendants of a
	// removed subtree are not restored (documented simplification —
	// see DESIGN.md).
	RemovedValue any
	RemovedMeta  map[string]graph.MetaValue
	RemovedOrder []string
}

// Savepoint captures a transaction's undo-log position for later
// partial rollback (spec §4.10, storage/transaction.go's Savepoint).
type Savepoint struct {
	UndoLen int
	Depth   uint32
}

// Tx is one logical transaction over a graph.
type Tx struct {
	ID    uint64
	Mode  Mode
	State State
	Depth uint32

	mgr  *Manager
	mu   sync.Mutex
	undo []UndoEntry

	// ACID: version this tx expects to see on each touched node at
	// commit time (the version immediately after this tx's own last
	// write to it). A mismatch means another writer interleaved.
	expectedVersions map[string]uint64
}

func (tx *Tx) recordExpectedVersion(nodeID string, version uint64) {
	if tx.Mode != ACID {
		return
	}
	tx.mu.Lock()
	if tx.expectedVersions == nil {
		tx.expectedVersions = make(map[string]uint64)
	}
	tx.expectedVersions[nodeID] = version
	tx.mu.Unlock()
}

// SetPath mutates a node's value within this transaction and logs an
// undo entry holding the value it had before.
func (tx *Tx) SetPath(path string, value any) (*graph.Node, error) {
	old, hadOld := tx.mgr.graph.Get(path)
	var oldRaw any
	if hadOld {
		oldRaw = old.Value().Raw()
	}
	n, err := tx.mgr.graph.SetPath(path, value)
	if err != nil {
		return nil, err
	}
	tx.recordExpectedVersion(n.ID(), n.Version())
	tx.mu.Lock()
	tx.undo = append(tx.undo, UndoEntry{Kind: UndoValue, Path: path, OldValue: oldRaw, HadOld: hadOld, WasCreated: !hadOld})
	tx.mu.Unlock()
	return n, nil
}

// SetMeta mutates a node's meta key within this transaction and logs
// an undo entry holding the key's previous value.
func (tx *Tx) SetMeta(node *graph.Node, key string, value graph.MetaValue) error {
	old, hadOld := node.Meta(key)
	if err := tx.mgr.graph.SetMeta(node, key, value); err != nil {
		return err
	}
	tx.recordExpectedVersion(node.ID(), node.Version())
	tx.mu.Lock()
	tx.undo = append(tx.undo, UndoEntry{Kind: UndoMeta, Path: node.Path(), MetaKey: key, OldMeta: old, HadMeta: hadOld})
	tx.mu.Unlock()
	return nil
}

// SetType sets a node's type tag within this transaction and logs an
// undo entry holding the previous tag.
func (tx *Tx) SetType(node *graph.Node, typ string) {
	old := node.Type()
	tx.mgr.graph.SetType(node, typ)
	tx.recordExpectedVersion(node.ID(), node.Version())
	tx.mu.Lock()
	tx.undo = append(tx.undo, UndoEntry{Kind: UndoType, Path: node.Path(), OldType: old})
	tx.mu.Unlock()
}

// Remove deletes node within this transaction. Rollback of a Remove
// restores the node's own value and meta at the same path; if it had
// children, those are not restored (spec is silent on this edge case;
// see DESIGN.md).
func (tx *Tx) Remove(node *graph.Node) error {
	path := node.Path()
	value := node.Value().Raw()
	metaKeys := node.MetaKeys()
	meta := make(map[string]graph.MetaValue, len(metaKeys))
	for _, k := range metaKeys {
		v, _ := node.Meta(k)
		meta[k] = v
	}
	if err := tx.mgr.graph.Remove(node); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.undo = append(tx.undo, UndoEntry{
		Kind: UndoRemove, Path: path,
		RemovedValue: value, RemovedMeta: meta, RemovedOrder: metaKeys,
	})
	tx.mu.Unlock()
	return nil
}

// CreateSavepoint marks the current undo-log position.
func (tx *Tx) CreateSavepoint() Savepoint {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	sp := Savepoint{UndoLen: len(tx.undo), Depth: tx.Depth}
	tx.Depth++
	return sp
}

// RollbackToSavepoint undoes every mutation recorded since sp.
func (tx *Tx) RollbackToSavepoint(sp Savepoint) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.Depth = sp.Depth
	for i := len(tx.undo) - 1; i >= sp.UndoLen; i-- {
		tx.applyUndoLocked(tx.undo[i])
	}
	tx.undo = tx.undo[:sp.UndoLen]
}

// ReleaseSavepoint is a no-op beyond bookkeeping: cursor-stability
// undo entries since the savepoint simply remain part of the
// enclosing transaction's log.
func (tx *Tx) ReleaseSavepoint(sp Savepoint) {
	tx.mu.Lock()
	tx.Depth = sp.Depth
	tx.mu.Unlock()
}

func (tx *Tx) applyUndoLocked(e UndoEntry) {
	switch e.Kind {
	case UndoValue:
		if e.WasCreated {
			if n, ok := tx.mgr.graph.Get(e.Path); ok {
				tx.mgr.graph.Remove(n)
			}
		} else {
			tx.mgr.graph.SetPath(e.Path, e.OldValue)
		}
	case UndoMeta:
		if n, ok := tx.mgr.graph.Get(e.Path); ok && e.HadMeta {
			tx.mgr.graph.SetMeta(n, e.MetaKey, e.OldMeta)
		}
	case UndoRemove:
		if n, err := tx.mgr.graph.SetPath(e.Path, e.RemovedValue); err == nil {
			for _, k := range e.RemovedOrder {
				tx.mgr.graph.SetMeta(n, k, e.RemovedMeta[k])
			}
		}
	case UndoType:
		if n, ok := tx.mgr.graph.Get(e.Path); ok {
			tx.mgr.graph.SetType(n, e.OldType)
		}
	}
}

// validateACID performs best-effort optimistic concurrency validation:
// every node this tx wrote must still be exactly at the version this
// tx left it at; a higher version means another committed writer
// interleaved since this tx's own last write.
func (tx *Tx) validateACID() error {
	if tx.Mode != ACID {
		return nil
	}
	for nodeID, expected := range tx.expectedVersions {
		n, ok := tx.mgr.graph.NodeByID(nodeID)
		if !ok {
			continue
		}
		if n.Version() != expected {
			return fxderr.New(fxderr.Conflict, "txn: optimistic concurrency conflict on node "+nodeID)
		}
	}
	return nil
}

// Commit finalizes the transaction.
func (tx *Tx) Commit() error {
	if tx.Mode == ACID {
		if err := tx.validateACID(); err != nil {
			tx.mu.Lock()
			tx.State = Aborted
			tx.mu.Unlock()
			return err
		}
	}
	tx.mu.Lock()
	tx.State = Committed
	tx.undo = nil
	tx.mu.Unlock()
	return nil
}

// Rollback undoes every mutation this transaction made.
func (tx *Tx) Rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.applyUndoLocked(tx.undo[i])
	}
	tx.undo = nil
	tx.State = Aborted
}

// Manager owns transaction lifecycle and goroutine-local "current tx"
// tracking, grounded in storage/transaction.go's package-level
// CurrentTx()/scm.GetCurrentTx() idiom.
type Manager struct {
	graph   *graph.Graph
	ctxMgr  *gls.ContextManager
	idMu    sync.Mutex
	nextID  uint64
}

// NewManager builds a transaction manager over g.
func NewManager(g *graph.Graph) *Manager {
	return &Manager{graph: g, ctxMgr: gls.NewContextManager()}
}

const glsTxKey = "fxd_txn_current"

// Current returns the transaction active on the calling goroutine, if any.
func (m *Manager) Current() (*Tx, bool) {
	v, ok := m.ctxMgr.GetValue(glsTxKey)
	if !ok {
		return nil, false
	}
	tx, ok := v.(*Tx)
	return tx, ok
}

func (m *Manager) newTx(mode Mode) *Tx {
	m.idMu.Lock()
	m.nextID++
	id := m.nextID
	m.idMu.Unlock()
	return &Tx{ID: id, Mode: mode, mgr: m}
}

// ExecuteOptions configures Execute (spec §4.10).
type ExecuteOptions struct {
	Isolation   Mode
	Retries     int
	RetryDelay  time.Duration
	Exponential bool
}

// Execute runs fn inside a logical transaction. The outermost call
// opens a new transaction; a call nested within an already-active
// transaction instead opens a savepoint and shares the outer tx.
// Failures of kind Busy or Conflict, or whose text matches the
// retryable allow-list ("locked", "busy"), are retried up to
// opts.Retries times with linear or exponential backoff.
func (m *Manager) Execute(fn func(tx *Tx) error, opts ExecuteOptions) error {
	if existing, ok := m.Current(); ok {
		sp := existing.CreateSavepoint()
		if err := fn(existing); err != nil {
			existing.RollbackToSavepoint(sp)
			return err
		}
		existing.ReleaseSavepoint(sp)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		tx := m.newTx(opts.Isolation)
		var runErr error
		m.ctxMgr.SetValues(gls.Values{glsTxKey: tx}, func() {
			runErr = fn(tx)
		})
		if runErr == nil {
			if err := tx.Commit(); err != nil {
				runErr = err
			}
		}
		if runErr == nil {
			return nil
		}
		tx.Rollback()
		lastErr = runErr
		if !isRetryable(runErr) || attempt == opts.Retries {
			return lastErr
		}
		time.Sleep(backoffDelay(opts, attempt))
	}
	return lastErr
}

// Batch runs fns sequentially inside one transaction (spec §4.10 batch()).
func (m *Manager) Batch(fns []func(tx *Tx) error, opts ExecuteOptions) error {
	return m.Execute(func(tx *Tx) error {
		for _, fn := range fns {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return nil
	}, opts)
}

var retryableSubstrings = []string{"locked", "busy", "database is locked"}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := fxderr.KindOf(err); ok {
		if kind == fxderr.Busy || kind == fxderr.Conflict {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func backoffDelay(opts ExecuteOptions, attempt int) time.Duration {
	if opts.RetryDelay <= 0 {
		return 0
	}
	if !opts.Exponential {
		return time.Duration(attempt+1) * opts.RetryDelay
	}
	mult := math.Pow(2, float64(attempt))
	return time.Duration(float64(opts.RetryDelay) * mult)
}

// WithRetry retries fn up to max times with exponential backoff when
// its error matches the retryable allow-list (spec §4.10 with_retry()).
func WithRetry(fn func() error, max int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == max {
			return lastErr
		}
		time.Sleep(time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt))))
	}
	return lastErr
}

// Runner adapts a Manager to patch.TxRunner's shape (a callback that
// receives a graph.Writer) so the patch engine can drive a
// transactional, undo-logged batch without importing this package's
// richer Execute signature. *Tx satisfies graph.Writer via SetPath,
// SetType, and SetMeta above.
type Runner struct {
	Mgr  *Manager
	Opts ExecuteOptions
}

// Execute implements patch.TxRunner.
func (r Runner) Execute(fn func(w graph.Writer) error) error {
	return r.Mgr.Execute(func(tx *Tx) error { return fn(tx) }, r.Opts)
}

var parallelWarnOnce sync.Once

// Parallel runs fns concurrently, each in its own transaction via
// execute-style isolation. Caller opt-in only: concurrent transactions
// over the same graph may contend, and the core never calls this
// itself (spec §4.10).
func Parallel(m *Manager, fns []func(tx *Tx) error, opts ExecuteOptions) []error {
	parallelWarnOnce.Do(func() {
		fmt.Fprintln(os.Stderr, "txn: Parallel runs independent transactions concurrently; contention is the caller's responsibility")
	})
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func(tx *Tx) error) {
			defer wg.Done()
			errs[i] = m.Execute(fn, opts)
		}(i, fn)
	}
	wg.Wait()
	return errs
}
