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

package txn

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/launix-de/NonLockingReadMap"
)

// Strategy values for Config.Strategy (spec §4.10).
const (
	StrategyTime   = "time"
	StrategyCount  = "count"
	StrategyHybrid = "hybrid"
)

const maxAttempts = 5
const maxHistory = 100

// Config configures an AutoSaver (spec §4.10).
type Config struct {
	Enabled        bool
	Interval       time.Duration
	BatchSize      int
	Strategy       string // time, count, hybrid
	CountThreshold int
	OnSave         func(SaveStats)
	OnError        func(error)
}

// DirtyItem is one entry in the auto-save dirty set.
type DirtyItem struct {
	Kind     string
	ID       string
	Slot     uint32
	MarkedAt time.Time
	Attempts int
}

// SaveStats summarizes one perform_save pass.
type SaveStats struct {
	At        time.Time
	Attempted int
	Saved     int
	Failed    int
	Evicted   int
	Duration  time.Duration
}

// PersistFunc persists one dirty item within the given transaction. It
// is supplied by the caller (typically the disk layer); AutoSaver only
// tracks dirtiness and scheduling.
type PersistFunc func(tx *Tx, item DirtyItem) error

// AutoSaver tracks dirty graph nodes and flushes them on a schedule or
// on demand (spec §4.10). Its dirty-set membership test reuses
// NonLockingReadMap.NonBlockingBitMap the same way
// storage/transaction.go's TxContext uses it for O(1) shard-visibility
// checks, here keyed by each node's internal slot index.
type AutoSaver struct {
	cfg     Config
	mgr     *Manager
	persist PersistFunc

	mu      sync.Mutex
	bitmap  NonLockingReadMap.NonBlockingBitMap
	items   map[uint32]*DirtyItem
	pending []uint32 // ordered dirty set, FIFO
	history []SaveStats

	timer   *time.Timer
	stopped bool
}

// NewAutoSaver builds an AutoSaver over mgr. persist is called once per
// dirty item, inside a transaction managed by mgr.
func NewAutoSaver(mgr *Manager, cfg Config, persist PersistFunc) *AutoSaver {
	return &AutoSaver{
		cfg:     cfg,
		mgr:     mgr,
		persist: persist,
		bitmap:  NonLockingReadMap.NewBitMap(),
		items:   make(map[uint32]*DirtyItem),
	}
}

// MarkDirty records (kind, id) as dirty, keyed by the node's slot. If
// the strategy is count or hybrid and the dirty count reaches
// CountThreshold, it triggers an immediate save.
func (a *AutoSaver) MarkDirty(kind, id string, slot uint32) {
	if !a.cfg.Enabled {
		return
	}
	a.mu.Lock()
	triggerSave := false
	if !a.bitmap.Get(slot) {
		a.bitmap.Set(slot, true)
		a.items[slot] = &DirtyItem{Kind: kind, ID: id, Slot: slot, MarkedAt: time.Now()}
		a.pending = append(a.pending, slot)
	}
	if (a.cfg.Strategy == StrategyCount || a.cfg.Strategy == StrategyHybrid) &&
		a.cfg.CountThreshold > 0 && len(a.pending) >= a.cfg.CountThreshold {
		triggerSave = true
	}
	a.mu.Unlock()

	if triggerSave {
		a.PerformSave()
	}
}

// Start arms the periodic save timer. It is a no-op if auto-save is
// disabled or already started.
func (a *AutoSaver) Start() {
	if !a.cfg.Enabled || a.cfg.Interval <= 0 {
		return
	}
	a.mu.Lock()
	if a.timer != nil || a.stopped {
		a.mu.Unlock()
		return
	}
	a.timer = time.AfterFunc(a.cfg.Interval, a.tick)
	a.mu.Unlock()
}

func (a *AutoSaver) tick() {
	a.PerformSave()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.timer = time.AfterFunc(a.cfg.Interval, a.tick)
}

// Stop cancels the pending timer. A save already in flight completes.
func (a *AutoSaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// takeBatch removes up to BatchSize items from the front of the
// pending queue for PerformSave to work on, without yet clearing their
// dirty bits (a failed item is simply pushed back to pending).
func (a *AutoSaver) takeBatch() []*DirtyItem {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.cfg.BatchSize
	if n <= 0 || n > len(a.pending) {
		n = len(a.pending)
	}
	batch := make([]*DirtyItem, 0, n)
	for _, slot := range a.pending[:n] {
		if item, ok := a.items[slot]; ok {
			batch = append(batch, item)
		}
	}
	a.pending = a.pending[n:]
	return batch
}

func (a *AutoSaver) clearDirty(slot uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.items, slot)
	a.bitmap.Set(slot, false)
}

func (a *AutoSaver) requeue(item *DirtyItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, item.Slot)
}

func (a *AutoSaver) recordHistory(s SaveStats) {
	a.mu.Lock()
	a.history = append(a.history, s)
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
	a.mu.Unlock()
	if a.cfg.OnSave != nil {
		a.cfg.OnSave(s)
	}
}

// History returns up to the last 100 recorded SaveStats, oldest first.
func (a *AutoSaver) History() []SaveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SaveStats, len(a.history))
	copy(out, a.history)
	return out
}

// PerformSave takes up to BatchSize dirty items, persists each inside
// its own transaction, clears dirty flags on success, and retries
// failures up to five attempts before evicting them with a logged
// error (spec §4.10).
func (a *AutoSaver) PerformSave() SaveStats {
	start := time.Now()
	batch := a.takeBatch()
	stats := SaveStats{At: start, Attempted: len(batch)}

	for _, item := range batch {
		err := a.mgr.Execute(func(tx *Tx) error {
			return a.persist(tx, *item)
		}, ExecuteOptions{})

		if err == nil {
			stats.Saved++
			a.clearDirty(item.Slot)
			continue
		}

		item.Attempts++
		if a.cfg.OnError != nil {
			a.cfg.OnError(err)
		}
		if item.Attempts > maxAttempts {
			stats.Evicted++
			a.clearDirty(item.Slot)
			fmt.Fprintf(os.Stderr, "txn: auto-save: evicting %s %q after %d failed attempts: %v\n", item.Kind, item.ID, item.Attempts, err)
			continue
		}
		stats.Failed++
		a.requeue(item)
	}

	stats.Duration = time.Since(start)
	a.recordHistory(stats)
	return stats
}

// ForceSave synchronously runs PerformSave regardless of the schedule.
func (a *AutoSaver) ForceSave() SaveStats {
	return a.PerformSave()
}
