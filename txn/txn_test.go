package txn

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/launix-de/fxd/fxderr"
	"github.com/launix-de/fxd/graph"
	"github.com/launix-de/fxd/signal"
)

func newTestManager() (*graph.Graph, *Manager) {
	g := graph.New(signal.New())
	return g, NewManager(g)
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	g, m := newTestManager()
	err := m.Execute(func(tx *Tx) error {
		_, err := tx.SetPath("a.b", "v")
		return err
	}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	n, ok := g.Get("a.b")
	if !ok || n.Value().Raw() != "v" {
		t.Fatalf("expected committed value, got %v %v", n, ok)
	}
}

func TestExecuteRollsBackOnError(t *testing.T) {
	g, m := newTestManager()
	g.SetPath("a.b", "original")

	wantErr := errors.New("boom")
	err := m.Execute(func(tx *Tx) error {
		if _, err := tx.SetPath("a.b", "changed"); err != nil {
			return err
		}
		return wantErr
	}, ExecuteOptions{})
	if err != wantErr {
		t.Fatalf("expected boom error, got %v", err)
	}
	n, _ := g.Get("a.b")
	if n.Value().Raw() != "original" {
		t.Fatalf("expected rollback to restore original value, got %v", n.Value().Raw())
	}
}

func TestExecuteRollsBackCreatedNode(t *testing.T) {
	g, m := newTestManager()
	wantErr := errors.New("boom")
	m.Execute(func(tx *Tx) error {
		if _, err := tx.SetPath("new.path", "v"); err != nil {
			return err
		}
		return wantErr
	}, ExecuteOptions{})

	if _, ok := g.Get("new.path"); ok {
		t.Fatalf("expected newly created node to be rolled back")
	}
}

func TestNestedExecuteUsesSavepoint(t *testing.T) {
	g, m := newTestManager()
	innerErr := errors.New("inner failure")
	err := m.Execute(func(tx *Tx) error {
		tx.SetPath("outer", "1")
		nestedErr := m.Execute(func(tx *Tx) error {
			tx.SetPath("inner", "2")
			return innerErr
		}, ExecuteOptions{})
		if nestedErr != innerErr {
			t.Fatalf("expected inner error to propagate, got %v", nestedErr)
		}
		return nil
	}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("outer execute: %v", err)
	}
	if _, ok := g.Get("outer"); !ok {
		t.Fatalf("expected outer's write to survive")
	}
	if _, ok := g.Get("inner"); ok {
		t.Fatalf("expected inner's write to be rolled back to its savepoint")
	}
}

func TestExecuteRetriesBusyErrors(t *testing.T) {
	_, m := newTestManager()
	attempts := 0
	err := m.Execute(func(tx *Tx) error {
		attempts++
		if attempts < 3 {
			return fxderr.New(fxderr.Busy, "try again")
		}
		return nil
	}, ExecuteOptions{Retries: 5, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := WithRetry(func() error {
		attempts++
		return errors.New("permanent failure")
	}, 5, time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected no retries for a non-retryable error, got %d attempts", attempts)
	}
}

func TestACIDDetectsConcurrentWriterConflict(t *testing.T) {
	g, m := newTestManager()
	g.SetPath("x", "0")

	err := m.Execute(func(tx *Tx) error {
		if _, err := tx.SetPath("x", "1"); err != nil {
			return err
		}
		// simulate a concurrent committed writer outside this tx
		g.SetPath("x", "2")
		return nil
	}, ExecuteOptions{Isolation: ACID})
	if err == nil {
		t.Fatalf("expected an OCC conflict")
	}
	if kind, ok := fxderr.KindOf(err); !ok || kind != fxderr.Conflict {
		t.Fatalf("expected a Conflict-kind error, got %v", err)
	}
}

func TestAutoSaverMarkDirtyAndPerformSave(t *testing.T) {
	g, m := newTestManager()
	n, _ := g.SetPath("a.b", "v")

	var saved int32
	as := NewAutoSaver(m, Config{Enabled: true, BatchSize: 10}, func(tx *Tx, item DirtyItem) error {
		atomic.AddInt32(&saved, 1)
		return nil
	})
	as.MarkDirty("snippet", n.ID(), n.Slot())
	stats := as.PerformSave()

	if stats.Saved != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if atomic.LoadInt32(&saved) != 1 {
		t.Fatalf("expected persist to be called once")
	}
	if len(as.History()) != 1 {
		t.Fatalf("expected one history entry, got %d", len(as.History()))
	}

	// marking the same slot again after a successful save re-queues it
	as.MarkDirty("snippet", n.ID(), n.Slot())
	stats2 := as.PerformSave()
	if stats2.Attempted != 1 || stats2.Saved != 1 {
		t.Fatalf("expected the second mark to be saved independently, got %+v", stats2)
	}
}

func TestAutoSaverDoesNotDoubleQueueSameSlot(t *testing.T) {
	g, m := newTestManager()
	n, _ := g.SetPath("a.b", "v")

	as := NewAutoSaver(m, Config{Enabled: true, BatchSize: 10}, func(tx *Tx, item DirtyItem) error {
		return nil
	})
	as.MarkDirty("snippet", n.ID(), n.Slot())
	as.MarkDirty("snippet", n.ID(), n.Slot())
	as.MarkDirty("snippet", n.ID(), n.Slot())

	stats := as.PerformSave()
	if stats.Attempted != 1 {
		t.Fatalf("expected marking the same slot repeatedly to coalesce into one dirty entry, got %+v", stats)
	}
}

func TestAutoSaverEvictsAfterMaxAttempts(t *testing.T) {
	g, m := newTestManager()
	n, _ := g.SetPath("a.b", "v")

	var errCount int32
	as := NewAutoSaver(m, Config{Enabled: true, BatchSize: 10, OnError: func(err error) {
		atomic.AddInt32(&errCount, 1)
	}}, func(tx *Tx, item DirtyItem) error {
		return errors.New("persist failed")
	})
	as.MarkDirty("snippet", n.ID(), n.Slot())

	var last SaveStats
	for i := 0; i < maxAttempts+1; i++ {
		last = as.PerformSave()
	}
	if last.Evicted != 1 {
		t.Fatalf("expected eviction after exceeding max attempts, got %+v", last)
	}
	if atomic.LoadInt32(&errCount) == 0 {
		t.Fatalf("expected OnError to be invoked")
	}

	// after eviction the item no longer reappears
	empty := as.PerformSave()
	if empty.Attempted != 0 {
		t.Fatalf("expected no pending items after eviction, got %+v", empty)
	}
}

func TestAutoSaverCountStrategyTriggersImmediateSave(t *testing.T) {
	g, m := newTestManager()
	n1, _ := g.SetPath("a.b", "v1")
	n2, _ := g.SetPath("a.c", "v2")

	var saveCalls int32
	as := NewAutoSaver(m, Config{
		Enabled: true, BatchSize: 10, Strategy: StrategyCount, CountThreshold: 2,
	}, func(tx *Tx, item DirtyItem) error {
		atomic.AddInt32(&saveCalls, 1)
		return nil
	})
	as.MarkDirty("snippet", n1.ID(), n1.Slot())
	if atomic.LoadInt32(&saveCalls) != 0 {
		t.Fatalf("expected no save before threshold reached")
	}
	as.MarkDirty("snippet", n2.ID(), n2.Slot())
	if atomic.LoadInt32(&saveCalls) != 2 {
		t.Fatalf("expected threshold-triggered save to persist both items, got %d", saveCalls)
	}
}

func TestAutoSaverForceSaveRunsSynchronously(t *testing.T) {
	g, m := newTestManager()
	n, _ := g.SetPath("a.b", "v")

	as := NewAutoSaver(m, Config{Enabled: true, BatchSize: 10}, func(tx *Tx, item DirtyItem) error {
		return nil
	})
	as.MarkDirty("snippet", n.ID(), n.Slot())
	stats := as.ForceSave()
	if stats.Saved != 1 {
		t.Fatalf("expected ForceSave to persist the dirty item, got %+v", stats)
	}
}

func TestAutoSaverStartStopCancelsTimer(t *testing.T) {
	_, m := newTestManager()
	as := NewAutoSaver(m, Config{Enabled: true, Interval: time.Hour}, func(tx *Tx, item DirtyItem) error {
		return nil
	})
	as.Start()
	as.Stop()
	// Calling Stop twice, or Start after Stop, must not panic or re-arm.
	as.Stop()
	as.Start()
}
