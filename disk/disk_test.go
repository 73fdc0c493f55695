package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/launix-de/fxd/graph"
	"github.com/launix-de/fxd/signal"
)

func tmpPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "graph.wal")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := tmpPath(t)

	g1 := graph.New(signal.New())
	d1, err := Open(path, g1, Options{Create: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	n, _ := g1.SetPath("code.s1", "console.log(1)")
	g1.SetType(n, graph.SnippetType)
	g1.SetMeta(n, graph.MetaID, graph.MetaString("s1"))
	g1.SetMeta(n, graph.MetaOrder, graph.MetaInt(3))
	if err := d1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	g2 := graph.New(signal.New())
	d2, err := Open(path, g2, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	if err := d2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	n2, ok := g2.Get("code.s1")
	if !ok {
		t.Fatalf("expected code.s1 to exist after load")
	}
	if n2.Value().Raw() != "console.log(1)" {
		t.Fatalf("unexpected value after load: %v", n2.Value().Raw())
	}
	if n2.Type() != graph.SnippetType {
		t.Fatalf("expected snippet type to survive reload, got %q", n2.Type())
	}
	order, ok := n2.Meta(graph.MetaOrder)
	if !ok || order.Int != 3 {
		t.Fatalf("expected order meta to survive reload, got %+v %v", order, ok)
	}
	if path2, ok := g2.SnippetPath("s1"); !ok || path2 != "code.s1" {
		t.Fatalf("expected snippet index to be rebuilt from replay, got %q %v", path2, ok)
	}
}

func TestLoadReplaysRemoval(t *testing.T) {
	path := tmpPath(t)

	g1 := graph.New(signal.New())
	d1, _ := Open(path, g1, Options{Create: true})
	n, _ := g1.SetPath("code.s1", "x")
	g1.Remove(n)
	d1.Close()

	g2 := graph.New(signal.New())
	d2, _ := Open(path, g2, Options{})
	defer d2.Close()
	if err := d2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := g2.Get("code.s1"); ok {
		t.Fatalf("expected code.s1 to be removed after replay")
	}
}

func TestSaveWritesFullCheckpoint(t *testing.T) {
	path := tmpPath(t)
	g := graph.New(signal.New())
	d, _ := Open(path, g, Options{Create: true})
	g.SetPath("a.b", "1")
	g.SetPath("a.c", "2")
	if err := d.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	stats := d.Stats()
	if stats.Count == 0 {
		t.Fatalf("expected records after save, got %+v", stats)
	}
	d.Close()
}

func TestBackupCopiesFile(t *testing.T) {
	path := tmpPath(t)
	g := graph.New(signal.New())
	d, _ := Open(path, g, Options{Create: true})
	g.SetPath("a.b", "1")

	dest := filepath.Join(filepath.Dir(path), "backup", "graph.bak")
	if err := d.Backup(dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}
	d.Close()
}

func TestOpenWithFlushOnExitRegistersWithoutError(t *testing.T) {
	path := tmpPath(t)
	g := graph.New(signal.New())
	d, err := Open(path, g, Options{Create: true, FlushOnExit: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	g.SetPath("a.b", "1")
	d.Close()
}
