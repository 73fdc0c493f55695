package view

import (
	"testing"
	"time"

	"github.com/launix-de/fxd/graph"
	"github.com/launix-de/fxd/signal"
)

func newTestGroup() (*graph.Graph, *Group) {
	g := graph.New(signal.New())
	return g, NewGroup(g)
}

func TestIncludeExcludeWhere(t *testing.T) {
	g, gr := newTestGroup()
	n1, _ := g.SetPath("views.app.s1", "a")
	g.SetType(n1, graph.SnippetType)
	g.SetMeta(n1, graph.MetaFile, graph.MetaString("app.js"))
	n2, _ := g.SetPath("views.app.s2", "b")
	g.SetType(n2, graph.SnippetType)
	g.SetMeta(n2, graph.MetaFile, graph.MetaString("other.js"))

	if err := gr.Include(".snippet"); err != nil {
		t.Fatalf("include: %v", err)
	}
	gr.Where(func(n *graph.Node) bool {
		m, ok := n.Meta(graph.MetaFile)
		return ok && m.Str == "app.js"
	})
	gr.Recompute()

	members := gr.List()
	if len(members) != 1 || members[0].ID() != n1.ID() {
		t.Fatalf("expected only s1 to survive the where filter, got %v", members)
	}
}

func TestManualAddAndRemove(t *testing.T) {
	g, gr := newTestGroup()
	n, _ := g.SetPath("x.y", "v")
	gr.Add(n)
	gr.Recompute()
	if len(gr.List()) != 1 {
		t.Fatalf("expected manual add to be a member")
	}
	gr.Remove(n)
	gr.Recompute()
	if len(gr.List()) != 0 {
		t.Fatalf("expected manual remove to drop membership")
	}
}

func TestOrderingByMetaOrder(t *testing.T) {
	g, gr := newTestGroup()
	n1, _ := g.SetPath("a.one", "1")
	g.SetMeta(n1, graph.MetaOrder, graph.MetaInt(2))
	n2, _ := g.SetPath("a.two", "2")
	g.SetMeta(n2, graph.MetaOrder, graph.MetaInt(1))
	gr.Add(n1)
	gr.Add(n2)
	gr.Recompute()

	members := gr.List()
	if len(members) != 2 || members[0].ID() != n2.ID() || members[1].ID() != n1.ID() {
		t.Fatalf("expected ascending meta.order, got %v", members)
	}
}

func TestReorderOverridesMetaOrder(t *testing.T) {
	g, gr := newTestGroup()
	n1, _ := g.SetPath("a.one", "1")
	n2, _ := g.SetPath("a.two", "2")
	gr.Add(n1)
	gr.Add(n2)
	gr.Recompute()
	gr.Reorder(n1.ID(), 0)
	gr.Recompute()
	members := gr.List()
	if members[0].ID() != n1.ID() {
		t.Fatalf("expected manual order to put n1 first, got %v", members)
	}
}

func TestReactiveRecomputeOnSignal(t *testing.T) {
	g, gr := newTestGroup()
	if err := gr.Include(".snippet"); err != nil {
		t.Fatalf("include: %v", err)
	}
	gr.SetDebounce(5 * time.Millisecond)
	changed := make(chan struct{}, 1)
	gr.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	gr.SetReactive(true)
	defer gr.Close()

	n, _ := g.SetPath("a.s1", "body")
	g.SetType(n, graph.SnippetType)

	select {
	case <-changed:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected reactive recomputation to fire OnChange")
	}
	if len(gr.List()) != 1 {
		t.Fatalf("expected the newly typed snippet to be a member")
	}
}

func TestDiff(t *testing.T) {
	g, a := newTestGroup()
	b := NewGroup(g)
	n1, _ := g.SetPath("x.1", "same")
	n2, _ := g.SetPath("x.2", "only-a")
	n3, _ := g.SetPath("x.3", "only-b")
	a.Add(n1)
	a.Add(n2)
	b.Add(n1)
	b.Add(n3)
	a.Recompute()
	b.Recompute()

	d := a.Diff(b)
	if len(d.Added) != 1 || d.Added[0] != n3.ID() {
		t.Fatalf("expected n3 added, got %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0] != n2.ID() {
		t.Fatalf("expected n2 removed, got %v", d.Removed)
	}
}

func TestRegistryDiscoverViews(t *testing.T) {
	g, _ := newTestGroup()
	r := NewRegistry()
	r.Register("views.app", NewGroup(g))
	r.Register("views.tests", NewGroup(g))
	paths := r.DiscoverViews()
	if len(paths) != 2 || paths[0] != "views.app" || paths[1] != "views.tests" {
		t.Fatalf("unexpected discovered views: %v", paths)
	}
}
