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

// Package view implements groups: dynamically evaluated, ordered
// multisets of graph nodes (spec §4.6). A view is simply a group
// reached by a well-known path; the registry in registry.go plays the
// part the Design Notes call for ("a dedicated views registry keyed by
// path") in place of the teacher's habit of stashing derived state on
// a hidden struct field (storage/trigger.go's per-table
// []TriggerDescription list is the shape this generalizes: an ordered
// list of named, independently-firing descriptors attached to a piece
// of owned state).
package view

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/launix-de/fxd/graph"
	"github.com/launix-de/fxd/selector"
	"github.com/launix-de/fxd/signal"
)

// Diff is the result of comparing two groups' current membership.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Group is a dynamically maintained ordered collection of nodes,
// defined by include/exclude predicates plus manual membership and
// ordering overrides (spec §4.6).
type Group struct {
	mu sync.RWMutex

	g    *graph.Graph
	cfg  selector.Config

	includes []*selector.Selector
	excludes []*selector.Selector
	wheres   []func(*graph.Node) bool

	explicit map[string]*graph.Node // manual add()s, keyed by node id

	manualOrder []string // node ids, if reorder() has been used
	members     []*graph.Node // cached, ordered

	reactive      bool
	debounce      time.Duration
	unsubscribe   func()
	changeCbs     []func()
	recomputeFlight singleflight.Group
	timer         *time.Timer
}

// NewGroup builds an empty, non-reactive group over g.
func NewGroup(g *graph.Graph) *Group {
	return &Group{
		g:        g,
		cfg:      selector.DefaultConfig(),
		explicit: make(map[string]*graph.Node),
		debounce: 20 * time.Millisecond,
	}
}

// Include adds a selector string to the include list.
func (gr *Group) Include(sel string) error {
	s, err := selector.Parse(sel)
	if err != nil {
		return err
	}
	gr.mu.Lock()
	gr.includes = append(gr.includes, s)
	gr.mu.Unlock()
	gr.invalidate()
	return nil
}

// Exclude adds a selector string to the exclude list.
func (gr *Group) Exclude(sel string) error {
	s, err := selector.Parse(sel)
	if err != nil {
		return err
	}
	gr.mu.Lock()
	gr.excludes = append(gr.excludes, s)
	gr.mu.Unlock()
	gr.invalidate()
	return nil
}

// Where attaches a further predicate every candidate member must pass.
func (gr *Group) Where(pred func(*graph.Node) bool) {
	gr.mu.Lock()
	gr.wheres = append(gr.wheres, pred)
	gr.mu.Unlock()
	gr.invalidate()
}

// Add manually includes node regardless of the predicate lists.
func (gr *Group) Add(node *graph.Node) {
	gr.mu.Lock()
	gr.explicit[node.ID()] = node
	gr.mu.Unlock()
	gr.invalidate()
}

// Remove drops node from the manual membership list. It does not
// suppress a node still matched by an include predicate; use Exclude
// for that.
func (gr *Group) Remove(node *graph.Node) {
	gr.mu.Lock()
	delete(gr.explicit, node.ID())
	gr.mu.Unlock()
	gr.invalidate()
}

// Reorder moves id to index in the manual ordering, creating the
// override list (seeded from current membership) on first use.
func (gr *Group) Reorder(id string, index int) {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if gr.manualOrder == nil {
		gr.manualOrder = make([]string, 0, len(gr.members))
		for _, m := range gr.members {
			gr.manualOrder = append(gr.manualOrder, m.ID())
		}
	}
	cur := gr.manualOrder
	out := make([]string, 0, len(cur)+1)
	for _, existing := range cur {
		if existing != id {
			out = append(out, existing)
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(out) {
		index = len(out)
	}
	out = append(out[:index], append([]string{id}, out[index:]...)...)
	gr.manualOrder = out
}

// SetReactive enables or disables signal-driven invalidation.
func (gr *Group) SetReactive(on bool) {
	gr.mu.Lock()
	wasOn := gr.reactive
	gr.reactive = on
	gr.mu.Unlock()

	if on && !wasOn && gr.g.Signals() != nil {
		unsub := gr.g.Signals().Subscribe(nil, signal.Filter{Kinds: []signal.Kind{signal.Children, signal.Metadata, signal.Value}}, func(signal.Signal) {
			gr.scheduleRecompute()
		})
		gr.mu.Lock()
		gr.unsubscribe = unsub
		gr.mu.Unlock()
	} else if !on && wasOn {
		gr.mu.Lock()
		unsub := gr.unsubscribe
		gr.unsubscribe = nil
		gr.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}
}

// OnChange registers a callback fired after a recomputation that
// changed membership or ordering.
func (gr *Group) OnChange(cb func()) {
	gr.mu.Lock()
	gr.changeCbs = append(gr.changeCbs, cb)
	gr.mu.Unlock()
}

// SetDebounce overrides the default 20ms recompute coalescing window.
func (gr *Group) SetDebounce(d time.Duration) {
	gr.mu.Lock()
	gr.debounce = d
	gr.mu.Unlock()
}

func (gr *Group) scheduleRecompute() {
	gr.mu.Lock()
	d := gr.debounce
	if gr.timer != nil {
		gr.timer.Stop()
	}
	gr.timer = time.AfterFunc(d, func() {
		gr.recomputeFlight.Do("recompute", func() (any, error) {
			gr.Recompute()
			return nil, nil
		})
	})
	gr.mu.Unlock()
}

func (gr *Group) invalidate() {
	gr.mu.RLock()
	reactive := gr.reactive
	gr.mu.RUnlock()
	if reactive {
		gr.scheduleRecompute()
	} else {
		gr.Recompute()
	}
}

// Recompute rebuilds membership synchronously and fires OnChange
// callbacks if anything changed.
func (gr *Group) Recompute() {
	gr.mu.RLock()
	includes := append([]*selector.Selector(nil), gr.includes...)
	excludes := append([]*selector.Selector(nil), gr.excludes...)
	wheres := make([]func(*graph.Node) bool, len(gr.wheres))
	copy(wheres, gr.wheres)
	explicit := make(map[string]*graph.Node, len(gr.explicit))
	for k, v := range gr.explicit {
		explicit[k] = v
	}
	manualOrder := append([]string(nil), gr.manualOrder...)
	cfg := gr.cfg
	oldMembers := gr.members
	gr.mu.RUnlock()

	root := gr.g.Root()
	candidates := make(map[string]*graph.Node, len(explicit))
	for id, n := range explicit {
		candidates[id] = n
	}
	for _, inc := range includes {
		matchWalk(root, inc, cfg, candidates)
	}

	excludeSet := make(map[string]bool)
	for _, exc := range excludes {
		tmp := make(map[string]*graph.Node)
		matchWalk(root, exc, cfg, tmp)
		for id := range tmp {
			excludeSet[id] = true
		}
	}

	final := make([]*graph.Node, 0, len(candidates))
	for id, n := range candidates {
		if excludeSet[id] {
			continue
		}
		ok := true
		for _, w := range wheres {
			if !w(n) {
				ok = false
				break
			}
		}
		if ok {
			final = append(final, n)
		}
	}

	ordered := orderMembers(final, manualOrder)

	gr.mu.Lock()
	gr.members = ordered
	gr.mu.Unlock()

	if membershipChanged(oldMembers, ordered) {
		gr.mu.RLock()
		cbs := append([]func(){}, gr.changeCbs...)
		gr.mu.RUnlock()
		for _, cb := range cbs {
			cb()
		}
	}
}

func matchWalk(root *graph.Node, sel *selector.Selector, cfg selector.Config, out map[string]*graph.Node) {
	var walk func(n *graph.Node)
	walk = func(n *graph.Node) {
		if selector.Match(sel, n, cfg) {
			out[n.ID()] = n
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)
}

func orderMembers(members []*graph.Node, manualOrder []string) []*graph.Node {
	if len(manualOrder) > 0 {
		byID := make(map[string]*graph.Node, len(members))
		for _, m := range members {
			byID[m.ID()] = m
		}
		out := make([]*graph.Node, 0, len(members))
		seen := make(map[string]bool, len(members))
		for _, id := range manualOrder {
			if n, ok := byID[id]; ok {
				out = append(out, n)
				seen[id] = true
			}
		}
		for _, m := range members {
			if !seen[m.ID()] {
				out = append(out, m)
			}
		}
		return out
	}

	out := append([]*graph.Node(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iHas := order(out[i])
		oj, jHas := order(out[j])
		if iHas && jHas && oi != oj {
			return oi < oj
		}
		if iHas != jHas {
			return iHas
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func order(n *graph.Node) (float64, bool) {
	m, ok := n.Meta(graph.MetaOrder)
	if !ok {
		return 0, false
	}
	switch {
	case m.IsInt:
		return float64(m.Int), true
	case m.IsFloat:
		return m.Float, true
	default:
		return 0, false
	}
}

func membershipChanged(old, new []*graph.Node) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i].ID() != new[i].ID() {
			return true
		}
	}
	return false
}

// List returns the group's current ordered membership.
func (gr *Group) List() []*graph.Node {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	out := make([]*graph.Node, len(gr.members))
	copy(out, gr.members)
	return out
}

// ByFile returns the subset of current members whose meta.file equals name.
func (gr *Group) ByFile(name string) []*graph.Node {
	return gr.filtered(func(n *graph.Node) bool {
		m, ok := n.Meta(graph.MetaFile)
		return ok && m.Str == name
	})
}

// ByLang returns the subset of current members whose meta.lang equals lang.
func (gr *Group) ByLang(lang string) []*graph.Node {
	return gr.filtered(func(n *graph.Node) bool {
		m, ok := n.Meta(graph.MetaLang)
		return ok && m.Str == lang
	})
}

// SortByOrder returns a projection of current members sorted by
// meta.order regardless of any manual ordering override.
func (gr *Group) SortByOrder() []*graph.Node {
	members := gr.List()
	out := append([]*graph.Node(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iHas := order(out[i])
		oj, jHas := order(out[j])
		if iHas && jHas && oi != oj {
			return oi < oj
		}
		if iHas != jHas {
			return iHas
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (gr *Group) filtered(pred func(*graph.Node) bool) []*graph.Node {
	members := gr.List()
	var out []*graph.Node
	for _, m := range members {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

// Diff compares this group's current membership against other's.
// Changed entries are ids present in both whose current raw value
// differs; the core does not snapshot historical values (spec §4.6).
func (gr *Group) Diff(other *Group) Diff {
	a := gr.List()
	b := other.List()

	aByID := make(map[string]*graph.Node, len(a))
	for _, n := range a {
		aByID[n.ID()] = n
	}
	bByID := make(map[string]*graph.Node, len(b))
	for _, n := range b {
		bByID[n.ID()] = n
	}

	var d Diff
	for id := range bByID {
		if _, ok := aByID[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range aByID {
		if _, ok := bByID[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	for id, an := range aByID {
		if bn, ok := bByID[id]; ok {
			if an.Value().Raw() != bn.Value().Raw() {
				d.Changed = append(d.Changed, id)
			}
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Close unsubscribes from the signal stream, if reactive.
func (gr *Group) Close() {
	gr.mu.Lock()
	unsub := gr.unsubscribe
	gr.unsubscribe = nil
	if gr.timer != nil {
		gr.timer.Stop()
	}
	gr.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
