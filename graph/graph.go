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

package graph

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/launix-de/fxd/fxderr"
	"github.com/launix-de/fxd/signal"
)

// Record is one (path, node) pair produced by Snapshot, suitable for
// disk to serialize (spec §4.3 snapshot()).
type Record struct {
	Path string
	Node *Node
}

// Writer is the graph's mutation surface, narrow enough that both
// *Graph (direct, non-transactional writes) and txn.Tx (undo-logged,
// transactional writes) satisfy it. Callers that need their mutations
// rolled back on failure (patch.ApplyBatch's transactional path)
// should depend on this interface rather than *Graph directly.
type Writer interface {
	SetPath(path string, value any) (*Node, error)
	SetType(node *Node, typ string)
	SetMeta(node *Node, key string, value MetaValue) error
}

// Graph owns the node tree, the snippet index, and the signal stream
// mutations are announced on. It is intrinsically single-threaded for
// mutation (spec §5): callers serialize writers themselves (txn does
// this); concurrent readers are always safe.
type Graph struct {
	mu sync.RWMutex

	root *Node

	// snippet index: meta.id -> path, maintained as a narrow hook on
	// every create/move/rename/delete of a snippet-typed node (spec §4.3).
	snippetIndex map[string]string

	nodesByID map[string]*Node
	nextSlot  uint32

	signals *signal.Stream
}

// New builds an empty graph with a single unnamed root node.
func New(signals *signal.Stream) *Graph {
	g := &Graph{
		snippetIndex: make(map[string]string),
		nodesByID:    make(map[string]*Node),
		signals:      signals,
	}
	g.root = g.newNode("", "", nil)
	return g
}

func (g *Graph) newNode(parentID, key string, parent *Node) *Node {
	n := &Node{
		id:       uuid.NewString(),
		slot:     g.nextSlot,
		parentID: parentID,
		key:      key,
		value:    NewValue(nil),
		children: make(map[string]*Node),
		parent:   parent,
	}
	g.nextSlot++
	g.nodesByID[n.id] = n
	return n
}

// Root returns the graph's root node.
func (g *Graph) Root() *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root
}

// NodeByID resolves an opaque node id, if still present in the graph.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodesByID[id]
	return n, ok
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get walks the child chain for path; absent segments yield (nil, false).
func (g *Graph) Get(path string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.getLocked(path)
}

func (g *Graph) getLocked(path string) (*Node, bool) {
	cur := g.root
	for _, seg := range splitPath(path) {
		cur.mu.RLock()
		next, ok := cur.children[seg]
		cur.mu.RUnlock()
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// SetPath materializes any missing intermediate nodes, sets value,
// increments version, and emits the relevant signals (spec §4.3).
func (g *Graph) SetPath(path string, value any) (*Node, error) {
	if path == "" {
		return nil, fxderr.New(fxderr.InvalidArgument, "graph: empty path")
	}
	g.mu.Lock()

	segs := splitPath(path)
	cur := g.root
	type addedEdge struct {
		parentID, key, childID string
	}
	var addedEdges []addedEdge
	for _, seg := range segs {
		if seg == "" {
			g.mu.Unlock()
			return nil, fxderr.New(fxderr.InvalidArgument, "graph: empty path segment")
		}
		cur.mu.Lock()
		next, ok := cur.children[seg]
		if !ok {
			next = g.newNode(cur.id, seg, cur)
			cur.children[seg] = next
			addedEdges = append(addedEdges, addedEdge{cur.id, seg, next.id})
		}
		cur.mu.Unlock()
		cur = next
	}

	target := cur
	target.mu.Lock()
	old := target.value.Raw()
	baseVersion := target.version
	target.value = NewValue(value)
	target.version++
	newVersion := target.version
	target.mu.Unlock()

	g.mu.Unlock()

	for _, e := range addedEdges {
		g.emitChildren(e.parentID, ChildAddDelta(e.key, e.childID))
	}
	g.emitValue(target.id, baseVersion, newVersion, old, value)

	return target, nil
}

// ChildAddDelta and related helpers live in signal_bridge.go to keep
// this file focused on tree mechanics.

// SetMeta sets a meta key on node, emitting a Metadata signal. Version
// only advances when the mutation is semantically observable: a
// rewrite of meta.id on a snippet node requires reindexing and is
// therefore always signaled and versioned (spec §4.3).
func (g *Graph) SetMeta(node *Node, key string, value MetaValue) error {
	node.mu.Lock()
	old, hadOld := node.meta[key]
	var oldAny any
	if hadOld {
		oldAny = old.Any()
	}
	observable := !hadOld || old.Any() != value.Any()
	node.setMetaLocked(key, value)

	isSnippet := node.typ == SnippetType
	oldSnippetID := ""
	if isSnippet && hadOld && key == MetaID {
		oldSnippetID = old.Str
	}

	var newVersion, baseVersion uint64
	if observable {
		baseVersion = node.version
		node.version++
		newVersion = node.version
	} else {
		baseVersion = node.version
		newVersion = node.version
	}
	nodeID := node.id
	nodePath := node.Path()
	node.mu.Unlock()

	if isSnippet && key == MetaID {
		g.mu.Lock()
		if oldSnippetID != "" {
			delete(g.snippetIndex, oldSnippetID)
		}
		g.snippetIndex[value.Str] = nodePath
		g.mu.Unlock()
	}

	if observable {
		g.emitMetadata(nodeID, baseVersion, newVersion, key, oldAny, value.Any())
	}
	return nil
}

// SetType sets node's type tag. Transitioning into/out of SnippetType
// updates the snippet index the same way create/delete does. A
// Metadata signal keyed "$type" is emitted when the tag actually
// changes, so subscribers that track full node state (disk's WAL
// mirroring) observe type changes the same way they observe meta
// changes.
func (g *Graph) SetType(node *Node, typ string) {
	node.mu.Lock()
	was := node.typ
	node.typ = typ
	snippetID, hasID := node.meta[MetaID]
	nodePath := node.Path()
	var baseVersion, newVersion uint64
	if was != typ {
		baseVersion = node.version
		node.version++
		newVersion = node.version
	}
	nodeID := node.id
	node.mu.Unlock()

	if was != SnippetType && typ == SnippetType && hasID {
		g.mu.Lock()
		g.snippetIndex[snippetID.Str] = nodePath
		g.mu.Unlock()
	} else if was == SnippetType && typ != SnippetType && hasID {
		g.mu.Lock()
		delete(g.snippetIndex, snippetID.Str)
		g.mu.Unlock()
	}

	if was != typ {
		g.emitMetadata(nodeID, baseVersion, newVersion, "$type", was, typ)
	}
}

// Remove cascades deletion to descendants, emits a Children-remove
// signal on the parent for the removed node, and drops any snippet
// index entries among the removed subtree.
func (g *Graph) Remove(node *Node) error {
	if node == g.root {
		return fxderr.New(fxderr.InvalidArgument, "graph: cannot remove root")
	}
	parent := node.Parent()
	if parent == nil {
		return fxderr.New(fxderr.NotFound, "graph: node has no parent")
	}

	parent.mu.Lock()
	delete(parent.children, node.key)
	parentID := parent.id
	parent.mu.Unlock()

	g.mu.Lock()
	g.cascadeRemoveLocked(node)
	g.mu.Unlock()

	g.emitChildren(parentID, ChildRemoveDelta(node.key, node.id))
	return nil
}

func (g *Graph) cascadeRemoveLocked(node *Node) {
	node.mu.Lock()
	id := node.meta[MetaID]
	isSnippet := node.typ == SnippetType
	children := make([]*Node, 0, len(node.children))
	for _, c := range node.children {
		children = append(children, c)
	}
	nodeID := node.id
	node.mu.Unlock()

	for _, c := range children {
		g.cascadeRemoveLocked(c)
	}

	if isSnippet {
		delete(g.snippetIndex, id.Str)
	}
	delete(g.nodesByID, nodeID)
}

// SnippetPath resolves a snippet id to its current path via the index.
func (g *Graph) SnippetPath(snippetID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.snippetIndex[snippetID]
	return p, ok
}

// SnippetIndexSnapshot returns a copy of the full snippet-id -> path index.
func (g *Graph) SnippetIndexSnapshot() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.snippetIndex))
	for k, v := range g.snippetIndex {
		out[k] = v
	}
	return out
}

// Snapshot walks the tree depth-first and returns (path, node) pairs
// suitable for disk to serialize.
func (g *Graph) Snapshot() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Record
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.key != "" {
			out = append(out, Record{Path: n.Path(), Node: n})
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(g.root)
	return out
}

// Signals exposes the underlying stream for subscribers (views, WAL
// bridges) that need to observe mutations directly.
func (g *Graph) Signals() *signal.Stream { return g.signals }
