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

// Package graph is the reactive node graph (spec §3, §4.3): a rooted
// forest of versioned Nodes addressed by dotted paths, with a
// snippet-id index maintained incrementally as a narrow hook on every
// mutation. It plays the role the teacher's storage/database.go and
// storage/table.go play for table/column state, generalized from rows
// in shards to values on an arbitrary tree.
package graph

import (
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Value holds the four canonical projections of spec §3: raw is
// stored, parsed/stringified/boolean are derived lazily and cached
// (the spec leaves this an open question; FXD resolves it toward
// laziness so that setting a value never pays for projections nobody
// reads).
type Value struct {
	mu         sync.Mutex
	raw        any
	parsedOK   bool
	parsed     any
	stringOK   bool
	str        string
	boolOK     bool
	boolean    bool
}

// NewValue wraps raw as a Value with no projections computed yet.
func NewValue(raw any) *Value {
	return &Value{raw: raw}
}

// Raw returns the original, uninterpreted value.
func (v *Value) Raw() any {
	if v == nil {
		return nil
	}
	return v.raw
}

// Parsed returns a structurally typed copy of raw: numeric strings
// become decimal.Decimal, "true"/"false" become bool, everything else
// passes through unchanged.
func (v *Value) Parsed() any {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.parsedOK {
		return v.parsed
	}
	v.parsed = parseValue(v.raw)
	v.parsedOK = true
	return v.parsed
}

func parseValue(raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d
	}
	return raw
}

// Stringified returns the text rendering of raw.
func (v *Value) Stringified() string {
	if v == nil {
		return ""
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stringOK {
		return v.str
	}
	v.str = stringifyValue(v.raw)
	v.stringOK = true
	return v.str
}

func stringifyValue(raw any) string {
	switch x := raw.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case decimal.Decimal:
		return x.String()
	case fmtStringer:
		return x.String()
	default:
		return ""
	}
}

type fmtStringer interface{ String() string }

// Boolean returns the truthiness projection: empty string, "false",
// nil, numeric zero, and false all project to false.
func (v *Value) Boolean() bool {
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.boolOK {
		return v.boolean
	}
	v.boolean = booleanValue(v.raw)
	v.boolOK = true
	return v.boolean
}

func booleanValue(raw any) bool {
	switch x := raw.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case decimal.Decimal:
		return !x.IsZero()
	default:
		return true
	}
}

// MetaValue is the closed scalar set allowed in a node's meta map.
type MetaValue struct {
	Str    string
	Int    int64
	Float  float64
	Bool   bool
	IsStr  bool
	IsInt  bool
	IsFloat bool
	IsBool bool
}

// MetaString builds a string-valued MetaValue.
func MetaString(s string) MetaValue { return MetaValue{Str: s, IsStr: true} }

// MetaInt builds an int64-valued MetaValue.
func MetaInt(i int64) MetaValue { return MetaValue{Int: i, IsInt: true} }

// MetaFloat builds a float64-valued MetaValue.
func MetaFloat(f float64) MetaValue { return MetaValue{Float: f, IsFloat: true} }

// MetaBool builds a bool-valued MetaValue.
func MetaBool(b bool) MetaValue { return MetaValue{Bool: b, IsBool: true} }

// Any returns the MetaValue's payload as an any, for selector matching
// and serialization.
func (m MetaValue) Any() any {
	switch {
	case m.IsStr:
		return m.Str
	case m.IsInt:
		return m.Int
	case m.IsFloat:
		return m.Float
	case m.IsBool:
		return m.Bool
	default:
		return nil
	}
}

// Well-known meta keys (spec §3/§4.7).
const (
	MetaID       = "id"
	MetaLang     = "lang"
	MetaFile     = "file"
	MetaOrder    = "order"
	MetaVersion  = "version"
	MetaChecksum = "checksum"
)

// SnippetType is the node type that marks a node as a snippet (spec §3).
const SnippetType = "snippet"

// Node is the graph's sole first-class entity (spec §3).
type Node struct {
	mu sync.RWMutex

	id       string
	slot     uint32 // internal sequential index, backs bitmap membership sets
	parentID string
	key      string
	typ      string
	value    *Value
	meta     map[string]MetaValue
	metaKeys []string // preserves insertion order for deterministic snapshot/iteration
	version  uint64

	parent   *Node
	children map[string]*Node
}

// ID returns the node's opaque, stable identifier.
func (n *Node) ID() string { n.mu.RLock(); defer n.mu.RUnlock(); return n.id }

// Slot returns the node's internal bitmap-membership index.
func (n *Node) Slot() uint32 { n.mu.RLock(); defer n.mu.RUnlock(); return n.slot }

// ParentID returns the parent node's id, or "" for a root.
func (n *Node) ParentID() string { n.mu.RLock(); defer n.mu.RUnlock(); return n.parentID }

// Key returns the name by which the parent reaches this child.
func (n *Node) Key() string { n.mu.RLock(); defer n.mu.RUnlock(); return n.key }

// Type returns the node's short tag ("snippet", "group", "", ...).
func (n *Node) Type() string { n.mu.RLock(); defer n.mu.RUnlock(); return n.typ }

// Value returns the node's current Value.
func (n *Node) Value() *Value { n.mu.RLock(); defer n.mu.RUnlock(); return n.value }

// Version returns the node's monotonic mutation counter.
func (n *Node) Version() uint64 { n.mu.RLock(); defer n.mu.RUnlock(); return n.version }

// Meta returns the value for key and whether it was present.
func (n *Node) Meta(key string) (MetaValue, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.meta[key]
	return v, ok
}

// MetaKeys returns the meta map's keys in insertion order.
func (n *Node) MetaKeys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.metaKeys))
	copy(out, n.metaKeys)
	return out
}

// IsSnippet reports whether this node's type marks it as a snippet.
func (n *Node) IsSnippet() bool { return n.Type() == SnippetType }

// Children returns a snapshot slice of this node's children.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	return out
}

// Child looks up an immediate child by key.
func (n *Node) Child(key string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[key]
	return c, ok
}

// Parent returns the parent node, or nil for a root.
func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Path reconstructs this node's dotted path by walking parent links.
func (n *Node) Path() string {
	var segs []string
	cur := n
	for cur != nil && cur.key != "" {
		segs = append([]string{cur.key}, segs...)
		cur = cur.Parent()
	}
	return strings.Join(segs, ".")
}

func (n *Node) setMetaLocked(key string, v MetaValue) {
	if n.meta == nil {
		n.meta = make(map[string]MetaValue)
	}
	if _, exists := n.meta[key]; !exists {
		n.metaKeys = append(n.metaKeys, key)
	}
	n.meta[key] = v
}
