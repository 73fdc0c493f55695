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

// Package selector parses and evaluates the CSS-like predicates of
// spec §4.5 against graph nodes. The grammar is built directly on
// github.com/launix-de/go-packrat/v2 combinators, the same parser
// toolkit the teacher wires its own Scheme-syntax grammar on top of
// in scm/packrat.go — FXD builds on the combinators themselves rather
// than routing through scm.Scmer, which has no place in this domain.
//
// Per spec §4.5, combinators (descendant/child) are permitted but
// optional; this implementation restricts to conjunctions of a single
// node's attributes, which the spec notes loses no documented use
// case.
package selector

import (
	"fmt"
	"strconv"
	"strings"

	packrat "github.com/launix-de/go-packrat/v2"

	"github.com/launix-de/fxd/fxderr"
	"github.com/launix-de/fxd/graph"
)

// Op enumerates the attribute comparison operators of spec §4.5.
type Op uint8

const (
	OpPresent Op = iota
	OpEq
	OpNotEq
	OpGte
	OpLte
	OpGt
	OpLt
	OpPrefix
	OpSuffix
	OpSubstr
)

// Attr is one `[k op v]` clause.
type Attr struct {
	Key   string
	Op    Op
	Value string
}

// Selector is a parsed, single-node conjunction: optional type or id
// selector plus zero or more attribute clauses, all of which must
// match (spec §4.5 "conjunction by juxtaposition").
type Selector struct {
	Type string // "" if absent
	ID   string // "" if absent
	Attrs []Attr
}

// ResolutionSource names one of the four places an attribute lookup
// may be satisfied from (spec §4.5/§6).
type ResolutionSource uint8

const (
	SourceMeta ResolutionSource = iota
	SourceType
	SourceRaw
	SourceChild
)

// Config controls selector evaluation; DefaultConfig matches spec §6's
// documented defaults. ClassMatchesType switches what a ".foo"
// selector means: true (the default) aliases it to a type selector
// (node.Type() == "foo"); false gives it CSS class-attribute
// semantics instead (node's "class" meta attribute contains "foo" as
// one of its whitespace-separated tokens).
type Config struct {
	AttrResolution  []ResolutionSource
	ClassMatchesType bool
}

func DefaultConfig() Config {
	return Config{
		AttrResolution:   []ResolutionSource{SourceMeta, SourceType, SourceRaw, SourceChild},
		ClassMatchesType: true,
	}
}

// SyntaxError reports a malformed selector. Pos is always 0: the
// offending position is not tracked; Msg carries the parser's own
// error text.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("selector syntax error at position %d in %q: %s", e.Pos, e.Input, e.Msg)
}

// grammar, built once: identifiers, ops, values, type/id selectors,
// attribute clauses, and the top-level conjunction (with a trailing
// end-of-input anchor so trailing garbage is rejected).
var (
	identParser   = packrat.NewRegexParser(`[A-Za-z_][A-Za-z0-9_\-]*`, false, true)
	bareValParser = packrat.NewRegexParser(`[^\]]+`, false, false)
	quotedValParser = packrat.NewRegexParser(`"(\\.|[^"\\])*"`, false, false)
	valueParser   = packrat.NewOrParser(quotedValParser, bareValParser)

	opParser = packrat.NewOrParser(
		packrat.NewAtomParser("^=", false, true),
		packrat.NewAtomParser("$=", false, true),
		packrat.NewAtomParser("*=", false, true),
		packrat.NewAtomParser(">=", false, true),
		packrat.NewAtomParser("<=", false, true),
		packrat.NewAtomParser("!=", false, true),
		packrat.NewAtomParser("=", false, true),
		packrat.NewAtomParser(">", false, true),
		packrat.NewAtomParser("<", false, true),
	)

	typeSelParser = packrat.NewAndParser(packrat.NewAtomParser(".", false, true), identParser)
	idSelParser   = packrat.NewAndParser(packrat.NewAtomParser("#", false, true), identParser)
	classOrIDParser = packrat.NewOrParser(typeSelParser, idSelParser)

	attrOpValParser = packrat.NewAndParser(opParser, valueParser)
	attrParser = packrat.NewAndParser(
		packrat.NewAtomParser("[", false, true),
		identParser,
		packrat.NewMaybeParser(attrOpValParser),
		packrat.NewAtomParser("]", false, true),
	)

	topParser = packrat.NewAndParser(
		packrat.NewMaybeParser(classOrIDParser),
		packrat.NewKleeneParser(attrParser, packrat.NewEmptyParser()),
		packrat.NewEndParser(true),
	)
)

func opFromToken(tok string) Op {
	switch tok {
	case "^=":
		return OpPrefix
	case "$=":
		return OpSuffix
	case "*=":
		return OpSubstr
	case ">=":
		return OpGte
	case "<=":
		return OpLte
	case "!=":
		return OpNotEq
	case "=":
		return OpEq
	case ">":
		return OpGt
	case "<":
		return OpLt
	default:
		return OpPresent
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return s
}

// Parse parses a single selector string into its AST.
func Parse(input string) (*Selector, error) {
	scanner := packrat.NewScanner(input, packrat.SkipWhitespaceAndCommentsRegex)
	node, err := packrat.Parse(topParser, scanner)
	if err != nil {
		return nil, &SyntaxError{Input: input, Pos: 0, Msg: err.Error()}
	}
	if node == nil || len(node.Children) < 2 {
		return nil, &SyntaxError{Input: input, Pos: 0, Msg: "empty match"}
	}

	sel := &Selector{}

	maybeNode := node.Children[0]
	if len(maybeNode.Children) > 0 {
		orNode := maybeNode.Children[0]
		inner := orNode.Children[0]
		if len(inner.Children) >= 2 {
			text := inner.Children[1].Matched
			if inner.Children[0].Matched == "." {
				sel.Type = text
			} else {
				sel.ID = text
			}
		}
	}

	kleeneNode := node.Children[1]
	for i := 0; i < len(kleeneNode.Children); i += 2 {
		attrNode := kleeneNode.Children[i]
		if len(attrNode.Children) < 4 {
			continue
		}
		key := attrNode.Children[1].Matched
		maybeOpVal := attrNode.Children[2]
		attr := Attr{Key: key, Op: OpPresent}
		if len(maybeOpVal.Children) > 0 {
			opValNode := maybeOpVal.Children[0]
			opNode := opValNode.Children[0]
			valNode := opValNode.Children[1]
			opToken := opNode.Children[0].Matched
			attr.Op = opFromToken(opToken)
			valToken := valNode.Children[0].Matched
			attr.Value = unquote(valToken)
		}
		sel.Attrs = append(sel.Attrs, attr)
	}

	return sel, nil
}

func resolve(node *graph.Node, key string, cfg Config) (any, bool) {
	for _, src := range cfg.AttrResolution {
		switch src {
		case SourceMeta:
			if m, ok := node.Meta(key); ok {
				return m.Any(), true
			}
		case SourceType:
			switch key {
			case "type":
				return node.Type(), true
			case "id":
				return node.ID(), true
			case "key":
				return node.Key(), true
			case "version":
				return node.Version(), true
			}
		case SourceRaw:
			if key == "value" {
				return node.Value().Raw(), true
			}
		case SourceChild:
			if c, ok := node.Child(key); ok {
				return c.Value().Raw(), true
			}
		}
	}
	return nil, false
}

func compareAttr(attr Attr, node *graph.Node, cfg Config) bool {
	value, found := resolve(node, attr.Key, cfg)
	if attr.Op == OpPresent {
		return found
	}
	if !found {
		return false
	}
	s := toComparableString(value)

	switch attr.Op {
	case OpEq:
		return s == attr.Value
	case OpNotEq:
		return s != attr.Value
	case OpPrefix:
		return strings.HasPrefix(s, attr.Value)
	case OpSuffix:
		return strings.HasSuffix(s, attr.Value)
	case OpSubstr:
		return strings.Contains(s, attr.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aerr := strconv.ParseFloat(s, 64)
		b, berr := strconv.ParseFloat(attr.Value, 64)
		if aerr != nil || berr != nil {
			switch attr.Op {
			case OpGt:
				return s > attr.Value
			case OpGte:
				return s >= attr.Value
			case OpLt:
				return s < attr.Value
			default:
				return s <= attr.Value
			}
		}
		switch attr.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// hasClass reports whether token appears among classes' whitespace-
// separated entries (CSS class-attribute matching semantics).
func hasClass(classes, token string) bool {
	for _, c := range strings.Fields(classes) {
		if c == token {
			return true
		}
	}
	return false
}

func toComparableString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Match reports whether node satisfies sel under cfg.
func Match(sel *Selector, node *graph.Node, cfg Config) bool {
	if sel.ID != "" && node.ID() != sel.ID {
		return false
	}
	if sel.Type != "" {
		if cfg.ClassMatchesType {
			if node.Type() != sel.Type {
				return false
			}
		} else {
			// With class/type aliasing off, ".foo" stops meaning
			// "node.Type() == foo" and instead means the CSS sense of
			// class: node carries a whitespace-separated "class" meta
			// attribute with foo as one of its tokens.
			value, ok := resolve(node, "class", cfg)
			if !ok || !hasClass(toComparableString(value), sel.Type) {
				return false
			}
		}
	}
	for _, attr := range sel.Attrs {
		if !compareAttr(attr, node, cfg) {
			return false
		}
	}
	return true
}

// Evaluate parses selectorStr and returns every node in the graph
// reachable from root (itself included) that matches. Ordering is
// unspecified, per spec §4.5.
func Evaluate(root *graph.Node, selectorStr string, cfg Config) ([]*graph.Node, error) {
	sel, err := Parse(selectorStr)
	if err != nil {
		return nil, fxderr.Wrap(fxderr.InvalidArgument, "selector: parse failed", err)
	}
	var out []*graph.Node
	var walk func(n *graph.Node)
	walk = func(n *graph.Node) {
		if Match(sel, n, cfg) {
			out = append(out, n)
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}
