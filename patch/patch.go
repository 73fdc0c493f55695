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

// Package patch applies marker.Patch lists to the graph's snippet
// index, with configurable missing-id and conflict policies (spec
// §4.8). Grounded in storage/trigger.go's apply-and-validate shape
// (before-insert triggers that can veto a write) and in the teacher's
// transaction savepoint/rollback machinery for the transactional
// batch path, here reached through the TxRunner seam rather than a
// direct import so patch stays independent of the transaction
// manager's own scheduling concerns.
package patch

import (
	"regexp"
	"strings"

	"github.com/launix-de/fxd/fxderr"
	"github.com/launix-de/fxd/graph"
	"github.com/launix-de/fxd/marker"
)

// Options controls Apply/ApplyBatch behavior (spec §4.8).
type Options struct {
	OnMissing   string // "create" or "skip"
	OrphanRoot  string // used when OnMissing == "create"
	Transaction bool   // ApplyBatch only
}

const (
	OnMissingCreate = "create"
	OnMissingSkip   = "skip"
)

// Status values reported per patch.
const (
	StatusApplied  = "applied"
	StatusCreated  = "created"
	StatusSkipped  = "skipped"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Outcome reports what happened to one patch.
type Outcome struct {
	ID     string
	Status string
	Err    error
}

// TxRunner is the seam patch uses to run a batch transactionally
// without importing the transaction manager directly; txn.Runner
// satisfies this interface, handing each patch apply an undo-logged
// graph.Writer (a *txn.Tx) instead of the bare graph.
type TxRunner interface {
	Execute(fn func(w graph.Writer) error) error
}

var nonIdentifier = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeID maps non-identifier characters to '_', per spec §4.8's
// orphan-creation key rule.
func SanitizeID(id string) string {
	return nonIdentifier.ReplaceAllString(id, "_")
}

func applyOne(g *graph.Graph, w graph.Writer, p marker.Patch, opts Options) Outcome {
	if path, ok := g.SnippetPath(p.ID); ok {
		if _, err := w.SetPath(path, p.Value); err != nil {
			return Outcome{ID: p.ID, Status: StatusError, Err: err}
		}
		return Outcome{ID: p.ID, Status: StatusApplied}
	}

	switch opts.OnMissing {
	case OnMissingCreate:
		path := opts.OrphanRoot + "." + SanitizeID(p.ID)
		node, err := w.SetPath(path, p.Value)
		if err != nil {
			return Outcome{ID: p.ID, Status: StatusError, Err: err}
		}
		w.SetType(node, graph.SnippetType)
		if err := w.SetMeta(node, graph.MetaID, graph.MetaString(p.ID)); err != nil {
			return Outcome{ID: p.ID, Status: StatusError, Err: err}
		}
		return Outcome{ID: p.ID, Status: StatusCreated}
	case OnMissingSkip, "":
		return Outcome{ID: p.ID, Status: StatusSkipped}
	default:
		return Outcome{ID: p.ID, Status: StatusError, Err: fxderr.New(fxderr.InvalidArgument, "patch: unknown on_missing policy "+opts.OnMissing)}
	}
}

func applyAll(g *graph.Graph, w graph.Writer, patches []marker.Patch, opts Options) []Outcome {
	out := make([]Outcome, 0, len(patches))
	for _, p := range patches {
		out = append(out, applyOne(g, w, p, opts))
	}
	return out
}

// Apply applies each patch independently, writing directly to g (no
// transaction, no rollback on failure), and returns a per-patch outcome.
func Apply(g *graph.Graph, patches []marker.Patch, opts Options) []Outcome {
	return applyAll(g, g, patches, opts)
}

// ApplyBatch applies patches as one group. When opts.Transaction is
// set, it first validates every patch's checksum; any conflict blocks
// the whole batch before anything is written. Writes then go through
// runner's graph.Writer (an undo-logged transaction), so any mid-apply
// error rolls every write in the batch back. Otherwise it applies
// best-effort (same as Apply) and returns per-patch outcomes.
func ApplyBatch(g *graph.Graph, patches []marker.Patch, opts Options, runner TxRunner) ([]Outcome, error) {
	if !opts.Transaction || runner == nil {
		return Apply(g, patches, opts), nil
	}

	conflicts := DetectConflicts(g, patches)
	if conflicts.HasConflicts {
		out := make([]Outcome, 0, len(patches))
		conflicted := make(map[string]bool, len(conflicts.Conflicts))
		for _, c := range conflicts.Conflicts {
			conflicted[c.ID] = true
		}
		for _, p := range patches {
			if conflicted[p.ID] {
				out = append(out, Outcome{ID: p.ID, Status: StatusConflict})
			} else {
				out = append(out, Outcome{ID: p.ID, Status: StatusSkipped})
			}
		}
		return out, fxderr.New(fxderr.Conflict, "patch: batch has checksum conflicts")
	}

	var out []Outcome
	err := runner.Execute(func(w graph.Writer) error {
		out = applyAll(g, w, patches, opts)
		for _, o := range out {
			if o.Status == StatusError {
				return o.Err
			}
		}
		return nil
	})
	if err != nil {
		failed := make([]Outcome, 0, len(patches))
		for _, p := range patches {
			failed = append(failed, Outcome{ID: p.ID, Status: StatusError, Err: err})
		}
		return failed, err
	}
	return out, nil
}

// Conflict reports a single checksum mismatch between a patch and the
// current stored body.
type Conflict struct {
	ID       string
	Expected string
	Actual   string
}

// Conflicts is the result of DetectConflicts.
type Conflicts struct {
	HasConflicts bool
	Conflicts    []Conflict
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// DetectConflicts compares each checksum-bearing patch against the
// checksum of its currently stored body. Detection is advisory only:
// it never blocks a plain Apply (spec §4.8).
func DetectConflicts(g *graph.Graph, patches []marker.Patch) Conflicts {
	var c Conflicts
	for _, p := range patches {
		if !p.HasChecksum {
			continue
		}
		path, ok := g.SnippetPath(p.ID)
		if !ok {
			continue
		}
		node, ok := g.Get(path)
		if !ok {
			continue
		}
		actual := marker.Checksum(normalizeLineEndings(node.Value().Stringified()))
		if actual != p.Checksum {
			c.HasConflicts = true
			c.Conflicts = append(c.Conflicts, Conflict{ID: p.ID, Expected: p.Checksum, Actual: actual})
		}
	}
	return c
}
