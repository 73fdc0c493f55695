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

import "github.com/launix-de/fxd/signal"

// ChildAddDelta builds the delta for a child-add Children signal.
func ChildAddDelta(key, childID string) signal.ChildrenDelta {
	return signal.ChildrenDelta{Op: signal.ChildAdd, Key: key, ChildID: childID}
}

// ChildRemoveDelta builds the delta for a child-remove Children signal.
func ChildRemoveDelta(key, childID string) signal.ChildrenDelta {
	return signal.ChildrenDelta{Op: signal.ChildRemove, Key: key, ChildID: childID}
}

func (g *Graph) emitChildren(parentNodeID string, delta signal.ChildrenDelta) {
	if g.signals == nil {
		return
	}
	g.signals.Append(signal.Children, parentNodeID, 0, 0, delta)
}

func (g *Graph) emitValue(nodeID string, baseVersion, newVersion uint64, old, new any) {
	if g.signals == nil {
		return
	}
	g.signals.Append(signal.Value, nodeID, baseVersion, newVersion, signal.ValueDelta{OldValue: old, NewValue: new})
}

func (g *Graph) emitMetadata(nodeID string, baseVersion, newVersion uint64, key string, old, new any) {
	if g.signals == nil {
		return
	}
	g.signals.Append(signal.Metadata, nodeID, baseVersion, newVersion, signal.MetadataDelta{Key: key, OldValue: old, NewValue: new})
}
