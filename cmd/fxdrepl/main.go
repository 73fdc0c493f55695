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

// fxdrepl is a small interactive smoke-test harness over a fxd graph:
// open a disk, create/edit snippets, render markers, apply patches,
// and watch a live view. Grounded in scm/prompt.go's readline loop
// (same prompt colors, same "anti-panic" recover-and-continue wrapper)
// in place of the teacher's scheme evaluator.
package main

import (
	"flag"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/chzyer/readline"

	"github.com/launix-de/fxd/config"
	"github.com/launix-de/fxd/disk"
	"github.com/launix-de/fxd/graph"
	"github.com/launix-de/fxd/marker"
	"github.com/launix-de/fxd/patch"
	"github.com/launix-de/fxd/signal"
	"github.com/launix-de/fxd/txn"
	"github.com/launix-de/fxd/view"
)

const newprompt = "\033[32mfxd>\033[0m "
const resultprompt = "\033[31m=\033[0m "

type repl struct {
	g        *graph.Graph
	d        *disk.Disk
	mgr      *txn.Manager
	views    *view.Registry
	settings config.Settings
}

func main() {
	path := flag.String("path", "graph.wal", "path to the graph's WAL file")
	flag.Parse()

	settings := config.Default()
	g := graph.New(signal.New())
	d, err := disk.Open(*path, g, disk.Options{Create: true})
	if err != nil {
		panic(err)
	}
	defer d.Close()
	if err := d.Load(); err != nil {
		fmt.Println("load:", err)
	}

	r := &repl{
		g:        g,
		d:        d,
		mgr:      txn.NewManager(g),
		views:    view.NewRegistry(),
		settings: settings,
	}
	r.run()
}

func (r *repl) run() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".fxdrepl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.evalOne(line)
	}
}

func (r *repl) evalOne(line string) {
	defer func() {
		if rec := recover(); rec != nil {
			fmt.Println("panic:", rec, string(debug.Stack()))
		}
	}()
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			fmt.Println("usage: set <path> <body>")
			return
		}
		n, err := r.g.SetPath(fields[1], fields[2])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		r.g.SetType(n, graph.SnippetType)
		fmt.Println(resultprompt, "ok", n.ID())
	case "id":
		if len(fields) < 3 {
			fmt.Println("usage: id <path> <snippet-id>")
			return
		}
		n, ok := r.g.Get(fields[1])
		if !ok {
			fmt.Println("error: no such path")
			return
		}
		if err := r.g.SetMeta(n, graph.MetaID, graph.MetaString(fields[2])); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(resultprompt, "ok")
	case "get":
		if len(fields) < 2 {
			fmt.Println("usage: get <path>")
			return
		}
		n, ok := r.g.Get(fields[1])
		if !ok {
			fmt.Println("error: no such path")
			return
		}
		fmt.Println(resultprompt, n.Value().Raw())
	case "render":
		if len(fields) < 2 {
			fmt.Println("usage: render <snippet-id>")
			return
		}
		path, ok := r.g.SnippetPath(fields[1])
		if !ok {
			fmt.Println("error: unknown snippet id")
			return
		}
		n, _ := r.g.Get(path)
		lang, _ := n.Meta(graph.MetaLang)
		fmt.Println(resultprompt)
		fmt.Println(marker.Wrap(fields[1], n.Value().Stringified(), lang.Str, marker.Meta{}))
	case "apply":
		if len(fields) < 2 {
			fmt.Println("usage: apply <marked text...>")
			return
		}
		text := strings.Join(fields[1:], " ")
		patches, warnings := marker.ToPatches(text)
		for _, w := range warnings {
			fmt.Println("warning:", w)
		}
		runner := txn.Runner{Mgr: r.mgr}
		out, err := patch.ApplyBatch(r.g, patches, patch.Options{Transaction: true}, runner)
		if err != nil {
			fmt.Println("error:", err)
		}
		for _, o := range out {
			fmt.Println(resultprompt, o.ID, o.Status)
		}
	case "view":
		if len(fields) < 3 {
			fmt.Println("usage: view <name> <selector>")
			return
		}
		gr := view.NewGroup(r.g)
		gr.SetReactive(r.settings.GroupsReactiveDefault)
		gr.SetDebounce(r.settings.GroupsDebounce())
		if err := gr.Include(fields[2]); err != nil {
			fmt.Println("error:", err)
			return
		}
		gr.Recompute()
		r.views.Register("views."+fields[1], gr)
		fmt.Println(resultprompt, "registered views."+fields[1])
	case "list":
		if len(fields) < 2 {
			fmt.Println("usage: list <view-name>")
			return
		}
		gr, ok := r.views.Lookup("views." + fields[1])
		if !ok {
			fmt.Println("error: no such view")
			return
		}
		for _, n := range gr.List() {
			fmt.Println(resultprompt, n.Path())
		}
	case "save":
		if err := r.d.Save(); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(resultprompt, "saved", r.d.Stats())
	case "help":
		fmt.Println("commands: set, id, get, render, apply, view, list, save, help")
	default:
		fmt.Println("unknown command:", fields[0])
	}
}
