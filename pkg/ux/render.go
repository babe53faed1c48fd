// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/runs"
)

// Report prints a validation report.
func (p *Printer) Report(r compiler.Report) error {
	switch p.mode {
	case ModeJSON:
		return p.JSON(r)
	case ModeStyled:
		if r.Valid {
			p.Success("graph is valid")
			return nil
		}
		p.Error(fmt.Sprintf("graph is invalid (%d %s)", len(r.Errors), plural(len(r.Errors), "problem", "problems")))
		for _, e := range r.Errors {
			fmt.Fprintf(p.w, "  %s %s\n", Styles.Error.Render(string(IconBullet)), e)
		}
	default:
		if r.Valid {
			fmt.Fprintln(p.w, "VALID")
			return nil
		}
		fmt.Fprintf(p.w, "INVALID\t%d\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(p.w, "ERROR: %s\n", e)
		}
	}
	return nil
}

var nodeWidths = []int{38, 12, 9, 7, 7, 9}

// RunResult prints the outcome of a run followed by one row per node,
// ordered by node ID.
func (p *Printer) RunResult(res *engine.RunResult) error {
	if p.mode == ModeJSON {
		return p.JSON(res)
	}
	elapsed := res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond)
	line := fmt.Sprintf("run %s %s in %s", res.RunID, res.Status, elapsed)
	if res.Cancelled {
		line += " (cancelled)"
	}
	switch res.Status {
	case engine.RunSuccess:
		p.Success(line)
	case engine.RunPartialFailure:
		p.Warning(line)
	default:
		p.Error(line)
	}

	ids := make([]string, 0, len(res.Nodes))
	for id := range res.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p.header(nodeWidths, "node", "kind", "status", "in", "out", "attempts", "error")
	for _, id := range ids {
		n := res.Nodes[id]
		name := id
		if n.Name != "" {
			name = n.Name
		}
		p.row(nodeWidths,
			name,
			string(n.Kind),
			p.nodeStatus(n.Status),
			strconv.FormatInt(n.ItemsIn, 10),
			strconv.FormatInt(n.ItemsOut, 10),
			strconv.Itoa(n.Attempts),
			n.Error,
		)
	}
	return nil
}

func (p *Printer) nodeStatus(s engine.NodeStatus) string {
	if p.mode != ModeStyled {
		return string(s)
	}
	switch s {
	case engine.NodeSuccess:
		return IconSuccess.Render() + " " + string(s)
	case engine.NodeFailure:
		return IconError.Render() + " " + string(s)
	case engine.NodeRunning:
		return IconRunning.Render() + " " + string(s)
	default:
		return IconPending.Render() + " " + string(s)
	}
}

var runWidths = []int{38, 38, 10, 20}

// Runs prints run summaries.
func (p *Printer) Runs(list []runs.Summary) error {
	if p.mode == ModeJSON {
		return p.JSON(list)
	}
	if len(list) == 0 {
		p.Info("no runs")
		return nil
	}
	p.header(runWidths, "run", "graph", "status", "started", "completed")
	for _, s := range list {
		completed := "-"
		if s.CompletedAt != nil {
			completed = s.CompletedAt.UTC().Format(time.RFC3339)
		}
		p.row(runWidths, s.RunID, s.GraphID, string(s.Status), s.StartedAt.UTC().Format(time.RFC3339), completed)
	}
	return nil
}

// Event prints one progress event as a single line.
func (p *Printer) Event(ev engine.ProgressEvent) error {
	if p.mode == ModeJSON {
		return p.JSON(ev)
	}
	msg := fmt.Sprintf("%s %s items=%d", ev.NodeID, ev.Status, ev.Items)
	if ev.Error != "" {
		msg += " error=" + ev.Error
	}
	if p.mode == ModeStyled {
		fmt.Fprintf(p.w, "%s %s\n", p.nodeStatus(ev.Status), Styles.Muted.Render(msg))
		return nil
	}
	fmt.Fprintln(p.w, msg)
	return nil
}

var catalogueWidths = []int{10, 28, 12, 10, 10}

// Catalogue prints the registry catalogue grouped by kind.
func (p *Printer) Catalogue(entries []registry.Entry) error {
	if p.mode == ModeJSON {
		return p.JSON(entries)
	}
	p.Title("Registered plugins")
	p.header(catalogueWidths, "kind", "name", "client", "input", "output", "role")
	for _, e := range entries {
		role := ""
		switch {
		case e.Source && e.Target:
			role = "source,target"
		case e.Source:
			role = "source"
		case e.Target:
			role = "target"
		}
		p.row(catalogueWidths, string(e.Kind), e.Name, string(e.ClientTag), string(e.Input), string(e.Output), role)
	}
	return nil
}

var checkpointWidths = []int{24, 22}

// Checkpoints prints the saved resumption contexts of a graph.
func (p *Printer) Checkpoints(list []checkpoint.Checkpoint) error {
	if p.mode == ModeJSON {
		return p.JSON(list)
	}
	if len(list) == 0 {
		p.Info("no checkpoints")
		return nil
	}
	p.header(checkpointWidths, "connection", "saved", "context")
	for _, cp := range list {
		p.row(checkpointWidths, cp.ConnectionID, cp.SavedAt.UTC().Format(time.RFC3339), compact(cp.Context))
	}
	return nil
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
