// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns a matched set into the ordered active set by
// applying dependency, mutual exclusion and priority relationships.
package resolver

import (
	"sort"

	"github.com/Vusisean11/valiant/pkg/repository"
)

// Reason explains why a matched node was dropped.
type Reason string

const (
	ReasonUnmetDependency   Reason = "unmet_dependency"
	ReasonMutuallyExclusive Reason = "mutually_exclusive"
	ReasonUnknown           Reason = "unknown_node"
)

// Entry is a matched guideline or step.
type Entry struct {
	ID         string
	Confidence float64
}

// Active is a node in the final active set. Rank 0 is the highest priority.
type Active struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Rank       int     `json:"rank"`
}

// Drop records a matched node that did not make the active set.
// Because holds the unmet dependency group or the exclusive winner.
type Drop struct {
	ID      string   `json:"id"`
	Reason  Reason   `json:"reason"`
	Because []string `json:"because,omitempty"`
}

// Resolution is the ordered active set plus the drop report.
type Resolution struct {
	Active  []Active `json:"active"`
	Dropped []Drop   `json:"dropped,omitempty"`
}

// IDs returns the active ids in rank order.
func (r Resolution) IDs() []string {
	out := make([]string, len(r.Active))
	for i, a := range r.Active {
		out[i] = a.ID
	}
	return out
}

// Has reports whether id is active.
func (r Resolution) Has(id string) bool {
	for _, a := range r.Active {
		if a.ID == id {
			return true
		}
	}
	return false
}

// DropOf returns the drop record for id.
func (r Resolution) DropOf(id string) (Drop, bool) {
	for _, d := range r.Dropped {
		if d.ID == id {
			return d, true
		}
	}
	return Drop{}, false
}

// Resolve applies the relationship graph to matched. The result depends only
// on the set of matched ids and the graph, never on input order.
//
// Dependency gating runs to a fixpoint: a node whose dependency was dropped
// is dropped too. Mutually exclusive pairs keep the side with a priority
// path to the other. The survivors are ordered topologically by priority,
// ties broken by declaration order then id.
func Resolve(matched []Entry, g *repository.Graph) Resolution {
	var res Resolution

	confidence := make(map[string]float64, len(matched))
	var unknown []string
	for _, e := range matched {
		if _, ok := g.Node(e.ID); !ok {
			if _, seen := confidence[e.ID]; !seen {
				unknown = append(unknown, e.ID)
				confidence[e.ID] = -1
			}
			continue
		}
		if c, seen := confidence[e.ID]; !seen || e.Confidence > c {
			confidence[e.ID] = e.Confidence
		}
	}
	sort.Strings(unknown)
	for _, id := range unknown {
		res.Dropped = append(res.Dropped, Drop{ID: id, Reason: ReasonUnknown})
	}
	var candidates []string
	for id, c := range confidence {
		if c >= 0 {
			candidates = append(candidates, id)
		}
	}
	g.Sort(candidates)

	unmet := map[string][]string{}
	var kept []string
	var beaten map[string]string
	for {
		present := make([]string, 0, len(candidates))
		for _, id := range candidates {
			if _, dropped := unmet[id]; !dropped {
				present = append(present, id)
			}
		}
		gate(present, g, unmet)
		present = filter(present, func(id string) bool { _, d := unmet[id]; return !d })

		kept, beaten = exclude(order(present, g), g)

		// Exclusion may remove a node another node depends on.
		before := len(unmet)
		gate(kept, g, unmet)
		if len(unmet) == before {
			break
		}
	}

	for i, id := range order(kept, g) {
		res.Active = append(res.Active, Active{ID: id, Confidence: confidence[id], Rank: i})
	}
	for _, id := range candidates {
		if group, ok := unmet[id]; ok {
			res.Dropped = append(res.Dropped, Drop{ID: id, Reason: ReasonUnmetDependency, Because: group})
		} else if winner, ok := beaten[id]; ok {
			res.Dropped = append(res.Dropped, Drop{ID: id, Reason: ReasonMutuallyExclusive, Because: []string{winner}})
		}
	}
	return res
}

// gate drops, to a fixpoint, every node in ids with a dependency group that
// has no member among the surviving ids. Drops are recorded in unmet.
func gate(ids []string, g *repository.Graph, unmet map[string][]string) {
	alive := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, dropped := unmet[id]; !dropped {
			alive[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			if !alive[id] {
				continue
			}
			for _, group := range g.Dependencies(id) {
				if !anyAlive(group, alive) {
					alive[id] = false
					unmet[id] = group
					changed = true
					break
				}
			}
		}
	}
}

func anyAlive(group []string, alive map[string]bool) bool {
	for _, dep := range group {
		if alive[dep] {
			return true
		}
	}
	return false
}

// exclude walks ids in priority order and drops every node that is mutually
// exclusive with an already kept node.
func exclude(ids []string, g *repository.Graph) (kept []string, beaten map[string]string) {
	beaten = map[string]string{}
	isKept := map[string]bool{}
	for _, id := range ids {
		winner := ""
		for _, other := range g.ExclusiveWith(id) {
			if isKept[other] {
				winner = other
				break
			}
		}
		if winner != "" {
			beaten[id] = winner
			continue
		}
		isKept[id] = true
		kept = append(kept, id)
	}
	return kept, beaten
}

// order sorts ids topologically over the priority closure (Kahn), always
// taking the earliest declared ready node next.
func order(ids []string, g *repository.Graph) []string {
	indegree := make(map[string]int, len(ids))
	for _, a := range ids {
		for _, b := range ids {
			if a != b && g.Outranks(a, b) {
				indegree[b]++
			}
		}
	}
	ready := filter(ids, func(id string) bool { return indegree[id] == 0 })
	out := make([]string, 0, len(ids))
	for len(ready) > 0 {
		g.Sort(ready)
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, b := range ids {
			if b != next && g.Outranks(next, b) {
				indegree[b]--
				if indegree[b] == 0 {
					ready = append(ready, b)
				}
			}
		}
	}
	return out
}

func filter(ids []string, keep func(string) bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}
