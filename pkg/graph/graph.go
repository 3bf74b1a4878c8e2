// Package graph models a run's work units and their dependency edges and
// derives the scheduling view over them: which units are ready to dispatch
// next. The graph itself is immutable during a run; execution progress is
// overlaid through UnitState, never written back into the graph.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// UnitState is the scheduler's per-unit overlay, derived from the latest
// persisted execution of each unit.
type UnitState int

const (
	StateNone     UnitState = iota // no execution yet
	StateInFlight                  // an attempt is pending or running
	StateDone                      // terminal success (completed or skipped)
	StateBlocked                   // awaiting approval
	StateFailed                    // failed with recovery exhausted
	StateRequeue                   // failed but eligible for a fresh dispatch
)

// CycleError reports a dependency cycle with the path that closes it.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in dependencies: %s", strings.Join(e.Path, " -> "))
}

// RunGraph is the resolved dependency graph for one run: a unit arena keyed
// by id plus derived indexes. Units reference each other by id only.
type RunGraph struct {
	units      map[string]*models.WorkUnit
	order      []string            // sorted ids, fixes iteration and dispatch order
	dependents map[string][]string // reverse edges
}

// Build indexes the units, validates every reference and rejects cycles.
// Any error here is a configuration error: it is reported before a run is
// created and never retried.
func Build(units []models.WorkUnit) (*RunGraph, error) {
	if len(units) == 0 {
		return nil, errors.New("graph has no units")
	}
	g := &RunGraph{
		units:      make(map[string]*models.WorkUnit, len(units)),
		dependents: make(map[string][]string),
	}
	for i := range units {
		u := units[i]
		if u.ID == "" {
			return nil, errors.New("unit with empty id")
		}
		if _, exists := g.units[u.ID]; exists {
			return nil, errors.Errorf("duplicate unit id '%s'", u.ID)
		}
		g.units[u.ID] = &u
		g.order = append(g.order, u.ID)
	}
	sort.Strings(g.order)

	for _, id := range g.order {
		u := g.units[id]
		if u.Standby {
			if len(u.DependsOn) > 0 {
				return nil, errors.Errorf("standby unit '%s' cannot declare dependencies", id)
			}
			if u.Skip {
				return nil, errors.Errorf("standby unit '%s' cannot be skipped", id)
			}
		}
		for _, dep := range u.DependsOn {
			target, ok := g.units[dep]
			if !ok {
				return nil, errors.Errorf("unit '%s' depends on unknown unit '%s'", id, dep)
			}
			if target.Standby {
				return nil, errors.Errorf("unit '%s' depends on standby unit '%s'", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		if u.EscalateTo != "" {
			target, ok := g.units[u.EscalateTo]
			if !ok {
				return nil, errors.Errorf("unit '%s' escalates to unknown unit '%s'", id, u.EscalateTo)
			}
			if !target.Standby {
				return nil, errors.Errorf("unit '%s' escalates to '%s' which is not marked standby", id, u.EscalateTo)
			}
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// DFS colors for cycle detection.
const (
	white = iota // unvisited
	grey         // on the current path
	black        // fully explored
)

func (g *RunGraph) detectCycle() error {
	colors := make(map[string]int, len(g.units))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		colors[id] = grey
		stack = append(stack, id)
		for _, dep := range g.units[id].DependsOn {
			switch colors[dep] {
			case grey:
				// close the loop for the report
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Path: path}
			case white:
				if cerr := visit(dep); cerr != nil {
					return cerr
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if cerr := visit(id); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

// ReadySet returns every schedulable unit whose dependencies all reached
// terminal success and which itself is eligible for a fresh dispatch. The
// result is sorted by id so dispatch order is deterministic. The ready set is
// the next wave; waves are never pre-assigned.
func (g *RunGraph) ReadySet(states map[string]UnitState) []*models.WorkUnit {
	var ready []*models.WorkUnit
	for _, id := range g.order {
		u := g.units[id]
		if u.Standby {
			continue
		}
		switch states[id] {
		case StateNone, StateRequeue:
		default:
			continue
		}
		if g.depsSatisfied(u, states) {
			ready = append(ready, u)
		}
	}
	return ready
}

func (g *RunGraph) depsSatisfied(u *models.WorkUnit, states map[string]UnitState) bool {
	for _, dep := range u.DependsOn {
		if states[dep] != StateDone {
			return false
		}
	}
	return true
}

// Unit returns the unit with the given id.
func (g *RunGraph) Unit(id string) (*models.WorkUnit, bool) {
	u, ok := g.units[id]
	return u, ok
}

// Units returns every unit in deterministic order, standby included.
func (g *RunGraph) Units() []*models.WorkUnit {
	out := make([]*models.WorkUnit, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.units[id])
	}
	return out
}

// Schedulable returns the units the scheduler may dispatch, in deterministic
// order. Standby units only ever run through escalation.
func (g *RunGraph) Schedulable() []*models.WorkUnit {
	out := make([]*models.WorkUnit, 0, len(g.order))
	for _, id := range g.order {
		if g.units[id].Standby {
			continue
		}
		out = append(out, g.units[id])
	}
	return out
}

// Dependents returns the ids of units that directly depend on the given one.
func (g *RunGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Len returns the total number of units, standby included.
func (g *RunGraph) Len() int {
	return len(g.units)
}
