// Package assembler builds the token-bounded input package for one execution
// attempt: the outputs of the unit's dependencies, run-wide context and the
// unit's own task definition, greedily fitted into the budget. Candidates that
// do not fit whole are included as cached summaries; candidates that do not
// fit even summarized are omitted with an explicit record. Overflow is never a
// hard error here, the package degrades gracefully and the scheduler decides
// what degradation means for the unit.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignatij/agentflow/pkg/artifact"
	"github.com/ignatij/agentflow/pkg/graph"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	// DefaultTokenBudget applies when neither the run nor the unit sets one.
	DefaultTokenBudget = 8000

	// promptOverheadTokens covers the section headings and separators that
	// RenderPrompt adds around the included content.
	promptOverheadTokens = 64
)

// ErrBudget marks a context degraded past usefulness: even summaries of
// direct dependency outputs had to be omitted. Only budget-strict units treat
// this as a failure.
var ErrBudget = errors.New("context budget exhausted")

// InclusionMode tags how a candidate ended up in the package.
type InclusionMode string

const (
	FullInclusion    InclusionMode = "full"
	SummaryInclusion InclusionMode = "summary"
)

// Item is one included piece of context.
type Item struct {
	Source  string        `json:"source"` // producing unit id, or "run" for globals
	Ref     artifact.Ref  `json:"ref,omitempty"`
	Mode    InclusionMode `json:"mode"`
	Tokens  int           `json:"tokens"`
	Content string        `json:"-"`
}

// Omission records a candidate that could not be included. Downstream failure
// analysis reads these to explain degraded output quality.
type Omission struct {
	Source string       `json:"source"`
	Ref    artifact.Ref `json:"ref,omitempty"`
	Reason string       `json:"reason"`
}

// Package is the assembled input for one attempt. Ephemeral: rebuilt fresh
// for every attempt and never persisted.
type Package struct {
	Budget      int
	Used        int // tokens consumed by included items
	Items       []Item
	Omissions   []Omission
	Task        string
	Corrections []string // retry feedback, rejection reasons, schema violations
	Degraded    bool     // a direct dependency output could not be included at all
}

// InputTokens estimates the size of the rendered prompt.
func (p *Package) InputTokens() int {
	return artifact.EstimateTokens(p.RenderPrompt())
}

// RenderPrompt lays the package out the way executors consume it.
func (p *Package) RenderPrompt() string {
	var b strings.Builder
	if len(p.Items) > 0 {
		b.WriteString("## Context\n\n")
		for _, item := range p.Items {
			fmt.Fprintf(&b, "### %s/%s (%s)\n\n%s\n\n", item.Source, item.Ref.Name, item.Mode, item.Content)
		}
	}
	b.WriteString("## Task\n\n")
	b.WriteString(p.Task)
	b.WriteString("\n")
	if len(p.Corrections) > 0 {
		b.WriteString("\n## Corrections\n\n")
		for _, c := range p.Corrections {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

// Request carries everything one assembly needs. The assembler itself holds
// no per-run state; the scheduler owns budgets and passes them down.
type Request struct {
	Unit        *models.WorkUnit
	Graph       *graph.RunGraph
	Executions  []models.UnitExecution // the run's executions so far, oldest first
	Globals     []models.GlobalContext
	Budget      int
	Corrections []string
}

// Assembler builds context packages against an artifact store. The summary
// cache is shared across units and attempts and keyed by content hash, so
// concurrent assemblies never re-summarize the same artifact.
type Assembler struct {
	store      artifact.Store
	summarizer Summarizer
	cache      *summaryCache
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithSummarizer replaces the default head/tail summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(a *Assembler) {
		a.summarizer = s
	}
}

// New returns an Assembler reading from the given artifact store.
func New(store artifact.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:      store,
		summarizer: HeadTailSummarizer{},
		cache:      newSummaryCache(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the package for one attempt. It always returns a package;
// the only errors are context cancellation.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Package, error) {
	budget := req.Budget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	pkg := &Package{
		Budget:      budget,
		Task:        req.Unit.Task,
		Corrections: req.Corrections,
	}

	// reserve room for the parts that always ship
	reserve := artifact.EstimateTokens(req.Unit.Task) + promptOverheadTokens
	for _, c := range req.Corrections {
		reserve += artifact.EstimateTokens(c)
	}
	remaining := budget - reserve
	if remaining < 0 {
		remaining = 0
	}

	for _, cand := range a.gather(ctx, req) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if cand.err != nil {
			pkg.Omissions = append(pkg.Omissions, Omission{
				Source: cand.source,
				Ref:    cand.ref,
				Reason: cand.err.Error(),
			})
			if cand.direct {
				pkg.Degraded = true
			}
			continue
		}

		if cand.tokens <= remaining {
			pkg.Items = append(pkg.Items, Item{
				Source:  cand.source,
				Ref:     cand.ref,
				Mode:    FullInclusion,
				Tokens:  cand.tokens,
				Content: cand.content,
			})
			pkg.Used += cand.tokens
			remaining -= cand.tokens
			continue
		}

		summary := a.summarize(ctx, cand.hash(), cand.content)
		if summary.tokens <= remaining {
			pkg.Items = append(pkg.Items, Item{
				Source:  cand.source,
				Ref:     cand.ref,
				Mode:    SummaryInclusion,
				Tokens:  summary.tokens,
				Content: summary.content,
			})
			pkg.Used += summary.tokens
			remaining -= summary.tokens
			continue
		}

		pkg.Omissions = append(pkg.Omissions, Omission{
			Source: cand.source,
			Ref:    cand.ref,
			Reason: fmt.Sprintf("over budget: %d tokens full, %d summarized, %d remaining", cand.tokens, summary.tokens, remaining),
		})
		if cand.direct {
			pkg.Degraded = true
		}
	}

	return pkg, nil
}

// candidate is one potential context inclusion, fetched and sized.
type candidate struct {
	source  string
	ref     artifact.Ref
	content string
	tokens  int
	direct  bool
	err     error // set when the artifact could not be read
}

func (c candidate) hash() string {
	if c.ref.Hash != "" {
		return c.ref.Hash
	}
	return artifact.HashContent(c.content)
}

// gather collects candidates in priority order: direct dependency outputs
// first, then run-global context and the producers the unit names, then
// transitively reachable outputs.
func (a *Assembler) gather(ctx context.Context, req Request) []candidate {
	outputs := latestOutputs(req.Executions)
	var out []candidate
	seen := map[string]bool{req.Unit.ID: true}

	// direct dependencies, in declared order
	for _, dep := range req.Unit.DependsOn {
		seen[dep] = true
		out = append(out, a.unitOutput(ctx, req.Graph, outputs, dep, true))
	}

	// run-wide pinned context
	for _, g := range req.Globals {
		out = append(out, candidate{
			source:  "run",
			ref:     artifact.Ref{Producer: "run", Name: g.Name},
			content: g.Content,
			tokens:  artifact.EstimateTokens(g.Content),
		})
	}

	// producers the unit marks as relevant beyond its edges
	for _, id := range req.Unit.ContextFrom {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, a.unitOutput(ctx, req.Graph, outputs, id, false))
	}

	// indirect ancestors, breadth-first from the direct dependencies
	queue := append([]string{}, req.Unit.DependsOn...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		u, ok := req.Graph.Unit(id)
		if !ok {
			continue
		}
		for _, dep := range u.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, a.unitOutput(ctx, req.Graph, outputs, dep, false))
			queue = append(queue, dep)
		}
	}

	return out
}

// unitOutput resolves the artifact a unit last published: the reference on
// its latest successful execution, or the newest stored version when the unit
// was skipped in this run.
func (a *Assembler) unitOutput(ctx context.Context, g *graph.RunGraph, outputs map[string]artifact.Ref, id string, direct bool) candidate {
	cand := candidate{source: id, direct: direct}

	ref, ok := outputs[id]
	if !ok {
		u, found := g.Unit(id)
		if !found {
			cand.err = errors.Errorf("unknown producer '%s'", id)
			return cand
		}
		latest, err := a.store.Latest(ctx, id, u.OutputArtifact())
		if err != nil {
			cand.err = errors.Wrapf(err, "no stored output for '%s'", id)
			return cand
		}
		ref = latest
	}
	cand.ref = ref

	content, err := a.store.Get(ctx, ref)
	if err != nil {
		cand.err = errors.Wrapf(err, "read %s", ref)
		return cand
	}
	tokens, err := a.store.TokenCount(ctx, ref)
	if err != nil {
		tokens = artifact.EstimateTokens(content)
	}
	cand.content = content
	cand.tokens = tokens
	return cand
}

// latestOutputs folds the execution history into the newest published
// artifact reference per unit.
func latestOutputs(executions []models.UnitExecution) map[string]artifact.Ref {
	out := make(map[string]artifact.Ref)
	for _, exec := range executions {
		if !exec.Status.TerminalSuccess() || exec.OutputVersion == 0 {
			continue
		}
		out[exec.UnitID] = artifact.Ref{
			Producer: exec.OutputProducer,
			Name:     exec.OutputArtifact,
			Version:  exec.OutputVersion,
		}
	}
	return out
}
