package assembler

import (
	"context"
	"sync"

	"github.com/ignatij/agentflow/pkg/artifact"
)

// summaryTargetTokens is the size summaries aim for. Fixed so the cache can
// key on content hash alone.
const summaryTargetTokens = 128

// Summarizer produces a lossy, shorter stand-in for content that does not fit
// the budget whole.
type Summarizer interface {
	Summarize(ctx context.Context, content string, targetTokens int) (string, error)
}

// HeadTailSummarizer keeps the opening and the closing of the content, which
// is where units put their headline findings and their conclusions.
type HeadTailSummarizer struct{}

const elision = "\n[...]\n"

func (HeadTailSummarizer) Summarize(_ context.Context, content string, targetTokens int) (string, error) {
	target := targetTokens * artifact.CharsPerToken
	if len(content) <= target {
		return content, nil
	}
	if target <= len(elision) {
		return content[:target], nil
	}
	head := (target - len(elision)) * 2 / 3
	tail := target - len(elision) - head
	return content[:head] + elision + content[len(content)-tail:], nil
}

type summaryEntry struct {
	content string
	tokens  int
	ratio   float64 // original tokens over summary tokens
}

// summaryCache memoizes summaries by source content hash so repeated
// inclusion never re-summarizes. Concurrent assemblies may race to fill the
// same key; the insert is idempotent so last-write-wins is fine.
type summaryCache struct {
	mu      sync.RWMutex
	entries map[string]summaryEntry
}

func newSummaryCache() *summaryCache {
	return &summaryCache{entries: make(map[string]summaryEntry)}
}

func (c *summaryCache) get(hash string) (summaryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hash]
	return e, ok
}

func (c *summaryCache) put(hash string, e summaryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = e
}

// Len reports how many summaries are cached.
func (c *summaryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// summarize returns the cached summary for the content, computing and caching
// it on first sight.
func (a *Assembler) summarize(ctx context.Context, hash, content string) summaryEntry {
	if e, ok := a.cache.get(hash); ok {
		return e
	}
	summary, err := a.summarizer.Summarize(ctx, content, summaryTargetTokens)
	if err != nil {
		// a failed summarizer degrades to plain truncation
		summary, _ = HeadTailSummarizer{}.Summarize(ctx, content, summaryTargetTokens)
	}
	e := summaryEntry{
		content: summary,
		tokens:  artifact.EstimateTokens(summary),
	}
	if e.tokens > 0 {
		e.ratio = float64(artifact.EstimateTokens(content)) / float64(e.tokens)
	}
	a.cache.put(hash, e)
	return e
}

// CachedSummaries reports the size of the shared summary cache.
func (a *Assembler) CachedSummaries() int {
	return a.cache.Len()
}
