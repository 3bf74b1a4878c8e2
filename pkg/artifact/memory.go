package artifact

import (
	"context"
	"fmt"
	"sync"
)

// memoryStore keeps artifacts in process memory. Used by tests and examples.
type memoryStore struct {
	mu       sync.RWMutex
	versions map[string][]memoryRecord // keyed by producer/name
}

type memoryRecord struct {
	content string
	tokens  int
	hash    string
}

// NewMemoryStore returns an in-memory artifact store.
func NewMemoryStore() Store {
	return &memoryStore{versions: make(map[string][]memoryRecord)}
}

func memoryKey(producer, name string) string {
	return fmt.Sprintf("%s/%s", producer, name)
}

func (m *memoryStore) Put(ctx context.Context, producer, name, content string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(producer, name)
	rec := memoryRecord{
		content: content,
		tokens:  EstimateTokens(content),
		hash:    HashContent(content),
	}
	m.versions[key] = append(m.versions[key], rec)
	return Ref{Producer: producer, Name: name, Version: len(m.versions[key]), Hash: rec.hash}, nil
}

func (m *memoryStore) Get(ctx context.Context, ref Ref) (string, error) {
	rec, err := m.lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	return rec.content, nil
}

func (m *memoryStore) TokenCount(ctx context.Context, ref Ref) (int, error) {
	rec, err := m.lookup(ctx, ref)
	if err != nil {
		return 0, err
	}
	return rec.tokens, nil
}

func (m *memoryStore) Latest(ctx context.Context, producer, name string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.versions[memoryKey(producer, name)]
	if len(recs) == 0 {
		return Ref{}, ErrNotFound
	}
	last := recs[len(recs)-1]
	return Ref{Producer: producer, Name: name, Version: len(recs), Hash: last.hash}, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) lookup(ctx context.Context, ref Ref) (memoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return memoryRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.versions[memoryKey(ref.Producer, ref.Name)]
	if ref.Version < 1 || ref.Version > len(recs) {
		return memoryRecord{}, ErrNotFound
	}
	return recs[ref.Version-1], nil
}
