// Package artifact stores the named, versioned blobs work units produce. The
// engine reads and writes through the narrow Store interface and persists
// references only; content never enters the state store.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a reference points at nothing.
var ErrNotFound = errors.New("artifact not found")

// Ref points at one stored artifact version.
type Ref struct {
	Producer string `json:"producer"` // Unit id that published the artifact
	Name     string `json:"name"`     // Artifact name within the producer
	Version  int    `json:"version"`  // 1-based, increments per Put
	Hash     string `json:"hash"`     // SHA-256 of the content
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s@v%d", r.Producer, r.Name, r.Version)
}

// Store is the storage surface for unit outputs. Implementations must be safe
// for concurrent writers; versioned puts never overwrite.
type Store interface {
	// Put stores a new version of the named artifact and returns its reference.
	Put(ctx context.Context, producer, name, content string) (Ref, error)
	// Get returns the content behind a reference.
	Get(ctx context.Context, ref Ref) (string, error)
	// TokenCount returns the token size recorded when the artifact was stored.
	TokenCount(ctx context.Context, ref Ref) (int, error)
	// Latest returns the reference of the newest version of the named artifact.
	Latest(ctx context.Context, producer, name string) (Ref, error)
	Close() error
}

// CharsPerToken is the estimation ratio used across the engine. Four
// characters per token tracks the executor's tokenizer closely enough for
// budgeting.
const CharsPerToken = 4

// EstimateTokens approximates the token size of content.
func EstimateTokens(content string) int {
	if len(content) == 0 {
		return 0
	}
	n := len(content) / CharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// HashContent returns the hex-encoded SHA-256 of the content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
