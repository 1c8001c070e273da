// Package vault implements the TTL-governed, ownership-and-token
// authenticated key-value store of typed tabular blobs described by spec
// §4.2 — the sole mutable shared resource in the data vault.
package vault

import (
	"context"
	"encoding/json"
	"time"

	"github.com/llmvault/datavault/metadata"
)

// Defaults for the knobs spec §4.2 names; all are overridden by
// vaultconfig at startup.
const (
	DefaultMaxRows     = 100
	DefaultMaxBytes    = 51200
	DefaultMaxTokens   = 10000
	DefaultTTL         = 1800 * time.Second
	DefaultGracePeriod = 300 * time.Second
)

// Entry is the internal record kept by the store. It is never exposed
// whole; Get/GetWithMetadata project only the fields spec §3 allows out.
type Entry struct {
	HandleID    string           `json:"handleId"`
	FullData    []map[string]any `json:"fullData"`
	OwnerID     string           `json:"ownerId"`
	SessionID   string           `json:"sessionId"`
	CreatedAt   time.Time        `json:"createdAt"`
	AccessToken string           `json:"accessToken"`
	Metadata    metadata.Envelope `json:"metadata"`
}

// Provenance carries dataSource attribution for the metadata envelope
// (spec §3's dataSource field), minus the tool name, which Put already
// takes as its own sourceTool parameter.
type Provenance struct {
	ToolArgs  map[string]any
	UserQuery string
}

// Limits bundles the row/byte/token thresholds ShouldOffload checks
// against (spec §4.2's R, B, K).
type Limits struct {
	MaxRows   int
	MaxBytes  int
	MaxTokens int
}

// DefaultLimits returns the spec-default R/B/K triple.
func DefaultLimits() Limits {
	return Limits{MaxRows: DefaultMaxRows, MaxBytes: DefaultMaxBytes, MaxTokens: DefaultMaxTokens}
}

// Store is the VaultStore contract (spec §4.2). Implementations:
// RedisStore (production) and MemoryStore (tests).
type Store interface {
	// Put mints a handle and token, computes the metadata envelope, and
	// stores the entry with TTL. Each call mints a distinct handle.
	// columnOrder is the first row's key order as seen in the source JSON,
	// when the caller was able to recover it; nil falls back to lexical
	// order in the resulting envelope's schema.
	Put(ctx context.Context, rows []map[string]any, columnOrder []string, ownerID, sessionID, sourceTool string, prov Provenance, semantics metadata.Semantics) (handleID string, token string, env metadata.Envelope, err error)

	// Get returns the stored rows iff ownership and token match and the
	// entry is live, performing the atomic read-validate-shrink-TTL.
	Get(ctx context.Context, handleID, principal, token string) ([]map[string]any, error)

	// GetWithMetadata is Get plus the cached metadata envelope.
	GetWithMetadata(ctx context.Context, handleID, principal, token string) ([]map[string]any, metadata.Envelope, error)

	// ValidateToken checks token without mutating TTL.
	ValidateToken(ctx context.Context, handleID, token string) (bool, error)
}

// ShouldOffload reports whether data is an array meeting any of the row
// count, byte size, or estimated-token thresholds in limits (spec §4.2,
// §8). Non-array input is never offloaded.
func ShouldOffload(data any, limits Limits) bool {
	rows, ok := data.([]any)
	if !ok {
		return false
	}
	if len(rows) > limits.MaxRows {
		return true
	}
	size := estimateSerializedBytes(rows)
	if size > limits.MaxBytes {
		return true
	}
	estimatedTokens := size / 4
	return estimatedTokens > limits.MaxTokens
}

func estimateSerializedBytes(rows []any) int {
	b, err := json.Marshal(rows)
	if err != nil {
		return 0
	}
	return len(b)
}
