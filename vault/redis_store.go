package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmvault/datavault/metadata"
	"github.com/llmvault/datavault/vaulterrors"
	"github.com/llmvault/datavault/vaultlog"
	"github.com/llmvault/datavault/vaultotel"
)

const keyPrefix = "data-vault:"

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// Redis is the client used for all vault key operations. Required.
	Redis *redis.Client

	// TTL is the lifetime applied on Put. Defaults to DefaultTTL.
	TTL time.Duration

	// GracePeriod is the shortened lifetime applied on first successful
	// Get. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// Logger receives redacted operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Tracer and Metrics are optional; a nil value disables telemetry
	// for this store without affecting its behavior.
	Tracer  *vaultotel.Tracer
	Metrics *vaultotel.Metrics
}

// RedisStore is the production Store backed by Redis, using SET ... EX for
// TTL and a WATCH/MULTI/EXEC transaction for the atomic TTL-shrink-on-read
// (spec §4.2, §5).
type RedisStore struct {
	rdb         *redis.Client
	ttl         time.Duration
	gracePeriod time.Duration
	log         *slog.Logger
	tracer      *vaultotel.Tracer
	metrics     *vaultotel.Metrics
}

// NewRedisStore builds a RedisStore from cfg, applying spec defaults for
// any zero-valued duration.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Redis == nil {
		return nil, vaulterrors.NewValidationError("redis", "a redis client is required")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		rdb:         cfg.Redis,
		ttl:         ttl,
		gracePeriod: grace,
		log:         logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
	}, nil
}

func vaultKey(handleID string) string {
	return keyPrefix + handleID
}

// Put mints a handle and token, computes the metadata envelope via
// metadata.Extract, and stores the entry with TTL (spec §4.2).
func (s *RedisStore) Put(ctx context.Context, rows []map[string]any, columnOrder []string, ownerID, sessionID, sourceTool string, prov Provenance, semantics metadata.Semantics) (handleID, token string, env metadata.Envelope, err error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartVaultOp(ctx, "put", "")
		defer func() { vaultotel.EndErr(span, err) }()
	}
	if s.metrics != nil {
		defer func() {
			if err == nil {
				s.metrics.RecordPut(ctx)
			}
		}()
	}

	if len(rows) == 0 {
		return "", "", metadata.Envelope{}, vaulterrors.NewValidationError("rows", "vault put requires at least one row")
	}

	handleID = "vault-" + uuid.NewString()
	token = uuid.NewString()

	env = metadata.Extract(rows, columnOrder, metadata.DataSource{
		ToolName:  sourceTool,
		ToolArgs:  prov.ToolArgs,
		UserQuery: prov.UserQuery,
		Timestamp: time.Now().UTC(),
	})
	env.HandleID = handleID
	env.FetchToken = token
	env.Semantics = semantics
	env.Offloaded = true
	env.Note = fmt.Sprintf("data offloaded to vault handle %s (token %s); query it with SQL against {table} or retrieve the full rows, rather than asking for it inline", handleID, token)

	entry := Entry{
		HandleID:    handleID,
		FullData:    rows,
		OwnerID:     ownerID,
		SessionID:   sessionID,
		CreatedAt:   time.Now().UTC(),
		AccessToken: token,
		Metadata:    env,
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return "", "", metadata.Envelope{}, vaulterrors.NewBackendError("put:marshal", err)
	}

	if err := s.rdb.Set(ctx, vaultKey(handleID), payload, s.ttl).Err(); err != nil {
		return "", "", metadata.Envelope{}, vaulterrors.NewBackendError("put:set", err)
	}

	ownerLog, _ := vaultlog.Redact(ownerID, "")
	s.log.InfoContext(ctx, "vault put", "handle", handleID, "owner", ownerLog, "rows", len(rows))
	return handleID, token, env, nil
}

// Get performs the atomic read-validate-shrink-TTL described in spec §4.2
// and §5: observe the entry, verify owner and token, then reduce TTL to
// gracePeriod inside a WATCH/MULTI/EXEC transaction. A TxFailedErr (the
// entry changed between watch and exec) is retried exactly once; a second
// conflict surfaces as not-found.
func (s *RedisStore) Get(ctx context.Context, handleID, principal, token string) ([]map[string]any, error) {
	rows, _, err := s.getWithMetadata(ctx, handleID, principal, token)
	return rows, err
}

// GetWithMetadata is Get plus the cached metadata envelope.
func (s *RedisStore) GetWithMetadata(ctx context.Context, handleID, principal, token string) ([]map[string]any, metadata.Envelope, error) {
	return s.getWithMetadata(ctx, handleID, principal, token)
}

func (s *RedisStore) getWithMetadata(ctx context.Context, handleID, principal, token string) (rows []map[string]any, env metadata.Envelope, err error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartVaultOp(ctx, "get", handleID)
		defer func() { vaultotel.EndErr(span, err) }()
	}
	if s.metrics != nil {
		defer func() {
			outcome := "ok"
			if err != nil {
				var notFound *vaulterrors.DataNotFoundError
				outcome = "error"
				if errors.As(err, &notFound) {
					outcome = "not_found"
				}
			}
			s.metrics.RecordGet(ctx, outcome)
		}()
	}

	key := vaultKey(handleID)

	var entry *Entry
	for attempt := 0; attempt < 2; attempt++ {
		entry, err = s.shrinkAndRead(ctx, key, principal, token)
		if err == nil {
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, errOwnerTokenMismatch) {
			return nil, metadata.Envelope{}, vaulterrors.NewDataNotFound(handleID)
		}
		return nil, metadata.Envelope{}, vaulterrors.NewBackendError("get", err)
	}
	if err != nil {
		// Two consecutive optimistic-concurrency conflicts: surface as
		// not-found per spec §4.2, §5, §9 rather than retrying further.
		return nil, metadata.Envelope{}, vaulterrors.NewDataNotFound(handleID)
	}

	ownerLog, tokenLog := vaultlog.Redact(principal, token)
	s.log.InfoContext(ctx, "vault get", "handle", handleID, "owner", ownerLog, "token", tokenLog)
	return entry.FullData, entry.Metadata, nil
}

// errOwnerTokenMismatch signals that the decoded entry's owner or token
// didn't match the caller, distinct from redis.Nil (key absent) so
// getWithMetadata can fold both into the same not-found response.
var errOwnerTokenMismatch = errors.New("vault: owner or token mismatch")

// shrinkAndRead watches the key, reads the current entry, and verifies
// principal/token against it before touching anything — a mismatch
// returns errOwnerTokenMismatch without ever reaching the TTL shrink.
// Only once ownership is confirmed does it shrink the TTL to gracePeriod
// (unless it's already ≤ gracePeriod), inside the same transaction, so a
// concurrent writer replacing the key between WATCH and EXEC aborts with
// TxFailedErr instead of silently losing the shrink.
func (s *RedisStore) shrinkAndRead(ctx context.Context, key, principal, token string) (*Entry, error) {
	var entry Entry

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.OwnerID != principal || entry.AccessToken != token {
			return errOwnerTokenMismatch
		}

		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl <= 0 || ttl > s.gracePeriod {
				pipe.Expire(ctx, key, s.gracePeriod)
			}
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ValidateToken checks token without mutating TTL.
func (s *RedisStore) ValidateToken(ctx context.Context, handleID, token string) (bool, error) {
	raw, err := s.rdb.Get(ctx, vaultKey(handleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, vaulterrors.NewBackendError("validateToken", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, vaulterrors.NewBackendError("validateToken:unmarshal", err)
	}
	return entry.AccessToken == token, nil
}

var _ Store = (*RedisStore)(nil)
