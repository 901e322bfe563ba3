package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/dataops-go/internal/cache"
)

// liveClause hides rows whose TTL has passed but which PurgeExpired has not
// removed yet.
const liveClause = "(expires_at = NONE OR expires_at > time::now())"

type cacheRow struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// CacheStore implements cache.Cache on the cache_entry table so several
// coordinator replicas can share locks and job records.
type CacheStore struct {
	client *Client
	logger *slog.Logger
}

var _ cache.Cache = (*CacheStore)(nil)

// NewCacheStore creates a cache over client. The schema must be initialised.
func NewCacheStore(client *Client, log *slog.Logger) *CacheStore {
	if log == nil {
		log = slog.Default()
	}
	return &CacheStore{client: client, logger: log}
}

// ttlMillis converts ttl for duration::from::millis; zero means no expiry.
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return max(ttl.Milliseconds(), 1)
}

const expiresExpr = "IF $ttl > 0 { time::now() + duration::from::millis($ttl) } ELSE { NONE }"

func rows(results *[]surrealdb.QueryResult[[]cacheRow]) []cacheRow {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[len(*results)-1].Result
}

// Get returns the live value of key.
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	results, err := surrealdb.Query[[]cacheRow](ctx, s.client.db, `
		SELECT key, value FROM type::record("cache_entry", $key) WHERE `+liveClause,
		map[string]any{"key": key})
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, wrapQueryError(err))
	}
	r := rows(results)
	if len(r) == 0 {
		return nil, false, nil
	}
	return r[0].Value, true, nil
}

// Set writes key unconditionally.
func (s *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := surrealdb.Query[any](ctx, s.client.db, `
		UPSERT type::record("cache_entry", $key) SET
			key = $key,
			value = $value,
			expires_at = `+expiresExpr,
		map[string]any{"key": key, "value": value, "ttl": ttlMillis(ttl)})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, wrapQueryError(err))
	}
	return nil
}

// Delete removes key and reports whether a live entry was removed.
func (s *CacheStore) Delete(ctx context.Context, key string) (bool, error) {
	results, err := surrealdb.Query[[]cacheRow](ctx, s.client.db, `
		DELETE type::record("cache_entry", $key) WHERE `+liveClause+` RETURN BEFORE`,
		map[string]any{"key": key})
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, wrapQueryError(err))
	}
	return len(rows(results)) > 0, nil
}

// Exists reports whether key holds a live value.
func (s *CacheStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// KeysByPrefix lists live keys starting with prefix.
func (s *CacheStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	results, err := surrealdb.Query[[]cacheRow](ctx, s.client.db, `
		SELECT key FROM cache_entry
		WHERE string::starts_with(key, $prefix) AND `+liveClause+`
		ORDER BY key`,
		map[string]any{"prefix": prefix})
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, wrapQueryError(err))
	}
	r := rows(results)
	keys := make([]string, len(r))
	for i, row := range r {
		keys[i] = row.Key
	}
	return keys, nil
}

// MGet returns values in key order with nil for missing keys.
func (s *CacheStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	values := make([][]byte, len(keys))
	if len(keys) == 0 {
		return values, nil
	}
	results, err := surrealdb.Query[[]cacheRow](ctx, s.client.db, `
		SELECT key, value FROM cache_entry WHERE key IN $keys AND `+liveClause,
		map[string]any{"keys": keys})
	if err != nil {
		return nil, fmt.Errorf("mget: %w", wrapQueryError(err))
	}

	byKey := make(map[string][]byte, len(keys))
	for _, row := range rows(results) {
		byKey[row.Key] = row.Value
	}
	for i, k := range keys {
		values[i] = byKey[k]
	}
	return values, nil
}

// CompareAndSwap uses conditional statements that SurrealDB applies
// atomically per record. Losing a race surfaces as a transaction conflict or
// a duplicate CREATE, both reported as a failed precondition.
func (s *CacheStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	vars := map[string]any{"key": key, "prev": prev, "next": next, "ttl": ttlMillis(ttl)}

	var sql string
	switch {
	case prev == nil && next == nil:
		ok, err := s.Exists(ctx, key)
		return !ok, err
	case prev == nil:
		// Clear an expired leftover so CREATE only fails on a live entry.
		sql = `
			DELETE type::record("cache_entry", $key) WHERE expires_at != NONE AND expires_at <= time::now();
			CREATE type::record("cache_entry", $key) SET
				key = $key,
				value = $next,
				expires_at = ` + expiresExpr + `
			RETURN key, value;`
	case next == nil:
		sql = `DELETE type::record("cache_entry", $key) WHERE value = $prev AND ` + liveClause + ` RETURN BEFORE`
	default:
		sql = `
			UPDATE type::record("cache_entry", $key) SET
				value = $next,
				expires_at = ` + expiresExpr + `
			WHERE value = $prev AND ` + liveClause + `
			RETURN key, value`
	}

	results, err := surrealdb.Query[[]cacheRow](ctx, s.client.db, sql, vars)
	if err = wrapQueryError(err); err != nil {
		if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrTransactionConflict) {
			s.logger.Debug("cache compare-and-swap lost race", "key", key)
			return false, nil
		}
		return false, fmt.Errorf("compare-and-swap %q: %w", key, err)
	}
	return len(rows(results)) > 0, nil
}

// PurgeExpired deletes rows whose TTL has passed and returns how many went.
func (s *CacheStore) PurgeExpired(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]cacheRow](ctx, s.client.db, `
		DELETE cache_entry WHERE expires_at != NONE AND expires_at <= time::now() RETURN BEFORE`, nil)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", wrapQueryError(err))
	}
	n := len(rows(results))
	if n > 0 {
		s.logger.Info("purged expired cache entries", "count", n)
	}
	return n, nil
}

// RunJanitor calls PurgeExpired every interval until ctx is done.
func (s *CacheStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Warn("cache janitor failed", "error", err)
			}
		}
	}
}

// Close is a no-op; the Client owns the connection.
func (s *CacheStore) Close() error { return nil }
