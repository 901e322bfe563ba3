// Package lock implements advisory read/write locks over string keys, stored
// in a shared TTL cache so that every coordinator instance sees the same
// lock table.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/cache"
	"github.com/raphaelgruber/dataops-go/internal/metrics"
)

// KeyPrefix namespaces lock entries inside the shared cache.
const KeyPrefix = "RLOCK:"

// DefaultMaxAttempts bounds compare-and-swap retries per call.
const DefaultMaxAttempts = 8

// Operation is the lock intent.
type Operation string

const (
	Read  Operation = "read"
	Write Operation = "write"
)

var (
	// ErrInvalidOperation is returned for anything other than read or write.
	ErrInvalidOperation = errors.New("operation must be read or write")
	// ErrContention is returned when the entry kept changing under us.
	ErrContention = errors.New("lock entry contended, retries exhausted")
	// ErrCorruptEntry is returned when a stored value cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt lock entry")
)

// ParseOperation validates a wire value.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case Read, Write:
		return Operation(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
}

// State is the decoded lock entry.
type State struct {
	Readers int `json:"read_count"`
	Writers int `json:"write_count"`
}

// String renders the stored "read_count,write_count" form.
func (s State) String() string {
	return strconv.Itoa(s.Readers) + "," + strconv.Itoa(s.Writers)
}

// Status is the wire status of a held lock: "read" or "write".
func (s State) Status() Operation {
	if s.Writers > 0 {
		return Write
	}
	return Read
}

func parseState(raw []byte) (State, error) {
	r, w, ok := strings.Cut(string(raw), ",")
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrCorruptEntry, raw)
	}
	readers, err := strconv.Atoi(r)
	if err != nil || readers < 0 {
		return State{}, fmt.Errorf("%w: %q", ErrCorruptEntry, raw)
	}
	writers, err := strconv.Atoi(w)
	if err != nil || writers < 0 || writers > 1 {
		return State{}, fmt.Errorf("%w: %q", ErrCorruptEntry, raw)
	}
	return State{Readers: readers, Writers: writers}, nil
}

// KeyStatus is one row of a bulk result. It is encoded as a [key, granted]
// pair on the wire.
type KeyStatus struct {
	Key     string
	Granted bool
}

func (k KeyStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{k.Key, k.Granted})
}

func (k *KeyStatus) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("key status: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &k.Key); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &k.Granted)
}

// Locker grants and releases advisory locks.
type Locker struct {
	cache       cache.Cache
	ttl         time.Duration
	maxAttempts int
	metrics     *metrics.Collector
	logger      *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL overrides cache.DefaultTTL for lock entries.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(l *Locker) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithMetrics records lock timings.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Locker) { l.metrics = m }
}

// New creates a Locker on top of c.
func New(c cache.Cache, log *slog.Logger, opts ...Option) *Locker {
	if log == nil {
		log = slog.Default()
	}
	l := &Locker{
		cache:       c,
		ttl:         cache.DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		logger:      log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func cacheKey(key string) string { return KeyPrefix + key }

// load returns the raw and decoded entry; raw is nil when the key is idle.
func (l *Locker) load(ctx context.Context, key string) ([]byte, State, error) {
	raw, ok, err := l.cache.Get(ctx, cacheKey(key))
	if err != nil {
		return nil, State{}, fmt.Errorf("read lock %q: %w", key, err)
	}
	if !ok {
		return nil, State{}, nil
	}
	st, err := parseState(raw)
	if err != nil {
		return nil, State{}, fmt.Errorf("read lock %q: %w", key, err)
	}
	return raw, st, nil
}

// mutate re-reads the entry and applies decide until the conditional write
// lands. decide returns the next state (nil deletes) and whether the
// operation is granted at all.
func (l *Locker) mutate(ctx context.Context, key string, decide func(raw []byte, st State) (next *State, granted bool)) (bool, error) {
	for range l.maxAttempts {
		raw, st, err := l.load(ctx, key)
		if err != nil {
			return false, err
		}

		next, granted := decide(raw, st)
		if !granted {
			return false, nil
		}

		var nextRaw []byte
		if next != nil {
			nextRaw = []byte(next.String())
		}
		swapped, err := l.cache.CompareAndSwap(ctx, cacheKey(key), raw, nextRaw, l.ttl)
		if err != nil {
			return false, fmt.Errorf("write lock %q: %w", key, err)
		}
		if swapped {
			return true, nil
		}
		l.logger.Debug("lock entry changed concurrently, retrying", "key", key)
	}
	return false, fmt.Errorf("%w: %q", ErrContention, key)
}

// Lock tries to acquire key for op. A writer excludes everyone, readers
// exclude writers, and readers share.
func (l *Locker) Lock(ctx context.Context, key string, op Operation) (bool, error) {
	if _, err := ParseOperation(string(op)); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() { l.metrics.RecordTiming(metrics.OpLock, time.Since(start)) }()

	granted, err := l.mutate(ctx, key, func(raw []byte, st State) (*State, bool) {
		if raw == nil {
			if op == Read {
				return &State{Readers: 1}, true
			}
			return &State{Writers: 1}, true
		}
		if st.Writers > 0 || op == Write {
			return nil, false
		}
		return &State{Readers: st.Readers + 1}, true
	})
	if err != nil {
		return false, err
	}

	l.logger.Debug("lock", "key", key, "op", op, "granted", granted)
	return granted, nil
}

// Unlock releases one hold of op on key. It refuses to unlock an idle key and
// refuses a write unlock while readers are recorded.
func (l *Locker) Unlock(ctx context.Context, key string, op Operation) (bool, error) {
	if _, err := ParseOperation(string(op)); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() { l.metrics.RecordTiming(metrics.OpUnlock, time.Since(start)) }()

	released, err := l.mutate(ctx, key, func(raw []byte, st State) (*State, bool) {
		if raw == nil {
			return nil, false
		}
		if op == Read {
			if st.Readers > 1 {
				return &State{Readers: st.Readers - 1, Writers: st.Writers}, true
			}
			return nil, true
		}
		if st.Readers > 0 {
			return nil, false
		}
		return nil, true
	})
	if err != nil {
		return false, err
	}

	l.logger.Debug("unlock", "key", key, "op", op, "released", released)
	return released, nil
}

// BulkLock locks keys in lexicographic order and stops at the first refusal.
// Keys after the refusal are reported as not granted without being tried.
// Keys before it stay locked; callers roll back with BulkUnlock.
func (l *Locker) BulkLock(ctx context.Context, keys []string, op Operation) ([]KeyStatus, error) {
	sorted := slices.Sorted(slices.Values(keys))
	out := make([]KeyStatus, 0, len(sorted))

	failed := false
	for _, key := range sorted {
		if failed {
			out = append(out, KeyStatus{Key: key})
			continue
		}
		ok, err := l.Lock(ctx, key, op)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			l.logger.Info("bulk lock refused", "key", key, "op", op)
		}
		out = append(out, KeyStatus{Key: key, Granted: ok})
	}
	return out, nil
}

// BulkUnlock attempts every key in lexicographic order regardless of
// earlier failures.
func (l *Locker) BulkUnlock(ctx context.Context, keys []string, op Operation) ([]KeyStatus, error) {
	sorted := slices.Sorted(slices.Values(keys))
	out := make([]KeyStatus, 0, len(sorted))

	for _, key := range sorted {
		ok, err := l.Unlock(ctx, key, op)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyStatus{Key: key, Granted: ok})
	}
	return out, nil
}

// Check returns the current entry for key, or nil when idle.
func (l *Locker) Check(ctx context.Context, key string) (*State, error) {
	raw, st, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return &st, nil
}

// Clear drops every lock entry and returns how many were removed.
func (l *Locker) Clear(ctx context.Context) (int, error) {
	keys, err := l.cache.KeysByPrefix(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}

	removed := 0
	for _, k := range keys {
		ok, err := l.cache.Delete(ctx, k)
		if err != nil {
			return removed, fmt.Errorf("clear lock %q: %w", k, err)
		}
		if ok {
			removed++
		}
	}
	l.logger.Warn("all resource locks cleared", "count", removed)
	return removed, nil
}

// AllGranted reports whether every row of a bulk result was granted.
func AllGranted(rows []KeyStatus) bool {
	for _, r := range rows {
		if !r.Granted {
			return false
		}
	}
	return true
}
