package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLedgerRecordExists is returned when an action was already recorded.
var ErrLedgerRecordExists = errors.New("action ledger record already exists")

// LedgerKey identifies one irreversible action application.
type LedgerKey struct {
	RequestID string
	StepID    string
	Index     int
}

func (k LedgerKey) valid() bool {
	return strings.TrimSpace(k.RequestID) != "" && strings.TrimSpace(k.StepID) != "" && k.Index >= 0
}

func (k LedgerKey) String() string {
	return fmt.Sprintf("%s::%s::%d", strings.TrimSpace(k.RequestID), strings.TrimSpace(k.StepID), k.Index)
}

// LedgerRecord is what was stored after an irreversible action succeeded.
type LedgerRecord struct {
	Key        LedgerKey      `json:"key"`
	ActionType string         `json:"action_type"`
	Output     map[string]any `json:"output,omitempty"`
	AppliedAt  time.Time      `json:"applied_at"`
}

// Ledger remembers irreversible actions so retries never apply them twice.
type Ledger interface {
	Load(ctx context.Context, key LedgerKey) (*LedgerRecord, error)
	Save(ctx context.Context, rec LedgerRecord) error
}

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]LedgerRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]LedgerRecord)}
}

func (l *MemoryLedger) Load(_ context.Context, key LedgerKey) (*LedgerRecord, error) {
	if !key.valid() {
		return nil, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[key.String()]
	if !ok {
		return nil, nil
	}
	rec.Output = cloneOutput(rec.Output)
	return &rec, nil
}

func (l *MemoryLedger) Save(_ context.Context, rec LedgerRecord) error {
	if !rec.Key.valid() {
		return errors.New("ledger key requires request id, step id and index")
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now().UTC()
	}
	rec.Output = cloneOutput(rec.Output)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.records[rec.Key.String()]; exists {
		return ErrLedgerRecordExists
	}
	l.records[rec.Key.String()] = rec
	return nil
}

// RedisLedger stores records with SETNX so concurrent writers agree on the
// first application.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger under prefix. A zero ttl keeps records
// forever.
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "orchestrator:ledger:"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) Load(ctx context.Context, key LedgerKey) (*LedgerRecord, error) {
	if !key.valid() {
		return nil, nil
	}
	raw, err := l.client.Get(ctx, l.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec LedgerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *RedisLedger) Save(ctx context.Context, rec LedgerRecord) error {
	if !rec.Key.valid() {
		return errors.New("ledger key requires request id, step id and index")
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := l.client.SetNX(ctx, l.prefix+rec.Key.String(), raw, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLedgerRecordExists
	}
	return nil
}

func cloneOutput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
