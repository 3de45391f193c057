package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// RedisStore keeps one list of JSON encoded entries per request.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore builds a store on client. Keys are prefix + "audit:" + request id.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "orchestrator:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(requestID string) string {
	return s.prefix + "audit:" + strings.TrimSpace(requestID)
}

func (s *RedisStore) Append(ctx context.Context, entry orchestrator.AuditEntry) error {
	if s == nil || s.client == nil {
		return errors.New("audit redis store not configured")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key(entry.RequestID), payload).Err()
}

func (s *RedisStore) List(ctx context.Context, requestID string) ([]orchestrator.AuditEntry, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("audit redis store not configured")
	}
	raw, err := s.client.LRange(ctx, s.key(requestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.AuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry orchestrator.AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
