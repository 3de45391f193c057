package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	orchestrator "github.com/goliatone/go-orchestrator"
)

const defaultRedisPrefix = "orchestrator:"

// Redis stores each request as a JSON string and keeps set indexes of all
// request ids and definition keys. Save uses WATCH/MULTI so concurrent
// writers on the same request lose with VERSION_CONFLICT.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis builds a store on client. Keys are namespaced by prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Create(ctx context.Context, req *orchestrator.WorkflowRequest) error {
	id, err := validateRequest(req)
	if err != nil {
		return err
	}
	if r == nil || r.client == nil {
		return errors.New("redis repository not configured")
	}
	seq, err := r.client.Incr(ctx, r.key("sequence")).Result()
	if err != nil {
		return err
	}
	next := req.Clone()
	next.Sequence = uint64(seq)
	next.Version = 1
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	created, err := r.client.SetNX(ctx, r.requestKey(id), payload, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return alreadyExists(id)
	}
	if err := r.client.SAdd(ctx, r.key("requests"), id).Err(); err != nil {
		return err
	}
	req.Sequence = next.Sequence
	req.Version = next.Version
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*orchestrator.WorkflowRequest, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis repository not configured")
	}
	id = strings.TrimSpace(id)
	raw, err := r.client.Get(ctx, r.requestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(raw)
}

func (r *Redis) List(ctx context.Context, filter Filter) ([]*orchestrator.WorkflowRequest, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis repository not configured")
	}
	ids, err := r.client.SMembers(ctx, r.key("requests")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.requestKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*orchestrator.WorkflowRequest, 0, len(values))
	for _, value := range values {
		str, ok := value.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		req, err := decodeRequest([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.Matches(req) {
			out = append(out, req)
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (r *Redis) Save(ctx context.Context, req *orchestrator.WorkflowRequest) error {
	id, err := validateRequest(req)
	if err != nil {
		return err
	}
	if r == nil || r.client == nil {
		return errors.New("redis repository not configured")
	}
	key := r.requestKey(id)
	expected := req.Version
	next := req.Clone()
	next.Version = expected + 1

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		current, err := decodeRequest(raw)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return versionConflict(id, expected, current.Version)
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return versionConflict(id, expected, -1)
	}
	if err != nil {
		return err
	}
	req.Version = next.Version
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if r == nil || r.client == nil {
		return errors.New("redis repository not configured")
	}
	id = strings.TrimSpace(id)
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.requestKey(id))
	pipe.SRem(ctx, r.key("requests"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

func (r *Redis) SaveDefinition(ctx context.Context, key string, def orchestrator.WorkflowDefinition) error {
	if r == nil || r.client == nil {
		return errors.New("redis repository not configured")
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key("definition:"+key), payload, 0)
	pipe.SAdd(ctx, r.key("definitions"), key)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) GetDefinition(ctx context.Context, key string) (orchestrator.WorkflowDefinition, bool, error) {
	if r == nil || r.client == nil {
		return orchestrator.WorkflowDefinition{}, false, errors.New("redis repository not configured")
	}
	raw, err := r.client.Get(ctx, r.key("definition:"+key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orchestrator.WorkflowDefinition{}, false, nil
	}
	if err != nil {
		return orchestrator.WorkflowDefinition{}, false, err
	}
	var def orchestrator.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return orchestrator.WorkflowDefinition{}, false, err
	}
	return def, true, nil
}

func (r *Redis) ListDefinitions(ctx context.Context) (map[string]orchestrator.WorkflowDefinition, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis repository not configured")
	}
	keys, err := r.client.SMembers(ctx, r.key("definitions")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]orchestrator.WorkflowDefinition, len(keys))
	for _, key := range keys {
		def, ok, err := r.GetDefinition(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = def
		}
	}
	return out, nil
}

func (r *Redis) key(suffix string) string {
	return r.prefix + suffix
}

func (r *Redis) requestKey(id string) string {
	return r.key("request:" + id)
}

func decodeRequest(raw []byte) (*orchestrator.WorkflowRequest, error) {
	var req orchestrator.WorkflowRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
