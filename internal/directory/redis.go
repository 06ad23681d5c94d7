package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/termbridge/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "termbridge:session:"
	indexKey  = "termbridge:sessions"
)

// Redis implements Directory on a shared Redis so every bridge instance sees every session.
// Entries expire after keyTTL unless the owning instance keeps heartbeating them.
type Redis struct {
	client *redis.Client
	keyTTL time.Duration

	mu    sync.Mutex
	owned map[string]Entry // entries written by this instance
}

func NewRedis(addr, password string, db int, keyTTL time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if keyTTL <= 0 {
		keyTTL = time.Minute
	}
	return &Redis{client: rdb, keyTTL: keyTTL, owned: make(map[string]Entry)}, nil
}

var _ Directory = (*Redis)(nil)

func (r *Redis) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+e.ID, data, r.keyTTL)
	pipe.SAdd(ctx, indexKey, e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", e.ID, err)
	}
	r.mu.Lock()
	r.owned[e.ID] = e
	r.mu.Unlock()
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.owned, id)
	r.mu.Unlock()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keyPrefix+id)
	pipe.SRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// List returns every live entry across instances. Index members whose key has
// expired (an instance died without cleaning up) are pruned.
func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			obs.Error("redis.unmarshal_entry", obs.Fields{"err": err.Error(), "id": ids[i]})
			continue
		}
		out = append(out, e)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, indexKey, stale...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			obs.Error("redis.prune_index", obs.Fields{"err": err.Error()})
		}
	}
	sortEntries(out)
	return out, nil
}

// StartMaintenance refreshes the TTL of entries owned by this instance until ctx is done.
func (r *Redis) StartMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *Redis) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.client.Expire(ctx, keyPrefix+id, r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "id": id})
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
