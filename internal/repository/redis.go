package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-tick/caretaker/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "caretaker:rec:"
	redisIndexKey      = "caretaker:idx"
	redisValueField    = "v"
	redisUpdatedField  = "t"
	redisUpdateRetries = 16
)

var ErrConcurrentUpdate = errors.New("concurrent update, retries exhausted")

// redisRepository keeps each record in a hash and every key in a sorted set
// scored 0, so prefix listing is a lexicographic range.
type redisRepository struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisRepository connects using a redis:// URL.
func NewRedisRepository(ctx context.Context, rawURL string) (Repository, func() error, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		err1 := client.Close()
		return nil, nil, errors.Join(err, err1)
	}

	return newRedisRepository(client), client.Close, nil
}

func newRedisRepository(client redis.UniversalClient) *redisRepository {
	return &redisRepository{client: client, now: time.Now}
}

func (r *redisRepository) Get(ctx context.Context, key string) (model.Record, error) {
	vals, err := r.client.HMGet(ctx, redisKeyPrefix+key, redisValueField, redisUpdatedField).Result()
	if err != nil {
		return model.Record{}, err
	}

	rec, ok := toRecord(key, vals)
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

func (r *redisRepository) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := redisKeyPrefix + key

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, k, redisValueField).Result()
		if err != nil {
			return err
		}

		var current []byte
		exists := len(vals) > 0 && vals[0] != nil
		if exists {
			current = toBytes(vals[0])
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		if next == nil && !exists {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if next == nil {
				p.Del(ctx, k)
				p.ZRem(ctx, redisIndexKey, key)
				return nil
			}
			p.HSet(ctx, k, redisValueField, next, redisUpdatedField, r.now().UnixNano())
			p.ZAdd(ctx, redisIndexKey, redis.Z{Score: 0, Member: key})
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %s", ErrConcurrentUpdate, key)
}

func (r *redisRepository) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKeyPrefix+key)
		p.ZRem(ctx, redisIndexKey, key)
		return nil
	})
	return err
}

func (r *redisRepository) List(ctx context.Context, prefix string, limit, offset int) ([]model.Record, error) {
	if offset < 0 {
		offset = 0
	}
	count := int64(limit)
	if limit <= 0 {
		count = 0
		if offset > 0 {
			count = -1
		}
	}

	keys, err := r.client.ZRangeByLex(ctx, redisIndexKey, &redis.ZRangeBy{
		Min:    "[" + prefix,
		Max:    "[" + prefix + "\xff",
		Offset: int64(offset),
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []model.Record{}, nil
	}

	cmds, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.HMGet(ctx, redisKeyPrefix+key, redisValueField, redisUpdatedField)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]model.Record, 0, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.(*redis.SliceCmd).Result()
		if err != nil {
			return nil, err
		}
		if rec, ok := toRecord(keys[i], vals); ok {
			records = append(records, rec)
		}
	}

	return records, nil
}

func (r *redisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func toRecord(key string, vals []interface{}) (model.Record, bool) {
	if len(vals) < 2 || vals[0] == nil {
		return model.Record{}, false
	}

	rec := model.Record{Key: key, Value: toBytes(vals[0])}
	if s, ok := vals[1].(string); ok {
		rec.UpdatedAt, _ = strconv.ParseInt(s, 10, 64)
	}
	return rec, true
}

func toBytes(v interface{}) []byte {
	switch b := v.(type) {
	case string:
		return []byte(b)
	case []byte:
		return b
	default:
		return nil
	}
}

var _ Repository = (*redisRepository)(nil)
