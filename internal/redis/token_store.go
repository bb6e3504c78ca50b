package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
	"github.com/lalithlochan/classpush/internal/metrics"
)

const (
	tokenKeyPrefix     = "liveactivity:token:"
	kindIndexPrefix    = "liveactivity:tokens:"
	registeredIndexKey = "liveactivity:registered"
)

// TokenStore keeps one JSON record per token key, a set of record keys per
// kind and a sorted set of record keys by registration time.
// Every mutation runs in MULTI/EXEC, so it is durable to Redis before return.
type TokenStore struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

func NewTokenStore(client *Client, logger *zap.Logger) *TokenStore {
	return &TokenStore{client: client, logger: logger, now: time.Now}
}

// recordKey escapes each component so that ':' inside an id can never be
// read as a separator.
func recordKey(k liveactivity.TokenKey) string {
	return tokenKeyPrefix + strings.Join([]string{
		url.QueryEscape(string(k.Kind)),
		url.QueryEscape(k.DeviceID),
		url.QueryEscape(k.ActivityID),
	}, ":")
}

func kindIndex(kind liveactivity.Kind) string {
	return kindIndexPrefix + string(kind)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", liveactivity.ErrStoreUnavailable, op, err)
}

// Register validates and upserts the token.
func (s *TokenStore) Register(ctx context.Context, token liveactivity.PushToken) error {
	if err := token.Validate(); err != nil {
		return err
	}
	token = token.Normalize(s.now())

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	key := recordKey(token.Key())
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, kindIndex(token.Kind), key)
		pipe.ZAdd(ctx, registeredIndexKey, redis.Z{
			Score:  float64(token.RegisteredAt.UnixMilli()),
			Member: key,
		})
		return nil
	})
	if err != nil {
		return storeErr("register token", err)
	}

	metrics.RecordTokenRegistered(string(token.Kind))
	s.logger.Info("token registered",
		zap.String("key", token.Key().String()),
		zap.Time("registered_at", token.RegisteredAt),
	)
	return nil
}

// ListByKind returns a snapshot of every token of kind. Index entries whose
// record has vanished are skipped.
func (s *TokenStore) ListByKind(ctx context.Context, kind liveactivity.Kind) ([]liveactivity.PushToken, error) {
	keys, err := s.client.rdb.SMembers(ctx, kindIndex(kind)).Result()
	if err != nil {
		return nil, storeErr("list token index", err)
	}
	if len(keys) == 0 {
		return []liveactivity.PushToken{}, nil
	}

	vals, err := s.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load tokens", err)
	}

	tokens := make([]liveactivity.PushToken, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t liveactivity.PushToken
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Warn("skipping undecodable token record",
				zap.String("redis_key", keys[i]),
				zap.Error(err),
			)
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func (s *TokenStore) List(ctx context.Context) ([]liveactivity.PushToken, error) {
	var all []liveactivity.PushToken
	for _, kind := range liveactivity.Kinds() {
		tokens, err := s.ListByKind(ctx, kind)
		if err != nil {
			return nil, err
		}
		all = append(all, tokens...)
	}
	if all == nil {
		all = []liveactivity.PushToken{}
	}
	return all, nil
}

// Remove deletes the record for key. Missing records are not an error.
func (s *TokenStore) Remove(ctx context.Context, key liveactivity.TokenKey) error {
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueDelete(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return storeErr("remove token", err)
	}
	return nil
}

// RemoveIfToken deletes the record only if it still holds token. The record
// key is watched, so a registration landing between the read and the delete
// aborts the transaction and the new token is kept.
func (s *TokenStore) RemoveIfToken(ctx context.Context, key liveactivity.TokenKey, token string) (bool, error) {
	rk := recordKey(key)
	removed := false

	err := s.client.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		var current liveactivity.PushToken
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode token record: %w", err)
		}
		if current.Token != token {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueDelete(ctx, pipe, key)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, rk)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("remove token if unchanged", err)
	}
	return removed, nil
}

func (s *TokenStore) queueDelete(ctx context.Context, pipe redis.Pipeliner, key liveactivity.TokenKey) {
	rk := recordKey(key)
	pipe.Del(ctx, rk)
	pipe.SRem(ctx, kindIndex(key.Kind), rk)
	pipe.ZRem(ctx, registeredIndexKey, rk)
}

func (s *TokenStore) Stats(ctx context.Context) (liveactivity.Stats, error) {
	stats := liveactivity.NewStats()

	kinds := liveactivity.Kinds()
	counts := make([]*redis.IntCmd, len(kinds))
	var latest *redis.ZSliceCmd

	_, err := s.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, kind := range kinds {
			counts[i] = pipe.SCard(ctx, kindIndex(kind))
		}
		latest = pipe.ZRevRangeWithScores(ctx, registeredIndexKey, 0, 0)
		return nil
	})
	if err != nil {
		return liveactivity.Stats{}, storeErr("token stats", err)
	}

	for i, kind := range kinds {
		n := int(counts[i].Val())
		stats.CountsByKind[kind] = n
		stats.Total += n
	}
	if z := latest.Val(); len(z) > 0 {
		t := time.UnixMilli(int64(z[0].Score)).UTC()
		stats.LastRegisteredAt = &t
	}
	return stats, nil
}
