package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV over go-redis v9.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects to Redis and verifies connectivity with a ping.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, &TransportError{Op: "ping", Err: err}
	}

	slog.Info("[KVStore] Redis connected", "addr", addr, "db", db)
	return &RedisKV{rdb: rdb}, nil
}

// NewRedisKVFromClient wraps an existing client (tests use this with miniredis).
func NewRedisKVFromClient(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

// wrap classifies a go-redis error into TransportError or LogicError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") {
		return &TransportError{Op: op, Err: err}
	}
	return &LogicError{Op: op, Err: err}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", wrap("GET", err)
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("SET", r.rdb.Set(ctx, key, value, ttl).Err())
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("SETNX", err)
	}
	return ok, nil
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return wrap("DEL", r.rdb.Del(ctx, keys...).Err())
}

func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("EXISTS", err)
	}
	return n > 0, nil
}

func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("EXPIRE", r.rdb.Expire(ctx, key, ttl).Err())
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap("INCR", err)
	}
	return n, nil
}

func (r *RedisKV) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, wrap("DECR", err)
	}
	return n, nil
}

func (r *RedisKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap("ZADD", r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *RedisKV) ZRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return wrap("ZREM", r.rdb.ZRem(ctx, key, ifaces...).Err())
}

func (r *RedisKV) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := r.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, wrap("ZREMRANGEBYSCORE", err)
	}
	return n, nil
}

func (r *RedisKV) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrap("ZCARD", err)
	}
	return n, nil
}

func (r *RedisKV) ZRangeByScoreWithScores(ctx context.Context, key, min, max string, limit int64) ([]ZMember, error) {
	opt := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		opt.Count = limit
	}
	zs, err := r.rdb.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, wrap("ZRANGEBYSCORE", err)
	}
	members := make([]ZMember, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		members[i] = ZMember{Member: member, Score: z.Score}
	}
	return members, nil
}

func (r *RedisKV) LPush(ctx context.Context, key string, values ...string) error {
	ifaces := make([]interface{}, len(values))
	for i, v := range values {
		ifaces[i] = v
	}
	return wrap("LPUSH", r.rdb.LPush(ctx, key, ifaces...).Err())
}

func (r *RedisKV) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap("LTRIM", r.rdb.LTrim(ctx, key, start, stop).Err())
}

func (r *RedisKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap("LRANGE", err)
	}
	return vals, nil
}

func (r *RedisKV) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", wrap("XADD", err)
	}
	return id, nil
}

func (r *RedisKV) XGroupCreateMkStream(ctx context.Context, stream, group string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil // group already exists
	}
	return wrap("XGROUP CREATE", err)
}

func (r *RedisKV) XReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]StreamMessage, error) {
	// go-redis wants stream names followed by an equal number of IDs.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	// go-redis sends BLOCK 0 (block forever) for a zero duration; a negative
	// Block omits the argument, giving a non-blocking read.
	if block <= 0 {
		block = -1
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timeout, nothing available
		}
		return nil, wrap("XREADGROUP", err)
	}

	var msgs []StreamMessage
	for _, stream := range res {
		for _, m := range stream.Messages {
			msgs = append(msgs, StreamMessage{ID: m.ID, Stream: stream.Stream, Values: m.Values})
		}
	}
	return msgs, nil
}

func (r *RedisKV) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return wrap("XACK", r.rdb.XAck(ctx, stream, group, ids...).Err())
}

func (r *RedisKV) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := r.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, wrap("XLEN", err)
	}
	return n, nil
}

func (r *RedisKV) XDel(ctx context.Context, stream string, ids ...string) (int64, error) {
	n, err := r.rdb.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, wrap("XDEL", err)
	}
	return n, nil
}

func (r *RedisKV) XPendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := r.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, wrap("XPENDING", err)
	}
	return p.Count, nil
}

func (r *RedisKV) XRange(ctx context.Context, stream string, count int64) ([]StreamMessage, error) {
	res, err := r.rdb.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, wrap("XRANGE", err)
	}
	msgs := make([]StreamMessage, len(res))
	for i, m := range res {
		msgs[i] = StreamMessage{ID: m.ID, Stream: stream, Values: m.Values}
	}
	return msgs, nil
}

func (r *RedisKV) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := r.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, wrap("EVAL", err)
	}
	return res, nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return wrap("PING", r.rdb.Ping(ctx).Err())
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

var _ KV = (*RedisKV)(nil)
