// Package kvstore abstracts the key/value + streams service every other
// component talks to: atomic counters, TTL'd keys, sorted sets, streams with
// consumer groups, and server-side scripted transactions.
//
// Components depend on the KV interface, not on a concrete driver; cmd/server
// constructs the go-redis adapter and injects it.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist. It is a logic
// condition, not a transport failure.
var ErrNotFound = errors.New("kvstore: key not found")

// TransportError wraps a network/connection-level failure. Callers may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("kvstore: transport error in %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LogicError wraps a command-level failure (bad arguments, wrong type, script
// errors). Retrying will not help.
type LogicError struct {
	Op  string
	Err error
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("kvstore: logic error in %s: %v", e.Op, e.Err)
}

func (e *LogicError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StreamMessage is one entry read from a stream.
type StreamMessage struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// ZMember pairs a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// KV is the capability surface required by the platform. All operations honor
// context cancellation.
type KV interface {
	// Plain keys
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Counters
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScoreWithScores(ctx context.Context, key, min, max string, limit int64) ([]ZMember, error)

	// Lists (timing history)
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Streams
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	XGroupCreateMkStream(ctx context.Context, stream, group string) error
	// XReadGroup reads new messages for the group. A block duration <= 0
	// performs a non-blocking read.
	XReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XLen(ctx context.Context, stream string) (int64, error)
	XDel(ctx context.Context, stream string, ids ...string) (int64, error)
	XPendingCount(ctx context.Context, stream, group string) (int64, error)
	XRange(ctx context.Context, stream string, count int64) ([]StreamMessage, error)

	// Eval runs a server-side script as one atomic transaction.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	Ping(ctx context.Context) error
	Close() error
}
