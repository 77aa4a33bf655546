// Package queue implements the priority job queue on KV streams. Four
// priority streams plus a dead-letter stream, a delayed zset with a
// single-flight promoter, and consumer-group dequeue in strict priority
// order. Delivery is at-least-once; dedupe keys collapse duplicate enqueues
// and the idempotency layer handles redelivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/kvstore"
)

const (
	streamEmergency = "jobs:stream:emergency"
	streamHigh      = "jobs:stream:high"
	streamNormal    = "jobs:stream:normal"
	streamLow       = "jobs:stream:low"
	streamDLQ       = "jobs:stream:dlq"

	delayedKey = "jobs:delayed"

	dedupeTTL = 24 * time.Hour
)

// priorityStreams in strict dequeue order, highest first.
var priorityStreams = []string{streamEmergency, streamHigh, streamNormal, streamLow}

func streamFor(p core.Priority) string {
	return priorityStreams[int(p.Clamp())]
}

// Message is a claimed queue entry.
type Message struct {
	JobID    string
	Priority core.Priority
	Domain   string
	StreamID string
	Stream   string
}

// RetryInfo annotates a requeued retry so consumers can see how a job got
// back on the stream.
type RetryInfo struct {
	Count         int
	LastErrorType string
}

// StreamStats describes one stream's depth.
type StreamStats struct {
	Length  int64 `json:"length"`
	Pending int64 `json:"pending"`
}

// Stats is the full queue picture returned by GetStats.
type Stats struct {
	Streams map[string]StreamStats `json:"streams"`
	Delayed int64                  `json:"delayed"`
	DLQ     int64                  `json:"dlq"`
}

// Manager is the priority queue.
type Manager struct {
	kv       kvstore.KV
	group    string
	consumer string
	now      func() time.Time
}

// NewManager creates the queue manager and its consumer group on every
// priority stream (idempotent).
func NewManager(ctx context.Context, kv kvstore.KV, group, consumer string) (*Manager, error) {
	m := &Manager{kv: kv, group: group, consumer: consumer, now: time.Now}
	for _, stream := range priorityStreams {
		if err := kv.XGroupCreateMkStream(ctx, stream, group); err != nil {
			return nil, fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
	}
	return m, nil
}

// Enqueue appends the job to its priority stream. When dedupeKey is set and a
// live dedupe entry exists, the stored message id is returned and no append
// happens; within the TTL at most one stream entry exists per dedupe key.
func (m *Manager) Enqueue(ctx context.Context, jobID string, priority core.Priority, domain, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		existing, err := m.kv.Get(ctx, "dedupe:"+dedupeKey)
		if err == nil {
			slog.Debug("[Queue] Dedupe hit", "job_id", jobID, "dedupe_key", dedupeKey)
			return existing, nil
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			return "", fmt.Errorf("dedupe check %s: %w", dedupeKey, err)
		}
	}

	msgID, err := m.append(ctx, jobID, priority, domain, nil)
	if err != nil {
		return "", err
	}

	if dedupeKey != "" {
		if err := m.kv.Set(ctx, "dedupe:"+dedupeKey, msgID, dedupeTTL); err != nil {
			// The entry is already in the stream; a lost dedupe marker only
			// weakens dedupe, so log and keep going.
			slog.Error("[Queue] Dedupe marker write failed", "dedupe_key", dedupeKey, "error", err)
		}
	}
	return msgID, nil
}

func (m *Manager) append(ctx context.Context, jobID string, priority core.Priority, domain string, retry *RetryInfo) (string, error) {
	stream := streamFor(priority)
	values := map[string]interface{}{
		"job_id":      jobID,
		"priority":    int(priority.Clamp()),
		"domain":      domain,
		"enqueued_at": m.now().Unix(),
	}
	if retry != nil {
		values["retry_count"] = retry.Count
		values["last_error_type"] = retry.LastErrorType
	}
	msgID, err := m.kv.XAdd(ctx, stream, values)
	if err != nil {
		return "", fmt.Errorf("enqueue %s to %s: %w", jobID, stream, err)
	}
	slog.Info("[Queue] Enqueued", "job_id", jobID, "stream", stream, "msg_id", msgID)
	return msgID, nil
}

// Dequeue claims the next message for the named group consumer, scanning
// streams in strict priority order. It first drains without blocking; if
// everything is empty it blocks on all four streams for up to timeout and
// picks the highest-priority result. The claim is acknowledged before
// returning, so delivery is at-least-once. An empty consumer falls back to
// the manager's default.
func (m *Manager) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Message, error) {
	if consumer == "" {
		consumer = m.consumer
	}
	for _, stream := range priorityStreams {
		msg, err := m.readOne(ctx, consumer, []string{stream}, 0)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}

	// All empty: block across every stream and take the best of what arrives.
	return m.readOne(ctx, consumer, priorityStreams, timeout)
}

func (m *Manager) readOne(ctx context.Context, consumer string, streams []string, block time.Duration) (*Message, error) {
	raw, err := m.kv.XReadGroup(ctx, m.group, consumer, streams, 1, block)
	if err != nil {
		return nil, fmt.Errorf("dequeue read: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	best := pickHighestPriority(raw)
	msg := &Message{
		JobID:    stringField(best.Values, "job_id"),
		Domain:   stringField(best.Values, "domain"),
		Priority: core.Priority(intField(best.Values, "priority")),
		StreamID: best.ID,
		Stream:   best.Stream,
	}
	if err := m.kv.XAck(ctx, best.Stream, m.group, best.ID); err != nil {
		return nil, fmt.Errorf("ack %s on %s: %w", best.ID, best.Stream, err)
	}

	// Anything claimed beyond the winner goes straight back on its stream.
	for _, other := range raw {
		if other.ID == best.ID && other.Stream == best.Stream {
			continue
		}
		if err := m.kv.XAck(ctx, other.Stream, m.group, other.ID); err != nil {
			slog.Error("[Queue] Reclaim ack failed", "msg_id", other.ID, "error", err)
			continue
		}
		if _, err := m.kv.XAdd(ctx, other.Stream, other.Values); err != nil {
			slog.Error("[Queue] Reclaim requeue failed", "msg_id", other.ID, "error", err)
		}
	}
	return msg, nil
}

func pickHighestPriority(msgs []kvstore.StreamMessage) kvstore.StreamMessage {
	rank := func(stream string) int {
		for i, s := range priorityStreams {
			if s == stream {
				return i
			}
		}
		return len(priorityStreams)
	}
	best := msgs[0]
	for _, msg := range msgs[1:] {
		if rank(msg.Stream) < rank(best.Stream) {
			best = msg
		}
	}
	return best
}

// Requeue puts a job back on its stream, optionally after a delay. Delayed
// jobs sit in a sorted set until the promoter moves them. retry, when set,
// annotates the resulting message with retry_count and last_error_type.
func (m *Manager) Requeue(ctx context.Context, jobID string, priority core.Priority, domain string, delay time.Duration, retry *RetryInfo) error {
	if delay <= 0 {
		_, err := m.append(ctx, jobID, priority, domain, retry)
		return err
	}

	due := m.now().Add(delay).Unix()
	member := fmt.Sprintf("%s|%d|%s", jobID, int(priority.Clamp()), domain)
	if retry != nil {
		member = fmt.Sprintf("%s|%d|%s", member, retry.Count, retry.LastErrorType)
	}
	if err := m.kv.ZAdd(ctx, delayedKey, float64(due), member); err != nil {
		return fmt.Errorf("requeue delayed %s: %w", jobID, err)
	}
	slog.Info("[Queue] Delayed requeue", "job_id", jobID, "delay_s", int(delay.Seconds()))
	return nil
}

// RouteToDLQ appends the job to the dead-letter stream. DLQ entries are never
// dequeued by workers; operators drain them by hand.
func (m *Manager) RouteToDLQ(ctx context.Context, jobID, reason string) error {
	_, err := m.kv.XAdd(ctx, streamDLQ, map[string]interface{}{
		"job_id":    jobID,
		"reason":    reason,
		"failed_at": m.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("route to dlq %s: %w", jobID, err)
	}
	slog.Warn("[Queue] Routed to DLQ", "job_id", jobID, "reason", reason)
	return nil
}

// GetStats reports per-stream length and pending counts plus the delayed and
// DLQ depths.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Streams: map[string]StreamStats{}}
	for _, stream := range priorityStreams {
		length, err := m.kv.XLen(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("stats xlen %s: %w", stream, err)
		}
		pending, err := m.kv.XPendingCount(ctx, stream, m.group)
		if err != nil {
			return nil, fmt.Errorf("stats xpending %s: %w", stream, err)
		}
		stats.Streams[stream] = StreamStats{Length: length, Pending: pending}
	}

	delayed, err := m.kv.ZCard(ctx, delayedKey)
	if err != nil {
		return nil, fmt.Errorf("stats delayed: %w", err)
	}
	stats.Delayed = delayed

	dlq, err := m.kv.XLen(ctx, streamDLQ)
	if err != nil {
		return nil, fmt.Errorf("stats dlq: %w", err)
	}
	stats.DLQ = dlq
	return stats, nil
}

// GetDepth sums the lengths of all non-DLQ streams.
func (m *Manager) GetDepth(ctx context.Context) (int64, error) {
	var depth int64
	for _, stream := range priorityStreams {
		length, err := m.kv.XLen(ctx, stream)
		if err != nil {
			return 0, fmt.Errorf("depth xlen %s: %w", stream, err)
		}
		depth += length
	}
	return depth, nil
}

// removeScanLimit bounds how many entries per stream Remove inspects.
const removeScanLimit = 1000

// Remove deletes every queued entry for the job across the priority streams
// and the delayed set. Used for cancellation; already-claimed messages are
// not recalled.
func (m *Manager) Remove(ctx context.Context, jobID string) (int, error) {
	removed := 0
	for _, stream := range priorityStreams {
		msgs, err := m.kv.XRange(ctx, stream, removeScanLimit)
		if err != nil {
			return removed, fmt.Errorf("remove scan %s: %w", stream, err)
		}
		for _, msg := range msgs {
			if stringField(msg.Values, "job_id") != jobID {
				continue
			}
			if _, err := m.kv.XDel(ctx, stream, msg.ID); err != nil {
				return removed, fmt.Errorf("remove xdel %s: %w", msg.ID, err)
			}
			removed++
		}
	}

	// Delayed members embed the job id as their first segment.
	members, err := m.kv.ZRangeByScoreWithScores(ctx, delayedKey, "-inf", "+inf", 0)
	if err != nil {
		return removed, fmt.Errorf("remove delayed scan: %w", err)
	}
	for _, member := range members {
		if id, _, _, _ := splitDelayedMember(member.Member); id == jobID {
			if err := m.kv.ZRem(ctx, delayedKey, member.Member); err != nil {
				return removed, fmt.Errorf("remove delayed %s: %w", jobID, err)
			}
			removed++
		}
	}
	if removed > 0 {
		slog.Info("[Queue] Removed", "job_id", jobID, "entries", removed)
	}
	return removed, nil
}

func stringField(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

func intField(values map[string]interface{}, key string) int {
	switch v := values[key].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
