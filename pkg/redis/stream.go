package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one durable, ordered, replayable record on the activity
// stream. Values carry the flattened event fields written by the ingestor.
type StreamEntry struct {
	ID     string
	Values map[string]any
}

// PendingEntry describes an unacknowledged stream entry owned by a consumer.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// EnsureGroup creates the consumer group at the start of the stream, creating
// the stream itself if needed. Re-creating an existing group is a no-op.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if c.raw == nil {
		return errors.New("redis client not initialized")
	}
	err := c.raw.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// StreamAppend appends one entry and returns its stream-assigned ID. MaxLen is
// approximate trimming; zero disables it.
func (c *Client) StreamAppend(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	if c.raw == nil {
		return "", errors.New("redis client not initialized")
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return c.raw.XAdd(ctx, args).Result()
}

// ReadGroup block-reads up to count undelivered entries for the consumer.
// A nil slice with no error means the block timeout elapsed with no entries.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	res, err := c.raw.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []StreamEntry
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

// Ack acknowledges entries for the group so they leave the pending list.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if c.raw == nil {
		return errors.New("redis client not initialized")
	}
	if len(ids) == 0 {
		return nil
	}
	return c.raw.XAck(ctx, stream, group, ids...).Err()
}

// ListPending returns up to count pending entries idle for at least minIdle.
func (c *Client) ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	res, err := c.raw.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		entries = append(entries, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// AutoClaim transfers ownership of entries pending longer than minIdle to the
// given consumer and returns them for reprocessing.
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	msgs, _, err := c.raw.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}

// Trim caps the stream at approximately maxLen entries (retention policy).
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) (int64, error) {
	if c.raw == nil {
		return 0, errors.New("redis client not initialized")
	}
	return c.raw.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Result()
}
