package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream as a member of a consumer group.
type Consumer struct {
	client *redis.Client
	stream string
	group  string
	name   string
}

// Message is a consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
	// Deliveries is how often the group has handed this entry to a consumer,
	// counting the current delivery.
	Deliveries int64
}

// NewConsumer builds a consumer for the given stream, group and name.
func NewConsumer(client *redis.Client, stream, group, name string) *Consumer {
	return &Consumer{client: client, stream: stream, group: group, name: name}
}

// EnsureGroup creates the consumer group (and stream) if it does not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c.stream == "" || c.group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Read pulls new messages, blocking up to block when the stream is empty.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	if c.name == "" {
		return nil, fmt.Errorf("consumer name must be configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}

	streams, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			// redis restarted without persistence or the stream was deleted
			return nil, c.EnsureGroup(ctx)
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, st := range streams {
		for _, msg := range st.Messages {
			if decoded, ok := c.decodeMessage(ctx, msg); ok {
				decoded.Deliveries = 1
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

// AutoClaim takes over messages left pending by other consumers for longer
// than minIdle and reports how often each has been delivered. The returned
// cursor continues the scan on the next call.
func (c *Consumer) AutoClaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if start == "" {
		start = "0-0"
	}
	args := &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if decoded, ok := c.decodeMessage(ctx, msg); ok {
			out = append(out, decoded)
		}
	}
	for i := range out {
		n, err := c.deliveries(ctx, out[i].ID)
		if err != nil {
			// the entries stay pending and are claimed again after minIdle
			return nil, "", err
		}
		out[i].Deliveries = n
	}
	return out, next, nil
}

// deliveries reads the group's delivery counter for one pending entry. The
// counter includes the claim that just happened.
func (c *Consumer) deliveries(ctx context.Context, id string) (int64, error) {
	entries, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("xpendingext: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// Ack acknowledges processing of the given message ids.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// decodeMessage acks and drops entries that can never be processed.
func (c *Consumer) decodeMessage(ctx context.Context, msg redis.XMessage) (Message, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		c.drop(ctx, msg.ID, "missing envelope field")
		return Message{}, false
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			c.drop(ctx, msg.ID, err.Error())
			return Message{}, false
		}
		data = encoded
	}

	env, err := UnmarshalEnvelope(data)
	if err != nil {
		c.drop(ctx, msg.ID, err.Error())
		return Message{}, false
	}
	return Message{ID: msg.ID, Envelope: env}, true
}

func (c *Consumer) drop(ctx context.Context, id, reason string) {
	log.Printf("queue: dropping malformed entry %s from %s: %s", id, c.stream, reason)
	_ = c.client.XAck(ctx, c.stream, c.group, id).Err()
}
