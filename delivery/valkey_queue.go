package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	domain "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
)

// GroupName is the single consumer group shared by all workers of an
// instance stream.
const GroupName = "wa_workers"

// ValkeyQueue implements domain.Queue on Valkey streams. One stream and one
// sibling dead-letter stream per instance.
type ValkeyQueue struct {
	client *valkey.Client
	maxLen int64
}

// NewValkeyQueue creates the queue. maxLen caps each stream's length
// (approximate trimming, best effort).
func NewValkeyQueue(client *valkey.Client, maxLen int64) *ValkeyQueue {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &ValkeyQueue{client: client, maxLen: maxLen}
}

func (q *ValkeyQueue) streamKey(instance string) string {
	return q.client.Key("wa", instance, "stream")
}

func (q *ValkeyQueue) dlqKey(instance string) string {
	return q.client.Key("wa", instance, "dlq")
}

// EnsureGroup creates the stream and consumer group if absent. The group
// starts at the tail; entries from before group creation are recovered by
// the claim path.
func (q *ValkeyQueue) EnsureGroup(ctx context.Context, instance string) error {
	inner := q.client.Inner()
	cmd := inner.B().XgroupCreate().
		Key(q.streamKey(instance)).
		Group(GroupName).
		Id("$").
		Mkstream().
		Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create consumer group for %s: %w", instance, err)
	}
	return nil
}

// Enqueue appends one serialised message and returns the entry ID.
func (q *ValkeyQueue) Enqueue(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	payload, err := msg.Encode()
	if err != nil {
		return "", err
	}

	inner := q.client.Inner()
	cmd := inner.B().Xadd().
		Key(q.streamKey(msg.Instance)).
		Maxlen().Almost().Threshold(strconv.FormatInt(q.maxLen, 10)).
		Id("*").
		FieldValue().
		FieldValue(domain.PayloadField, payload).
		Build()

	entryID, err := inner.Do(ctx, cmd).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message %s: %w", msg.MessageID, err)
	}
	return entryID, nil
}

// RegisterConsumer performs a zero-count read so the consumer appears in the
// group's consumer set before its first real delivery. Without this, a fresh
// worker is invisible to XINFO until it happens to receive an entry.
func (q *ValkeyQueue) RegisterConsumer(ctx context.Context, instance, consumer string) error {
	inner := q.client.Inner()
	cmd := inner.B().Xreadgroup().
		Group(GroupName, consumer).
		Count(0).
		Streams().
		Key(q.streamKey(instance)).
		Id(">").
		Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil && !valkey.IsNil(err) {
		return fmt.Errorf("failed to register consumer %s: %w", consumer, err)
	}
	return nil
}

// ReadNew delivers entries not previously assigned to any consumer.
func (q *ValkeyQueue) ReadNew(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]domain.Entry, error) {
	inner := q.client.Inner()
	cmd := inner.B().Xreadgroup().
		Group(GroupName, consumer).
		Count(count).
		Block(block.Milliseconds()).
		Streams().
		Key(q.streamKey(instance)).
		Id(">").
		Build()

	res, err := inner.Do(ctx, cmd).AsXRead()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, nil // block interval elapsed with nothing new
		}
		return nil, fmt.Errorf("failed to read stream for %s: %w", instance, err)
	}

	var entries []domain.Entry
	for _, e := range res[q.streamKey(instance)] {
		entries = append(entries, domain.Entry{ID: e.ID, Raw: e.FieldValues})
	}
	return entries, nil
}

// ClaimOrphans reassigns entries idle longer than minIdle to the caller.
// Older stores answer XAUTOCLAIM with a two-element reply, newer ones add a
// third element of deleted IDs; both shapes are accepted.
func (q *ValkeyQueue) ClaimOrphans(ctx context.Context, instance, consumer string, minIdle time.Duration, cursor string) ([]domain.Entry, string, error) {
	if cursor == "" {
		cursor = "0-0"
	}

	inner := q.client.Inner()
	cmd := inner.B().Xautoclaim().
		Key(q.streamKey(instance)).
		Group(GroupName).
		Consumer(consumer).
		MinIdleTime(strconv.FormatInt(minIdle.Milliseconds(), 10)).
		Start(cursor).
		Count(10).
		Build()

	arr, err := inner.Do(ctx, cmd).ToArray()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, "0-0", nil
		}
		return nil, cursor, fmt.Errorf("failed to autoclaim for %s: %w", instance, err)
	}
	if len(arr) < 2 {
		return nil, "0-0", fmt.Errorf("unexpected autoclaim reply of %d elements", len(arr))
	}

	nextCursor, err := arr[0].ToString()
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to parse autoclaim cursor: %w", err)
	}
	claimed, err := arr[1].AsXRange()
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to parse autoclaim entries: %w", err)
	}

	var entries []domain.Entry
	for _, e := range claimed {
		entries = append(entries, domain.Entry{ID: e.ID, Raw: e.FieldValues})
	}
	return entries, nextCursor, nil
}

// AckDelete acknowledges and then deletes an entry. Called on every
// delivered entry, success or not, so the pending-entries list never grows.
func (q *ValkeyQueue) AckDelete(ctx context.Context, instance, entryID string) error {
	inner := q.client.Inner()
	key := q.streamKey(instance)

	if err := inner.Do(ctx, inner.B().Xack().Key(key).Group(GroupName).Id(entryID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to ack entry %s: %w", entryID, err)
	}
	if err := inner.Do(ctx, inner.B().Xdel().Key(key).Id(entryID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	return nil
}

// MoveToDLQ appends the entry's fields to the dead-letter stream together
// with the final error. DLQ entries are kept for operator inspection only.
func (q *ValkeyQueue) MoveToDLQ(ctx context.Context, instance string, fields map[string]string, finalError string) error {
	inner := q.client.Inner()
	partial := inner.B().Xadd().
		Key(q.dlqKey(instance)).
		Maxlen().Almost().Threshold(strconv.FormatInt(q.maxLen, 10)).
		Id("*").
		FieldValue()
	for f, v := range fields {
		if f == "final_error" {
			continue
		}
		partial = partial.FieldValue(f, v)
	}
	cmd := partial.FieldValue("final_error", finalError).Build()

	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to append to DLQ for %s: %w", instance, err)
	}
	logrus.Warnf("[QUEUE] Entry moved to DLQ for %s: %s", instance, finalError)
	return nil
}

// Depth returns the live stream length.
func (q *ValkeyQueue) Depth(ctx context.Context, instance string) (int64, error) {
	inner := q.client.Inner()
	n, err := inner.Do(ctx, inner.B().Xlen().Key(q.streamKey(instance)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth for %s: %w", instance, err)
	}
	return n, nil
}

// DLQDepth returns the dead-letter stream length.
func (q *ValkeyQueue) DLQDepth(ctx context.Context, instance string) (int64, error) {
	inner := q.client.Inner()
	n, err := inner.Do(ctx, inner.B().Xlen().Key(q.dlqKey(instance)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to read DLQ depth for %s: %w", instance, err)
	}
	return n, nil
}
