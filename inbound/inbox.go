package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
)

// GroupName is the consumer group on every instance inbox stream.
const GroupName = "wa_inbound"

const payloadField = "event"

// Entry is one inbox stream entry. Payload is the serialized Event.
type Entry struct {
	ID      string
	Payload string
}

// Inbox is the durable hand-off between webhook intake and the dispatch
// pool. One stream per instance; the webhook endpoint only appends, the
// worker process consumes.
type Inbox struct {
	client *valkey.Client
	maxLen int64
}

func NewInbox(client *valkey.Client, maxLen int64) *Inbox {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Inbox{client: client, maxLen: maxLen}
}

func (b *Inbox) key(instance string) string {
	return b.client.Key("wa", instance, "inbox")
}

// Enqueue appends one event and returns the entry ID.
func (b *Inbox) Enqueue(ctx context.Context, ev *Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode inbound event %s: %w", ev.GatewayMessageID, err)
	}

	inner := b.client.Inner()
	cmd := inner.B().Xadd().
		Key(b.key(ev.Instance)).
		Maxlen().Almost().Threshold(strconv.FormatInt(b.maxLen, 10)).
		Id("*").
		FieldValue().
		FieldValue(payloadField, string(payload)).
		Build()

	entryID, err := inner.Do(ctx, cmd).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue inbound event %s: %w", ev.GatewayMessageID, err)
	}
	return entryID, nil
}

// EnsureGroup creates the inbox stream and consumer group if absent.
func (b *Inbox) EnsureGroup(ctx context.Context, instance string) error {
	inner := b.client.Inner()
	cmd := inner.B().XgroupCreate().
		Key(b.key(instance)).
		Group(GroupName).
		Id("$").
		Mkstream().
		Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("failed to create inbox group for %s: %w", instance, err)
	}
	return nil
}

// Read delivers entries not previously assigned to any consumer.
func (b *Inbox) Read(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]Entry, error) {
	inner := b.client.Inner()
	cmd := inner.B().Xreadgroup().
		Group(GroupName, consumer).
		Count(count).
		Block(block.Milliseconds()).
		Streams().
		Key(b.key(instance)).
		Id(">").
		Build()

	res, err := inner.Do(ctx, cmd).AsXRead()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read inbox for %s: %w", instance, err)
	}

	var entries []Entry
	for _, e := range res[b.key(instance)] {
		entries = append(entries, Entry{ID: e.ID, Payload: e.FieldValues[payloadField]})
	}
	return entries, nil
}

// AckDelete acknowledges and then deletes an entry.
func (b *Inbox) AckDelete(ctx context.Context, instance, entryID string) error {
	inner := b.client.Inner()
	key := b.key(instance)

	if err := inner.Do(ctx, inner.B().Xack().Key(key).Group(GroupName).Id(entryID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to ack inbox entry %s: %w", entryID, err)
	}
	if err := inner.Do(ctx, inner.B().Xdel().Key(key).Id(entryID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete inbox entry %s: %w", entryID, err)
	}
	return nil
}

// Depth returns the inbox stream length.
func (b *Inbox) Depth(ctx context.Context, instance string) (int64, error) {
	inner := b.client.Inner()
	n, err := inner.Do(ctx, inner.B().Xlen().Key(b.key(instance)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox depth for %s: %w", instance, err)
	}
	return n, nil
}

// DecodeEvent parses a serialized inbox payload.
func DecodeEvent(payload string) (*Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode inbound event: %w", err)
	}
	if ev.Instance == "" || ev.GatewayMessageID == "" {
		return nil, fmt.Errorf("inbound event missing instance or gateway message id")
	}
	return &ev, nil
}
