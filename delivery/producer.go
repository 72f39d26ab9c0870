package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	domain "github.com/medlink-ai/wa-courier/domains/delivery"
)

// Producer is the single write path into an instance's outbound stream. The
// idempotency claim happens before the stream append, so a duplicate submit
// is a cheap no-op that never reaches the queue.
type Producer struct {
	queue domain.Queue
	idem  domain.IdempotencyStore
	ttl   time.Duration
}

func NewProducer(queue domain.Queue, idem domain.IdempotencyStore, idempotencyTTL time.Duration) *Producer {
	return &Producer{queue: queue, idem: idem, ttl: idempotencyTTL}
}

// Enqueue appends msg to its instance's stream. duplicate is true when the
// message ID was already claimed within the TTL window; the caller treats
// that as success.
func (p *Producer) Enqueue(ctx context.Context, msg *domain.OutboundMessage) (entryID string, duplicate bool, err error) {
	if msg.MessageID == "" || msg.Instance == "" || msg.To == "" {
		return "", false, fmt.Errorf("outbound message missing message_id, instance or recipient")
	}

	claimed, err := p.idem.Claim(ctx, EgressID(msg.MessageID), p.ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim message %s: %w", msg.MessageID, err)
	}
	if !claimed {
		logrus.Debugf("[PRODUCER] Duplicate submit for message %s, skipping", msg.MessageID)
		return "", true, nil
	}

	// Group creation is idempotent. Doing it before the append guarantees
	// the entry is born inside the group's visibility window.
	if err := p.queue.EnsureGroup(ctx, msg.Instance); err != nil {
		return "", false, fmt.Errorf("failed to ensure consumer group for %s: %w", msg.Instance, err)
	}

	entryID, err = p.queue.Enqueue(ctx, msg)
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue message %s: %w", msg.MessageID, err)
	}
	logrus.Infof("[PRODUCER] Enqueued message %s for %s as entry %s", msg.MessageID, msg.Instance, entryID)
	return entryID, false, nil
}
