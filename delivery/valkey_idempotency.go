package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
)

// Logical-ID builders for the three idempotency namespaces. The enqueue and
// sent sentinels share the caller-assigned message ID; the ingress sentinel
// uses the gateway-assigned inbound ID.
func EgressID(messageID string) string  { return "msg:" + messageID }
func IngressID(gatewayID string) string { return "in:" + gatewayID }
func SentID(messageID string) string    { return "sent:" + messageID }

// ValkeyIdempotencyStore implements set-if-absent sentinels with expiration
// under the wa: namespace.
type ValkeyIdempotencyStore struct {
	client *valkey.Client
}

func NewValkeyIdempotencyStore(client *valkey.Client) *ValkeyIdempotencyStore {
	return &ValkeyIdempotencyStore{client: client}
}

func (s *ValkeyIdempotencyStore) key(logicalID string) string {
	return s.client.Key("wa", logicalID)
}

// Claim performs SET NX EX. True means this caller is the first claimant
// within the TTL window.
func (s *ValkeyIdempotencyStore) Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error) {
	inner := s.client.Inner()
	cmd := inner.B().Set().
		Key(s.key(logicalID)).
		Value("1").
		Nx().
		Ex(ttl).
		Build()

	err := inner.Do(ctx, cmd).Error()
	if err == nil {
		return true, nil
	}
	if valkey.IsNil(err) {
		return false, nil // already claimed
	}
	return false, fmt.Errorf("failed to claim idempotency key %s: %w", logicalID, err)
}

// Seen checks the sentinel without claiming it.
func (s *ValkeyIdempotencyStore) Seen(ctx context.Context, logicalID string) (bool, error) {
	inner := s.client.Inner()
	n, err := inner.Do(ctx, inner.B().Exists().Key(s.key(logicalID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key %s: %w", logicalID, err)
	}
	return n > 0, nil
}
