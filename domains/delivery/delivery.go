package delivery

import (
	"context"
	"time"
)

// Entry is one stream entry as delivered by the consumer group. Raw keeps the
// original field map so unparseable payloads can still be moved to the DLQ.
type Entry struct {
	ID  string
	Raw map[string]string
}

// ConnState mirrors the connection states reported by the upstream gateway.
type ConnState string

const (
	ConnOpen       ConnState = "open"
	ConnConnecting ConnState = "connecting"
	ConnClosed     ConnState = "closed"
	ConnUnknown    ConnState = "unknown"
)

// SendResult is the typed outcome of a gateway send. The retry policy is a
// pure function of the result kind and the attempt count.
type SendResult struct {
	OK     bool
	Status int
	Err    error
}

// Transient reports whether the failure is worth retrying. The Evolution
// gateway returns 4xx for conditions that clear on reconnect, so every
// non-2xx result stays retryable up to the delivery cap.
func (r SendResult) Transient() bool {
	return !r.OK
}

// InstanceStatus is the upstream view of a single instance.
type InstanceStatus struct {
	Exists bool
	Status string
}

// Gateway is the thin client for the upstream Evolution API. Implementations
// carry no retry logic; retries belong to the worker so that backoff
// interacts correctly with rate limiting and idempotency.
type Gateway interface {
	SendText(ctx context.Context, instance, to, text string) SendResult
	ConnectionState(ctx context.Context, instance string) ConnState
	CreateInstance(ctx context.Context, instance, webhookURL string, events []string) error
	DeleteInstance(ctx context.Context, instance string) (existed bool, err error)
	FetchAllInstances(ctx context.Context) ([]string, error)
	GetInstanceStatus(ctx context.Context, instance string) (InstanceStatus, error)
}

// Queue is the per-instance durable stream with consumer-group semantics.
type Queue interface {
	EnsureGroup(ctx context.Context, instance string) error
	// Enqueue appends one serialised message and returns the store-assigned
	// entry ID. It does not deduplicate; callers gate through the
	// idempotency store first.
	Enqueue(ctx context.Context, msg *OutboundMessage) (string, error)
	ReadNew(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]Entry, error)
	ClaimOrphans(ctx context.Context, instance, consumer string, minIdle time.Duration, cursor string) ([]Entry, string, error)
	// AckDelete acknowledges and deletes an entry in one shot. Workers call
	// it both on success and before requeueing to keep the PEL clean.
	AckDelete(ctx context.Context, instance, entryID string) error
	MoveToDLQ(ctx context.Context, instance string, fields map[string]string, finalError string) error
	Depth(ctx context.Context, instance string) (int64, error)
	DLQDepth(ctx context.Context, instance string) (int64, error)
}

// RateLimiter is the shared per-instance token bucket.
type RateLimiter interface {
	TryTake(ctx context.Context, instance string) (bool, error)
	// WaitForToken blocks until a token is available or the context ends.
	// It never returns an error; limiter outages degrade to backoff sleeps.
	WaitForToken(ctx context.Context, instance string)
}

// IdempotencyStore rejects duplicate logical operations within a TTL window.
type IdempotencyStore interface {
	// Claim returns true iff this caller is the first claimant of logicalID
	// within the TTL window.
	Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error)
	// Seen reports whether logicalID is already claimed, without claiming.
	Seen(ctx context.Context, logicalID string) (bool, error)
}
