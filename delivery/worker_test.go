package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlink-ai/wa-courier/core/config"
	domain "github.com/medlink-ai/wa-courier/domains/delivery"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []domain.Entry
	acked    []string
	dlq      []dlqCall
	enqueued []*domain.OutboundMessage
}

type dlqCall struct {
	fields     map[string]string
	finalError string
}

func (q *fakeQueue) EnsureGroup(ctx context.Context, instance string) error { return nil }

func (q *fakeQueue) RegisterConsumer(ctx context.Context, instance, consumer string) error {
	return nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, msg)
	return "1-1", nil
}

func (q *fakeQueue) ReadNew(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]domain.Entry, error) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	return out, nil
}

func (q *fakeQueue) ClaimOrphans(ctx context.Context, instance, consumer string, minIdle time.Duration, cursor string) ([]domain.Entry, string, error) {
	return nil, "0-0", nil
}

func (q *fakeQueue) AckDelete(ctx context.Context, instance, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, entryID)
	return nil
}

func (q *fakeQueue) MoveToDLQ(ctx context.Context, instance string, fields map[string]string, finalError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, dlqCall{fields: fields, finalError: finalError})
	return nil
}

func (q *fakeQueue) Depth(ctx context.Context, instance string) (int64, error)    { return 0, nil }
func (q *fakeQueue) DLQDepth(ctx context.Context, instance string) (int64, error) { return 0, nil }

func (q *fakeQueue) ackedEntries() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func (q *fakeQueue) enqueuedMessages() []*domain.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.OutboundMessage(nil), q.enqueued...)
}

type fakeGateway struct {
	mu     sync.Mutex
	state  domain.ConnState
	result domain.SendResult
	sends  []string
}

func (g *fakeGateway) SendText(ctx context.Context, instance, to, text string) domain.SendResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, to)
	return g.result
}

func (g *fakeGateway) ConnectionState(ctx context.Context, instance string) domain.ConnState {
	return g.state
}

func (g *fakeGateway) CreateInstance(ctx context.Context, instance, webhookURL string, events []string) error {
	return nil
}

func (g *fakeGateway) DeleteInstance(ctx context.Context, instance string) (bool, error) {
	return true, nil
}

func (g *fakeGateway) FetchAllInstances(ctx context.Context) ([]string, error) { return nil, nil }

func (g *fakeGateway) GetInstanceStatus(ctx context.Context, instance string) (domain.InstanceStatus, error) {
	return domain.InstanceStatus{Exists: true, Status: "open"}, nil
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

type fakeLimiter struct{}

func (fakeLimiter) TryTake(ctx context.Context, instance string) (bool, error) { return true, nil }
func (fakeLimiter) WaitForToken(ctx context.Context, instance string)          {}

type fakeIdem struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeIdem() *fakeIdem { return &fakeIdem{claimed: make(map[string]bool)} }

func (s *fakeIdem) Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[logicalID] {
		return false, nil
	}
	s.claimed[logicalID] = true
	return true, nil
}

func (s *fakeIdem) Seen(ctx context.Context, logicalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed[logicalID], nil
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		MaxDeliveries:  5,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ClaimIdle:      15 * time.Second,
		ReadBlock:      5 * time.Millisecond,
		ReadCount:      10,
		IdempotencyTTL: time.Hour,
	}
}

func newTestWorker(q *fakeQueue, g *fakeGateway, idem *fakeIdem) *Worker {
	return NewWorker("clinic_a", "srv-1", q, fakeLimiter{}, g, idem, testDeliveryConfig(), nil)
}

func encodedEntry(t *testing.T, msg *domain.OutboundMessage) domain.Entry {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	return domain.Entry{ID: "10-0", Raw: map[string]string{domain.PayloadField: payload}}
}

func TestProcessDeliversAndAcks(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen, result: domain.SendResult{OK: true, Status: 200}}
	idem := newFakeIdem()
	w := newTestWorker(q, g, idem)

	msg := domain.NewOutboundMessage("msg-1", "clinic_a", "5511999990000@s.whatsapp.net", "hello", nil)
	w.process(context.Background(), encodedEntry(t, msg))

	assert.Equal(t, 1, g.sendCount())
	assert.Equal(t, []string{"10-0"}, q.ackedEntries())

	sent, err := idem.Seen(context.Background(), SentID("msg-1"))
	require.NoError(t, err)
	assert.True(t, sent, "successful send must record the sent sentinel")
}

func TestProcessSkipsAlreadySentMessage(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen, result: domain.SendResult{OK: true, Status: 200}}
	idem := newFakeIdem()
	_, err := idem.Claim(context.Background(), SentID("msg-1"), time.Hour)
	require.NoError(t, err)
	w := newTestWorker(q, g, idem)

	msg := domain.NewOutboundMessage("msg-1", "clinic_a", "5511999990000@s.whatsapp.net", "hello", nil)
	w.process(context.Background(), encodedEntry(t, msg))

	assert.Zero(t, g.sendCount(), "redelivery of a sent message must not hit the gateway")
	assert.Equal(t, []string{"10-0"}, q.ackedEntries())
}

func TestProcessParseErrorMovesToDLQ(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen}
	w := newTestWorker(q, g, newFakeIdem())

	entry := domain.Entry{ID: "10-0", Raw: map[string]string{domain.PayloadField: "{not json"}}
	w.process(context.Background(), entry)

	require.Len(t, q.dlq, 1)
	assert.Equal(t, "parse_error", q.dlq[0].finalError)
	assert.Equal(t, "{not json", q.dlq[0].fields[domain.PayloadField])
	assert.Equal(t, []string{"10-0"}, q.ackedEntries())
	assert.Zero(t, g.sendCount())
}

func TestProcessRetriesOnGatewayFailure(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen, result: domain.SendResult{OK: false, Status: 500}}
	w := newTestWorker(q, g, newFakeIdem())

	msg := domain.NewOutboundMessage("msg-1", "clinic_a", "5511999990000@s.whatsapp.net", "hello", nil)
	w.process(context.Background(), encodedEntry(t, msg))

	assert.Equal(t, []string{"10-0"}, q.ackedEntries(), "failed entry must be acked before requeue")
	requeued := q.enqueuedMessages()
	require.Len(t, requeued, 1)
	assert.Equal(t, 1, requeued[0].Attempts)
	assert.Equal(t, "msg-1", requeued[0].MessageID)
	assert.Empty(t, q.dlq)
}

func TestProcessRetriesWhenConnectionClosed(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnClosed, result: domain.SendResult{OK: true, Status: 200}}
	w := newTestWorker(q, g, newFakeIdem())

	msg := domain.NewOutboundMessage("msg-1", "clinic_a", "5511999990000@s.whatsapp.net", "hello", nil)
	w.process(context.Background(), encodedEntry(t, msg))

	assert.Zero(t, g.sendCount(), "closed connection must skip the send entirely")
	require.Len(t, q.enqueuedMessages(), 1)
}

func TestRetryExhaustionMovesToDLQ(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen, result: domain.SendResult{OK: false, Status: 503}}
	w := newTestWorker(q, g, newFakeIdem())

	msg := domain.NewOutboundMessage("msg-1", "clinic_a", "5511999990000@s.whatsapp.net", "hello", nil)
	msg.Attempts = 4
	w.process(context.Background(), encodedEntry(t, msg))

	require.Len(t, q.dlq, 1)
	assert.Equal(t, "gateway_status_503", q.dlq[0].finalError)
	assert.Empty(t, q.enqueuedMessages())

	dead, err := domain.DecodeOutboundMessage(q.dlq[0].fields[domain.PayloadField])
	require.NoError(t, err)
	assert.Equal(t, 5, dead.Attempts, "dead-lettered payload carries the final attempt count")
}

func TestRetryPreservesUnknownPayloadFields(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen, result: domain.SendResult{OK: false, Status: 500}}
	w := newTestWorker(q, g, newFakeIdem())

	payload := `{"message_id":"msg-1","instance":"clinic_a","to":"5511999990000@s.whatsapp.net","text":"hi","attempts":0,"priority":"high"}`
	entry := domain.Entry{ID: "10-0", Raw: map[string]string{domain.PayloadField: payload}}
	w.process(context.Background(), entry)

	requeued := q.enqueuedMessages()
	require.Len(t, requeued, 1)
	encoded, err := requeued[0].Encode()
	require.NoError(t, err)
	assert.Contains(t, encoded, `"priority":"high"`)
}

func TestWorkerRunDrainsStreamUntilCancelled(t *testing.T) {
	q := &fakeQueue{}
	g := &fakeGateway{state: domain.ConnOpen, result: domain.SendResult{OK: true, Status: 200}}
	w := newTestWorker(q, g, newFakeIdem())

	msgA := domain.NewOutboundMessage("msg-a", "clinic_a", "111@s.whatsapp.net", "a", nil)
	msgB := domain.NewOutboundMessage("msg-b", "clinic_a", "222@s.whatsapp.net", "b", nil)
	payloadA, err := msgA.Encode()
	require.NoError(t, err)
	payloadB, err := msgB.Encode()
	require.NoError(t, err)
	q.pending = []domain.Entry{
		{ID: "1-0", Raw: map[string]string{domain.PayloadField: payloadA}},
		{ID: "2-0", Raw: map[string]string{domain.PayloadField: payloadB}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return g.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	assert.ElementsMatch(t, []string{"1-0", "2-0"}, q.ackedEntries())
}

func TestBackoffDelayStaysWithinJitterBounds(t *testing.T) {
	base := 2 * time.Second
	cap := 60 * time.Second
	bounds := []struct {
		attempts int
		min, max time.Duration
	}{
		{1, 1500 * time.Millisecond, 2500 * time.Millisecond},
		{2, 3 * time.Second, 5 * time.Second},
		{3, 6 * time.Second, 10 * time.Second},
		{4, 12 * time.Second, 20 * time.Second},
		{5, 24 * time.Second, 40 * time.Second},
		{10, 45 * time.Second, 75 * time.Second}, // capped at 60s before jitter
	}

	for _, b := range bounds {
		for i := 0; i < 100; i++ {
			d := backoffDelay(base, cap, b.attempts)
			assert.GreaterOrEqual(t, d, b.min, "attempt %d", b.attempts)
			assert.LessOrEqual(t, d, b.max, "attempt %d", b.attempts)
		}
	}
}
