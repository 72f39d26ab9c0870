package inbound

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	pending map[string][]Entry
	acked   map[string][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pending: make(map[string][]Entry),
		acked:   make(map[string][]string),
	}
}

func (s *fakeSource) add(instance string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[instance] = append(s.pending[instance], entry)
}

func (s *fakeSource) EnsureGroup(ctx context.Context, instance string) error { return nil }

func (s *fakeSource) Read(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]Entry, error) {
	s.mu.Lock()
	entries := s.pending[instance]
	s.pending[instance] = nil
	s.mu.Unlock()

	if len(entries) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return entries, nil
}

func (s *fakeSource) AckDelete(ctx context.Context, instance, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[instance] = append(s.acked[instance], entryID)
	return nil
}

func (s *fakeSource) ackedIDs(instance string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked[instance]...)
}

type collectingHandler struct {
	mu     sync.Mutex
	events []*Event
}

func (h *collectingHandler) HandleMessage(ctx context.Context, ev *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *collectingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func encodedEvent(t *testing.T, instance, from, gwID, text string) Entry {
	t.Helper()
	payload, err := json.Marshal(&Event{
		Instance:         instance,
		From:             from,
		Text:             text,
		GatewayMessageID: gwID,
		ReceivedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
	return Entry{ID: gwID + "-entry", Payload: string(payload)}
}

func TestDispatcherRoutesEventsToHandler(t *testing.T) {
	source := newFakeSource()
	source.add("clinic_a", encodedEvent(t, "clinic_a", "5511999990000@s.whatsapp.net", "GW-1", "oi"))
	source.add("clinic_a", encodedEvent(t, "clinic_a", "5511999990000@s.whatsapp.net", "GW-2", "tudo bem?"))

	handler := &collectingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(2, 16)
	pool.Start(ctx)
	defer pool.Stop()

	d := NewDispatcher("server-1", source, pool, handler)
	d.StartInstance(ctx, "clinic_a")

	require.Eventually(t, func() bool { return handler.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"GW-1-entry", "GW-2-entry"}, source.ackedIDs("clinic_a"))

	cancel()
	d.Wait()
}

func TestDispatcherDropsUndecodableEntries(t *testing.T) {
	source := newFakeSource()
	source.add("clinic_a", Entry{ID: "bad-1", Payload: "not json"})
	source.add("clinic_a", encodedEvent(t, "clinic_a", "chat@s.whatsapp.net", "GW-3", "oi"))

	handler := &collectingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, 16)
	pool.Start(ctx)
	defer pool.Stop()

	d := NewDispatcher("server-1", source, pool, handler)
	d.StartInstance(ctx, "clinic_a")

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, source.ackedIDs("clinic_a"), "bad-1", "an undecodable entry is acked so it never wedges the group")

	cancel()
	d.Wait()
}

func TestDispatcherStartInstanceIsIdempotent(t *testing.T) {
	source := newFakeSource()
	handler := &collectingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, 4)
	pool.Start(ctx)
	defer pool.Stop()

	d := NewDispatcher("server-1", source, pool, handler)
	d.StartInstance(ctx, "clinic_a")
	d.StartInstance(ctx, "clinic_a")

	d.mu.Lock()
	running := len(d.cancels)
	d.mu.Unlock()
	assert.Equal(t, 1, running)

	d.StopInstance("clinic_a")
	d.Wait()
}
