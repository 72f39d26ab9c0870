package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/core/config"
	domain "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/pkg/metrics"
)

// Queue extends the domain queue with the consumer-registration read the
// worker performs on startup.
type Queue interface {
	domain.Queue
	RegisterConsumer(ctx context.Context, instance, consumer string) error
}

// Worker consumes one instance's outbound stream. Multiple workers per
// instance are supported through the consumer group; coordination happens
// entirely in the store.
type Worker struct {
	instance string
	consumer string
	queue    Queue
	limiter  domain.RateLimiter
	gateway  domain.Gateway
	idem     domain.IdempotencyStore
	cfg      config.DeliveryConfig
	metrics  *metrics.Delivery
}

func NewWorker(instance, consumer string, queue Queue, limiter domain.RateLimiter, gateway domain.Gateway, idem domain.IdempotencyStore, cfg config.DeliveryConfig, m *metrics.Delivery) *Worker {
	return &Worker{
		instance: instance,
		consumer: consumer,
		queue:    queue,
		limiter:  limiter,
		gateway:  gateway,
		idem:     idem,
		cfg:      cfg,
		metrics:  m,
	}
}

// Run blocks until ctx is cancelled. The loop body absorbs every error:
// the worker logs, sleeps briefly and carries on, never exiting the process.
func (w *Worker) Run(ctx context.Context) {
	if err := w.queue.EnsureGroup(ctx, w.instance); err != nil {
		logrus.WithError(err).Errorf("[WORKER] Failed to ensure group for %s", w.instance)
	}
	if err := w.queue.RegisterConsumer(ctx, w.instance, w.consumer); err != nil {
		logrus.WithError(err).Warnf("[WORKER] Failed to register consumer for %s", w.instance)
	}
	logrus.Infof("[WORKER] Started for instance %s as consumer %s", w.instance, w.consumer)

	for ctx.Err() == nil {
		w.runOnce(ctx)
	}
	logrus.Infof("[WORKER] Stopped for instance %s", w.instance)
}

func (w *Worker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[WORKER] Panic in loop for %s: %v", w.instance, r)
			sleepCtx(ctx, time.Second)
		}
	}()

	// Orphans first: entries claimed by a dead consumer must not starve
	// behind fresh traffic.
	entries, _, err := w.queue.ClaimOrphans(ctx, w.instance, w.consumer, w.cfg.ClaimIdle, "0-0")
	if err != nil {
		logrus.WithError(err).Errorf("[WORKER] Claim failed for %s", w.instance)
		sleepCtx(ctx, time.Second)
		return
	}

	if len(entries) == 0 {
		entries, err = w.queue.ReadNew(ctx, w.instance, w.consumer, int64(w.cfg.ReadCount), w.cfg.ReadBlock)
		if err != nil {
			logrus.WithError(err).Errorf("[WORKER] Read failed for %s", w.instance)
			sleepCtx(ctx, time.Second)
			return
		}
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			// Shutdown between entries: unacked deliveries stay on the
			// PEL and are recovered by the next claim pass.
			return
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry domain.Entry) {
	msg, err := domain.DecodeOutboundMessage(entry.Raw[domain.PayloadField])
	if err != nil {
		logrus.WithError(err).Warnf("[WORKER] Dropping unparseable entry %s for %s", entry.ID, w.instance)
		if dlqErr := w.queue.MoveToDLQ(ctx, w.instance, entry.Raw, "parse_error"); dlqErr != nil {
			logrus.WithError(dlqErr).Errorf("[WORKER] DLQ append failed for entry %s", entry.ID)
		}
		w.ackDelete(ctx, entry.ID)
		w.countProcessed("dropped")
		w.countDLQ("parse_error")
		return
	}

	// A crash after a successful send but before the ack leaves the entry
	// redeliverable; the sent sentinel stops the second send.
	if seen, seenErr := w.idem.Seen(ctx, SentID(msg.MessageID)); seenErr == nil && seen {
		logrus.Debugf("[WORKER] Message %s already sent, acking redelivery", msg.MessageID)
		w.ackDelete(ctx, entry.ID)
		w.countProcessed("duplicate")
		return
	}

	w.limiter.WaitForToken(ctx, w.instance)
	if ctx.Err() != nil {
		return
	}

	if state := w.gateway.ConnectionState(ctx, w.instance); state != domain.ConnOpen {
		w.retry(ctx, entry, msg, fmt.Sprintf("connection_state=%s", state))
		return
	}

	res := w.gateway.SendText(ctx, msg.Instance, msg.To, msg.Text)
	if res.OK {
		if _, claimErr := w.idem.Claim(ctx, SentID(msg.MessageID), w.cfg.IdempotencyTTL); claimErr != nil {
			logrus.WithError(claimErr).Warnf("[WORKER] Failed to record sent sentinel for %s", msg.MessageID)
		}
		w.ackDelete(ctx, entry.ID)
		w.countProcessed("delivered")
		logrus.Infof("[WORKER] Delivered %s to %s on %s (attempt %d)", msg.MessageID, msg.To, w.instance, msg.Attempts+1)
		return
	}

	w.retry(ctx, entry, msg, sendFailureReason(res))
}

// retry applies the backoff policy: either move to the DLQ after the
// delivery cap, or ack-and-delete the original and append a fresh entry with
// an incremented attempt count after a jittered sleep. Acking before the
// requeue keeps the PEL free of zombie entries.
func (w *Worker) retry(ctx context.Context, entry domain.Entry, msg *domain.OutboundMessage, reason string) {
	newAttempts := msg.Attempts + 1

	if newAttempts >= w.cfg.MaxDeliveries {
		msg.Attempts = newAttempts
		fields := map[string]string{}
		if payload, encErr := msg.Encode(); encErr == nil {
			fields[domain.PayloadField] = payload
		} else {
			fields = entry.Raw
		}
		if err := w.queue.MoveToDLQ(ctx, w.instance, fields, reason); err != nil {
			logrus.WithError(err).Errorf("[WORKER] DLQ append failed for %s", msg.MessageID)
		}
		w.ackDelete(ctx, entry.ID)
		w.countProcessed("dlq")
		w.countDLQ("max_deliveries")
		logrus.Warnf("[WORKER] Message %s exhausted %d deliveries on %s: %s", msg.MessageID, newAttempts, w.instance, reason)
		return
	}

	delay := backoffDelay(w.cfg.BaseBackoff, w.cfg.MaxBackoff, newAttempts)
	logrus.Infof("[WORKER] Message %s failed on %s (attempt %d/%d): %s, retrying in %s",
		msg.MessageID, w.instance, newAttempts, w.cfg.MaxDeliveries, reason, delay.Round(time.Millisecond))

	w.ackDelete(ctx, entry.ID)
	sleepCtx(ctx, delay)

	// The original entry is already acked; the requeue must happen even if
	// shutdown arrived during the backoff sleep, or the message is lost.
	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg.Attempts = newAttempts
	if _, err := w.queue.Enqueue(reqCtx, msg); err != nil {
		logrus.WithError(err).Errorf("[WORKER] Requeue failed for %s, message lost", msg.MessageID)
		return
	}
	w.countRetried()
}

func (w *Worker) ackDelete(ctx context.Context, entryID string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := w.queue.AckDelete(ctx, w.instance, entryID); err != nil {
		logrus.WithError(err).Errorf("[WORKER] Ack failed for entry %s on %s", entryID, w.instance)
	}
}

func (w *Worker) countProcessed(outcome string) {
	if w.metrics != nil {
		w.metrics.Processed.WithLabelValues(w.instance, outcome).Inc()
	}
}

func (w *Worker) countRetried() {
	if w.metrics != nil {
		w.metrics.Retried.WithLabelValues(w.instance).Inc()
	}
}

func (w *Worker) countDLQ(reason string) {
	if w.metrics != nil {
		w.metrics.DLQ.WithLabelValues(w.instance, reason).Inc()
	}
}

// backoffDelay computes min(cap, base * 2^(attempts-1)) scaled by a jitter
// factor in [0.75, 1.25). Jitter keeps retries from synchronising into a
// storm when the upstream recovers.
func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base << uint(attempts-1)
	if d > cap || d <= 0 {
		d = cap
	}
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

func sendFailureReason(res domain.SendResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("gateway_status_%d", res.Status)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
