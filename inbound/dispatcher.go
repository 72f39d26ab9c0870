package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/domains/integration"
)

// Source is the inbox surface the dispatcher consumes.
type Source interface {
	EnsureGroup(ctx context.Context, instance string) error
	Read(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]Entry, error)
	AckDelete(ctx context.Context, instance, entryID string) error
}

// Dispatcher consumes each instance's inbox stream and fans events out to
// the pool. Like the delivery manager it starts one loop per enabled
// instance and follows registry notifications.
type Dispatcher struct {
	consumer string
	inbox    Source
	pool     *Pool
	handler  Handler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(consumer string, inbox Source, pool *Pool, handler Handler) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		inbox:    inbox,
		pool:     pool,
		handler:  handler,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartInstance launches a consume loop for instance unless one is running.
func (d *Dispatcher) StartInstance(ctx context.Context, instance string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.cancels[instance]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancels[instance] = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(loopCtx, instance)

		d.mu.Lock()
		if c, ok := d.cancels[instance]; ok {
			c()
			delete(d.cancels, instance)
		}
		d.mu.Unlock()
	}()
}

// StopInstance cancels the consume loop for instance if one is running.
func (d *Dispatcher) StopInstance(instance string) {
	d.mu.Lock()
	cancel, ok := d.cancels[instance]
	if ok {
		delete(d.cancels, instance)
	}
	d.mu.Unlock()

	if ok {
		cancel()
		logrus.Infof("[DISPATCHER] Stopping inbox consumer for instance %s", instance)
	}
}

// StartAll boots one consume loop per registered enabled instance.
func (d *Dispatcher) StartAll(ctx context.Context, repo integration.Repository) error {
	regs, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		if reg.Enabled {
			d.StartInstance(ctx, reg.InstanceName)
		}
	}
	return nil
}

// Listen follows registry add/remove events until ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context, notifier integration.Notifier) {
	for ctx.Err() == nil {
		err := notifier.Subscribe(ctx,
			func(instance, orgID string) {
				d.StartInstance(ctx, instance)
			},
			func(instance, orgID string) {
				d.StopInstance(instance)
			},
		)
		if err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("[DISPATCHER] Notifier subscription lost, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// Wait blocks until every consume loop has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, instance string) {
	if err := d.inbox.EnsureGroup(ctx, instance); err != nil {
		logrus.WithError(err).Errorf("[DISPATCHER] Inbox group setup failed for %s", instance)
		return
	}
	logrus.Infof("[DISPATCHER] Consuming inbox for instance %s as %s", instance, d.consumer)

	for ctx.Err() == nil {
		entries, err := d.inbox.Read(ctx, instance, d.consumer, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Errorf("[DISPATCHER] Inbox read failed for %s", instance)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			d.dispatch(ctx, instance, entry)
		}
	}
}

// dispatch decodes one entry, routes it to the pool, and acks. An entry the
// pool cannot absorb is dropped after the ack; the stream is the durability
// boundary, the pool the backpressure valve.
func (d *Dispatcher) dispatch(ctx context.Context, instance string, entry Entry) {
	ev, err := DecodeEvent(entry.Payload)
	if err != nil {
		logrus.WithError(err).Warnf("[DISPATCHER] Undecodable inbox entry %s for %s, dropping", entry.ID, instance)
		d.ack(ctx, instance, entry.ID)
		return
	}

	d.pool.TryDispatch(Job{
		Instance: ev.Instance,
		ChatJID:  ev.From,
		Run: func(jobCtx context.Context) error {
			return d.handler.HandleMessage(jobCtx, ev)
		},
	})
	d.ack(ctx, instance, entry.ID)
}

func (d *Dispatcher) ack(ctx context.Context, instance, entryID string) {
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := d.inbox.AckDelete(ackCtx, instance, entryID); err != nil {
		logrus.WithError(err).Warnf("[DISPATCHER] Ack failed for inbox entry %s on %s", entryID, instance)
	}
}
