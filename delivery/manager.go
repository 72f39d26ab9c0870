package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/core/config"
	domain "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/domains/integration"
	"github.com/medlink-ai/wa-courier/pkg/metrics"
)

// Manager owns one worker goroutine per active instance. Workers are started
// from the registry at boot and thereafter follow registry mutations through
// the notifier, so a new integration gets a worker without a restart.
type Manager struct {
	consumer string
	queue    Queue
	limiter  domain.RateLimiter
	gateway  domain.Gateway
	idem     domain.IdempotencyStore
	cfg      config.DeliveryConfig
	metrics  *metrics.Delivery

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(consumer string, queue Queue, limiter domain.RateLimiter, gateway domain.Gateway, idem domain.IdempotencyStore, cfg config.DeliveryConfig, m *metrics.Delivery) *Manager {
	return &Manager{
		consumer: consumer,
		queue:    queue,
		limiter:  limiter,
		gateway:  gateway,
		idem:     idem,
		cfg:      cfg,
		metrics:  m,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartWorker launches a worker for instance unless one is already running.
func (m *Manager) StartWorker(ctx context.Context, instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.cancels[instance]; running {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancels[instance] = cancel
	w := NewWorker(instance, m.consumer, m.queue, m.limiter, m.gateway, m.idem, m.cfg, m.metrics)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.Run(workerCtx)

		m.mu.Lock()
		if c, ok := m.cancels[instance]; ok {
			c()
			delete(m.cancels, instance)
		}
		m.mu.Unlock()
	}()
}

// StopWorker cancels the worker for instance if one is running. Messages
// already on the stream stay there until a worker picks the instance up again.
func (m *Manager) StopWorker(instance string) {
	m.mu.Lock()
	cancel, ok := m.cancels[instance]
	if ok {
		delete(m.cancels, instance)
	}
	m.mu.Unlock()

	if ok {
		cancel()
		logrus.Infof("[MANAGER] Stopping worker for instance %s", instance)
	}
}

// StartAll boots one worker per registered enabled instance.
func (m *Manager) StartAll(ctx context.Context, repo integration.Repository) error {
	regs, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		if reg.Enabled {
			m.StartWorker(ctx, reg.InstanceName)
		}
	}
	logrus.Infof("[MANAGER] Started workers for %d registered instances", m.Running())
	return nil
}

// Listen follows registry add/remove events until ctx is cancelled. Runs in
// its own goroutine; subscription failures are logged and retried.
func (m *Manager) Listen(ctx context.Context, notifier integration.Notifier) {
	for ctx.Err() == nil {
		err := notifier.Subscribe(ctx,
			func(instance, orgID string) {
				logrus.Infof("[MANAGER] Instance %s added for org %s, starting worker", instance, orgID)
				m.StartWorker(ctx, instance)
			},
			func(instance, orgID string) {
				logrus.Infof("[MANAGER] Instance %s removed for org %s, stopping worker", instance, orgID)
				m.StopWorker(instance)
			},
		)
		if err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("[MANAGER] Notifier subscription lost, retrying")
			sleepCtx(ctx, 2*time.Second)
		}
	}
}

// Running returns the number of live workers.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Shutdown cancels every worker and waits up to budget for them to drain
// their in-flight entries.
func (m *Manager) Shutdown(budget time.Duration) {
	m.mu.Lock()
	for instance, cancel := range m.cancels {
		cancel()
		delete(m.cancels, instance)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("[MANAGER] All workers stopped cleanly")
	case <-time.After(budget):
		logrus.Warn("[MANAGER] Shutdown budget exceeded, abandoning remaining workers")
	}
}
