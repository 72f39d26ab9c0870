package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/core/config"
	domain "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/domains/integration"
)

// Monitor keeps the registry's view of instance health converging with the
// gateway. It has two periodic jobs: the status sweep, which refreshes the
// status and last-seen stamps of every registration and never deletes rows,
// and the orphan reaper, which reconciles instances that exist on only one
// side in both directions.
type Monitor struct {
	repo    integration.Repository
	cache   integration.Cache
	gateway domain.Gateway
	cfg     config.HealthConfig
}

func NewMonitor(repo integration.Repository, cache integration.Cache, gateway domain.Gateway, cfg config.HealthConfig) *Monitor {
	return &Monitor{repo: repo, cache: cache, gateway: gateway, cfg: cfg}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	checkTicker := time.NewTicker(m.cfg.CheckInterval)
	reapTicker := time.NewTicker(m.cfg.ReaperInterval)
	defer checkTicker.Stop()
	defer reapTicker.Stop()

	logrus.Infof("[HEALTH] Monitor started (check every %s, reap every %s)", m.cfg.CheckInterval, m.cfg.ReaperInterval)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[HEALTH] Monitor stopped")
			return
		case <-checkTicker.C:
			m.CheckAll(ctx)
		case <-reapTicker.C:
			m.ReapOrphans(ctx)
		}
	}
}

// CheckAll refreshes the registry status of every enabled registration from
// the gateway. Individual failures are logged and the sweep continues.
func (m *Monitor) CheckAll(ctx context.Context) {
	regs, err := m.repo.List(ctx)
	if err != nil {
		logrus.WithError(err).Error("[HEALTH] Failed to list registrations")
		return
	}

	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.checkOne(ctx, reg)
	}
}

func (m *Monitor) checkOne(ctx context.Context, reg integration.Registration) {
	status, err := m.gateway.GetInstanceStatus(ctx, reg.InstanceName)
	if err != nil {
		logrus.WithError(err).Warnf("[HEALTH] Status check failed for %s", reg.InstanceName)
		return
	}

	next := statusFromGateway(status)
	if next == reg.Status && next != integration.StatusActive {
		// Active rows are still written so last_seen_at keeps advancing.
		return
	}

	if err := m.repo.UpdateStatus(ctx, reg.InstanceName, next, ""); err != nil {
		logrus.WithError(err).Warnf("[HEALTH] Failed to update status for %s", reg.InstanceName)
		return
	}
	if next != reg.Status {
		logrus.Infof("[HEALTH] Instance %s moved %s -> %s", reg.InstanceName, reg.Status, next)
		if err := m.cache.Invalidate(ctx, reg.InstanceName); err != nil {
			logrus.WithError(err).Warnf("[HEALTH] Cache invalidation failed for %s", reg.InstanceName)
		}
	}
}

// ReapOrphans runs the two-way diff between the gateway's instance list and
// the registry. Gateway instances with no registration are deleted upstream;
// registrations whose gateway instance vanished are dropped from the registry
// with their cache entries. Both passes are needed because the two stores
// drift in both directions. The batch always runs to completion, one failure
// never aborts the rest.
func (m *Monitor) ReapOrphans(ctx context.Context) {
	upstream, err := m.gateway.FetchAllInstances(ctx)
	if err != nil {
		logrus.WithError(err).Error("[HEALTH] Failed to fetch gateway instances, skipping reap")
		return
	}
	regs, err := m.repo.List(ctx)
	if err != nil {
		logrus.WithError(err).Error("[HEALTH] Failed to list registrations, skipping reap")
		return
	}

	registered := make(map[string]integration.Registration, len(regs))
	for _, reg := range regs {
		registered[reg.InstanceName] = reg
	}
	known := make(map[string]bool, len(upstream))
	for _, name := range upstream {
		known[name] = true
	}

	for _, name := range upstream {
		if _, ok := registered[name]; ok {
			continue
		}
		logrus.Warnf("[HEALTH] Gateway instance %s has no registration, deleting upstream", name)
		if _, err := m.gateway.DeleteInstance(ctx, name); err != nil {
			logrus.WithError(err).Errorf("[HEALTH] Failed to delete orphan instance %s", name)
		}
	}

	for name := range registered {
		if known[name] {
			continue
		}
		logrus.Warnf("[HEALTH] Registration %s has no gateway instance, dropping row", name)
		if err := m.cache.Invalidate(ctx, name); err != nil {
			logrus.WithError(err).Warnf("[HEALTH] Cache invalidation failed for %s", name)
		}
		if err := m.repo.Delete(ctx, name); err != nil {
			logrus.WithError(err).Errorf("[HEALTH] Failed to drop registration %s", name)
		}
	}
}

func statusFromGateway(s domain.InstanceStatus) integration.Status {
	if !s.Exists {
		return integration.StatusError
	}
	switch s.Status {
	case "open":
		return integration.StatusActive
	case "connecting":
		return integration.StatusConnecting
	case "close", "closed":
		return integration.StatusDisconnected
	default:
		return integration.StatusDisconnected
	}
}
