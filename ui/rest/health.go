package rest

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/domains/integration"
	"github.com/medlink-ai/wa-courier/pkg/metrics"
	"github.com/medlink-ai/wa-courier/pkg/utils"
)

// Queue depth thresholds for the health verdict.
const (
	depthDegraded  = 100
	depthUnhealthy = 1000
)

type InstanceHealth struct {
	Instance          string `json:"instance"`
	QueueDepth        int64  `json:"queue_depth"`
	DLQDepth          int64  `json:"dlq_depth"`
	UpstreamConnected bool   `json:"upstream_connected"`
	Status            string `json:"status"`
}

type Health struct {
	Repo    integration.Repository
	Queue   domainDelivery.Queue
	Gateway domainDelivery.Gateway
	Metrics *metrics.Delivery
}

func InitRestHealth(app fiber.Router, repo integration.Repository, queue domainDelivery.Queue, gateway domainDelivery.Gateway, m *metrics.Delivery) Health {
	rest := Health{Repo: repo, Queue: queue, Gateway: gateway, Metrics: m}
	app.Get("/health/whatsapp", rest.GetStatus)
	return rest
}

// GetStatus reports queue depths and connection state per instance. With the
// instance query parameter it reports just that one.
func (h *Health) GetStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()

	if instance := c.Query("instance"); instance != "" {
		reg, err := h.Repo.GetByInstance(ctx, instance)
		utils.PanicIfNeeded(err, "integration not found")

		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SUCCESS",
			Message: "Health status retrieved",
			Results: h.checkInstance(ctx, *reg),
		})
	}

	regs, err := h.Repo.List(ctx)
	utils.PanicIfNeeded(err)

	results := make([]InstanceHealth, 0, len(regs))
	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}
		results = append(results, h.checkInstance(ctx, reg))
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Health status retrieved",
		Results: results,
	})
}

func (h *Health) checkInstance(ctx context.Context, reg integration.Registration) InstanceHealth {
	depth, err := h.Queue.Depth(ctx, reg.InstanceName)
	if err != nil {
		logrus.WithError(err).Warnf("[HEALTH] Depth read failed for %s", reg.InstanceName)
		depth = -1
	}
	dlqDepth, err := h.Queue.DLQDepth(ctx, reg.InstanceName)
	if err != nil {
		dlqDepth = -1
	}
	state := h.Gateway.ConnectionState(ctx, reg.InstanceName)

	if h.Metrics != nil && depth >= 0 {
		h.Metrics.Depth.WithLabelValues(reg.InstanceName).Set(float64(depth))
	}

	return InstanceHealth{
		Instance:          reg.InstanceName,
		QueueDepth:        depth,
		DLQDepth:          dlqDepth,
		UpstreamConnected: state == domainDelivery.ConnOpen,
		Status:            verdict(depth, state),
	}
}

func verdict(depth int64, state domainDelivery.ConnState) string {
	switch {
	case depth > depthUnhealthy || depth < 0:
		return "unhealthy"
	case depth > depthDegraded || state != domainDelivery.ConnOpen:
		return "degraded"
	default:
		return "healthy"
	}
}
