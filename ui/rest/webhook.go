package rest

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	deliveryqueue "github.com/medlink-ai/wa-courier/delivery"
	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/domains/integration"
	"github.com/medlink-ai/wa-courier/inbound"
	"github.com/medlink-ai/wa-courier/pkg/utils"
)

// InboundSink is where accepted message events go. The worker process
// consumes them from the inbox stream.
type InboundSink interface {
	Enqueue(ctx context.Context, ev *inbound.Event) (string, error)
}

// Webhook receives gateway callbacks. The route is public; the per-instance
// token in the path is the only credential, so token resolution failures are
// indistinguishable 404s. Internal failures after resolution are answered
// with 200 to keep the gateway from hammering retries; the health monitor
// reconverges any state a dropped event would have carried.
type Webhook struct {
	Cache   integration.Cache
	Repo    integration.Repository
	Idem    domainDelivery.IdempotencyStore
	Sink    InboundSink
	IdemTTL time.Duration
}

func InitRestWebhook(app fiber.Router, cache integration.Cache, repo integration.Repository, idem domainDelivery.IdempotencyStore, sink InboundSink, idemTTL time.Duration) Webhook {
	rest := Webhook{
		Cache:   cache,
		Repo:    repo,
		Idem:    idem,
		Sink:    sink,
		IdemTTL: idemTTL,
	}
	app.Post("/webhooks/:provider/:token", rest.Receive)
	return rest
}

func (h *Webhook) Receive(c *fiber.Ctx) error {
	if c.Params("provider") != integration.ProviderEvolution {
		return c.SendStatus(fiber.StatusNotFound)
	}

	entry, err := h.Cache.ResolveByToken(c.UserContext(), c.Params("token"))
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		logrus.WithError(err).Error("[WEBHOOK] Token resolution failed")
		return c.SendStatus(fiber.StatusOK)
	}
	if !entry.Enabled {
		return c.SendStatus(fiber.StatusOK)
	}

	env, err := inbound.ParseEnvelope(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: err.Error(),
		})
	}

	switch env.Event {
	case inbound.EventMessagesUpsert:
		return h.handleMessage(c, entry, env)
	case inbound.EventConnectionUpdate:
		return h.handleConnection(c, entry, env)
	case inbound.EventQRCodeUpdated:
		h.updateStatus(c.UserContext(), entry.InstanceName, integration.StatusQRPending)
		return c.SendStatus(fiber.StatusOK)
	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

func (h *Webhook) handleMessage(c *fiber.Ctx, entry *integration.CacheEntry, env *inbound.Envelope) error {
	ev, err := env.Message()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: err.Error(),
		})
	}
	// The registration is authoritative for the instance; the body's claim
	// is not trusted.
	ev.Instance = entry.InstanceName

	if ev.FromMe {
		return c.SendStatus(fiber.StatusOK)
	}

	claimed, err := h.Idem.Claim(c.UserContext(), deliveryqueue.IngressID(ev.GatewayMessageID), h.IdemTTL)
	if err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] Ingress claim failed for %s", ev.GatewayMessageID)
	} else if !claimed {
		logrus.Debugf("[WEBHOOK] Duplicate delivery of %s, ignoring", ev.GatewayMessageID)
		return c.SendStatus(fiber.StatusOK)
	}

	if _, err := h.Sink.Enqueue(c.UserContext(), ev); err != nil {
		logrus.WithError(err).Errorf("[WEBHOOK] Inbox enqueue failed for %s", ev.GatewayMessageID)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *Webhook) handleConnection(c *fiber.Ctx, entry *integration.CacheEntry, env *inbound.Envelope) error {
	state, err := env.ConnectionState()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: err.Error(),
		})
	}

	var status integration.Status
	switch state {
	case "open":
		status = integration.StatusActive
	case "connecting":
		status = integration.StatusConnecting
	default:
		status = integration.StatusDisconnected
	}
	h.updateStatus(c.UserContext(), entry.InstanceName, status)
	return c.SendStatus(fiber.StatusOK)
}

func (h *Webhook) updateStatus(ctx context.Context, instanceName string, status integration.Status) {
	if err := h.Repo.UpdateStatus(ctx, instanceName, status, ""); err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] Status update failed for %s", instanceName)
		return
	}
	if err := h.Cache.Invalidate(ctx, instanceName); err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] Cache invalidation failed for %s", instanceName)
	}
}
