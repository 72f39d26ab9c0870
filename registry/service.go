package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/domains/integration"
)

// Webhook events requested from the gateway when an instance is provisioned.
var webhookEvents = []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE", "QRCODE_UPDATED"}

// Service implements the integration lifecycle: provisioning a gateway
// instance with its webhook registration, and the ordered teardown that keeps
// the registry, cache and gateway consistent.
type Service struct {
	repo     integration.Repository
	cache    integration.Cache
	notifier integration.Notifier
	gateway  domain.Gateway
	baseURL  string
}

func NewService(repo integration.Repository, cache integration.Cache, notifier integration.Notifier, gateway domain.Gateway, baseURL string) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		notifier: notifier,
		gateway:  gateway,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Create provisions a whatsapp integration for an organization. Creation is
// race-safe: the database's partial unique index is the arbiter, and the
// loser of a concurrent create returns the winner's registration with
// Reused set instead of an error.
func (s *Service) Create(ctx context.Context, req integration.CreateRequest) (*integration.CreateResponse, error) {
	if req.OrganizationID == "" {
		return nil, fmt.Errorf("organization_id is required")
	}

	// Fast path: an enabled registration already exists for this org. Reuse
	// only when the gateway still knows the instance; a row whose upstream
	// was deleted out of band is dropped and provisioned fresh.
	if existing, err := s.repo.GetEnabledByOrg(ctx, req.OrganizationID); err == nil {
		if s.upstreamExists(ctx, existing.InstanceName) {
			return s.reuse(existing), nil
		}
		s.dropDangling(ctx, existing)
	} else if !errors.Is(err, integration.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing registration: %w", err)
	}

	instanceName := req.InstanceName
	if instanceName == "" {
		instanceName = "wa_" + strings.ReplaceAll(uuid.New().String()[:13], "-", "")
	}
	token, err := newWebhookToken()
	if err != nil {
		return nil, err
	}

	reg := &integration.Registration{
		OrganizationID: req.OrganizationID,
		ClinicID:       req.ClinicID,
		Type:           integration.TypeWhatsApp,
		Provider:       integration.ProviderEvolution,
		InstanceName:   instanceName,
		WebhookToken:   token,
		WebhookURL:     s.webhookURL(token),
		Status:         integration.StatusPending,
		Enabled:        true,
	}

	if err := s.repo.Create(ctx, reg); err != nil {
		if errors.Is(err, integration.ErrAlreadyExists) {
			// Lost the race between the pre-check and the insert. The
			// winner's row is authoritative; ours was never written.
			winner, getErr := s.repo.GetEnabledByOrg(ctx, req.OrganizationID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load winning registration: %w", getErr)
			}
			if s.upstreamExists(ctx, winner.InstanceName) {
				logrus.Infof("[REGISTRY] Create race for org %s, reusing instance %s", req.OrganizationID, winner.InstanceName)
				return s.reuse(winner), nil
			}
			s.dropDangling(ctx, winner)
			if err := s.repo.Create(ctx, reg); err != nil {
				return nil, fmt.Errorf("failed to create registration: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to create registration: %w", err)
		}
	}

	if err := s.gateway.CreateInstance(ctx, instanceName, reg.WebhookURL, webhookEvents); err != nil {
		// Row stays for retry; mark it so operators see the failed provision.
		if updErr := s.repo.UpdateStatus(ctx, instanceName, integration.StatusError, ""); updErr != nil {
			logrus.WithError(updErr).Errorf("[REGISTRY] Failed to mark %s as errored", instanceName)
		}
		return nil, fmt.Errorf("failed to provision gateway instance %s: %w", instanceName, err)
	}

	if err := s.repo.UpdateStatus(ctx, instanceName, integration.StatusQRPending, ""); err != nil {
		logrus.WithError(err).Warnf("[REGISTRY] Failed to advance %s to qr_pending", instanceName)
	}

	if err := s.notifier.NotifyAdded(ctx, instanceName, req.OrganizationID); err != nil {
		logrus.WithError(err).Warnf("[REGISTRY] Failed to announce new instance %s", instanceName)
	}

	logrus.Infof("[REGISTRY] Created integration %s for org %s", instanceName, req.OrganizationID)
	return &integration.CreateResponse{
		InstanceName: instanceName,
		WebhookToken: token,
		WebhookURL:   reg.WebhookURL,
	}, nil
}

// Delete tears an integration down in gateway, notifier, cache, repository
// order, reporting each step's outcome. A failed gateway delete aborts the
// teardown before any local state is touched: the row survives so the caller
// can retry once the gateway recovers. A gateway that no longer has the
// instance is not a failure; the local teardown proceeds.
func (s *Service) Delete(ctx context.Context, instanceName string) ([]integration.DeleteStepResult, error) {
	reg, err := s.repo.GetByInstance(ctx, instanceName)
	if err != nil {
		return nil, err
	}

	var steps []integration.DeleteStepResult
	record := func(step string, err error) {
		res := integration.DeleteStepResult{Step: step, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
			logrus.WithError(err).Warnf("[REGISTRY] Delete step %s failed for %s", step, instanceName)
		}
		steps = append(steps, res)
	}

	existed, err := s.gateway.DeleteInstance(ctx, instanceName)
	record("gateway_delete", err)
	if err != nil {
		return steps, fmt.Errorf("failed to delete gateway instance %s: %w", instanceName, err)
	}
	if !existed {
		logrus.Infof("[REGISTRY] Gateway had no instance %s, continuing teardown", instanceName)
	}

	record("notify_removed", s.notifier.NotifyRemoved(ctx, instanceName, reg.OrganizationID))
	record("cache_invalidate", s.cache.Invalidate(ctx, instanceName))

	repoErr := s.repo.Delete(ctx, instanceName)
	record("repository_delete", repoErr)
	if repoErr != nil {
		return steps, fmt.Errorf("failed to delete registration %s: %w", instanceName, repoErr)
	}

	logrus.Infof("[REGISTRY] Deleted integration %s", instanceName)
	return steps, nil
}

func (s *Service) List(ctx context.Context) ([]integration.Registration, error) {
	return s.repo.List(ctx)
}

func (s *Service) reuse(reg *integration.Registration) *integration.CreateResponse {
	return &integration.CreateResponse{
		InstanceName: reg.InstanceName,
		WebhookToken: reg.WebhookToken,
		WebhookURL:   reg.WebhookURL,
		Reused:       true,
	}
}

// upstreamExists reports whether the gateway still has the instance. A
// gateway error counts as existing: registrations are never dropped on the
// word of an unreachable gateway.
func (s *Service) upstreamExists(ctx context.Context, instanceName string) bool {
	status, err := s.gateway.GetInstanceStatus(ctx, instanceName)
	if err != nil {
		logrus.WithError(err).Warnf("[REGISTRY] Could not verify gateway instance %s, assuming it exists", instanceName)
		return true
	}
	return status.Exists
}

// dropDangling removes a registration whose gateway instance is gone so a
// fresh one can take its place. Failures are logged only; the subsequent
// create surfaces any real conflict.
func (s *Service) dropDangling(ctx context.Context, reg *integration.Registration) {
	logrus.Warnf("[REGISTRY] Registration %s has no gateway instance, dropping it before provisioning anew", reg.InstanceName)
	if err := s.cache.Invalidate(ctx, reg.InstanceName); err != nil {
		logrus.WithError(err).Warnf("[REGISTRY] Failed to invalidate cache for dangling instance %s", reg.InstanceName)
	}
	if err := s.repo.Delete(ctx, reg.InstanceName); err != nil && !errors.Is(err, integration.ErrNotFound) {
		logrus.WithError(err).Warnf("[REGISTRY] Failed to delete dangling registration %s", reg.InstanceName)
	}
}

func (s *Service) webhookURL(token string) string {
	return fmt.Sprintf("%s/webhooks/%s/%s", s.baseURL, integration.ProviderEvolution, token)
}

func newWebhookToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
