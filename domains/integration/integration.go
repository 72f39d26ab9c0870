package integration

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusQRPending    Status = "qr_pending"
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusDisabled     Status = "disabled"
	StatusError        Status = "error"
)

const (
	TypeWhatsApp      = "whatsapp"
	ProviderEvolution = "evolution"
)

var (
	ErrNotFound      = errors.New("integration not found")
	ErrAlreadyExists = errors.New("an enabled whatsapp integration already exists for this organization")
)

// Registration is the authoritative registry row for one gateway instance.
type Registration struct {
	ID                  string            `json:"id"`
	OrganizationID      string            `json:"organization_id"`
	ClinicID            string            `json:"clinic_id,omitempty"`
	Type                string            `json:"type"`
	Provider            string            `json:"provider"`
	InstanceName        string            `json:"instance_name"`
	WebhookToken        string            `json:"webhook_token,omitempty"`
	WebhookURL          string            `json:"webhook_url,omitempty"`
	PhoneNumber         string            `json:"phone_number,omitempty"`
	Status              Status            `json:"status"`
	Enabled             bool              `json:"enabled"`
	ConnectedAt         *time.Time        `json:"connected_at,omitempty"`
	LastSeenAt          *time.Time        `json:"last_seen_at,omitempty"`
	Config              map[string]string `json:"config,omitempty"`
	CredentialsVaultRef string            `json:"credentials_vault_ref,omitempty"`
}

// CacheEntry is the hot-path snapshot of a registration, resolvable by
// either instance name or webhook token.
type CacheEntry struct {
	InstanceName   string `json:"instance_name"`
	OrganizationID string `json:"organization_id"`
	ClinicID       string `json:"clinic_id,omitempty"`
	WebhookToken   string `json:"webhook_token"`
	Status         Status `json:"status"`
	Enabled        bool   `json:"enabled"`
}

// Repository is the system of record for registrations.
type Repository interface {
	Create(ctx context.Context, reg *Registration) error
	GetByInstance(ctx context.Context, instanceName string) (*Registration, error)
	GetByToken(ctx context.Context, token string) (*Registration, error)
	GetEnabledByOrg(ctx context.Context, orgID string) (*Registration, error)
	List(ctx context.Context) ([]Registration, error)
	UpdateStatus(ctx context.Context, instanceName string, status Status, phoneNumber string) error
	Delete(ctx context.Context, instanceName string) error
}

// Cache is the read-through derivative of the repository. Negative results
// are never cached.
type Cache interface {
	ResolveByToken(ctx context.Context, token string) (*CacheEntry, error)
	ResolveByInstance(ctx context.Context, instanceName string) (*CacheEntry, error)
	Invalidate(ctx context.Context, instanceName string) error
}

// Notifier announces registry mutations to running workers.
type Notifier interface {
	NotifyAdded(ctx context.Context, instanceName, orgID string) error
	NotifyRemoved(ctx context.Context, instanceName, orgID string) error
	// Subscribe blocks until ctx is cancelled, invoking the handlers for
	// each published event.
	Subscribe(ctx context.Context, onAdded, onRemoved func(instanceName, orgID string)) error
}

// CreateRequest is the management-API body for creating an integration.
type CreateRequest struct {
	OrganizationID string `json:"organization_id"`
	ClinicID       string `json:"clinic_id"`
	InstanceName   string `json:"instance_name"`
}

// CreateResponse reports the outcome, including whether an existing
// registration was reused after losing a create race.
type CreateResponse struct {
	InstanceName string `json:"instance_name"`
	WebhookToken string `json:"webhook_token"`
	WebhookURL   string `json:"webhook_url"`
	Reused       bool   `json:"reused"`
}

// DeleteStepResult records the outcome of one step of the delete discipline.
type DeleteStepResult struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type IIntegrationUsecase interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	Delete(ctx context.Context, instanceName string) ([]DeleteStepResult, error)
	List(ctx context.Context) ([]Registration, error)
}
