package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medlink-ai/wa-courier/domains/integration"
)

// --- Persistence Model ---

// The partial unique index enforces at most one enabled whatsapp registration
// per organization while letting disabled rows accumulate as history.
type registrationModel struct {
	ID                  string `gorm:"primaryKey"`
	OrganizationID      string `gorm:"index:idx_registrations_one_enabled_org,unique,where:enabled = true,priority:1;not null"`
	ClinicID            string
	Type                string `gorm:"index:idx_registrations_one_enabled_org,priority:2;not null"`
	Provider            string `gorm:"not null"`
	InstanceName        string `gorm:"uniqueIndex:idx_registrations_instance;not null"`
	WebhookToken        string `gorm:"uniqueIndex:idx_registrations_token"`
	WebhookURL          string
	PhoneNumber         string
	Status              string `gorm:"default:'pending'"`
	// No column default on purpose: gorm skips zero-valued fields that
	// carry a default tag, which would persist Enabled=false rows as true.
	Enabled             bool   `gorm:"not null"`
	ConnectedAt         *time.Time
	LastSeenAt          *time.Time
	Config              string `gorm:"type:text;default:'{}'"` // JSON
	CredentialsVaultRef string
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (registrationModel) TableName() string {
	return "whatsapp_registrations"
}

// --- Repository Implementation ---

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&registrationModel{})
}

func (r *GormRepository) Create(ctx context.Context, reg *integration.Registration) error {
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}

	model, err := toRegistrationModel(reg)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).Create(&model)
	if result.Error != nil {
		if isDuplicateErr(result.Error) {
			return integration.ErrAlreadyExists
		}
		return result.Error
	}
	return nil
}

func (r *GormRepository) GetByInstance(ctx context.Context, instanceName string) (*integration.Registration, error) {
	var m registrationModel
	if err := r.db.WithContext(ctx).First(&m, "instance_name = ?", instanceName).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, integration.ErrNotFound
		}
		return nil, err
	}
	return fromRegistrationModel(m)
}

func (r *GormRepository) GetByToken(ctx context.Context, token string) (*integration.Registration, error) {
	var m registrationModel
	if err := r.db.WithContext(ctx).First(&m, "webhook_token = ?", token).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, integration.ErrNotFound
		}
		return nil, err
	}
	return fromRegistrationModel(m)
}

func (r *GormRepository) GetEnabledByOrg(ctx context.Context, orgID string) (*integration.Registration, error) {
	var m registrationModel
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND type = ? AND enabled = ?", orgID, integration.TypeWhatsApp, true).
		First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, integration.ErrNotFound
		}
		return nil, err
	}
	return fromRegistrationModel(m)
}

func (r *GormRepository) List(ctx context.Context) ([]integration.Registration, error) {
	var models []registrationModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	regs := make([]integration.Registration, len(models))
	for i, m := range models {
		reg, err := fromRegistrationModel(m)
		if err != nil {
			return nil, err
		}
		regs[i] = *reg
	}
	return regs, nil
}

func (r *GormRepository) UpdateStatus(ctx context.Context, instanceName string, status integration.Status, phoneNumber string) error {
	updates := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	now := time.Now().UTC()
	if status == integration.StatusActive {
		updates["last_seen_at"] = &now
		updates["connected_at"] = gorm.Expr("COALESCE(connected_at, ?)", now)
	}
	if phoneNumber != "" {
		updates["phone_number"] = phoneNumber
	}

	result := r.db.WithContext(ctx).Model(&registrationModel{}).
		Where("instance_name = ?", instanceName).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return integration.ErrNotFound
	}
	return nil
}

func (r *GormRepository) Delete(ctx context.Context, instanceName string) error {
	result := r.db.WithContext(ctx).Delete(&registrationModel{}, "instance_name = ?", instanceName)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return integration.ErrNotFound
	}
	return nil
}

func isDuplicateErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// --- Mappers ---

func toRegistrationModel(reg *integration.Registration) (registrationModel, error) {
	cfg := reg.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return registrationModel{}, err
	}

	now := time.Now().UTC()
	return registrationModel{
		ID:                  reg.ID,
		OrganizationID:      reg.OrganizationID,
		ClinicID:            reg.ClinicID,
		Type:                reg.Type,
		Provider:            reg.Provider,
		InstanceName:        reg.InstanceName,
		WebhookToken:        reg.WebhookToken,
		WebhookURL:          reg.WebhookURL,
		PhoneNumber:         reg.PhoneNumber,
		Status:              string(reg.Status),
		Enabled:             reg.Enabled,
		ConnectedAt:         reg.ConnectedAt,
		LastSeenAt:          reg.LastSeenAt,
		Config:              string(cfgJSON),
		CredentialsVaultRef: reg.CredentialsVaultRef,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func fromRegistrationModel(m registrationModel) (*integration.Registration, error) {
	reg := &integration.Registration{
		ID:                  m.ID,
		OrganizationID:      m.OrganizationID,
		ClinicID:            m.ClinicID,
		Type:                m.Type,
		Provider:            m.Provider,
		InstanceName:        m.InstanceName,
		WebhookToken:        m.WebhookToken,
		WebhookURL:          m.WebhookURL,
		PhoneNumber:         m.PhoneNumber,
		Status:              integration.Status(m.Status),
		Enabled:             m.Enabled,
		ConnectedAt:         m.ConnectedAt,
		LastSeenAt:          m.LastSeenAt,
		CredentialsVaultRef: m.CredentialsVaultRef,
	}

	if m.Config != "" {
		_ = json.Unmarshal([]byte(m.Config), &reg.Config)
	}
	if reg.Config == nil {
		reg.Config = map[string]string{}
	}
	return reg, nil
}
