package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medlink-ai/wa-courier/domains/integration"
)

func newTestRepo(t *testing.T) *GormRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := NewGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func testRegistration(org, instance string) *integration.Registration {
	return &integration.Registration{
		OrganizationID: org,
		ClinicID:       "clinic-1",
		Type:           integration.TypeWhatsApp,
		Provider:       integration.ProviderEvolution,
		InstanceName:   instance,
		WebhookToken:   "tok-" + instance,
		WebhookURL:     "https://api.example.com/webhooks/evolution/tok-" + instance,
		Status:         integration.StatusPending,
		Enabled:        true,
	}
}

func TestCreateAndLookupRoundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	reg := testRegistration("org-1", "inst-a")
	reg.Config = map[string]string{"region": "sa-east-1"}
	require.NoError(t, repo.Create(ctx, reg))
	assert.NotEmpty(t, reg.ID, "create assigns an ID")

	byInstance, err := repo.GetByInstance(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, "org-1", byInstance.OrganizationID)
	assert.Equal(t, integration.StatusPending, byInstance.Status)
	assert.Equal(t, map[string]string{"region": "sa-east-1"}, byInstance.Config)

	byToken, err := repo.GetByToken(ctx, "tok-inst-a")
	require.NoError(t, err)
	assert.Equal(t, "inst-a", byToken.InstanceName)

	_, err = repo.GetByInstance(ctx, "nope")
	assert.ErrorIs(t, err, integration.ErrNotFound)
}

func TestSecondEnabledRegistrationPerOrgIsRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRegistration("org-1", "inst-a")))

	err := repo.Create(ctx, testRegistration("org-1", "inst-b"))
	assert.ErrorIs(t, err, integration.ErrAlreadyExists)

	// Disabled rows are history, not conflicts.
	disabled := testRegistration("org-1", "inst-c")
	disabled.Enabled = false
	assert.NoError(t, repo.Create(ctx, disabled))

	// Another org is unaffected.
	assert.NoError(t, repo.Create(ctx, testRegistration("org-2", "inst-d")))
}

func TestCreatePersistsDisabledFlag(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	disabled := testRegistration("org-1", "inst-old")
	disabled.Enabled = false
	require.NoError(t, repo.Create(ctx, disabled))

	reg, err := repo.GetByInstance(ctx, "inst-old")
	require.NoError(t, err)
	assert.False(t, reg.Enabled, "a disabled registration must read back disabled")
}

func TestGetEnabledByOrgSkipsDisabledRows(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	disabled := testRegistration("org-1", "inst-old")
	disabled.Enabled = false
	require.NoError(t, repo.Create(ctx, disabled))

	_, err := repo.GetEnabledByOrg(ctx, "org-1")
	assert.ErrorIs(t, err, integration.ErrNotFound)

	require.NoError(t, repo.Create(ctx, testRegistration("org-1", "inst-new")))
	reg, err := repo.GetEnabledByOrg(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-new", reg.InstanceName)
}

func TestUpdateStatusStampsConnectionTimes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRegistration("org-1", "inst-a")))

	require.NoError(t, repo.UpdateStatus(ctx, "inst-a", integration.StatusActive, "5511999990000"))
	reg, err := repo.GetByInstance(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, integration.StatusActive, reg.Status)
	assert.Equal(t, "5511999990000", reg.PhoneNumber)
	require.NotNil(t, reg.ConnectedAt)
	require.NotNil(t, reg.LastSeenAt)
	firstConnected := *reg.ConnectedAt

	// Going inactive and active again must not rewrite connected_at.
	require.NoError(t, repo.UpdateStatus(ctx, "inst-a", integration.StatusDisconnected, ""))
	require.NoError(t, repo.UpdateStatus(ctx, "inst-a", integration.StatusActive, ""))
	reg, err = repo.GetByInstance(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, firstConnected.Unix(), reg.ConnectedAt.Unix())

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", integration.StatusActive, ""), integration.ErrNotFound)
}

func TestDeleteRemovesRow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRegistration("org-1", "inst-a")))
	require.NoError(t, repo.Delete(ctx, "inst-a"))

	_, err := repo.GetByInstance(ctx, "inst-a")
	assert.ErrorIs(t, err, integration.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "inst-a"), integration.ErrNotFound)
}

func TestListReturnsAllRegistrations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testRegistration("org-1", "inst-a")))
	require.NoError(t, repo.Create(ctx, testRegistration("org-2", "inst-b")))

	regs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, regs, 2)
}
