package credential

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/testutil"
)

func newTestManager(t *testing.T) (*Manager, *testutil.FakePlatform, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Credential{}, &PlatformApp{}, &AuthState{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := testutil.NewFakePlatform()
	m := NewManager(ManagerParams{
		Repository: NewRepository(db),
		Client:     fake,
		Logger:     zap.NewNop(),
		Node:       node,
		Cfg:        testutil.NewConfig(),
	})
	return m, fake, db
}

func seedApp(t *testing.T, db *gorm.DB, app *PlatformApp) *PlatformApp {
	t.Helper()
	require.NoError(t, db.Create(app).Error)
	return app
}

func seedCredential(t *testing.T, db *gorm.DB, cred *Credential) *Credential {
	t.Helper()
	if cred.Status == "" {
		cred.Status = StatusActive
	}
	require.NoError(t, db.Create(cred).Error)
	return cred
}

func TestManager_RefreshSuccess(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()

	seedApp(t, db, &PlatformApp{ID: "app-1", OwnerID: "own-1", ClientID: "cid", ClientSecret: "sec", IsDefault: true, IsActive: true})
	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		AccessToken: "old-access", RefreshToken: "old-refresh", IsActive: true,
	})

	require.NoError(t, m.Refresh(ctx, cred))

	var stored Credential
	require.NoError(t, db.First(&stored, "id = ?", "cred-1").Error)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, "new-refresh", stored.RefreshToken)
	require.Equal(t, StatusActive, stored.Status)
	require.True(t, stored.IsActive)
	require.Equal(t, 1, stored.RefreshCount)
	require.Empty(t, stored.LastError)
	require.True(t, stored.ExpiresAt.After(time.Now()))
}

func TestManager_RefreshRejectionDeactivates(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	seedApp(t, db, &PlatformApp{ID: "app-1", OwnerID: "own-1", IsDefault: true, IsActive: true})
	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		RefreshToken: "old-refresh", IsActive: true,
	})

	fake.RefreshErr = errutil.Unauthorized("invalid_grant")

	err := m.Refresh(ctx, cred)
	require.Error(t, err)

	var stored Credential
	require.NoError(t, db.First(&stored, "id = ?", "cred-1").Error)
	require.False(t, stored.IsActive)
	require.Equal(t, StatusInvalid, stored.Status)
	require.Contains(t, stored.LastError, "invalid_grant")
}

func TestManager_RefreshForbiddenMarksSuspended(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	seedApp(t, db, &PlatformApp{ID: "app-1", OwnerID: "own-1", IsDefault: true, IsActive: true})
	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		RefreshToken: "old-refresh", IsActive: true,
	})

	fake.RefreshErr = errutil.Forbidden("account suspended")

	require.Error(t, m.Refresh(ctx, cred))

	var stored Credential
	require.NoError(t, db.First(&stored, "id = ?", "cred-1").Error)
	require.False(t, stored.IsActive)
	require.Equal(t, StatusSuspended, stored.Status)
}

func TestManager_RefreshTransientLeavesActive(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	seedApp(t, db, &PlatformApp{ID: "app-1", OwnerID: "own-1", IsDefault: true, IsActive: true})
	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		RefreshToken: "old-refresh", IsActive: true,
	})

	fake.RefreshErr = errutil.BadGateway("upstream unavailable")

	require.Error(t, m.Refresh(ctx, cred))

	var stored Credential
	require.NoError(t, db.First(&stored, "id = ?", "cred-1").Error)
	require.True(t, stored.IsActive)
	require.Equal(t, StatusActive, stored.Status)
}

func TestManager_RefreshWithoutRefreshToken(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		IsActive: true,
	})

	err := m.Refresh(ctx, cred)
	require.Error(t, err)
	require.True(t, errutil.IsValidation(err))
	require.Zero(t, fake.CallCount("refresh"))
}

func TestManager_AppResolutionFallback(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()

	// The explicitly referenced app is gone; the owner default wins over
	// the older non-default app.
	seedApp(t, db, &PlatformApp{ID: "older", OwnerID: "own-1", IsActive: true, CreatedAt: time.Now().Add(-time.Hour)})
	seedApp(t, db, &PlatformApp{ID: "default", OwnerID: "own-1", IsDefault: true, IsActive: true})

	missing := "missing-app"
	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		RefreshToken: "rt", PlatformAppID: &missing, IsActive: true,
	})

	require.NoError(t, m.Refresh(ctx, cred))
}

func TestManager_ValidateConnection(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		AccessToken: "tok", IsActive: true,
	})

	status, err := m.ValidateConnection(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, StatusActive, status)

	fake.MeErr = errutil.Forbidden("suspended")
	status, err = m.ValidateConnection(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, status)

	var stored Credential
	require.NoError(t, db.First(&stored, "id = ?", "cred-1").Error)
	require.Equal(t, StatusSuspended, stored.Status)
}

func TestManager_ValidateConnectionExpired(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		AccessToken: "tok", ExpiresAt: time.Now().Add(-time.Hour), IsActive: true,
	})

	fake.MeErr = errutil.Unauthorized("token expired")
	status, err := m.ValidateConnection(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, status)
}

func TestManager_RefreshBatchSummaries(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	seedApp(t, db, &PlatformApp{ID: "app-1", OwnerID: "own-1", IsDefault: true, IsActive: true})
	seedCredential(t, db, &Credential{
		ID: "good", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		RefreshToken: "rt", IsActive: true,
	})
	seedCredential(t, db, &Credential{
		ID: "bad", OwnerID: "own-1", ExternalAccountID: "ext-2", Category: "primary",
		IsActive: true, // no refresh token
	})

	summary, err := m.RefreshBatch(ctx, "own-1", 10)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Refreshed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, fake.CallCount("refresh"))
}

// A 401 from the token endpoint must leave the credential unusable for
// every later admission decision.
func TestManager_RejectedCredentialStaysRejected(t *testing.T) {
	m, fake, db := newTestManager(t)
	ctx := context.Background()

	seedApp(t, db, &PlatformApp{ID: "app-1", OwnerID: "own-1", IsDefault: true, IsActive: true})
	cred := seedCredential(t, db, &Credential{
		ID: "cred-1", OwnerID: "own-1", ExternalAccountID: "ext-1", Category: "primary",
		RefreshToken: "rt", IsActive: true,
	})

	fake.RefreshErr = errutil.Unauthorized("invalid_grant")
	require.Error(t, m.Refresh(ctx, cred))

	repo := NewRepository(db)
	active, err := repo.ListActive(ctx, "own-1")
	require.NoError(t, err)
	require.Empty(t, active)

	stored, err := repo.GetByID(ctx, "cred-1")
	require.NoError(t, err)
	require.False(t, stored.IsActive)
	require.NotEmpty(t, stored.LastError)
}
