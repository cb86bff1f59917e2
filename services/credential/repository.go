package credential

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations available for credentials and
// platform apps.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Credential, error)
	ListActive(ctx context.Context, ownerID string) ([]Credential, error)
	Upsert(ctx context.Context, cred *Credential) error
	SaveTokens(ctx context.Context, cred *Credential) error
	Deactivate(ctx context.Context, id string, status Status, errText string) error
	MarkStatus(ctx context.Context, id string, status Status) error

	ResolveApp(ctx context.Context, cred *Credential) (*PlatformApp, error)
	GetApp(ctx context.Context, id string) (*PlatformApp, error)

	CreateState(ctx context.Context, state *AuthState) error
	ConsumeState(ctx context.Context, state string) (*AuthState, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetByID(ctx context.Context, id string) (*Credential, error) {
	var cred Credential
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cred).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *gormRepository) ListActive(ctx context.Context, ownerID string) ([]Credential, error) {
	query := r.db.WithContext(ctx).Model(&Credential{}).Where("is_active = ?", true)
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}

	var creds []Credential
	if err := query.Order("id ASC").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// Upsert inserts or replaces the token set for one external account,
// keeping the (owner, external account, category) uniqueness invariant.
func (r *gormRepository) Upsert(ctx context.Context, cred *Credential) error {
	now := time.Now().UTC()
	cred.UpdatedAt = now
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "external_account_id"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "access_token", "refresh_token", "expires_at", "scopes",
			"status", "is_active", "last_error", "platform_app_id", "updated_at",
		}),
	}).Create(cred).Error
}

func (r *gormRepository) SaveTokens(ctx context.Context, cred *Credential) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", cred.ID).
		Updates(map[string]any{
			"access_token":      cred.AccessToken,
			"refresh_token":     cred.RefreshToken,
			"expires_at":        cred.ExpiresAt,
			"status":            StatusActive,
			"is_active":         true,
			"last_error":        "",
			"refresh_count":     gorm.Expr("refresh_count + 1"),
			"last_refreshed_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Deactivate permanently retires a credential after an unrecoverable
// refresh or validation failure.
func (r *gormRepository) Deactivate(ctx context.Context, id string, status Status, errText string) error {
	return r.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_active":  false,
			"status":     status,
			"last_error": errText,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *gormRepository) MarkStatus(ctx context.Context, id string, status Status) error {
	return r.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}

// ResolveApp picks the platform app used for a credential's refresh:
// explicit reference first, then the owner's default, then any active app
// owned by the owner.
func (r *gormRepository) ResolveApp(ctx context.Context, cred *Credential) (*PlatformApp, error) {
	if cred.PlatformAppID != nil && *cred.PlatformAppID != "" {
		var app PlatformApp
		err := r.db.WithContext(ctx).
			Where("id = ? AND is_active = ?", *cred.PlatformAppID, true).
			First(&app).Error
		if err == nil {
			return &app, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}

	var app PlatformApp
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_default = ? AND is_active = ?", cred.OwnerID, true, true).
		First(&app).Error
	if err == nil {
		return &app, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", cred.OwnerID, true).
		Order("created_at ASC").
		First(&app).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (r *gormRepository) GetApp(ctx context.Context, id string) (*PlatformApp, error) {
	var app PlatformApp
	if err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&app).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

func (r *gormRepository) CreateState(ctx context.Context, state *AuthState) error {
	state.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(state).Error
}

// ConsumeState deletes the row as it reads it so a state can never be
// exchanged twice. Expired rows are treated as missing.
func (r *gormRepository) ConsumeState(ctx context.Context, state string) (*AuthState, error) {
	var row AuthState
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).First(&row).Error; err != nil {
			return err
		}
		return tx.Where("state = ?", state).Delete(&AuthState{}).Error
	})
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}
