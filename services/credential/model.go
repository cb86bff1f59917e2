package credential

import (
	"time"

	"gorm.io/datatypes"
)

// Status tracks the lifecycle of a stored token set.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusInvalid   Status = "invalid"
	StatusSuspended Status = "suspended"
)

// Credential is one OAuth token set. Unique per (owner, external account,
// category): an external account may be connected once per pool.
type Credential struct {
	ID                string         `gorm:"column:id;primaryKey"`
	OwnerID           string         `gorm:"column:owner_id;uniqueIndex:idx_credential_identity;index"`
	ExternalAccountID string         `gorm:"column:external_account_id;uniqueIndex:idx_credential_identity"`
	Category          string         `gorm:"column:category;type:varchar(20);uniqueIndex:idx_credential_identity"`
	Username          string         `gorm:"column:username"`
	AccessToken       string         `gorm:"column:access_token;type:text"`
	RefreshToken      string         `gorm:"column:refresh_token;type:text"`
	ExpiresAt         time.Time      `gorm:"column:expires_at"`
	Scopes            datatypes.JSON `gorm:"column:scopes"`
	Status            Status         `gorm:"column:status;type:varchar(20);default:'active';index"`
	IsActive          bool           `gorm:"column:is_active;default:true;index"`
	RefreshCount      int            `gorm:"column:refresh_count;default:0"`
	LastRefreshedAt   *time.Time     `gorm:"column:last_refreshed_at"`
	LastError         string         `gorm:"column:last_error;type:text"`
	PlatformAppID     *string        `gorm:"column:platform_app_id;index"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (Credential) TableName() string { return "credentials" }

// PlatformApp holds the operator-owned client credentials used for token
// refresh and the authorization-code exchange.
type PlatformApp struct {
	ID           string    `gorm:"column:id;primaryKey"`
	OwnerID      string    `gorm:"column:owner_id;index"`
	Name         string    `gorm:"column:name"`
	ClientID     string    `gorm:"column:client_id"`
	ClientSecret string    `gorm:"column:client_secret"`
	CallbackURL  string    `gorm:"column:callback_url"`
	IsDefault    bool      `gorm:"column:is_default;default:false"`
	IsActive     bool      `gorm:"column:is_active;default:true;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (PlatformApp) TableName() string { return "platform_apps" }

// AuthState is the transient state/verifier pair of one in-flight
// authorization. Single-use, expires 30 minutes after creation, deleted
// immediately after the code exchange.
type AuthState struct {
	State         string    `gorm:"column:state;primaryKey"`
	OwnerID       string    `gorm:"column:owner_id;index"`
	Category      string    `gorm:"column:category;type:varchar(20)"`
	Verifier      string    `gorm:"column:verifier"`
	PlatformAppID string    `gorm:"column:platform_app_id"`
	ExpiresAt     time.Time `gorm:"column:expires_at"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (AuthState) TableName() string { return "auth_states" }
