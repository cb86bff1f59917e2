package account

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Pool partitions execution accounts by role.
const (
	PoolPrimary   = "primary"
	PoolTarget    = "target"
	PoolAuxiliary = "auxiliary"
)

// Account is one execution account the engine may act through. The health
// score is a bounded 0-100 summary of recent outcomes; requests_today rolls
// over at the UTC midnight boundary.
type Account struct {
	ID             string         `gorm:"column:id;primaryKey"`
	OwnerID        string         `gorm:"column:owner_id;index"`
	CredentialID   string         `gorm:"column:credential_id;index"`
	Pool           string         `gorm:"column:pool;type:varchar(20);index"`
	IsActive       bool           `gorm:"column:is_active;default:true;index"`
	Tags           datatypes.JSON `gorm:"column:tags"`
	HealthScore    int            `gorm:"column:health_score;default:100"`
	RequestsToday  int            `gorm:"column:requests_today;default:0"`
	DailyCountDate string         `gorm:"column:daily_count_date;type:varchar(10)"`
	ProxyID        *string        `gorm:"column:proxy_id;index"`
	TotalActions   int64          `gorm:"column:total_actions;default:0"`
	TotalFailures  int64          `gorm:"column:total_failures;default:0"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "accounts" }

// TagList decodes the stored tag array; a malformed column reads as empty.
func (a *Account) TagList() []string {
	if len(a.Tags) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(a.Tags, &tags); err != nil {
		return nil
	}
	return tags
}

// HasTags reports whether the account carries every required tag.
func (a *Account) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, t := range a.TagList() {
		have[t] = true
	}
	for _, t := range required {
		if !have[t] {
			return false
		}
	}
	return true
}

// DayKey is the fixed daily-reset boundary for rolling counters.
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
