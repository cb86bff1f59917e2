package loop

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Loop posts shared content from a random-sized subset of accounts on a
// fixed cadence. next_execution_at is the persisted due time; it always
// advances after a run so a loop can never stall on one instant.
type Loop struct {
	ID              string         `gorm:"column:id;primaryKey"`
	OwnerID         string         `gorm:"column:owner_id;index"`
	Name            string         `gorm:"column:name"`
	TemplateID      string         `gorm:"column:template_id"`
	MinAccounts     int            `gorm:"column:min_accounts;default:1"`
	MaxAccounts     int            `gorm:"column:max_accounts;default:1"`
	AccountIDs      datatypes.JSON `gorm:"column:account_ids"`
	RequiredTags    datatypes.JSON `gorm:"column:required_tags"`
	UseWeighted     bool           `gorm:"column:use_weighted;default:true"`
	AppendCTA       bool           `gorm:"column:append_cta;default:false"`
	IntervalHours   int            `gorm:"column:execution_interval_hours;default:24"`
	IsActive        bool           `gorm:"column:is_active;default:true;index"`
	NextExecutionAt *time.Time     `gorm:"column:next_execution_at;index"`
	LastExecutedAt  *time.Time     `gorm:"column:last_executed_at"`
	TotalPosts      int64          `gorm:"column:total_posts;default:0"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (Loop) TableName() string { return "loops" }

func (l *Loop) AccountIDList() []string   { return decodeStrings(l.AccountIDs) }
func (l *Loop) RequiredTagList() []string { return decodeStrings(l.RequiredTags) }

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
