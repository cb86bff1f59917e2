package rule

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Search types an engagement rule can run with.
const (
	SearchKeyword = "keyword"
	SearchHashtag = "hashtag"
	SearchURL     = "url"
	SearchUser    = "user"
)

// EngagementRule drives repeated engagement against search results. The
// per-day counter rolls over at the UTC boundary; next_execution_at is the
// persisted due time an external trigger checks.
type EngagementRule struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	OwnerID            string         `gorm:"column:owner_id;index"`
	Name               string         `gorm:"column:name"`
	SearchType         string         `gorm:"column:search_type;type:varchar(20)"`
	Query              string         `gorm:"column:query;type:text"`
	AdvancedFilter     string         `gorm:"column:advanced_filter;type:text"`
	ExcludeKeywords    datatypes.JSON `gorm:"column:exclude_keywords"`
	ActionTypes        datatypes.JSON `gorm:"column:action_types"`
	ReplyTemplateID    *string        `gorm:"column:reply_template_id"`
	ExecutorAccountIDs datatypes.JSON `gorm:"column:executor_account_ids"`
	ExecutorTags       datatypes.JSON `gorm:"column:executor_tags"`
	SearchCredentialID *string        `gorm:"column:search_credential_id"`
	AutoUnfollow       bool           `gorm:"column:auto_unfollow;default:false"`
	IntervalHours      int            `gorm:"column:execution_interval_hours;default:24"`
	DailyCap           int            `gorm:"column:daily_cap;default:0"`
	TodayCount         int            `gorm:"column:today_count;default:0"`
	LastResetDate      string         `gorm:"column:last_reset_date;type:varchar(10)"`
	TotalActions       int64          `gorm:"column:total_actions;default:0"`
	TotalSucceeded     int64          `gorm:"column:total_succeeded;default:0"`
	TotalFailed        int64          `gorm:"column:total_failed;default:0"`
	IsActive           bool           `gorm:"column:is_active;default:true;index"`
	NextExecutionAt    *time.Time     `gorm:"column:next_execution_at;index"`
	LastExecutedAt     *time.Time     `gorm:"column:last_executed_at"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at"`
}

func (EngagementRule) TableName() string { return "engagement_rules" }

func (r *EngagementRule) ActionTypeList() []string    { return decodeStrings(r.ActionTypes) }
func (r *EngagementRule) ExcludeKeywordList() []string { return decodeStrings(r.ExcludeKeywords) }
func (r *EngagementRule) ExecutorIDList() []string     { return decodeStrings(r.ExecutorAccountIDs) }
func (r *EngagementRule) ExecutorTagList() []string    { return decodeStrings(r.ExecutorTags) }

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
