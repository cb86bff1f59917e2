package queue

import "time"

// Item statuses. A failed row with retry budget left is re-claimed once
// its next_retry_at passes; at max_retries it is terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// QueueItem is one bulk-post unit of work. Content materializes lazily
// and is cached on the row so retries never re-select weighted items.
type QueueItem struct {
	ID             string     `gorm:"column:id;primaryKey"`
	OwnerID        string     `gorm:"column:owner_id;index"`
	AccountID      string     `gorm:"column:account_id;index"`
	TemplateID     string     `gorm:"column:template_id"`
	UseWeighted    bool       `gorm:"column:use_weighted;default:true"`
	AppendCTA      bool       `gorm:"column:append_cta;default:false"`
	CachedContent  string     `gorm:"column:cached_content;type:text"`
	ContentHash    string     `gorm:"column:content_hash;type:varchar(64)"`
	Status         string     `gorm:"column:status;type:varchar(20);default:'pending';index"`
	RetryCount     int        `gorm:"column:retry_count;default:0"`
	MaxRetries     int        `gorm:"column:max_retries;default:3"`
	NextRetryAt    *time.Time `gorm:"column:next_retry_at;index"`
	ExternalPostID string     `gorm:"column:external_post_id"`
	LastError      string     `gorm:"column:last_error;type:text"`
	ProcessedAt    *time.Time `gorm:"column:processed_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (QueueItem) TableName() string { return "queue_items" }
