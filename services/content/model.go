package content

import "time"

// Template is a content source. When weighted items exist, one is
// selected by weight; otherwise the template body is used as-is.
type Template struct {
	ID         string    `gorm:"column:id;primaryKey"`
	OwnerID    string    `gorm:"column:owner_id;index"`
	Name       string    `gorm:"column:name"`
	Body       string    `gorm:"column:body;type:text"`
	IsActive   bool      `gorm:"column:is_active;default:true"`
	UsageCount int64     `gorm:"column:usage_count;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (Template) TableName() string { return "templates" }

// TemplateItem is a weighted content variant of a template.
type TemplateItem struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TemplateID string    `gorm:"column:template_id;index"`
	Body       string    `gorm:"column:body;type:text"`
	Weight     int       `gorm:"column:weight;default:1"`
	IsActive   bool      `gorm:"column:is_active;default:true"`
	UsageCount int64     `gorm:"column:usage_count;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (TemplateItem) TableName() string { return "template_items" }

// CallToAction is an optional trailer appended to resolved content.
type CallToAction struct {
	ID         string    `gorm:"column:id;primaryKey"`
	OwnerID    string    `gorm:"column:owner_id;index"`
	Body       string    `gorm:"column:body;type:text"`
	IsActive   bool      `gorm:"column:is_active;default:true"`
	UsageCount int64     `gorm:"column:usage_count;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (CallToAction) TableName() string { return "call_to_actions" }

// PostRecord is one published post, keyed by content hash for duplicate
// rejection within the dedupe window.
type PostRecord struct {
	ID             string    `gorm:"column:id;primaryKey"`
	AccountID      string    `gorm:"column:account_id;index:idx_post_dedupe"`
	ExternalPostID string    `gorm:"column:external_post_id"`
	ContentHash    string    `gorm:"column:content_hash;type:varchar(64);index:idx_post_dedupe"`
	PostedAt       time.Time `gorm:"column:posted_at;index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (PostRecord) TableName() string { return "post_records" }
