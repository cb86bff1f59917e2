package notify

import (
	"time"

	"gorm.io/datatypes"
)

// Notification is a row consumed by the operator-facing display layer.
type Notification struct {
	ID        string         `gorm:"column:id;primaryKey"`
	OwnerID   string         `gorm:"column:owner_id;index"`
	Kind      string         `gorm:"column:kind;type:varchar(50);index"`
	Title     string         `gorm:"column:title"`
	Body      string         `gorm:"column:body;type:text"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	ReadAt    *time.Time     `gorm:"column:read_at"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (Notification) TableName() string { return "notifications" }

const (
	KindCredentialRefresh = "credential_refresh"
	KindQueueFailure      = "queue_failure"
)
