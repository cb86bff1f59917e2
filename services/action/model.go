package action

import (
	"time"

	"gorm.io/datatypes"
)

// Action types dispatched against the external platform.
const (
	TypeLike     = "like"
	TypeRepost   = "retweet"
	TypeFollow   = "follow"
	TypeReply    = "reply"
	TypePost     = "post"
	TypeUnfollow = "unfollow"
)

// Record kinds. Attempt records log one external call; run records
// summarize one scheduling pass over a rule, loop, or queue batch.
const (
	KindAction   = "action"
	KindRuleRun  = "rule_run"
	KindLoopRun  = "loop_run"
	KindQueueRun = "queue_run"
)

// ExecutionRecord is the immutable log row written for every attempt and
// every run. Scheduling counters are derived from these rows.
type ExecutionRecord struct {
	ID         string         `gorm:"column:id;primaryKey"`
	TraceID    string         `gorm:"column:trace_id;index"`
	Kind       string         `gorm:"column:kind;type:varchar(20);index"`
	SubjectID  string         `gorm:"column:subject_id;index"`
	AccountID  string         `gorm:"column:account_id;index"`
	ActionType string         `gorm:"column:action_type;type:varchar(20)"`
	TargetID   string         `gorm:"column:target_id"`
	Success    bool           `gorm:"column:success"`
	Processed  int            `gorm:"column:processed;default:0"`
	Succeeded  int            `gorm:"column:succeeded;default:0"`
	Failed     int            `gorm:"column:failed;default:0"`
	ErrorText  string         `gorm:"column:error_text;type:text"`
	Detail     datatypes.JSON `gorm:"column:detail"`
	CreatedAt  time.Time      `gorm:"column:created_at;index"`
}

func (ExecutionRecord) TableName() string { return "execution_records" }

// UnfollowIntent is a persisted future unfollow scheduled when a follow
// action runs with auto-unfollow configured. Executed by a later pass,
// never inline with the follow.
type UnfollowIntent struct {
	ID           string    `gorm:"column:id;primaryKey"`
	AccountID    string    `gorm:"column:account_id;index"`
	CredentialID string    `gorm:"column:credential_id"`
	TargetUserID string    `gorm:"column:target_user_id"`
	DueAt        time.Time `gorm:"column:due_at;index"`
	Status       string    `gorm:"column:status;type:varchar(20);default:'pending';index"`
	ErrorText    string    `gorm:"column:error_text;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (UnfollowIntent) TableName() string { return "unfollow_intents" }

const (
	IntentPending    = "pending"
	IntentProcessing = "processing"
	IntentDone       = "done"
	IntentFailed     = "failed"
)
