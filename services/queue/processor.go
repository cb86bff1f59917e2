package queue

import (
	"context"
	"encoding/json"
	"time"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/account"
	"postpilot-engine/services/action"
	"postpilot-engine/services/content"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/notify"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("queue", fx.Provide(NewProcessor))

// Result is one sampled item outcome.
type Result struct {
	ItemID    string `json:"item_id"`
	AccountID string `json:"account_id"`
	Success   bool   `json:"success"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Summary aggregates one processing pass.
type Summary struct {
	TraceID   string   `json:"trace_id"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	DryRun    bool     `json:"dry_run"`
	Results   []Result `json:"results"`
}

// Request narrows one processing pass.
type Request struct {
	TraceID   string
	OwnerID   string
	BatchSize int
	DryRun    bool
}

// Processor drains the bulk-post backlog with exclusive row claiming and
// exponential retry backoff.
type Processor struct {
	db       *gorm.DB
	gate     *account.Gate
	creds    credential.Repository
	exec     *action.Executor
	resv     *content.Resolver
	notifier *notify.Publisher
	eng      config.Engine
	log      *zap.Logger
}

type ProcessorParams struct {
	fx.In

	DB       *gorm.DB
	Gate     *account.Gate
	Creds    credential.Repository
	Exec     *action.Executor
	Resv     *content.Resolver
	Notifier *notify.Publisher
	Cfg      *config.Config
}

func NewProcessor(p ProcessorParams) *Processor {
	return &Processor{
		db:       p.DB,
		gate:     p.Gate,
		creds:    p.Creds,
		exec:     p.Exec,
		resv:     p.Resv,
		notifier: p.Notifier,
		eng:      p.Cfg.Engine,
		log:      zap.L().Named("queue.processor"),
	}
}

// Process claims a bounded batch of claimable rows and posts each one.
// Dry-run generates and caches content without any network call, leaving
// rows pending.
func (p *Processor) Process(ctx context.Context, req Request) (*Summary, error) {
	batch := req.BatchSize
	if batch <= 0 {
		batch = p.eng.QueueBatchSize
	}

	summary := &Summary{TraceID: req.TraceID, DryRun: req.DryRun}

	items, err := p.claimable(ctx, req.OwnerID, batch)
	if err != nil {
		return nil, err
	}

	for i := range items {
		item := &items[i]

		if req.DryRun {
			p.dryRunItem(ctx, item, summary)
			continue
		}

		if !p.claim(ctx, item) {
			continue
		}
		p.processItem(ctx, req.TraceID, item, summary)
	}

	p.writeRunRecord(ctx, req.TraceID, summary)
	return summary, nil
}

// claimable selects pending rows plus failed rows whose backoff has
// elapsed, oldest first. Terminal rows never match.
func (p *Processor) claimable(ctx context.Context, ownerID string, batch int) ([]QueueItem, error) {
	now := time.Now()
	q := p.db.WithContext(ctx).
		Where("retry_count < max_retries").
		Where("status = ? OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))",
			StatusPending, StatusFailed, now).
		Order("created_at ASC").
		Limit(batch)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}

	var items []QueueItem
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// claim transitions the row to processing before any work starts.
func (p *Processor) claim(ctx context.Context, item *QueueItem) bool {
	res := p.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ?", item.ID, item.Status).
		Update("status", StatusProcessing)
	if res.Error != nil {
		p.log.Error("queue claim failed", zap.String("item_id", item.ID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

// materialize returns the row's cached content, resolving and caching it
// on first use so a retry posts the exact content of the first attempt.
func (p *Processor) materialize(ctx context.Context, item *QueueItem) error {
	if item.CachedContent != "" {
		return nil
	}

	res, err := p.resv.Resolve(ctx, item.TemplateID, item.UseWeighted, item.AppendCTA)
	if err != nil {
		return err
	}
	item.CachedContent = res.Body
	item.ContentHash = res.Hash

	return p.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"cached_content": item.CachedContent,
			"content_hash":   item.ContentHash,
		}).Error
}

func (p *Processor) dryRunItem(ctx context.Context, item *QueueItem, summary *Summary) {
	summary.Processed++
	if err := p.materialize(ctx, item); err != nil {
		summary.Failed++
		summary.Results = p.sample(summary.Results, Result{
			ItemID:    item.ID,
			AccountID: item.AccountID,
			Success:   false,
			Error:     err.Error(),
		})
		return
	}
	summary.Succeeded++
	summary.Results = p.sample(summary.Results, Result{
		ItemID:    item.ID,
		AccountID: item.AccountID,
		Success:   true,
		Content:   item.CachedContent,
	})
}

func (p *Processor) processItem(ctx context.Context, traceID string, item *QueueItem, summary *Summary) {
	summary.Processed++

	if err := p.materialize(ctx, item); err != nil {
		summary.Failed++
		p.recordFailure(ctx, item, err, summary)
		return
	}

	if err := p.resv.CheckDuplicate(ctx, item.AccountID, item.ContentHash); err != nil {
		summary.Failed++
		p.recordFailure(ctx, item, err, summary)
		return
	}

	var acct account.Account
	if err := p.db.WithContext(ctx).First(&acct, "id = ?", item.AccountID).Error; err != nil {
		summary.Failed++
		p.recordFailure(ctx, item, errutil.ValidationFailed("account not found"), summary)
		return
	}
	if !p.gate.Admit(&acct, acct.Pool, 0) {
		// Not an attempt: release the claim and let a later pass retry.
		p.release(ctx, item)
		summary.Processed--
		return
	}

	cred, err := p.creds.GetByID(ctx, acct.CredentialID)
	if err != nil || !cred.IsActive {
		summary.Failed++
		p.recordFailure(ctx, item, errutil.ValidationFailed("credential unavailable"), summary)
		return
	}

	ok, rec := p.exec.Do(ctx, action.Request{
		TraceID:    traceID,
		Kind:       action.KindAction,
		SubjectID:  item.ID,
		Account:    &acct,
		Credential: cred,
		ActionType: action.TypePost,
		Target:     action.Target{Text: item.CachedContent},
	})
	if !ok {
		summary.Failed++
		p.recordFailure(ctx, item, errutil.BadGateway(rec.ErrorText), summary)
		return
	}

	if err := p.resv.RecordPost(ctx, item.AccountID, rec.TargetID, item.ContentHash); err != nil {
		p.log.Warn("post record write failed", zap.String("item_id", item.ID), zap.Error(err))
	}

	now := time.Now()
	uerr := p.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"status":           StatusSuccess,
			"external_post_id": rec.TargetID,
			"last_error":       "",
			"processed_at":     now,
		}).Error
	if uerr != nil {
		p.log.Error("queue success update failed", zap.String("item_id", item.ID), zap.Error(uerr))
	}

	summary.Succeeded++
	summary.Results = p.sample(summary.Results, Result{
		ItemID:    item.ID,
		AccountID: item.AccountID,
		Success:   true,
	})
}

// recordFailure applies the retry policy: duplicate content is terminal
// outright, otherwise the retry interval doubles per attempt until the
// budget runs out.
func (p *Processor) recordFailure(ctx context.Context, item *QueueItem, cause error, summary *Summary) {
	retries := item.RetryCount + 1
	updates := map[string]any{
		"status":      StatusFailed,
		"retry_count": retries,
		"last_error":  cause.Error(),
	}

	terminal := retries >= item.MaxRetries || errutil.IsDuplicate(cause)
	if terminal {
		updates["retry_count"] = item.MaxRetries
		updates["next_retry_at"] = nil
	} else {
		backoff := p.eng.RetryBackoffBase * time.Duration(1<<uint(item.RetryCount))
		updates["next_retry_at"] = time.Now().Add(backoff)
	}

	err := p.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ?", item.ID).
		Updates(updates).Error
	if err != nil {
		p.log.Error("queue failure update failed", zap.String("item_id", item.ID), zap.Error(err))
	}

	if terminal && p.notifier != nil {
		payload, _ := json.Marshal(map[string]any{
			"item_id":    item.ID,
			"account_id": item.AccountID,
			"error":      cause.Error(),
		})
		nerr := p.notifier.Publish(ctx, &notify.Notification{
			OwnerID: item.OwnerID,
			Kind:    notify.KindQueueFailure,
			Title:   "queue item failed permanently",
			Body:    cause.Error(),
			Payload: payload,
		})
		if nerr != nil {
			p.log.Warn("queue failure notification failed", zap.String("item_id", item.ID), zap.Error(nerr))
		}
	}

	summary.Results = p.sample(summary.Results, Result{
		ItemID:    item.ID,
		AccountID: item.AccountID,
		Success:   false,
		Error:     cause.Error(),
	})
}

func (p *Processor) release(ctx context.Context, item *QueueItem) {
	err := p.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ?", item.ID, StatusProcessing).
		Update("status", item.Status).Error
	if err != nil {
		p.log.Warn("queue claim release failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (p *Processor) writeRunRecord(ctx context.Context, traceID string, s *Summary) {
	if s.DryRun {
		return
	}
	err := p.exec.WriteRunRecord(ctx, &action.ExecutionRecord{
		TraceID:   traceID,
		Kind:      action.KindQueueRun,
		Success:   s.Failed == 0,
		Processed: s.Processed,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
	})
	if err != nil {
		p.log.Error("queue run record write failed", zap.String("trace_id", traceID), zap.Error(err))
	}
}

func (p *Processor) sample(dst []Result, r Result) []Result {
	if len(dst) >= p.eng.ResultSampleSize {
		return dst
	}
	return append(dst, r)
}
