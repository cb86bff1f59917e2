package loop

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/account"
	"postpilot-engine/services/action"
	"postpilot-engine/services/content"
	"postpilot-engine/services/credential"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("loop", fx.Provide(NewScheduler))

// Result is one sampled per-account outcome from a loop run.
type Result struct {
	LoopID    string `json:"loop_id"`
	AccountID string `json:"account_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Summary aggregates one scheduling pass.
type Summary struct {
	TraceID   string   `json:"trace_id"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Scheduler runs due loops. Content is resolved once per loop run and
// shared across every chosen account.
type Scheduler struct {
	db    *gorm.DB
	gate  *account.Gate
	creds credential.Repository
	exec  *action.Executor
	resv  *content.Resolver
	eng   config.Engine
	log   *zap.Logger
}

type SchedulerParams struct {
	fx.In

	DB    *gorm.DB
	Gate  *account.Gate
	Creds credential.Repository
	Exec  *action.Executor
	Resv  *content.Resolver
	Cfg   *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		db:    p.DB,
		gate:  p.Gate,
		creds: p.Creds,
		exec:  p.Exec,
		resv:  p.Resv,
		eng:   p.Cfg.Engine,
		log:   zap.L().Named("loop.scheduler"),
	}
}

// Run executes one loop now, regardless of its due time.
func (s *Scheduler) Run(ctx context.Context, traceID, loopID string) (*Summary, error) {
	var l Loop
	err := s.db.WithContext(ctx).First(&l, "id = ?", loopID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.ValidationFailed("loop not found")
	}
	if err != nil {
		return nil, err
	}
	if !l.IsActive {
		return nil, errutil.ValidationFailed("loop is inactive")
	}

	summary := &Summary{TraceID: traceID}
	s.runLoop(ctx, traceID, &l, summary)
	return summary, nil
}

// RunDue claims and runs due loops in ascending due order. The claim
// advances next_execution_at in one conditional UPDATE, which both takes
// ownership and guarantees the schedule moves forward on total failure.
func (s *Scheduler) RunDue(ctx context.Context, traceID string, batch int) (*Summary, error) {
	if batch <= 0 {
		batch = s.eng.LoopBatchSize
	}

	now := time.Now()
	var due []Loop
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("next_execution_at IS NULL OR next_execution_at <= ?", now).
		Order("next_execution_at ASC").
		Limit(batch).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	summary := &Summary{TraceID: traceID}
	for i := range due {
		l := &due[i]
		if !s.claim(ctx, l, now) {
			continue
		}
		s.runLoop(ctx, traceID, l, summary)
	}
	return summary, nil
}

func (s *Scheduler) claim(ctx context.Context, l *Loop, now time.Time) bool {
	next := now.Add(time.Duration(l.IntervalHours) * time.Hour)
	q := s.db.WithContext(ctx).Model(&Loop{}).
		Where("id = ? AND is_active = ?", l.ID, true)
	if l.NextExecutionAt == nil {
		q = q.Where("next_execution_at IS NULL")
	} else {
		q = q.Where("next_execution_at = ?", l.NextExecutionAt)
	}
	res := q.Update("next_execution_at", next)
	if res.Error != nil {
		s.log.Error("loop claim failed", zap.String("loop_id", l.ID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

func (s *Scheduler) runLoop(ctx context.Context, traceID string, l *Loop, summary *Summary) {
	startedAt := time.Now()
	succeeded, failed := 0, 0

	res, err := s.resv.Resolve(ctx, l.TemplateID, l.UseWeighted, l.AppendCTA)
	if err != nil {
		s.log.Warn("loop content resolution failed", zap.String("loop_id", l.ID), zap.Error(err))
		summary.Processed++
		summary.Failed++
		summary.Results = appendSample(summary.Results, Result{
			LoopID:  l.ID,
			Success: false,
			Error:   err.Error(),
		}, s.eng.ResultSampleSize)
		s.finishRun(ctx, traceID, l, 0, 0, 1, startedAt)
		return
	}

	chosen := s.chooseExecutors(ctx, l)
	for i := range chosen {
		acct := &chosen[i]

		// Same pre-post dedupe check the queue path runs: an account that
		// posted this content within the window never reposts it.
		if derr := s.resv.CheckDuplicate(ctx, acct.ID, res.Hash); derr != nil {
			failed++
			summary.Processed++
			summary.Failed++
			summary.Results = appendSample(summary.Results, Result{
				LoopID:    l.ID,
				AccountID: acct.ID,
				Success:   false,
				Error:     derr.Error(),
			}, s.eng.ResultSampleSize)
			continue
		}

		cred, cerr := s.creds.GetByID(ctx, acct.CredentialID)
		if cerr != nil || !cred.IsActive {
			continue
		}

		ok, rec := s.exec.Do(ctx, action.Request{
			TraceID:    traceID,
			Kind:       action.KindAction,
			SubjectID:  l.ID,
			Account:    acct,
			Credential: cred,
			ActionType: action.TypePost,
			Target:     action.Target{Text: res.Body},
		})

		summary.Processed++
		if ok {
			succeeded++
			summary.Succeeded++
			if rerr := s.resv.RecordPost(ctx, acct.ID, rec.TargetID, res.Hash); rerr != nil {
				s.log.Warn("post record write failed", zap.String("account_id", acct.ID), zap.Error(rerr))
			}
		} else {
			failed++
			summary.Failed++
		}
		summary.Results = appendSample(summary.Results, Result{
			LoopID:    l.ID,
			AccountID: acct.ID,
			Success:   ok,
			Error:     rec.ErrorText,
		}, s.eng.ResultSampleSize)
	}

	s.finishRun(ctx, traceID, l, succeeded, succeeded, failed, startedAt)
}

// finishRun advances the loop's schedule, bumps its lifetime post count,
// and writes one run record, even when every post failed.
func (s *Scheduler) finishRun(ctx context.Context, traceID string, l *Loop, posts, succeeded, failed int, startedAt time.Time) {
	next := startedAt.Add(time.Duration(l.IntervalHours) * time.Hour)
	err := s.db.WithContext(ctx).Model(&Loop{}).
		Where("id = ?", l.ID).
		Updates(map[string]any{
			"next_execution_at": next,
			"last_executed_at":  startedAt,
			"total_posts":       gorm.Expr("total_posts + ?", posts),
		}).Error
	if err != nil {
		s.log.Error("loop state update failed", zap.String("loop_id", l.ID), zap.Error(err))
	}

	rerr := s.exec.WriteRunRecord(ctx, &action.ExecutionRecord{
		TraceID:   traceID,
		Kind:      action.KindLoopRun,
		SubjectID: l.ID,
		Success:   failed == 0,
		Processed: succeeded + failed,
		Succeeded: succeeded,
		Failed:    failed,
	})
	if rerr != nil {
		s.log.Error("loop run record write failed", zap.String("loop_id", l.ID), zap.Error(rerr))
	}
}

// chooseExecutors picks a random subset of admitted accounts sized within
// the loop's [min,max] range.
func (s *Scheduler) chooseExecutors(ctx context.Context, l *Loop) []account.Account {
	accts, err := s.gate.ListExecutors(ctx, l.OwnerID, l.AccountIDList(), l.RequiredTagList())
	if err != nil {
		s.log.Warn("executor listing failed", zap.String("loop_id", l.ID), zap.Error(err))
		return nil
	}

	admitted := accts[:0]
	for i := range accts {
		if s.gate.Admit(&accts[i], accts[i].Pool, 0) {
			admitted = append(admitted, accts[i])
		}
	}

	min, max := l.MinAccounts, l.MaxAccounts
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	n := min
	if max > min {
		n = min + rand.Intn(max-min+1)
	}
	if n > len(admitted) {
		n = len(admitted)
	}

	rand.Shuffle(len(admitted), func(i, j int) {
		admitted[i], admitted[j] = admitted[j], admitted[i]
	})
	return admitted[:n]
}

func appendSample(dst []Result, r Result, max int) []Result {
	if len(dst) >= max {
		return dst
	}
	return append(dst, r)
}
