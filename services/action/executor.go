package action

import (
	"context"
	"sync"
	"time"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/account"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/platform"
	"postpilot-engine/services/proxy"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("action", fx.Provide(NewExecutor))

// Target identifies what an action operates on. Like/repost/reply use
// PostID, follow uses UserID, reply/post carry the resolved Text.
type Target struct {
	PostID string
	UserID string
	Text   string
}

// Request is one unit of work for the executor.
type Request struct {
	TraceID      string
	Kind         string
	SubjectID    string
	Account      *account.Account
	Credential   *credential.Credential
	ActionType   string
	Target       Target
	AutoUnfollow bool
}

// Executor issues exactly one external platform call per invocation. It
// never lets a failure escape its boundary: every outcome becomes a
// boolean plus one persisted ExecutionRecord, so callers keep iterating
// the rest of their batch after a failure.
type Executor struct {
	db      *gorm.DB
	cli     platform.Client
	gate    *account.Gate
	creds   credential.Repository
	proxies *proxy.Allocator
	node    *snowflake.Node
	eng     config.Engine
	log     *zap.Logger

	mu       sync.Mutex
	lastCall time.Time
}

type ExecutorParams struct {
	fx.In

	DB      *gorm.DB
	Cli     platform.Client
	Gate    *account.Gate
	Creds   credential.Repository
	Proxies *proxy.Allocator
	Node    *snowflake.Node
	Cfg     *config.Config
}

func NewExecutor(p ExecutorParams) *Executor {
	return &Executor{
		db:      p.DB,
		cli:     p.Cli,
		gate:    p.Gate,
		creds:   p.Creds,
		proxies: p.Proxies,
		node:    p.Node,
		eng:     p.Cfg.Engine,
		log:     zap.L().Named("action.executor"),
	}
}

// Do runs one action. Validation failures surface before any network call;
// everything else is a single platform call followed by bookkeeping.
func (e *Executor) Do(ctx context.Context, req Request) (bool, *ExecutionRecord) {
	rec := &ExecutionRecord{
		ID:         e.node.Generate().String(),
		TraceID:    req.TraceID,
		Kind:       KindAction,
		SubjectID:  req.SubjectID,
		ActionType: req.ActionType,
		CreatedAt:  time.Now(),
	}
	if req.Account != nil {
		rec.AccountID = req.Account.ID
		ctx = e.withAccountProxy(ctx, req.Account)
	}

	err := e.run(ctx, req, rec)
	rec.Success = err == nil
	if err != nil {
		rec.ErrorText = err.Error()
	}

	if cerr := e.db.WithContext(ctx).Create(rec).Error; cerr != nil {
		e.log.Error("execution record write failed", zap.String("trace_id", req.TraceID), zap.Error(cerr))
	}

	if req.Account != nil && !errutil.IsValidation(err) {
		if gerr := e.gate.RecordResult(ctx, req.Account.ID, err == nil); gerr != nil {
			e.log.Warn("account counters update failed", zap.String("account_id", req.Account.ID), zap.Error(gerr))
		}
	}

	if err != nil && errutil.IsPermanent(err) && req.Credential != nil {
		status := credential.StatusInvalid
		if errutil.StatusOf(err) == errutil.StatusForbidden {
			status = credential.StatusSuspended
		}
		if derr := e.creds.Deactivate(ctx, req.Credential.ID, status, err.Error()); derr != nil {
			e.log.Error("credential deactivation failed", zap.String("credential_id", req.Credential.ID), zap.Error(derr))
		}
	}

	return err == nil, rec
}

// withAccountProxy routes auxiliary-pool traffic through the account's
// assigned proxy, provisioning one on first use. Primary accounts and
// accounts without an allocator connect directly.
func (e *Executor) withAccountProxy(ctx context.Context, acct *account.Account) context.Context {
	if e.proxies == nil || acct.Pool != account.PoolAuxiliary {
		return ctx
	}

	var p *proxy.Proxy
	var err error
	if acct.ProxyID != nil && *acct.ProxyID != "" {
		p, err = e.proxies.Get(ctx, *acct.ProxyID)
	} else {
		p, err = e.provisionProxy(ctx, acct)
	}
	if err != nil {
		e.log.Warn("proxy unavailable, using direct connection",
			zap.String("account_id", acct.ID), zap.Error(err))
		return ctx
	}
	if p == nil || !p.IsActive {
		return ctx
	}
	return platform.WithProxy(ctx, p.URL())
}

// provisionProxy assigns a proxy to the account and persists the binding.
// The conditional update only writes when proxy_id is still unset, so a
// concurrent winner's assignment stands and the loser's slot is released.
func (e *Executor) provisionProxy(ctx context.Context, acct *account.Account) (*proxy.Proxy, error) {
	p, err := e.proxies.Assign(ctx)
	if err != nil {
		return nil, err
	}

	res := e.db.WithContext(ctx).Model(&account.Account{}).
		Where("id = ? AND proxy_id IS NULL", acct.ID).
		Update("proxy_id", p.ID)
	if res.Error != nil {
		if rerr := e.proxies.Release(ctx, p.ID); rerr != nil {
			e.log.Warn("proxy release failed", zap.String("proxy_id", p.ID), zap.Error(rerr))
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race: another pass already bound a proxy. Give the
		// slot back and read the winner's binding.
		if rerr := e.proxies.Release(ctx, p.ID); rerr != nil {
			e.log.Warn("proxy release failed", zap.String("proxy_id", p.ID), zap.Error(rerr))
		}
		var cur account.Account
		if lerr := e.db.WithContext(ctx).First(&cur, "id = ?", acct.ID).Error; lerr != nil {
			return nil, lerr
		}
		if cur.ProxyID == nil || *cur.ProxyID == "" {
			return nil, errutil.NotFound("account has no proxy binding")
		}
		acct.ProxyID = cur.ProxyID
		return e.proxies.Get(ctx, *cur.ProxyID)
	}

	acct.ProxyID = &p.ID
	e.log.Info("proxy assigned",
		zap.String("account_id", acct.ID), zap.String("proxy_id", p.ID))
	return p, nil
}

func (e *Executor) run(ctx context.Context, req Request, rec *ExecutionRecord) error {
	cred := req.Credential
	if cred == nil || cred.AccessToken == "" {
		return errutil.ValidationFailed("credential with access token required")
	}

	switch req.ActionType {
	case TypeLike:
		if req.Target.PostID == "" {
			return errutil.ValidationFailed("like requires a target post")
		}
		rec.TargetID = req.Target.PostID
		e.throttle(ctx)
		return e.cli.Like(ctx, cred.AccessToken, cred.ExternalAccountID, req.Target.PostID)

	case TypeRepost:
		if req.Target.PostID == "" {
			return errutil.ValidationFailed("retweet requires a target post")
		}
		rec.TargetID = req.Target.PostID
		e.throttle(ctx)
		return e.cli.Repost(ctx, cred.AccessToken, cred.ExternalAccountID, req.Target.PostID)

	case TypeFollow:
		if req.Target.UserID == "" {
			return errutil.ValidationFailed("follow requires a target user")
		}
		rec.TargetID = req.Target.UserID
		e.throttle(ctx)
		if err := e.cli.Follow(ctx, cred.AccessToken, cred.ExternalAccountID, req.Target.UserID); err != nil {
			return err
		}
		if req.AutoUnfollow {
			if err := e.scheduleUnfollow(ctx, req); err != nil {
				e.log.Warn("unfollow intent write failed", zap.String("target_user_id", req.Target.UserID), zap.Error(err))
			}
		}
		return nil

	case TypeReply:
		if req.Target.Text == "" {
			return errutil.ValidationFailed("reply requires a reply template")
		}
		if req.Target.PostID == "" {
			return errutil.ValidationFailed("reply requires a target post")
		}
		rec.TargetID = req.Target.PostID
		e.throttle(ctx)
		id, err := e.cli.Reply(ctx, cred.AccessToken, req.Target.PostID, req.Target.Text)
		if err != nil {
			return err
		}
		rec.TargetID = id
		return nil

	case TypePost:
		if req.Target.Text == "" {
			return errutil.ValidationFailed("post requires content")
		}
		e.throttle(ctx)
		id, err := e.cli.Post(ctx, cred.AccessToken, req.Target.Text)
		if err != nil {
			return err
		}
		rec.TargetID = id
		return nil

	case TypeUnfollow:
		if req.Target.UserID == "" {
			return errutil.ValidationFailed("unfollow requires a target user")
		}
		rec.TargetID = req.Target.UserID
		e.throttle(ctx)
		return e.cli.Unfollow(ctx, cred.AccessToken, cred.ExternalAccountID, req.Target.UserID)

	default:
		return errutil.ValidationFailed("unknown action type: " + req.ActionType)
	}
}

func (e *Executor) scheduleUnfollow(ctx context.Context, req Request) error {
	intent := &UnfollowIntent{
		ID:           e.node.Generate().String(),
		AccountID:    req.Account.ID,
		CredentialID: req.Credential.ID,
		TargetUserID: req.Target.UserID,
		DueAt:        time.Now().AddDate(0, 0, e.eng.UnfollowAfterDays),
		Status:       IntentPending,
	}
	return e.db.WithContext(ctx).Create(intent).Error
}

// ProcessUnfollows executes due unfollow intents. Each intent is claimed
// with a conditional status transition before any work so concurrent
// passes never double-unfollow.
func (e *Executor) ProcessUnfollows(ctx context.Context, traceID string, batch int) (processed, succeeded, failed int, err error) {
	if batch <= 0 {
		batch = e.eng.QueueBatchSize
	}

	var intents []UnfollowIntent
	err = e.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", IntentPending, time.Now()).
		Order("due_at ASC").
		Limit(batch).
		Find(&intents).Error
	if err != nil {
		return 0, 0, 0, err
	}

	for i := range intents {
		intent := &intents[i]

		res := e.db.WithContext(ctx).Model(&UnfollowIntent{}).
			Where("id = ? AND status = ?", intent.ID, IntentPending).
			Update("status", IntentProcessing)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		processed++

		cred, cerr := e.creds.GetByID(ctx, intent.CredentialID)
		if cerr != nil || !cred.IsActive {
			failed++
			e.finishIntent(ctx, intent.ID, IntentFailed, "credential unavailable")
			continue
		}

		var acct account.Account
		if aerr := e.db.WithContext(ctx).First(&acct, "id = ?", intent.AccountID).Error; aerr != nil {
			failed++
			e.finishIntent(ctx, intent.ID, IntentFailed, "account unavailable")
			continue
		}

		ok, _ := e.Do(ctx, Request{
			TraceID:    traceID,
			Kind:       KindAction,
			SubjectID:  intent.ID,
			Account:    &acct,
			Credential: cred,
			ActionType: TypeUnfollow,
			Target:     Target{UserID: intent.TargetUserID},
		})
		if ok {
			succeeded++
			e.finishIntent(ctx, intent.ID, IntentDone, "")
		} else {
			failed++
			e.finishIntent(ctx, intent.ID, IntentFailed, "unfollow call failed")
		}
	}

	return processed, succeeded, failed, nil
}

func (e *Executor) finishIntent(ctx context.Context, id, status, errText string) {
	err := e.db.WithContext(ctx).Model(&UnfollowIntent{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_text": errText}).Error
	if err != nil {
		e.log.Warn("unfollow intent update failed", zap.String("intent_id", id), zap.Error(err))
	}
}

// throttle enforces the minimum spacing between successive platform calls
// issued through this executor.
func (e *Executor) throttle(ctx context.Context) {
	e.mu.Lock()
	wait := e.eng.ActionDelay - time.Since(e.lastCall)
	e.lastCall = time.Now().Add(wait)
	e.mu.Unlock()

	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

// WriteRunRecord persists a run-level summary row for a rule, loop, or
// queue pass.
func (e *Executor) WriteRunRecord(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = e.node.Generate().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return e.db.WithContext(ctx).Create(rec).Error
}
