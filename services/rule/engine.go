package rule

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/account"
	"postpilot-engine/services/action"
	"postpilot-engine/services/content"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/platform"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("rule",
	fx.Provide(NewEvaluator),
	fx.Provide(NewEngine),
)

// Result is one sampled attempt outcome included in a run summary.
type Result struct {
	AccountID  string `json:"account_id"`
	ActionType string `json:"action_type"`
	TargetID   string `json:"target_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Summary aggregates one engine pass.
type Summary struct {
	TraceID   string   `json:"trace_id"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// target is one qualifying unit of work extracted from search results or
// parsed links.
type target struct {
	postID string
	userID string
}

// Engine runs engagement rules: resolve search targets with one
// credential, filter, then drive the executor over the cross product of
// action types and admitted accounts.
type Engine struct {
	db    *gorm.DB
	cli   platform.Client
	gate  *account.Gate
	creds credential.Repository
	exec  *action.Executor
	resv  *content.Resolver
	eval  *Evaluator
	eng   config.Engine
	log   *zap.Logger
}

type EngineParams struct {
	fx.In

	DB    *gorm.DB
	Cli   platform.Client
	Gate  *account.Gate
	Creds credential.Repository
	Exec  *action.Executor
	Resv  *content.Resolver
	Eval  *Evaluator
	Cfg   *config.Config
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		db:    p.DB,
		cli:   p.Cli,
		gate:  p.Gate,
		creds: p.Creds,
		exec:  p.Exec,
		resv:  p.Resv,
		eval:  p.Eval,
		eng:   p.Cfg.Engine,
		log:   zap.L().Named("rule.engine"),
	}
}

// Run executes one rule now, regardless of its due time. The rule is
// claimed the same way a scheduled pass claims it, so an on-demand run
// overlapping a due pass never executes the rule twice. The next eligible
// run time advances by the configured interval whatever the outcome, so a
// failing rule never loops hot on the same instant.
func (e *Engine) Run(ctx context.Context, traceID, ruleID string) (*Summary, error) {
	var r EngagementRule
	err := e.db.WithContext(ctx).First(&r, "id = ?", ruleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.ValidationFailed("rule not found")
	}
	if err != nil {
		return nil, err
	}
	if !r.IsActive {
		return nil, errutil.ValidationFailed("rule is inactive")
	}
	if !e.claim(ctx, &r, time.Now()) {
		return nil, errutil.Conflict("rule is claimed by a concurrent pass")
	}

	summary := e.runRule(ctx, traceID, &r)
	return summary, nil
}

// RunDue claims and runs rules whose next_execution_at has passed. The
// claim advances next_execution_at in one conditional UPDATE, so a rule is
// run by at most one concurrent pass and its schedule moves forward even
// if the run then fails.
func (e *Engine) RunDue(ctx context.Context, traceID string, batch int) (*Summary, error) {
	if batch <= 0 {
		batch = e.eng.RuleBatchSize
	}

	now := time.Now()
	var due []EngagementRule
	err := e.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("next_execution_at IS NULL OR next_execution_at <= ?", now).
		Order("next_execution_at ASC").
		Limit(batch).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	total := &Summary{TraceID: traceID}
	for i := range due {
		r := &due[i]
		if !e.claim(ctx, r, now) {
			continue
		}

		s := e.runRule(ctx, traceID, r)
		total.Processed += s.Processed
		total.Succeeded += s.Succeeded
		total.Failed += s.Failed
		total.Results = appendSample(total.Results, s.Results, e.eng.ResultSampleSize)
	}
	return total, nil
}

// claim advances the rule's due time, taking ownership of this run.
func (e *Engine) claim(ctx context.Context, r *EngagementRule, now time.Time) bool {
	next := now.Add(time.Duration(r.IntervalHours) * time.Hour)
	q := e.db.WithContext(ctx).Model(&EngagementRule{}).
		Where("id = ? AND is_active = ?", r.ID, true)
	if r.NextExecutionAt == nil {
		q = q.Where("next_execution_at IS NULL")
	} else {
		q = q.Where("next_execution_at = ?", r.NextExecutionAt)
	}
	res := q.Update("next_execution_at", next)
	if res.Error != nil {
		e.log.Error("rule claim failed", zap.String("rule_id", r.ID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

func (e *Engine) runRule(ctx context.Context, traceID string, r *EngagementRule) *Summary {
	summary := &Summary{TraceID: traceID}
	now := time.Now()

	startCount := r.TodayCount
	if r.LastResetDate != account.DayKey(now) {
		startCount = 0
	}
	ran := 0

	targets, parseFailed := e.resolveTargets(ctx, r, summary)
	summary.Failed += parseFailed
	summary.Processed += parseFailed

	replyText := e.resolveReplyText(ctx, r)

	executors := e.admittedExecutors(ctx, r)

	actions := r.ActionTypeList()
	capReached := false
	for _, tgt := range targets {
		for _, actType := range actions {
			for i := range executors {
				if r.DailyCap > 0 && startCount+ran >= r.DailyCap {
					capReached = true
					break
				}

				ex := &executors[i]
				ok, rec := e.exec.Do(ctx, action.Request{
					TraceID:      traceID,
					Kind:         action.KindAction,
					SubjectID:    r.ID,
					Account:      ex.acct,
					Credential:   ex.cred,
					ActionType:   actType,
					Target:       action.Target{PostID: tgt.postID, UserID: tgt.userID, Text: replyText},
					AutoUnfollow: r.AutoUnfollow,
				})

				summary.Processed++
				ran++
				if ok {
					summary.Succeeded++
				} else {
					summary.Failed++
				}
				summary.Results = appendSample(summary.Results, []Result{{
					AccountID:  ex.acct.ID,
					ActionType: actType,
					TargetID:   rec.TargetID,
					Success:    ok,
					Error:      rec.ErrorText,
				}}, e.eng.ResultSampleSize)
			}
			if capReached {
				break
			}
		}
		if capReached {
			break
		}
	}

	e.finishRun(ctx, traceID, r, summary, ran, now)
	return summary
}

// finishRun persists counters, the advanced due time, and one run record.
// today_count is incremented in SQL against the stored row, with a CASE on
// the stored day key, so overlapping passes on the same rule cannot lose
// each other's updates.
func (e *Engine) finishRun(ctx context.Context, traceID string, r *EngagementRule, s *Summary, ran int, startedAt time.Time) {
	next := startedAt.Add(time.Duration(r.IntervalHours) * time.Hour)
	today := account.DayKey(startedAt)
	err := e.db.WithContext(ctx).Model(&EngagementRule{}).
		Where("id = ?", r.ID).
		Updates(map[string]any{
			"today_count": gorm.Expr(
				"CASE WHEN last_reset_date = ? THEN today_count + ? ELSE ? END",
				today, ran, ran,
			),
			"last_reset_date": today,
			"total_actions":     gorm.Expr("total_actions + ?", s.Processed),
			"total_succeeded":   gorm.Expr("total_succeeded + ?", s.Succeeded),
			"total_failed":      gorm.Expr("total_failed + ?", s.Failed),
			"next_execution_at": next,
			"last_executed_at":  startedAt,
		}).Error
	if err != nil {
		e.log.Error("rule counters update failed", zap.String("rule_id", r.ID), zap.Error(err))
	}

	rerr := e.exec.WriteRunRecord(ctx, &action.ExecutionRecord{
		TraceID:   traceID,
		Kind:      action.KindRuleRun,
		SubjectID: r.ID,
		Success:   s.Failed == 0,
		Processed: s.Processed,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
	})
	if rerr != nil {
		e.log.Error("rule run record write failed", zap.String("rule_id", r.ID), zap.Error(rerr))
	}
}

// resolveTargets turns the rule's search spec into concrete targets. The
// url variant parses ids from links without touching the platform;
// unparsable links count as failures, never abort the run.
func (e *Engine) resolveTargets(ctx context.Context, r *EngagementRule, s *Summary) (targets []target, parseFailed int) {
	if r.SearchType == SearchURL {
		return e.parseURLTargets(ctx, r, s)
	}

	cred, err := e.searchCredential(ctx, r)
	if err != nil {
		e.log.Warn("no search credential", zap.String("rule_id", r.ID), zap.Error(err))
		return nil, 0
	}

	query := r.Query
	switch r.SearchType {
	case SearchHashtag:
		if !strings.HasPrefix(query, "#") {
			query = "#" + query
		}
	case SearchUser:
		query = "from:" + strings.TrimPrefix(query, "@")
	}

	results, err := e.cli.Search(ctx, cred.AccessToken, query, e.eng.SearchResultLimit)
	if err != nil {
		e.log.Warn("search failed", zap.String("rule_id", r.ID), zap.Error(err))
		return nil, 0
	}

	excludes := r.ExcludeKeywordList()
	for i := range results {
		res := &results[i]
		if matchesExclude(res.Text, excludes) {
			continue
		}
		if !e.passesFilter(r, res) {
			continue
		}
		targets = append(targets, target{postID: res.ID, userID: res.AuthorID})
	}
	return targets, 0
}

// parseURLTargets extracts post and author targets from the rule's link
// list. The author id is resolved once per distinct username when a
// search credential is available.
func (e *Engine) parseURLTargets(ctx context.Context, r *EngagementRule, s *Summary) (targets []target, parseFailed int) {
	var cred *credential.Credential
	if c, err := e.searchCredential(ctx, r); err == nil {
		cred = c
	}

	userIDs := map[string]string{}
	for _, raw := range strings.FieldsFunc(r.Query, func(c rune) bool {
		return c == '\n' || c == ',' || c == ' '
	}) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		username, postID, ok := parseStatusURL(raw)
		if !ok {
			parseFailed++
			s.Results = appendSample(s.Results, []Result{{
				TargetID: raw,
				Success:  false,
				Error:    "unparsable link",
			}}, e.eng.ResultSampleSize)
			continue
		}

		tgt := target{postID: postID}
		if username != "" && cred != nil {
			if id, seen := userIDs[username]; seen {
				tgt.userID = id
			} else if ident, err := e.cli.LookupUser(ctx, cred.AccessToken, username); err == nil {
				userIDs[username] = ident.ID
				tgt.userID = ident.ID
			}
		}
		targets = append(targets, tgt)
	}
	return targets, parseFailed
}

func (e *Engine) searchCredential(ctx context.Context, r *EngagementRule) (*credential.Credential, error) {
	if r.SearchCredentialID != nil && *r.SearchCredentialID != "" {
		return e.creds.GetByID(ctx, *r.SearchCredentialID)
	}
	active, err := e.creds.ListActive(ctx, r.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, errutil.ValidationFailed("owner has no active credential")
	}
	return &active[0], nil
}

// passesFilter applies the rule's CEL expression. An evaluation error
// disables the filter for that result rather than failing the run.
func (e *Engine) passesFilter(r *EngagementRule, res *platform.SearchResult) bool {
	if r.AdvancedFilter == "" {
		return true
	}
	ok, err := e.eval.Evaluate(r.AdvancedFilter, map[string]any{
		"text":            res.Text,
		"author_username": res.AuthorUsername,
		"lang":            res.Lang,
		"like_count":      res.LikeCount,
		"repost_count":    res.RepostCount,
		"follower_count":  res.FollowerCount,
	})
	if err != nil {
		e.log.Warn("advanced filter evaluation failed", zap.String("rule_id", r.ID), zap.Error(err))
		return true
	}
	return ok
}

func (e *Engine) resolveReplyText(ctx context.Context, r *EngagementRule) string {
	if r.ReplyTemplateID == nil || *r.ReplyTemplateID == "" {
		return ""
	}
	res, err := e.resv.Resolve(ctx, *r.ReplyTemplateID, true, false)
	if err != nil {
		e.log.Warn("reply template resolution failed", zap.String("rule_id", r.ID), zap.Error(err))
		return ""
	}
	return res.Body
}

type executor struct {
	acct *account.Account
	cred *credential.Credential
}

// admittedExecutors loads the rule's executor accounts, keeps those
// passing the gate, and attaches each one's active credential.
func (e *Engine) admittedExecutors(ctx context.Context, r *EngagementRule) []executor {
	accts, err := e.gate.ListExecutors(ctx, r.OwnerID, r.ExecutorIDList(), r.ExecutorTagList())
	if err != nil {
		e.log.Warn("executor listing failed", zap.String("rule_id", r.ID), zap.Error(err))
		return nil
	}

	var out []executor
	for i := range accts {
		acct := &accts[i]
		if !e.gate.Admit(acct, acct.Pool, 0) {
			continue
		}
		cred, err := e.creds.GetByID(ctx, acct.CredentialID)
		if err != nil || !cred.IsActive {
			continue
		}
		out = append(out, executor{acct: acct, cred: cred})
	}
	return out
}

func matchesExclude(text string, excludes []string) bool {
	if len(excludes) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range excludes {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// parseStatusURL extracts (username, post id) from a status link such as
// https://x.com/someone/status/123456.
func parseStatusURL(raw string) (username, postID string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if (p == "status" || p == "statuses") && i+1 < len(parts) && isDigits(parts[i+1]) {
			if i > 0 {
				username = parts[i-1]
			}
			return username, parts[i+1], true
		}
	}
	return "", "", false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func appendSample(dst []Result, src []Result, max int) []Result {
	for _, r := range src {
		if len(dst) >= max {
			break
		}
		dst = append(dst, r)
	}
	return dst
}
