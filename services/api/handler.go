package api

import (
	"net/http"

	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/action"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/loop"
	"postpilot-engine/services/queue"
	"postpilot-engine/services/rule"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler exposes the engine entry points. Every endpoint accepts a
// narrow request and returns a structured summary with a trace id for
// log correlation, even under partial failure.
type Handler struct {
	rules *rule.Engine
	loops *loop.Scheduler
	queue *queue.Processor
	creds *credential.Manager
	exec  *action.Executor
	node  *snowflake.Node
	log   *zap.Logger
}

type HandlerParams struct {
	fx.In

	Rules *rule.Engine
	Loops *loop.Scheduler
	Queue *queue.Processor
	Creds *credential.Manager
	Exec  *action.Executor
	Node  *snowflake.Node
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		rules: p.Rules,
		loops: p.Loops,
		queue: p.Queue,
		creds: p.Creds,
		exec:  p.Exec,
		node:  p.Node,
		log:   zap.L().Named("api"),
	}
}

type runRulesRequest struct {
	RuleID    string `json:"rule_id"`
	BatchSize int    `json:"batch_size"`
}

// RunRules runs one rule when rule_id is given, otherwise every due rule
// up to batch_size.
func (h *Handler) RunRules(c *gin.Context) {
	var req runRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	traceID := h.node.Generate().String()

	var (
		s   *rule.Summary
		err error
	)
	if req.RuleID != "" {
		s, err = h.rules.Run(c.Request.Context(), traceID, req.RuleID)
	} else {
		s, err = h.rules.RunDue(c.Request.Context(), traceID, req.BatchSize)
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type runLoopsRequest struct {
	LoopID    string `json:"loop_id"`
	BatchSize int    `json:"batch_size"`
}

func (h *Handler) RunLoops(c *gin.Context) {
	var req runLoopsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	traceID := h.node.Generate().String()

	var (
		s   *loop.Summary
		err error
	)
	if req.LoopID != "" {
		s, err = h.loops.Run(c.Request.Context(), traceID, req.LoopID)
	} else {
		s, err = h.loops.RunDue(c.Request.Context(), traceID, req.BatchSize)
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type processQueueRequest struct {
	OwnerID   string `json:"owner_id"`
	BatchSize int    `json:"batch_size"`
	DryRun    bool   `json:"dry_run"`
}

func (h *Handler) ProcessQueue(c *gin.Context) {
	var req processQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	s, err := h.queue.Process(c.Request.Context(), queue.Request{
		TraceID:   h.node.Generate().String(),
		OwnerID:   req.OwnerID,
		BatchSize: req.BatchSize,
		DryRun:    req.DryRun,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type refreshCredentialsRequest struct {
	OwnerID   string `json:"owner_id"`
	BatchSize int    `json:"batch_size"`
}

func (h *Handler) RefreshCredentials(c *gin.Context) {
	var req refreshCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	traceID := h.node.Generate().String()
	s, err := h.creds.RefreshBatch(c.Request.Context(), req.OwnerID, req.BatchSize)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id":  traceID,
		"processed": s.Processed,
		"succeeded": s.Refreshed,
		"failed":    s.Failed,
		"suspended": s.Suspended,
		"results":   s.Errors,
	})
}

type processUnfollowsRequest struct {
	BatchSize int `json:"batch_size"`
}

func (h *Handler) ProcessUnfollows(c *gin.Context) {
	var req processUnfollowsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	traceID := h.node.Generate().String()
	processed, succeeded, failed, err := h.exec.ProcessUnfollows(c.Request.Context(), traceID, req.BatchSize)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id":  traceID,
		"processed": processed,
		"succeeded": succeeded,
		"failed":    failed,
	})
}

// Authorize starts the PKCE authorization flow and returns the URL the
// operator must visit.
func (h *Handler) Authorize(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		c.Error(errutil.BadRequest("owner_id is required"))
		return
	}
	category := c.DefaultQuery("category", "primary")
	appID := c.Query("app_id")

	authURL, err := h.creds.BeginAuthorization(c.Request.Context(), ownerID, category, appID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

// Callback completes the code exchange; the state is single-use.
func (h *Handler) Callback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.Error(errutil.BadRequest("state and code are required"))
		return
	}

	cred, err := h.creds.CompleteAuthorization(c.Request.Context(), state, code)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credential_id":       cred.ID,
		"external_account_id": cred.ExternalAccountID,
		"username":            cred.Username,
		"status":              cred.Status,
	})
}
