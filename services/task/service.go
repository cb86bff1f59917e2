package task

import (
	"context"
	"encoding/json"

	"postpilot-engine/services/action"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/loop"
	"postpilot-engine/services/queue"
	"postpilot-engine/services/rule"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Task types dispatched through asynq. Each handler calls the same engine
// entry point the HTTP API exposes.
const (
	TypeRuleRun           = "rule:run"
	TypeLoopRun           = "loop:run"
	TypeQueueProcess      = "queue:process"
	TypeCredentialRefresh = "credential:refresh"
	TypeUnfollowProcess   = "unfollow:process"
)

const queueEngine = "engine"

type Service struct {
	node  *snowflake.Node
	asynq *asynq.Client

	rules *rule.Engine
	loops *loop.Scheduler
	queue *queue.Processor
	creds *credential.Manager
	exec  *action.Executor
}

type Params struct {
	fx.In

	Node  *snowflake.Node
	Asynq *asynq.Client

	Rules *rule.Engine
	Loops *loop.Scheduler
	Queue *queue.Processor
	Creds *credential.Manager
	Exec  *action.Executor
}

func NewService(p Params) *Service {
	return &Service{
		node:  p.Node,
		asynq: p.Asynq,
		rules: p.Rules,
		loops: p.Loops,
		queue: p.Queue,
		creds: p.Creds,
		exec:  p.Exec,
	}
}

// Enqueue submits one engine pass of the given type.
func (s *Service) Enqueue(taskType string) error {
	payload, _ := json.Marshal(map[string]string{
		"trace_id": s.node.Generate().String(),
	})
	_, err := s.asynq.Enqueue(asynq.NewTask(taskType, payload), asynq.Queue(queueEngine))
	return err
}

type passPayload struct {
	TraceID string `json:"trace_id"`
}

func decodePayload(t *asynq.Task) passPayload {
	var p passPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		zap.L().Warn("invalid task payload", zap.String("task_type", t.Type()), zap.Error(err))
	}
	return p
}

func (s *Service) HandleRuleRun(ctx context.Context, t *asynq.Task) error {
	p := decodePayload(t)
	summary, err := s.rules.RunDue(ctx, p.TraceID, 0)
	if err != nil {
		zap.L().Error("rule pass failed", zap.String("trace_id", p.TraceID), zap.Error(err))
		return err
	}
	zap.L().Info("rule pass finished",
		zap.String("trace_id", p.TraceID),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return nil
}

func (s *Service) HandleLoopRun(ctx context.Context, t *asynq.Task) error {
	p := decodePayload(t)
	summary, err := s.loops.RunDue(ctx, p.TraceID, 0)
	if err != nil {
		zap.L().Error("loop pass failed", zap.String("trace_id", p.TraceID), zap.Error(err))
		return err
	}
	zap.L().Info("loop pass finished",
		zap.String("trace_id", p.TraceID),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return nil
}

func (s *Service) HandleQueueProcess(ctx context.Context, t *asynq.Task) error {
	p := decodePayload(t)
	summary, err := s.queue.Process(ctx, queue.Request{TraceID: p.TraceID})
	if err != nil {
		zap.L().Error("queue pass failed", zap.String("trace_id", p.TraceID), zap.Error(err))
		return err
	}
	zap.L().Info("queue pass finished",
		zap.String("trace_id", p.TraceID),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return nil
}

func (s *Service) HandleCredentialRefresh(ctx context.Context, t *asynq.Task) error {
	p := decodePayload(t)
	summary, err := s.creds.RefreshBatch(ctx, "", 0)
	if err != nil {
		zap.L().Error("credential refresh pass failed", zap.String("trace_id", p.TraceID), zap.Error(err))
		return err
	}
	zap.L().Info("credential refresh pass finished",
		zap.String("trace_id", p.TraceID),
		zap.Int("processed", summary.Processed),
		zap.Int("refreshed", summary.Refreshed),
		zap.Int("failed", summary.Failed),
		zap.Int("suspended", summary.Suspended),
	)
	return nil
}

func (s *Service) HandleUnfollowProcess(ctx context.Context, t *asynq.Task) error {
	p := decodePayload(t)
	processed, succeeded, failed, err := s.exec.ProcessUnfollows(ctx, p.TraceID, 0)
	if err != nil {
		zap.L().Error("unfollow pass failed", zap.String("trace_id", p.TraceID), zap.Error(err))
		return err
	}
	zap.L().Info("unfollow pass finished",
		zap.String("trace_id", p.TraceID),
		zap.Int("processed", processed),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)
	return nil
}

// RegisterHandlers binds every engine task type onto the worker mux.
func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TypeRuleRun, svc.HandleRuleRun)
	mux.HandleFunc(TypeLoopRun, svc.HandleLoopRun)
	mux.HandleFunc(TypeQueueProcess, svc.HandleQueueProcess)
	mux.HandleFunc(TypeCredentialRefresh, svc.HandleCredentialRefresh)
	mux.HandleFunc(TypeUnfollowProcess, svc.HandleUnfollowProcess)
}
