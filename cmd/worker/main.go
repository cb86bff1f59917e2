package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"postpilot-engine/pkg/asynq"
	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/db"
	"postpilot-engine/pkg/gen"
	"postpilot-engine/pkg/logger"
	"postpilot-engine/pkg/redis"
	"postpilot-engine/services/account"
	"postpilot-engine/services/action"
	"postpilot-engine/services/content"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/loop"
	"postpilot-engine/services/notify"
	"postpilot-engine/services/platform"
	"postpilot-engine/services/proxy"
	"postpilot-engine/services/queue"
	"postpilot-engine/services/rule"
	"postpilot-engine/services/task"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		asynq.Client,
		asynq.Server,
		gen.Module,
		fx.Provide(platform.NewClient),

		notify.Module,
		credential.Module,
		account.Module,
		proxy.Module,
		content.Module,
		action.Module,
		rule.Module,
		loop.Module,
		queue.Module,
		task.Module,

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
