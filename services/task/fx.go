package task

import "go.uber.org/fx"

var Module = fx.Module("task",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(
		RegisterHandlers,
		StartScheduler,
	),
)
