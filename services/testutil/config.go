package testutil

import (
	"time"

	"postpilot-engine/pkg/config"
)

// NewConfig returns a config with pacing delays collapsed so tests run
// fast while keeping the remaining engine defaults.
func NewConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.ApplyDefaults()
	cfg.Engine.ActionDelay = time.Millisecond
	cfg.Engine.RefreshBatchDelay = time.Millisecond
	cfg.Engine.RetryBackoffBase = time.Minute
	return cfg
}
