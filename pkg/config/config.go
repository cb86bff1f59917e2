package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Server     struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Platform struct {
		APIBaseURL  string        `mapstructure:"API_BASE_URL"`
		AuthBaseURL string        `mapstructure:"AUTH_BASE_URL"`
		CallTimeout time.Duration `mapstructure:"CALL_TIMEOUT"`
		UserAgent   string        `mapstructure:"USER_AGENT"`
		OAuthScopes []string      `mapstructure:"OAUTH_SCOPES"`
	} `mapstructure:"PLATFORM"`
	Engine Engine `mapstructure:"ENGINE"`
}

// Engine holds the tuning knobs for scheduling passes. The daily ceiling is
// deliberately below the platform's hard limit so a full pass never exhausts
// an account's quota.
type Engine struct {
	DailyActionCeiling int            `mapstructure:"DAILY_ACTION_CEILING"`
	CategoryCeilings   map[string]int `mapstructure:"CATEGORY_CEILINGS"`
	MinHealthScore     int            `mapstructure:"MIN_HEALTH_SCORE"`
	ActionDelay        time.Duration  `mapstructure:"ACTION_DELAY"`
	RefreshBatchSize   int            `mapstructure:"REFRESH_BATCH_SIZE"`
	RefreshBatchDelay  time.Duration  `mapstructure:"REFRESH_BATCH_DELAY"`
	DedupeWindow       time.Duration  `mapstructure:"DEDUPE_WINDOW"`
	RetryBackoffBase   time.Duration  `mapstructure:"RETRY_BACKOFF_BASE"`
	QueueBatchSize     int            `mapstructure:"QUEUE_BATCH_SIZE"`
	LoopBatchSize      int            `mapstructure:"LOOP_BATCH_SIZE"`
	RuleBatchSize      int            `mapstructure:"RULE_BATCH_SIZE"`
	UnfollowAfterDays  int            `mapstructure:"UNFOLLOW_AFTER_DAYS"`
	SchedulerTick      time.Duration  `mapstructure:"SCHEDULER_TICK"`
	SearchResultLimit  int            `mapstructure:"SEARCH_RESULT_LIMIT"`
	ResultSampleSize   int            `mapstructure:"RESULT_SAMPLE_SIZE"`
	AuthStateTTL       time.Duration  `mapstructure:"AUTH_STATE_TTL"`
}

// ApplyDefaults fills in knobs the config file leaves unset.
func (e *Engine) ApplyDefaults() {
	if e.DailyActionCeiling <= 0 {
		e.DailyActionCeiling = 180
	}
	if e.MinHealthScore <= 0 {
		e.MinHealthScore = 30
	}
	if e.ActionDelay <= 0 {
		e.ActionDelay = 2 * time.Second
	}
	if e.RefreshBatchSize <= 0 {
		e.RefreshBatchSize = 10
	}
	if e.RefreshBatchDelay <= 0 {
		e.RefreshBatchDelay = 5 * time.Second
	}
	if e.DedupeWindow <= 0 {
		e.DedupeWindow = 24 * time.Hour
	}
	if e.RetryBackoffBase <= 0 {
		e.RetryBackoffBase = 15 * time.Minute
	}
	if e.QueueBatchSize <= 0 {
		e.QueueBatchSize = 20
	}
	if e.LoopBatchSize <= 0 {
		e.LoopBatchSize = 10
	}
	if e.RuleBatchSize <= 0 {
		e.RuleBatchSize = 10
	}
	if e.UnfollowAfterDays <= 0 {
		e.UnfollowAfterDays = 3
	}
	if e.SchedulerTick <= 0 {
		e.SchedulerTick = time.Minute
	}
	if e.SearchResultLimit <= 0 {
		e.SearchResultLimit = 50
	}
	if e.ResultSampleSize <= 0 {
		e.ResultSampleSize = 10
	}
	if e.AuthStateTTL <= 0 {
		e.AuthStateTTL = 30 * time.Minute
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	cfg.Engine.ApplyDefaults()

	return &cfg
}
