package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/db"
	"postpilot-engine/pkg/logger"
	"postpilot-engine/services/account"
	"postpilot-engine/services/action"
	"postpilot-engine/services/content"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/loop"
	"postpilot-engine/services/notify"
	"postpilot-engine/services/proxy"
	"postpilot-engine/services/queue"
	"postpilot-engine/services/rule"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	app.Run()
}

func migrate(conn *gorm.DB, shutdowner fx.Shutdowner) error {
	err := conn.AutoMigrate(
		&credential.Credential{},
		&credential.PlatformApp{},
		&credential.AuthState{},
		&account.Account{},
		&proxy.Proxy{},
		&content.Template{},
		&content.TemplateItem{},
		&content.CallToAction{},
		&content.PostRecord{},
		&action.ExecutionRecord{},
		&action.UnfollowIntent{},
		&rule.EngagementRule{},
		&loop.Loop{},
		&queue.QueueItem{},
		&notify.Notification{},
	)
	if err != nil {
		return err
	}

	zap.L().Info("migration complete")
	return shutdowner.Shutdown()
}
