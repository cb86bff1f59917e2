package account

import (
	"context"
	"time"

	"postpilot-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("account", fx.Provide(NewGate))

// healthGain and healthPenalty keep the score moving slowly upward on
// success and sharply downward on failure, bounded to [0,100].
const (
	healthGain    = 2
	healthPenalty = 8
)

// Gate is the admission check run before any action on an account. Both the
// rolling daily counter and the health score must pass; the ceiling sits
// below the platform's hard limit so headroom is always reserved.
type Gate struct {
	db     *gorm.DB
	engine config.Engine
}

type GateParams struct {
	fx.In

	DB  *gorm.DB
	Cfg *config.Config
}

func NewGate(p GateParams) *Gate {
	return &Gate{db: p.DB, engine: p.Cfg.Engine}
}

// Admit is the pure check against an already-loaded row. The ceiling
// resolves as explicit override, then the category's configured ceiling,
// then the shared engine default.
func (g *Gate) Admit(acct *Account, category string, ceiling int) bool {
	if acct == nil || !acct.IsActive {
		return false
	}
	if ceiling <= 0 {
		ceiling = g.ceilingFor(category)
	}

	count := acct.RequestsToday
	if acct.DailyCountDate != DayKey(time.Now()) {
		count = 0
	}
	if count >= ceiling {
		return false
	}

	return acct.HealthScore >= g.engine.MinHealthScore
}

func (g *Gate) ceilingFor(category string) int {
	if c, ok := g.engine.CategoryCeilings[category]; ok && c > 0 {
		return c
	}
	return g.engine.DailyActionCeiling
}

// CanExecute re-reads the account row and applies the admission check. It
// is called at the start of every batch, never cached across passes.
func (g *Gate) CanExecute(ctx context.Context, accountID, category string, ceiling int) (bool, error) {
	var acct Account
	if err := g.db.WithContext(ctx).Where("id = ?", accountID).First(&acct).Error; err != nil {
		return false, err
	}
	return g.Admit(&acct, category, ceiling), nil
}

// RecordResult advances the rolling counter and health score in a single
// conditional update per column set, so concurrent passes touching the same
// account cannot lose increments.
func (g *Gate) RecordResult(ctx context.Context, accountID string, ok bool) error {
	today := DayKey(time.Now())

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Roll the counter over if the stored day is stale.
		if err := tx.Model(&Account{}).
			Where("id = ? AND daily_count_date <> ?", accountID, today).
			Updates(map[string]any{
				"requests_today":   0,
				"daily_count_date": today,
			}).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"requests_today": gorm.Expr("requests_today + 1"),
			"total_actions":  gorm.Expr("total_actions + 1"),
			"updated_at":     time.Now().UTC(),
		}
		if ok {
			updates["health_score"] = gorm.Expr(
				"CASE WHEN health_score + ? > 100 THEN 100 ELSE health_score + ? END",
				healthGain, healthGain,
			)
		} else {
			updates["health_score"] = gorm.Expr(
				"CASE WHEN health_score - ? < 0 THEN 0 ELSE health_score - ? END",
				healthPenalty, healthPenalty,
			)
			updates["total_failures"] = gorm.Expr("total_failures + 1")
		}

		res := tx.Model(&Account{}).Where("id = ?", accountID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ListExecutors returns active accounts eligible as executors: an explicit
// id list wins, otherwise the owner's active pool filtered by required tags.
func (g *Gate) ListExecutors(ctx context.Context, ownerID string, explicitIDs, requiredTags []string) ([]Account, error) {
	query := g.db.WithContext(ctx).Model(&Account{}).Where("is_active = ?", true)
	if len(explicitIDs) > 0 {
		query = query.Where("id IN ?", explicitIDs)
	} else if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}

	var accounts []Account
	if err := query.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}

	if len(explicitIDs) > 0 || len(requiredTags) == 0 {
		return accounts, nil
	}

	// Tag arrays are free-form JSON; filtering stays in Go to keep the
	// query portable between postgres and the sqlite test harness.
	filtered := accounts[:0]
	for _, acct := range accounts {
		if acct.HasTags(requiredTags) {
			filtered = append(filtered, acct)
		}
	}
	zap.L().Debug("filtered executor pool by tags",
		zap.Int("candidates", len(accounts)),
		zap.Int("eligible", len(filtered)),
	)
	return filtered, nil
}
