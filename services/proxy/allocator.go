package proxy

import (
	"context"
	"errors"
	"math/rand"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("proxy",
	fx.Provide(NewAllocator),
)

// ErrNoCapacity is returned when no active proxy has remaining capacity.
var ErrNoCapacity = errors.New("proxy: no capacity available")

// Allocator hands out proxy slots to accounts, weighted toward proxies
// with more remaining capacity so load spreads evenly.
type Allocator struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAllocator(db *gorm.DB) *Allocator {
	return &Allocator{db: db, log: zap.L().Named("proxy.allocator")}
}

// Assign picks an active proxy with free capacity and claims one slot.
// The claim is a conditional UPDATE so concurrent callers cannot
// oversubscribe a proxy; on a lost race the next candidate is tried.
func (a *Allocator) Assign(ctx context.Context) (*Proxy, error) {
	var candidates []Proxy
	err := a.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("assigned_count < max_capacity").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for len(candidates) > 0 {
		i := pickWeighted(candidates)
		p := candidates[i]

		res := a.db.WithContext(ctx).Model(&Proxy{}).
			Where("id = ? AND assigned_count < max_capacity", p.ID).
			Update("assigned_count", gorm.Expr("assigned_count + 1"))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			p.AssignedCount++
			return &p, nil
		}

		// Lost the race for this proxy, drop it and retry.
		candidates = append(candidates[:i], candidates[i+1:]...)
	}

	return nil, ErrNoCapacity
}

// Get loads one proxy row.
func (a *Allocator) Get(ctx context.Context, id string) (*Proxy, error) {
	var p Proxy
	if err := a.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Release frees one slot on the proxy. The count never goes below zero.
func (a *Allocator) Release(ctx context.Context, proxyID string) error {
	return a.db.WithContext(ctx).Model(&Proxy{}).
		Where("id = ? AND assigned_count > 0", proxyID).
		Update("assigned_count", gorm.Expr("assigned_count - 1")).Error
}

// pickWeighted returns the index of a candidate chosen with probability
// proportional to its remaining capacity.
func pickWeighted(candidates []Proxy) int {
	total := 0
	for i := range candidates {
		total += candidates[i].Remaining()
	}
	if total <= 0 {
		return 0
	}
	n := rand.Intn(total)
	for i := range candidates {
		n -= candidates[i].Remaining()
		if n < 0 {
			return i
		}
	}
	return len(candidates) - 1
}
