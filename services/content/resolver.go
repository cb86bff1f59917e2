package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"time"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("content", fx.Provide(NewResolver))

// Resolved is the outcome of one content selection. UsedItemID and
// UsedCTAID identify which variant and trailer were actually consumed.
type Resolved struct {
	Body       string
	Hash       string
	TemplateID string
	UsedItemID string
	UsedCTAID  string
}

// Resolver turns a template reference into concrete post content and a
// dedupe hash. Weighted variants win over the template body when present.
type Resolver struct {
	db     *gorm.DB
	node   *snowflake.Node
	engine config.Engine
	log    *zap.Logger
}

type ResolverParams struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
	Cfg  *config.Config
}

func NewResolver(p ResolverParams) *Resolver {
	return &Resolver{
		db:     p.DB,
		node:   p.Node,
		engine: p.Cfg.Engine,
		log:    zap.L().Named("content.resolver"),
	}
}

// Resolve selects content for the template. With useWeighted, one active
// item is chosen with probability proportional to its weight; otherwise
// (or when no items exist) the template body is used. Usage counters are
// incremented only on whichever template/item/CTA was actually used.
func (r *Resolver) Resolve(ctx context.Context, templateID string, useWeighted, appendCTA bool) (*Resolved, error) {
	var tmpl Template
	err := r.db.WithContext(ctx).First(&tmpl, "id = ?", templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.ValidationFailed("template not found")
	}
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, errutil.ValidationFailed("template is inactive")
	}

	out := &Resolved{TemplateID: tmpl.ID}

	if useWeighted {
		item, err := r.pickItem(ctx, tmpl.ID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			out.Body = item.Body
			out.UsedItemID = item.ID
		}
	}
	if out.Body == "" {
		out.Body = tmpl.Body
	}
	if out.Body == "" {
		return nil, errutil.ValidationFailed("template has no content")
	}

	if appendCTA {
		cta, err := r.pickCTA(ctx, tmpl.OwnerID)
		if err != nil {
			return nil, err
		}
		if cta != nil {
			out.Body = out.Body + "\n\n" + cta.Body
			out.UsedCTAID = cta.ID
		}
	}

	out.Hash = Hash(out.Body)

	if err := r.bumpUsage(ctx, out); err != nil {
		r.log.Warn("usage counter update failed", zap.String("template_id", tmpl.ID), zap.Error(err))
	}
	return out, nil
}

// CheckDuplicate rejects content already posted by the account within the
// dedupe window.
func (r *Resolver) CheckDuplicate(ctx context.Context, accountID, hash string) error {
	since := time.Now().Add(-r.engine.DedupeWindow)

	var n int64
	err := r.db.WithContext(ctx).Model(&PostRecord{}).
		Where("account_id = ? AND content_hash = ? AND posted_at >= ?", accountID, hash, since).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return errutil.Conflict("duplicate content within dedupe window")
	}
	return nil
}

// RecordPost persists one published post for future duplicate checks.
func (r *Resolver) RecordPost(ctx context.Context, accountID, externalPostID, hash string) error {
	rec := &PostRecord{
		ID:             r.node.Generate().String(),
		AccountID:      accountID,
		ExternalPostID: externalPostID,
		ContentHash:    hash,
		PostedAt:       time.Now(),
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// pickItem returns one active item chosen by cumulative-weight binary
// search, or nil when the template has no active items.
func (r *Resolver) pickItem(ctx context.Context, templateID string) (*TemplateItem, error) {
	var items []TemplateItem
	err := r.db.WithContext(ctx).
		Where("template_id = ? AND is_active = ?", templateID, true).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	i := pickWeightedIndex(items, rand.Intn)
	return &items[i], nil
}

func (r *Resolver) pickCTA(ctx context.Context, ownerID string) (*CallToAction, error) {
	var ctas []CallToAction
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Find(&ctas).Error
	if err != nil {
		return nil, err
	}
	if len(ctas) == 0 {
		return nil, nil
	}
	return &ctas[rand.Intn(len(ctas))], nil
}

func (r *Resolver) bumpUsage(ctx context.Context, res *Resolved) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res.UsedItemID != "" {
			err := tx.Model(&TemplateItem{}).Where("id = ?", res.UsedItemID).
				Update("usage_count", gorm.Expr("usage_count + 1")).Error
			if err != nil {
				return err
			}
		} else {
			err := tx.Model(&Template{}).Where("id = ?", res.TemplateID).
				Update("usage_count", gorm.Expr("usage_count + 1")).Error
			if err != nil {
				return err
			}
		}
		if res.UsedCTAID != "" {
			err := tx.Model(&CallToAction{}).Where("id = ?", res.UsedCTAID).
				Update("usage_count", gorm.Expr("usage_count + 1")).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// pickWeightedIndex selects an index with probability weight/total using a
// binary search over the cumulative weight prefix sums. Items with weight
// below one count as one so they stay selectable.
func pickWeightedIndex(items []TemplateItem, intn func(int) int) int {
	prefix := make([]int, len(items))
	total := 0
	for i := range items {
		w := items[i].Weight
		if w < 1 {
			w = 1
		}
		total += w
		prefix[i] = total
	}

	n := intn(total)
	return sort.SearchInts(prefix, n+1)
}

// Hash fingerprints content for duplicate rejection. Whitespace runs are
// collapsed and case folded so trivially reformatted content still collides.
func Hash(body string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(body), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
