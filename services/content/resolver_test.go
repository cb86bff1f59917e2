package content

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"postpilot-engine/services/testutil"
)

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Template{}, &TemplateItem{}, &CallToAction{}, &PostRecord{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	r := NewResolver(ResolverParams{DB: db, Node: node, Cfg: testutil.NewConfig()})
	return r, db
}

func TestResolver_FallsBackToTemplateBody(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&Template{ID: "t1", OwnerID: "own-1", Body: "plain body", IsActive: true}).Error)

	res, err := r.Resolve(ctx, "t1", true, false)
	require.NoError(t, err)
	require.Equal(t, "plain body", res.Body)
	require.Empty(t, res.UsedItemID)
	require.NotEmpty(t, res.Hash)

	var tmpl Template
	require.NoError(t, db.First(&tmpl, "id = ?", "t1").Error)
	require.Equal(t, int64(1), tmpl.UsageCount)
}

func TestResolver_UsesWeightedItem(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&Template{ID: "t1", OwnerID: "own-1", Body: "fallback", IsActive: true}).Error)
	require.NoError(t, db.Create(&TemplateItem{ID: "i1", TemplateID: "t1", Body: "variant", Weight: 5, IsActive: true}).Error)

	res, err := r.Resolve(ctx, "t1", true, false)
	require.NoError(t, err)
	require.Equal(t, "variant", res.Body)
	require.Equal(t, "i1", res.UsedItemID)

	// Only the used item's counter moves.
	var tmpl Template
	var item TemplateItem
	require.NoError(t, db.First(&tmpl, "id = ?", "t1").Error)
	require.NoError(t, db.First(&item, "id = ?", "i1").Error)
	require.Equal(t, int64(0), tmpl.UsageCount)
	require.Equal(t, int64(1), item.UsageCount)
}

func TestResolver_SkipsWeightedWhenDisabled(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&Template{ID: "t1", OwnerID: "own-1", Body: "fallback", IsActive: true}).Error)
	require.NoError(t, db.Create(&TemplateItem{ID: "i1", TemplateID: "t1", Body: "variant", Weight: 5, IsActive: true}).Error)

	res, err := r.Resolve(ctx, "t1", false, false)
	require.NoError(t, err)
	require.Equal(t, "fallback", res.Body)
	require.Empty(t, res.UsedItemID)
}

func TestResolver_AppendsCallToAction(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&Template{ID: "t1", OwnerID: "own-1", Body: "body", IsActive: true}).Error)
	require.NoError(t, db.Create(&CallToAction{ID: "cta1", OwnerID: "own-1", Body: "visit us", IsActive: true}).Error)

	res, err := r.Resolve(ctx, "t1", false, true)
	require.NoError(t, err)
	require.Equal(t, "body\n\nvisit us", res.Body)
	require.Equal(t, "cta1", res.UsedCTAID)

	var cta CallToAction
	require.NoError(t, db.First(&cta, "id = ?", "cta1").Error)
	require.Equal(t, int64(1), cta.UsageCount)
}

func TestResolver_RejectsInactiveAndEmptyTemplates(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&Template{ID: "off", OwnerID: "own-1", Body: "x", IsActive: false}).Error)
	require.NoError(t, db.Create(&Template{ID: "empty", OwnerID: "own-1", Body: "", IsActive: true}).Error)

	_, err := r.Resolve(ctx, "off", false, false)
	require.Error(t, err)

	_, err = r.Resolve(ctx, "empty", true, false)
	require.Error(t, err)

	_, err = r.Resolve(ctx, "missing", false, false)
	require.Error(t, err)
}

func TestResolver_CheckDuplicateWithinWindow(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	hash := Hash("hello world")
	require.NoError(t, db.Create(&PostRecord{
		ID: "pr1", AccountID: "acc-1", ContentHash: hash, PostedAt: time.Now().Add(-time.Hour),
	}).Error)

	err := r.CheckDuplicate(ctx, "acc-1", hash)
	require.Error(t, err)

	// Other accounts and other hashes pass.
	require.NoError(t, r.CheckDuplicate(ctx, "acc-2", hash))
	require.NoError(t, r.CheckDuplicate(ctx, "acc-1", Hash("different")))
}

func TestResolver_CheckDuplicateOutsideWindow(t *testing.T) {
	r, db := newTestResolver(t)
	ctx := context.Background()

	hash := Hash("hello world")
	require.NoError(t, db.Create(&PostRecord{
		ID: "pr1", AccountID: "acc-1", ContentHash: hash, PostedAt: time.Now().Add(-25 * time.Hour),
	}).Error)

	require.NoError(t, r.CheckDuplicate(ctx, "acc-1", hash))
}

func TestHash_NormalizesWhitespaceAndCase(t *testing.T) {
	require.Equal(t, Hash("Hello   World"), Hash("hello world"))
	require.Equal(t, Hash(" hello\nworld "), Hash("hello world"))
	require.NotEqual(t, Hash("hello world"), Hash("hello"))
}

func TestPickWeightedIndex_Convergence(t *testing.T) {
	items := []TemplateItem{
		{ID: "a", Weight: 1},
		{ID: "b", Weight: 2},
		{ID: "c", Weight: 7},
	}

	rng := rand.New(rand.NewSource(42))
	const draws = 10000

	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[items[pickWeightedIndex(items, rng.Intn)].ID]++
	}

	require.InDelta(t, 0.1, float64(counts["a"])/draws, 0.02)
	require.InDelta(t, 0.2, float64(counts["b"])/draws, 0.02)
	require.InDelta(t, 0.7, float64(counts["c"])/draws, 0.02)
}

func TestPickWeightedIndex_ZeroWeightStaysSelectable(t *testing.T) {
	items := []TemplateItem{{ID: "a", Weight: 0}}
	require.Equal(t, 0, pickWeightedIndex(items, rand.Intn))
}
