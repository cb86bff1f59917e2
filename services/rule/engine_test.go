package rule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"postpilot-engine/services/account"
	"postpilot-engine/services/action"
	"postpilot-engine/services/content"
	"postpilot-engine/services/credential"
	"postpilot-engine/services/platform"
	"postpilot-engine/services/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *testutil.FakePlatform, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&EngagementRule{}, &account.Account{},
		&credential.Credential{}, &credential.PlatformApp{},
		&content.Template{}, &content.TemplateItem{}, &content.CallToAction{}, &content.PostRecord{},
		&action.ExecutionRecord{}, &action.UnfollowIntent{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := testutil.NewConfig()
	fake := testutil.NewFakePlatform()
	gate := account.NewGate(account.GateParams{DB: db, Cfg: cfg})
	creds := credential.NewRepository(db)
	exec := action.NewExecutor(action.ExecutorParams{
		DB: db, Cli: fake, Gate: gate, Creds: creds, Node: node, Cfg: cfg,
	})
	resv := content.NewResolver(content.ResolverParams{DB: db, Node: node, Cfg: cfg})

	engine := NewEngine(EngineParams{
		DB: db, Cli: fake, Gate: gate, Creds: creds,
		Exec: exec, Resv: resv, Eval: NewEvaluator(), Cfg: cfg,
	})
	return engine, fake, db
}

func seedExecutors(t *testing.T, db *gorm.DB, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		require.NoError(t, db.Create(&credential.Credential{
			ID: "cred-" + id, OwnerID: "own-1", ExternalAccountID: "ext-" + id,
			Category: "primary", AccessToken: "tok", Status: credential.StatusActive, IsActive: true,
		}).Error)
		require.NoError(t, db.Create(&account.Account{
			ID: "acc-" + id, OwnerID: "own-1", CredentialID: "cred-" + id,
			Pool: account.PoolPrimary, IsActive: true, HealthScore: 100,
			DailyCountDate: account.DayKey(time.Now()),
		}).Error)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestEngine_RunURLRule(t *testing.T) {
	engine, fake, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 2)
	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchURL,
		Query:       "https://x.com/alice/status/111",
		ActionTypes: mustJSON(t, []string{action.TypeLike, action.TypeFollow}),
		IntervalHours: 6, IsActive: true,
	}).Error)

	before := time.Now()
	s, err := engine.Run(ctx, "tr-1", "rule-1")
	require.NoError(t, err)
	require.Equal(t, 4, s.Processed)
	require.Equal(t, 4, s.Succeeded)
	require.Zero(t, s.Failed)

	// 2 actions x 2 accounts leaves exactly 4 attempt records.
	var n int64
	require.NoError(t, db.Model(&action.ExecutionRecord{}).
		Where("kind = ?", action.KindAction).Count(&n).Error)
	require.Equal(t, int64(4), n)

	var stored EngagementRule
	require.NoError(t, db.First(&stored, "id = ?", "rule-1").Error)
	require.NotNil(t, stored.NextExecutionAt)
	require.True(t, stored.NextExecutionAt.After(before.Add(5*time.Hour)))
	require.Equal(t, 4, stored.TodayCount)
	require.Equal(t, int64(4), stored.TotalActions)
	require.Equal(t, 2, fake.CallCount("like:111"))
	require.Equal(t, 2, fake.CallCount("follow:"))
}

func TestEngine_RunUnparsableLinkCountsFailed(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 1)
	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchURL,
		Query:       "https://x.com/alice/status/111 not-a-url-at-all",
		ActionTypes: mustJSON(t, []string{action.TypeLike}),
		IntervalHours: 6, IsActive: true,
	}).Error)

	s, err := engine.Run(ctx, "tr-1", "rule-1")
	require.NoError(t, err)
	require.Equal(t, 2, s.Processed)
	require.Equal(t, 1, s.Succeeded)
	require.Equal(t, 1, s.Failed)

	var stored EngagementRule
	require.NoError(t, db.First(&stored, "id = ?", "rule-1").Error)
	require.NotNil(t, stored.NextExecutionAt)
}

func TestEngine_RunKeywordAppliesExcludes(t *testing.T) {
	engine, fake, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 1)
	fake.SearchResults = []platform.SearchResult{
		{ID: "p-1", Text: "great crypto project", AuthorID: "u-1"},
		{ID: "p-2", Text: "this is SPAM content", AuthorID: "u-2"},
	}

	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchKeyword,
		Query:           "crypto",
		ExcludeKeywords: mustJSON(t, []string{"spam"}),
		ActionTypes:     mustJSON(t, []string{action.TypeLike}),
		IntervalHours:   6, IsActive: true,
	}).Error)

	s, err := engine.Run(ctx, "tr-1", "rule-1")
	require.NoError(t, err)
	require.Equal(t, 1, s.Processed)
	require.Equal(t, 1, fake.CallCount("like:p-1"))
	require.Zero(t, fake.CallCount("like:p-2"))
}

func TestEngine_RunAdvancedFilter(t *testing.T) {
	engine, fake, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 1)
	fake.SearchResults = []platform.SearchResult{
		{ID: "big", Text: "a", AuthorID: "u-1", FollowerCount: 5000},
		{ID: "small", Text: "b", AuthorID: "u-2", FollowerCount: 10},
	}

	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchKeyword,
		Query:          "x",
		AdvancedFilter: "follower_count > 1000",
		ActionTypes:    mustJSON(t, []string{action.TypeLike}),
		IntervalHours:  6, IsActive: true,
	}).Error)

	s, err := engine.Run(ctx, "tr-1", "rule-1")
	require.NoError(t, err)
	require.Equal(t, 1, s.Processed)
	require.Equal(t, 1, fake.CallCount("like:big"))
	require.Zero(t, fake.CallCount("like:small"))
}

func TestEngine_RunDailyCap(t *testing.T) {
	engine, fake, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 3)
	fake.SearchResults = []platform.SearchResult{
		{ID: "p-1", Text: "x", AuthorID: "u-1"},
		{ID: "p-2", Text: "y", AuthorID: "u-2"},
	}

	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchKeyword,
		Query:       "x",
		ActionTypes: mustJSON(t, []string{action.TypeLike}),
		DailyCap:    2, IntervalHours: 6, IsActive: true,
	}).Error)

	s, err := engine.Run(ctx, "tr-1", "rule-1")
	require.NoError(t, err)
	require.Equal(t, 2, s.Processed)

	var stored EngagementRule
	require.NoError(t, db.First(&stored, "id = ?", "rule-1").Error)
	require.Equal(t, 2, stored.TodayCount)
}

// Two passes that both loaded the rule before either finished must not
// lose each other's counter updates.
func TestEngine_OverlappingPassesAccumulateTodayCount(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 1)
	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchURL,
		Query:       "https://x.com/alice/status/111",
		ActionTypes: mustJSON(t, []string{action.TypeLike}),
		IntervalHours: 6, IsActive: true,
	}).Error)

	var first, second EngagementRule
	require.NoError(t, db.First(&first, "id = ?", "rule-1").Error)
	require.NoError(t, db.First(&second, "id = ?", "rule-1").Error)

	s1 := engine.runRule(ctx, "tr-1", &first)
	s2 := engine.runRule(ctx, "tr-2", &second)
	require.Equal(t, 1, s1.Processed)
	require.Equal(t, 1, s2.Processed)

	var stored EngagementRule
	require.NoError(t, db.First(&stored, "id = ?", "rule-1").Error)
	require.Equal(t, 2, stored.TodayCount)
	require.Equal(t, int64(2), stored.TotalActions)
}

// Run takes the same claim a scheduled pass takes, so a pass still holding
// the rule as it looked before the run has lost ownership.
func TestEngine_RunClaimsRule(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 1)
	future := time.Now().Add(time.Hour)
	require.NoError(t, db.Create(&EngagementRule{
		ID: "rule-1", OwnerID: "own-1", SearchType: SearchURL,
		Query:       "https://x.com/alice/status/111",
		ActionTypes: mustJSON(t, []string{action.TypeLike}),
		IntervalHours: 6, IsActive: true,
		NextExecutionAt: &future,
	}).Error)

	var stale EngagementRule
	require.NoError(t, db.First(&stale, "id = ?", "rule-1").Error)

	s, err := engine.Run(ctx, "tr-1", "rule-1")
	require.NoError(t, err)
	require.Equal(t, 1, s.Processed)

	require.False(t, engine.claim(ctx, &stale, time.Now()))
}

func TestEngine_RunDueClaimsOnce(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	seedExecutors(t, db, 1)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Create(&EngagementRule{
		ID: "due", OwnerID: "own-1", SearchType: SearchURL,
		Query:           "https://x.com/alice/status/111",
		ActionTypes:     mustJSON(t, []string{action.TypeLike}),
		IntervalHours:   6, IsActive: true,
		NextExecutionAt: &past,
	}).Error)
	future := time.Now().Add(time.Hour)
	require.NoError(t, db.Create(&EngagementRule{
		ID: "later", OwnerID: "own-1", SearchType: SearchURL,
		Query:           "https://x.com/alice/status/222",
		ActionTypes:     mustJSON(t, []string{action.TypeLike}),
		IntervalHours:   6, IsActive: true,
		NextExecutionAt: &future,
	}).Error)

	s, err := engine.RunDue(ctx, "tr-1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, s.Processed)

	// A second pass finds nothing due.
	s, err = engine.RunDue(ctx, "tr-2", 10)
	require.NoError(t, err)
	require.Zero(t, s.Processed)
}

func TestEngine_RunInactiveRule(t *testing.T) {
	engine, _, db := newTestEngine(t)

	require.NoError(t, db.Create(&EngagementRule{
		ID: "off", OwnerID: "own-1", SearchType: SearchKeyword,
		Query: "x", IsActive: false, IntervalHours: 6,
	}).Error)

	_, err := engine.Run(context.Background(), "tr-1", "off")
	require.Error(t, err)
}

func TestParseStatusURL(t *testing.T) {
	username, postID, ok := parseStatusURL("https://x.com/alice/status/12345")
	require.True(t, ok)
	require.Equal(t, "alice", username)
	require.Equal(t, "12345", postID)

	_, postID, ok = parseStatusURL("https://twitter.com/bob/statuses/678")
	require.True(t, ok)
	require.Equal(t, "678", postID)

	_, _, ok = parseStatusURL("https://x.com/alice")
	require.False(t, ok)

	_, _, ok = parseStatusURL("not a url")
	require.False(t, ok)

	_, _, ok = parseStatusURL("https://x.com/alice/status/notdigits")
	require.False(t, ok)
}

func TestMatchesExclude(t *testing.T) {
	require.True(t, matchesExclude("Buy CHEAP followers", []string{"cheap"}))
	require.False(t, matchesExclude("organic growth", []string{"cheap", "spam"}))
	require.False(t, matchesExclude("anything", nil))
}
