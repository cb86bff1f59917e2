package testutil

import (
	"context"
	"fmt"
	"sync"

	"postpilot-engine/services/platform"
)

// FakePlatform is an in-memory platform.Client. Calls succeed unless an
// override is set; every call is appended to Calls for assertions.
type FakePlatform struct {
	mu    sync.Mutex
	Calls []string

	// LastProxy holds the proxy URL carried by the most recent call's
	// context, empty when the call went direct.
	LastProxy string

	MeIdentity     *platform.Identity
	MeErr          error
	RefreshTok     *platform.Token
	RefreshErr     error
	ExchangeTok    *platform.Token
	ExchangeErr    error
	SearchResults  []platform.SearchResult
	SearchErr      error
	LookupIdentity *platform.Identity
	LookupErr      error
	ActionErr      error

	postSeq int
}

func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		MeIdentity:     &platform.Identity{ID: "ext-1", Username: "tester"},
		RefreshTok:     &platform.Token{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 7200},
		ExchangeTok:    &platform.Token{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 7200},
		LookupIdentity: &platform.Identity{ID: "user-1", Username: "someone"},
	}
}

func (f *FakePlatform) record(ctx context.Context, call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	f.LastProxy = platform.ProxyFromContext(ctx)
	f.mu.Unlock()
}

// CallCount returns how many recorded calls start with prefix.
func (f *FakePlatform) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *FakePlatform) Me(ctx context.Context, accessToken string) (*platform.Identity, error) {
	f.record(ctx, "me")
	if f.MeErr != nil {
		return nil, f.MeErr
	}
	return f.MeIdentity, nil
}

func (f *FakePlatform) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*platform.Token, error) {
	f.record(ctx, "refresh")
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	return f.RefreshTok, nil
}

func (f *FakePlatform) ExchangeCode(ctx context.Context, clientID, clientSecret, code, verifier, redirectURI string) (*platform.Token, error) {
	f.record(ctx, "exchange")
	if f.ExchangeErr != nil {
		return nil, f.ExchangeErr
	}
	return f.ExchangeTok, nil
}

func (f *FakePlatform) Search(ctx context.Context, accessToken, query string, limit int) ([]platform.SearchResult, error) {
	f.record(ctx, "search:" + query)
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	return f.SearchResults, nil
}

func (f *FakePlatform) LookupUser(ctx context.Context, accessToken, username string) (*platform.Identity, error) {
	f.record(ctx, "lookup:" + username)
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	return f.LookupIdentity, nil
}

func (f *FakePlatform) Like(ctx context.Context, accessToken, actorID, postID string) error {
	f.record(ctx, "like:" + postID)
	return f.ActionErr
}

func (f *FakePlatform) Repost(ctx context.Context, accessToken, actorID, postID string) error {
	f.record(ctx, "repost:" + postID)
	return f.ActionErr
}

func (f *FakePlatform) Follow(ctx context.Context, accessToken, actorID, targetUserID string) error {
	f.record(ctx, "follow:" + targetUserID)
	return f.ActionErr
}

func (f *FakePlatform) Unfollow(ctx context.Context, accessToken, actorID, targetUserID string) error {
	f.record(ctx, "unfollow:" + targetUserID)
	return f.ActionErr
}

func (f *FakePlatform) Reply(ctx context.Context, accessToken, postID, text string) (string, error) {
	f.record(ctx, "reply:" + postID)
	if f.ActionErr != nil {
		return "", f.ActionErr
	}
	return f.nextPostID(), nil
}

func (f *FakePlatform) Post(ctx context.Context, accessToken, text string) (string, error) {
	f.record(ctx, "post:" + text)
	if f.ActionErr != nil {
		return "", f.ActionErr
	}
	return f.nextPostID(), nil
}

func (f *FakePlatform) nextPostID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postSeq++
	return fmt.Sprintf("post-%d", f.postSeq)
}
