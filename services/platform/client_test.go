package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"postpilot-engine/pkg/errutil"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBase(srv.URL, srv.URL, srv.Client()), srv
}

func TestClient_Me(t *testing.T) {
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2/users/me", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"id": "42", "username": "alice"},
		})
	})

	ident, err := cli.Me(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, "42", ident.ID)
	require.Equal(t, "alice", ident.Username)
}

func TestClient_MeUnauthorized(t *testing.T) {
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"title":"Unauthorized"}`, http.StatusUnauthorized)
	})

	_, err := cli.Me(context.Background(), "bad")
	require.Error(t, err)
	require.True(t, errutil.IsPermanent(err))
	require.Equal(t, errutil.StatusUnauthorized, errutil.StatusOf(err))
}

func TestClient_ForbiddenIsDistinct(t *testing.T) {
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "suspended", http.StatusForbidden)
	})

	_, err := cli.Me(context.Background(), "tok")
	require.Equal(t, errutil.StatusForbidden, errutil.StatusOf(err))
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	})

	_, err := cli.Me(context.Background(), "tok")
	require.Error(t, err)
	require.True(t, errutil.IsTransient(err))
}

func TestClient_RateLimitIsTransient(t *testing.T) {
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := cli.Me(context.Background(), "tok")
	require.True(t, errutil.IsTransient(err))
}

func TestClient_RefreshToken(t *testing.T) {
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "cid", user)
		require.Equal(t, "sec", pass)

		json.NewEncoder(w).Encode(Token{
			AccessToken:  "new-at",
			RefreshToken: "new-rt",
			ExpiresIn:    7200,
		})
	})

	tok, err := cli.RefreshToken(context.Background(), "cid", "sec", "old-rt")
	require.NoError(t, err)
	require.Equal(t, "new-at", tok.AccessToken)
	require.Equal(t, "new-rt", tok.RefreshToken)
}

func TestClient_SearchAndActions(t *testing.T) {
	var gotPaths []string
	cli, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/2/tweets/search/recent":
			require.Equal(t, "golang", r.URL.Query().Get("query"))
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "p-1", "text": "hi", "author_id": "u-1"}},
			})
		case "/2/tweets":
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": "new-post"}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	ctx := context.Background()

	results, err := cli.Search(ctx, "tok", "golang", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "p-1", results[0].ID)

	require.NoError(t, cli.Like(ctx, "tok", "me", "p-1"))
	require.NoError(t, cli.Follow(ctx, "tok", "me", "u-1"))
	require.NoError(t, cli.Unfollow(ctx, "tok", "me", "u-1"))

	id, err := cli.Post(ctx, "tok", "hello")
	require.NoError(t, err)
	require.Equal(t, "new-post", id)

	require.Contains(t, gotPaths, "POST /2/users/me/likes")
	require.Contains(t, gotPaths, "POST /2/users/me/following")
	require.Contains(t, gotPaths, "DELETE /2/users/me/following/u-1")
}

func TestClient_UnreachableHostIsTransient(t *testing.T) {
	cli := NewClientWithBase("http://127.0.0.1:1", "http://127.0.0.1:1", nil)

	_, err := cli.Me(context.Background(), "tok")
	require.Error(t, err)
	require.True(t, errutil.IsTransient(err))
}
