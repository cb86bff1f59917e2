package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("platform", fx.Provide(NewClient))

// Client is the engine's view of the external platform API. Every call is
// authenticated with one credential's bearer token and bounded by the
// configured timeout.
type Client interface {
	Me(ctx context.Context, accessToken string) (*Identity, error)
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error)
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, verifier, redirectURI string) (*Token, error)
	Search(ctx context.Context, accessToken, query string, limit int) ([]SearchResult, error)
	LookupUser(ctx context.Context, accessToken, username string) (*Identity, error)
	Like(ctx context.Context, accessToken, actorID, postID string) error
	Repost(ctx context.Context, accessToken, actorID, postID string) error
	Follow(ctx context.Context, accessToken, actorID, targetUserID string) error
	Unfollow(ctx context.Context, accessToken, actorID, targetUserID string) error
	Reply(ctx context.Context, accessToken, postID, text string) (string, error)
	Post(ctx context.Context, accessToken, text string) (string, error)
}

type proxyCtxKey struct{}

// WithProxy routes every platform call made under ctx through the given
// proxy URL. Accounts bound to a proxy get their context wrapped before
// any call is issued.
func WithProxy(ctx context.Context, proxyURL string) context.Context {
	return context.WithValue(ctx, proxyCtxKey{}, proxyURL)
}

// ProxyFromContext returns the proxy URL set by WithProxy, or "".
func ProxyFromContext(ctx context.Context) string {
	s, _ := ctx.Value(proxyCtxKey{}).(string)
	return s
}

type httpClient struct {
	apiBase   string
	authBase  string
	userAgent string
	hc        *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

func NewClient(cfg *config.Config) Client {
	return NewClientWithBase(cfg.Platform.APIBaseURL, cfg.Platform.AuthBaseURL, &http.Client{
		Timeout: cfg.Platform.CallTimeout,
	})
}

// NewClientWithBase is the constructor used by tests to point the client at
// a fake platform server.
func NewClientWithBase(apiBase, authBase string, hc *http.Client) Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &httpClient{
		apiBase:   strings.TrimRight(apiBase, "/"),
		authBase:  strings.TrimRight(authBase, "/"),
		userAgent: "postpilot-engine",
		hc:        hc,
		proxied:   map[string]*http.Client{},
	}
}

// clientFor returns the HTTP client for this call: the shared client, or a
// cached per-proxy client when the context carries a proxy URL.
func (c *httpClient) clientFor(ctx context.Context) *http.Client {
	raw := ProxyFromContext(ctx)
	if raw == "" {
		return c.hc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.proxied[raw]; ok {
		return cli
	}

	u, err := url.Parse(raw)
	if err != nil {
		zap.L().Warn("invalid proxy url, using direct connection", zap.Error(err))
		return c.hc
	}
	cli := &http.Client{
		Timeout:   c.hc.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
	c.proxied[raw] = cli
	return cli
}

func (c *httpClient) Me(ctx context.Context, accessToken string) (*Identity, error) {
	var out struct {
		Data Identity `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/2/users/me", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *httpClient) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	return c.tokenRequest(ctx, clientID, clientSecret, form)
}

func (c *httpClient) ExchangeCode(ctx context.Context, clientID, clientSecret, code, verifier, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", clientID)
	return c.tokenRequest(ctx, clientID, clientSecret, form)
}

func (c *httpClient) tokenRequest(ctx context.Context, clientID, clientSecret string, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase+"/2/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errutil.Internal("build token request", errutil.WithErr(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)
	if clientSecret != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := c.clientFor(ctx).Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return nil, errutil.New(errutil.FromHTTPStatus(resp.StatusCode), trimBody(body))
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, errutil.BadGateway("malformed token response", errutil.WithErr(err))
	}
	return &token, nil
}

func (c *httpClient) Search(ctx context.Context, accessToken, query string, limit int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)
	if limit > 0 {
		q.Set("max_results", strconv.Itoa(limit))
	}

	var out struct {
		Data []SearchResult `json:"data"`
	}
	endpoint := c.apiBase + "/2/tweets/search/recent?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, endpoint, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *httpClient) LookupUser(ctx context.Context, accessToken, username string) (*Identity, error) {
	var out struct {
		Data Identity `json:"data"`
	}
	endpoint := c.apiBase + "/2/users/by/username/" + url.PathEscape(username)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *httpClient) Like(ctx context.Context, accessToken, actorID, postID string) error {
	endpoint := fmt.Sprintf("%s/2/users/%s/likes", c.apiBase, url.PathEscape(actorID))
	return c.doJSON(ctx, http.MethodPost, endpoint, accessToken, map[string]string{"tweet_id": postID}, nil)
}

func (c *httpClient) Repost(ctx context.Context, accessToken, actorID, postID string) error {
	endpoint := fmt.Sprintf("%s/2/users/%s/retweets", c.apiBase, url.PathEscape(actorID))
	return c.doJSON(ctx, http.MethodPost, endpoint, accessToken, map[string]string{"tweet_id": postID}, nil)
}

func (c *httpClient) Follow(ctx context.Context, accessToken, actorID, targetUserID string) error {
	endpoint := fmt.Sprintf("%s/2/users/%s/following", c.apiBase, url.PathEscape(actorID))
	return c.doJSON(ctx, http.MethodPost, endpoint, accessToken, map[string]string{"target_user_id": targetUserID}, nil)
}

func (c *httpClient) Unfollow(ctx context.Context, accessToken, actorID, targetUserID string) error {
	endpoint := fmt.Sprintf("%s/2/users/%s/following/%s", c.apiBase, url.PathEscape(actorID), url.PathEscape(targetUserID))
	return c.doJSON(ctx, http.MethodDelete, endpoint, accessToken, nil, nil)
}

func (c *httpClient) Reply(ctx context.Context, accessToken, postID, text string) (string, error) {
	payload := map[string]any{
		"text": text,
		"reply": map[string]string{
			"in_reply_to_tweet_id": postID,
		},
	}
	return c.createPost(ctx, accessToken, payload)
}

func (c *httpClient) Post(ctx context.Context, accessToken, text string) (string, error) {
	return c.createPost(ctx, accessToken, map[string]any{"text": text})
}

func (c *httpClient) createPost(ctx context.Context, accessToken string, payload map[string]any) (string, error) {
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/2/tweets", accessToken, payload, &out); err != nil {
		return "", err
	}
	return out.Data.ID, nil
}

func (c *httpClient) doJSON(ctx context.Context, method, endpoint, accessToken string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errutil.Internal("encode request payload", errutil.WithErr(err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errutil.Internal("build platform request", errutil.WithErr(err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.clientFor(ctx).Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 {
		return errutil.New(errutil.FromHTTPStatus(resp.StatusCode), trimBody(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errutil.BadGateway("malformed platform response", errutil.WithErr(err))
		}
	}
	return nil
}

func classifyTransportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return errutil.Timeout("platform call timed out", errutil.WithErr(err))
	}
	return errutil.BadGateway("platform unreachable", errutil.WithErr(err))
}

func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "platform request rejected"
	}
	return s
}
