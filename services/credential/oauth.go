package credential

import (
	"context"
	"encoding/json"
	"time"

	"postpilot-engine/pkg/errutil"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// BeginAuthorization starts the authorization-code + PKCE flow for one new
// external account. The state/verifier pair is persisted with a short
// expiry and may be exchanged exactly once.
func (m *Manager) BeginAuthorization(ctx context.Context, ownerID, category, appID string) (string, error) {
	if ownerID == "" {
		return "", errutil.ValidationFailed("owner_id is required")
	}
	if category == "" {
		category = "primary"
	}

	var app *PlatformApp
	var err error
	if appID != "" {
		app, err = m.repo.GetApp(ctx, appID)
	} else {
		app, err = m.repo.ResolveApp(ctx, &Credential{OwnerID: ownerID})
	}
	if err != nil {
		return "", errutil.ValidationFailed("no active platform app for owner", errutil.WithErr(err))
	}

	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	if err := m.repo.CreateState(ctx, &AuthState{
		State:         state,
		OwnerID:       ownerID,
		Category:      category,
		Verifier:      verifier,
		PlatformAppID: app.ID,
		ExpiresAt:     time.Now().UTC().Add(m.engine.AuthStateTTL),
	}); err != nil {
		return "", err
	}

	conf := m.oauthConfig(app)
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// CompleteAuthorization consumes the state row, exchanges the code, and
// stores the resulting token set keyed on (owner, external account,
// category).
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (*Credential, error) {
	if state == "" || code == "" {
		return nil, errutil.ValidationFailed("state and code are required")
	}

	row, err := m.repo.ConsumeState(ctx, state)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errutil.ValidationFailed("unknown or expired authorization state")
		}
		return nil, err
	}

	app, err := m.repo.GetApp(ctx, row.PlatformAppID)
	if err != nil {
		return nil, errutil.ValidationFailed("platform app no longer active", errutil.WithErr(err))
	}

	token, err := m.client.ExchangeCode(ctx, app.ClientID, app.ClientSecret, code, row.Verifier, app.CallbackURL)
	if err != nil {
		return nil, err
	}

	identity, err := m.client.Me(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	scopes, _ := json.Marshal(m.cfg.Platform.OAuthScopes)
	cred := &Credential{
		ID:                m.node.Generate().String(),
		OwnerID:           row.OwnerID,
		ExternalAccountID: identity.ID,
		Category:          row.Category,
		Username:          identity.Username,
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		Scopes:            scopes,
		Status:            StatusActive,
		IsActive:          true,
		PlatformAppID:     &app.ID,
	}
	if token.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	if err := m.repo.Upsert(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.Info("credential connected",
		zap.String("credential_id", cred.ID),
		zap.String("external_account_id", cred.ExternalAccountID),
		zap.String("category", cred.Category),
	)
	return cred, nil
}

func (m *Manager) oauthConfig(app *PlatformApp) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.CallbackURL,
		Scopes:       m.cfg.Platform.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.cfg.Platform.AuthBaseURL + "/2/oauth2/authorize",
			TokenURL: m.cfg.Platform.AuthBaseURL + "/2/oauth2/token",
		},
	}
}
