package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/errutil"
	"postpilot-engine/services/notify"
	"postpilot-engine/services/platform"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Module = fx.Module("credential",
	fx.Provide(
		NewRepository,
		NewManager,
	),
)

// Manager owns the OAuth credential lifecycle: refresh, validation, and the
// scheduled batch pass over all stored credentials.
type Manager struct {
	repo     Repository
	client   platform.Client
	notifier *notify.Publisher
	logger   *zap.Logger
	node     *snowflake.Node
	cfg      *config.Config
	engine   config.Engine
}

type ManagerParams struct {
	fx.In

	Repository Repository
	Client     platform.Client
	Notifier   *notify.Publisher `optional:"true"`
	Logger     *zap.Logger
	Node       *snowflake.Node
	Cfg        *config.Config
}

func NewManager(p ManagerParams) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:     p.Repository,
		client:   p.Client,
		notifier: p.Notifier,
		logger:   logger,
		node:     p.Node,
		cfg:      p.Cfg,
		engine:   p.Cfg.Engine,
	}
}

// Refresh exchanges the stored refresh token for a new token set. A 4xx
// from the token endpoint retires the credential; network and 5xx failures
// leave it untouched so the next scheduled pass retries.
func (m *Manager) Refresh(ctx context.Context, cred *Credential) error {
	if cred.RefreshToken == "" {
		return errutil.ValidationFailed("credential has no refresh token")
	}

	app, err := m.repo.ResolveApp(ctx, cred)
	if err != nil {
		return errutil.ValidationFailed("no active platform app for owner", errutil.WithErr(err))
	}
	if cred.PlatformAppID != nil && *cred.PlatformAppID != "" && app.ID != *cred.PlatformAppID {
		// Fallback substituted a different app identity; make that visible.
		m.logger.Warn("refreshing under fallback platform app",
			zap.String("credential_id", cred.ID),
			zap.String("requested_app_id", *cred.PlatformAppID),
			zap.String("used_app_id", app.ID),
		)
	}

	token, err := m.client.RefreshToken(ctx, app.ClientID, app.ClientSecret, cred.RefreshToken)
	if err != nil {
		if errutil.IsTransient(err) {
			m.logger.Warn("transient refresh failure, credential remains active",
				zap.String("credential_id", cred.ID),
				zap.Error(err),
			)
			return err
		}

		status := StatusInvalid
		if errutil.StatusOf(err) == errutil.StatusForbidden {
			status = StatusSuspended
		}
		if derr := m.repo.Deactivate(ctx, cred.ID, status, err.Error()); derr != nil {
			m.logger.Error("failed to deactivate credential", zap.String("credential_id", cred.ID), zap.Error(derr))
		}
		cred.IsActive = false
		cred.Status = status
		cred.LastError = err.Error()

		m.logger.Warn("credential deactivated after refresh rejection",
			zap.String("credential_id", cred.ID),
			zap.String("status", string(status)),
		)
		return err
	}

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	if token.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	cred.Status = StatusActive
	cred.IsActive = true
	cred.LastError = ""
	cred.RefreshCount++

	if err := m.repo.SaveTokens(ctx, cred); err != nil {
		return err
	}

	m.logger.Info("credential refreshed",
		zap.String("credential_id", cred.ID),
		zap.Time("expires_at", cred.ExpiresAt),
	)
	return nil
}

// ValidateConnection runs a lightweight identity check and classifies the
// credential. A forbidden response means the external account is suspended,
// which is distinct from a merely invalid token.
func (m *Manager) ValidateConnection(ctx context.Context, cred *Credential) (Status, error) {
	_, err := m.client.Me(ctx, cred.AccessToken)
	if err == nil {
		return StatusActive, nil
	}
	if errutil.IsTransient(err) {
		return cred.Status, err
	}

	status := StatusInvalid
	switch errutil.StatusOf(err) {
	case errutil.StatusForbidden:
		status = StatusSuspended
	case errutil.StatusUnauthorized:
		if !cred.ExpiresAt.IsZero() && time.Now().UTC().After(cred.ExpiresAt) {
			status = StatusExpired
		}
	}

	if merr := m.repo.MarkStatus(ctx, cred.ID, status); merr != nil {
		m.logger.Error("failed to persist credential status", zap.String("credential_id", cred.ID), zap.Error(merr))
	}
	return status, nil
}

// BatchSummary aggregates one refresh pass.
type BatchSummary struct {
	Processed int      `json:"processed"`
	Refreshed int      `json:"refreshed"`
	Failed    int      `json:"failed"`
	Suspended int      `json:"suspended"`
	Errors    []string `json:"errors,omitempty"`
}

// RefreshBatch refreshes active credentials in fixed-size groups with an
// inter-group delay so the token endpoint never sees a burst. Credentials
// within a group refresh concurrently. A summary notification is emitted per
// owner only when failures or suspensions exist.
func (m *Manager) RefreshBatch(ctx context.Context, ownerID string, batchSize int) (*BatchSummary, error) {
	if batchSize <= 0 {
		batchSize = m.engine.RefreshBatchSize
	}

	creds, err := m.repo.ListActive(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	errs := make([]error, len(creds))

	for start := 0; start < len(creds); start += batchSize {
		end := start + batchSize
		if end > len(creds) {
			end = len(creds)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				errs[i] = m.Refresh(gctx, &creds[i])
				return nil
			})
		}
		_ = g.Wait()

		if end < len(creds) {
			select {
			case <-time.After(m.engine.RefreshBatchDelay):
			case <-ctx.Done():
				return m.summarize(creds[:end], errs), ctx.Err()
			}
		}
	}

	summary := m.summarize(creds, errs)
	perOwner := map[string]*BatchSummary{}
	for i := range creds {
		owner := perOwner[creds[i].OwnerID]
		if owner == nil {
			owner = &BatchSummary{}
			perOwner[creds[i].OwnerID] = owner
		}
		owner.Processed++
		switch {
		case errs[i] == nil:
			owner.Refreshed++
		default:
			owner.Failed++
			if creds[i].Status == StatusSuspended {
				owner.Suspended++
			}
		}
	}

	for owner, os := range perOwner {
		if os.Failed == 0 && os.Suspended == 0 {
			continue
		}
		m.notifyOwner(ctx, owner, os)
	}

	return summary, nil
}

func (m *Manager) summarize(creds []Credential, errs []error) *BatchSummary {
	s := &BatchSummary{}
	for i := range creds {
		s.Processed++
		if errs[i] == nil {
			s.Refreshed++
			continue
		}
		s.Failed++
		if creds[i].Status == StatusSuspended {
			s.Suspended++
		}
		if len(s.Errors) < m.engine.ResultSampleSize {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", creds[i].ID, errs[i]))
		}
	}
	return s
}

func (m *Manager) notifyOwner(ctx context.Context, ownerID string, s *BatchSummary) {
	if m.notifier == nil {
		return
	}

	payload, _ := json.Marshal(s)
	err := m.notifier.Publish(ctx, &notify.Notification{
		OwnerID: ownerID,
		Kind:    notify.KindCredentialRefresh,
		Title:   "Credential refresh issues",
		Body: fmt.Sprintf("%d of %d credentials failed to refresh (%d suspended)",
			s.Failed, s.Processed, s.Suspended),
		Payload: payload,
	})
	if err != nil {
		m.logger.Error("failed to publish refresh summary", zap.String("owner_id", ownerID), zap.Error(err))
	}
}
