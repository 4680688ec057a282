// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credential orchestrates the OAuth credential lifecycle around
// the credential store: refresh-before-use with a safety margin, one
// in-flight refresh per credential, and best-effort revocation on
// disconnect.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/integration"
	"github.com/tombee/relaymesh/pkg/oauth"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// ErrCredentialRevoked is returned when a revoked credential is requested
// for use.
var ErrCredentialRevoked = errors.New("credential has been revoked")

// refreshCall tracks one in-flight refresh. Concurrent callers for the
// same credential wait on done instead of issuing duplicate requests,
// which can invalidate a still-valid token at some providers.
type refreshCall struct {
	done chan struct{}
	cred *integration.Credential
	err  error
}

// Manager keeps access tokens valid and revocable. It never caches
// credentials beyond one refresh cycle; every use reads through the store.
type Manager struct {
	store     integration.CredentialStore
	providers *oauth.Registry
	clock     integration.Clock
	logger    *slog.Logger
	margin    time.Duration

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the time source.
func WithClock(clock integration.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRefreshMargin overrides the refresh safety margin.
func WithRefreshMargin(margin time.Duration) Option {
	return func(m *Manager) { m.margin = margin }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a credential lifecycle manager.
func NewManager(store integration.CredentialStore, providers *oauth.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		providers: providers,
		clock:     integration.SystemClock(),
		logger:    slog.Default(),
		margin:    DefaultRefreshMargin,
		inflight:  make(map[string]*refreshCall),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Valid returns a usable credential for the tenant/integration pair,
// refreshing first when the access token has expired or is inside the
// safety margin. Failures here describe the OAuth handshake, never the
// target API.
func (m *Manager) Valid(ctx context.Context, tenantID, integrationID string) (*integration.Credential, error) {
	cred, err := m.store.Get(ctx, tenantID, integrationID)
	if err != nil {
		return nil, errors.Wrap(err, "reading credential")
	}
	if cred == nil {
		return nil, &errors.NotFoundError{Resource: "credential", ID: tenantID + "/" + integrationID}
	}
	if cred.Status == integration.CredentialRevoked {
		return nil, ErrCredentialRevoked
	}

	if !cred.Expired(m.clock.Now(), m.margin) {
		return cred, nil
	}

	return m.refresh(ctx, cred)
}

// refresh serializes refreshes per credential key. The first caller
// performs the refresh; the rest wait for its outcome.
func (m *Manager) refresh(ctx context.Context, cred *integration.Credential) (*integration.Credential, error) {
	key := cred.Key()

	m.mu.Lock()
	if call, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.cred, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight[key] = call
	m.mu.Unlock()

	call.cred, call.err = m.doRefresh(ctx, cred)

	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
	close(call.done)

	return call.cred, call.err
}

// doRefresh performs one refresh round-trip and persists the result.
func (m *Manager) doRefresh(ctx context.Context, cred *integration.Credential) (*integration.Credential, error) {
	// Re-read after winning the in-flight slot: a refresh that completed
	// between our store read and now already rotated the tokens.
	if latest, err := m.store.Get(ctx, cred.TenantID, cred.IntegrationID); err == nil && latest != nil {
		if !latest.Expired(m.clock.Now(), m.margin) {
			return latest, nil
		}
		cred = latest
	}

	if cred.RefreshToken == "" {
		m.markExpired(ctx, cred)
		return nil, &errors.OAuthError{
			Kind:     errors.RefreshFailed,
			Provider: cred.Provider,
			Message:  "access token expired and no refresh token is available",
		}
	}

	provider, err := m.providers.Get(cred.Provider)
	if err != nil {
		return nil, errors.Wrap(err, "resolving provider")
	}

	set, err := provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		var oauthErr *errors.OAuthError
		if errors.As(err, &oauthErr) && oauthErr.StatusCode >= 400 && oauthErr.StatusCode < 500 {
			// The provider rejected the refresh token outright; the
			// credential is dead until the user reconnects.
			m.markExpired(ctx, cred)
		}
		return nil, err
	}

	cred.AccessToken = set.AccessToken
	if set.RefreshToken != "" {
		cred.RefreshToken = set.RefreshToken
	}
	cred.ExpiresAt = set.ExpiresAt
	if len(set.Scopes) > 0 {
		cred.Scopes = set.Scopes
	}
	cred.Status = integration.CredentialActive

	if err := m.store.Put(ctx, cred); err != nil {
		return nil, errors.Wrap(err, "persisting refreshed credential")
	}

	m.logger.Debug("credential refreshed",
		"tenant_id", cred.TenantID,
		"integration_id", cred.IntegrationID,
		"provider", cred.Provider)
	return cred, nil
}

func (m *Manager) markExpired(ctx context.Context, cred *integration.Credential) {
	cred.Status = integration.CredentialExpired
	if err := m.store.Put(ctx, cred); err != nil {
		m.logger.Warn("marking credential expired failed",
			"tenant_id", cred.TenantID,
			"integration_id", cred.IntegrationID,
			"error", err)
	}
}

// Revoke disconnects a tenant from an integration. Provider-side
// revocation is best-effort: read failures and revocation failures are
// logged and swallowed so the local disconnect always completes.
func (m *Manager) Revoke(ctx context.Context, tenantID, integrationID string) error {
	cred, err := m.store.Get(ctx, tenantID, integrationID)
	if err != nil {
		m.logger.Warn("reading credential for revocation failed",
			"tenant_id", tenantID,
			"integration_id", integrationID,
			"error", err)
	}

	if cred != nil {
		m.revokeWithProvider(ctx, cred)
	}

	return m.store.MarkRevoked(ctx, tenantID, integrationID)
}

func (m *Manager) revokeWithProvider(ctx context.Context, cred *integration.Credential) {
	provider, err := m.providers.Get(cred.Provider)
	if err != nil {
		m.logger.Warn("provider unavailable for revocation",
			"provider", cred.Provider,
			"error", err)
		return
	}

	// Refresh token first: revoking it usually invalidates the whole grant.
	if cred.RefreshToken != "" {
		if err := provider.RevokeToken(ctx, cred.RefreshToken, oauth.RefreshToken); err != nil {
			m.logger.Warn("refresh token revocation failed",
				"tenant_id", cred.TenantID,
				"integration_id", cred.IntegrationID,
				"error", err)
		}
	}
	if cred.AccessToken != "" {
		if err := provider.RevokeToken(ctx, cred.AccessToken, oauth.AccessToken); err != nil {
			m.logger.Warn("access token revocation failed",
				"tenant_id", cred.TenantID,
				"integration_id", cred.IntegrationID,
				"error", err)
		}
	}
}
