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

package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/integration"
	"github.com/tombee/relaymesh/pkg/oauth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// memoryStore is an in-memory CredentialStore.
type memoryStore struct {
	mu      sync.Mutex
	creds   map[string]*integration.Credential
	puts    int
	revoked []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{creds: make(map[string]*integration.Credential)}
}

func (s *memoryStore) Get(ctx context.Context, tenantID, integrationID string) (*integration.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[tenantID+"/"+integrationID]
	if !ok {
		return nil, nil
	}
	cc := *cred
	return &cc, nil
}

func (s *memoryStore) Put(ctx context.Context, cred *integration.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := *cred
	s.creds[cred.Key()] = &cc
	s.puts++
	return nil
}

func (s *memoryStore) MarkRevoked(ctx context.Context, tenantID, integrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, tenantID+"/"+integrationID)
	if cred, ok := s.creds[tenantID+"/"+integrationID]; ok {
		cred.Status = integration.CredentialRevoked
	}
	return nil
}

// fakeProvider counts refresh and revoke calls; refresh can be blocked to
// exercise the single-flight path.
type fakeProvider struct {
	name       string
	refreshes  atomic.Int64
	revokes    atomic.Int64
	refreshErr error
	block      chan struct{}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthorizationURL(state string, extra map[string]string) (string, error) {
	return "https://provider.example.com/authorize?state=" + state, nil
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code string) (*oauth.TokenSet, error) {
	return nil, pkgerrors.New("not used")
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	p.refreshes.Add(1)
	if p.block != nil {
		<-p.block
	}
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	exp := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	return &oauth.TokenSet{
		AccessToken:  "at-refreshed",
		RefreshToken: "rt-rotated",
		ExpiresAt:    &exp,
	}, nil
}

func (p *fakeProvider) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	return true, nil
}

func (p *fakeProvider) RevokeToken(ctx context.Context, token string, kind oauth.TokenKind) error {
	p.revokes.Add(1)
	return nil
}

func newTestManager(t *testing.T, store *memoryStore, provider *fakeProvider, clock *fakeClock) *Manager {
	t.Helper()
	registry := oauth.NewRegistry()
	registry.Register(provider)
	return NewManager(store, registry, WithClock(clock))
}

func activeCredential(expiresAt time.Time) *integration.Credential {
	exp := expiresAt
	return &integration.Credential{
		TenantID:      "t1",
		IntegrationID: "crm",
		AccessToken:   "at-current",
		RefreshToken:  "rt-current",
		ExpiresAt:     &exp,
		Status:        integration.CredentialActive,
		Provider:      "test",
	}
}

func TestValid_FreshTokenSkipsRefresh(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	provider := &fakeProvider{name: "test"}
	// Expires well outside the 5 minute margin.
	store.Put(context.Background(), activeCredential(clock.Now().Add(time.Hour)))

	m := newTestManager(t, store, provider, clock)

	cred, err := m.Valid(context.Background(), "t1", "crm")
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if cred.AccessToken != "at-current" {
		t.Errorf("AccessToken = %q, want at-current", cred.AccessToken)
	}
	if got := provider.refreshes.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
}

func TestValid_ExpiredTokenRefreshes(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	provider := &fakeProvider{name: "test"}
	store.Put(context.Background(), activeCredential(clock.Now().Add(-time.Minute)))

	m := newTestManager(t, store, provider, clock)

	cred, err := m.Valid(context.Background(), "t1", "crm")
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if cred.AccessToken != "at-refreshed" {
		t.Errorf("AccessToken = %q, want at-refreshed", cred.AccessToken)
	}
	if cred.RefreshToken != "rt-rotated" {
		t.Errorf("RefreshToken = %q, want rotated token persisted", cred.RefreshToken)
	}

	stored, _ := store.Get(context.Background(), "t1", "crm")
	if stored.AccessToken != "at-refreshed" {
		t.Errorf("stored AccessToken = %q, want at-refreshed", stored.AccessToken)
	}
}

func TestValid_WithinMarginRefreshes(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	provider := &fakeProvider{name: "test"}
	// Valid for 2 more minutes, inside the 5 minute margin.
	store.Put(context.Background(), activeCredential(clock.Now().Add(2*time.Minute)))

	m := newTestManager(t, store, provider, clock)

	if _, err := m.Valid(context.Background(), "t1", "crm"); err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if got := provider.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestValid_RevokedCredential(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	cred := activeCredential(clock.Now().Add(time.Hour))
	cred.Status = integration.CredentialRevoked
	store.Put(context.Background(), cred)

	m := newTestManager(t, store, &fakeProvider{name: "test"}, clock)

	if _, err := m.Valid(context.Background(), "t1", "crm"); !pkgerrors.Is(err, ErrCredentialRevoked) {
		t.Errorf("error = %v, want ErrCredentialRevoked", err)
	}
}

func TestValid_MissingCredential(t *testing.T) {
	m := newTestManager(t, newMemoryStore(), &fakeProvider{name: "test"}, newFakeClock())

	_, err := m.Valid(context.Background(), "t1", "crm")
	var notFound *pkgerrors.NotFoundError
	if !pkgerrors.As(err, &notFound) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestValid_NoRefreshTokenMarksExpired(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	cred := activeCredential(clock.Now().Add(-time.Minute))
	cred.RefreshToken = ""
	store.Put(context.Background(), cred)

	m := newTestManager(t, store, &fakeProvider{name: "test"}, clock)

	_, err := m.Valid(context.Background(), "t1", "crm")
	if !pkgerrors.IsOAuth(err, pkgerrors.RefreshFailed) {
		t.Fatalf("error = %v, want OAuthError kind REFRESH_FAILED", err)
	}

	stored, _ := store.Get(context.Background(), "t1", "crm")
	if stored.Status != integration.CredentialExpired {
		t.Errorf("stored Status = %q, want expired", stored.Status)
	}
}

func TestValid_RejectedRefreshMarksExpired(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	store.Put(context.Background(), activeCredential(clock.Now().Add(-time.Minute)))

	provider := &fakeProvider{
		name: "test",
		refreshErr: &pkgerrors.OAuthError{
			Kind:       pkgerrors.RefreshFailed,
			StatusCode: 400,
			Message:    "invalid_grant",
		},
	}
	m := newTestManager(t, store, provider, clock)

	if _, err := m.Valid(context.Background(), "t1", "crm"); err == nil {
		t.Fatal("Valid succeeded with rejecting provider")
	}

	stored, _ := store.Get(context.Background(), "t1", "crm")
	if stored.Status != integration.CredentialExpired {
		t.Errorf("stored Status = %q, want expired after invalid_grant", stored.Status)
	}
}

func TestValid_SingleFlightRefresh(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	store.Put(context.Background(), activeCredential(clock.Now().Add(-time.Minute)))

	provider := &fakeProvider{name: "test", block: make(chan struct{})}
	m := newTestManager(t, store, provider, clock)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*integration.Credential, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = m.Valid(context.Background(), "t1", "crm")
		}(i)
	}

	// Give all callers time to pile up behind the in-flight refresh,
	// then release it.
	time.Sleep(50 * time.Millisecond)
	close(provider.block)
	wg.Wait()

	if got := provider.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 (single-flight)", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "at-refreshed" {
			t.Errorf("caller %d AccessToken = %q, want at-refreshed", i, results[i].AccessToken)
		}
	}
}

func TestRevoke_BestEffort(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	store.Put(context.Background(), activeCredential(clock.Now().Add(time.Hour)))

	provider := &fakeProvider{name: "test"}
	m := newTestManager(t, store, provider, clock)

	if err := m.Revoke(context.Background(), "t1", "crm"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Both refresh and access token revoked with the provider.
	if got := provider.revokes.Load(); got != 2 {
		t.Errorf("provider revoke calls = %d, want 2", got)
	}
	if len(store.revoked) != 1 || store.revoked[0] != "t1/crm" {
		t.Errorf("store.revoked = %v, want [t1/crm]", store.revoked)
	}
}

func TestRevoke_MissingCredentialStillMarksRevoked(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, &fakeProvider{name: "test"}, newFakeClock())

	if err := m.Revoke(context.Background(), "t1", "crm"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(store.revoked) != 1 {
		t.Errorf("store.revoked = %v, want local mark despite missing credential", store.revoked)
	}
}

func TestRevoke_UnknownProviderStillMarksRevoked(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore()
	cred := activeCredential(clock.Now().Add(time.Hour))
	cred.Provider = "unregistered"
	store.Put(context.Background(), cred)

	m := newTestManager(t, store, &fakeProvider{name: "test"}, clock)

	if err := m.Revoke(context.Background(), "t1", "crm"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(store.revoked) != 1 {
		t.Errorf("store.revoked = %v, want local mark despite provider error", store.revoked)
	}
}
