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

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/httpclient"
)

// Endpoints holds the provider's endpoint URLs. AuthURL and TokenURL are
// required; the rest enable validation and revocation when present.
type Endpoints struct {
	AuthURL          string `yaml:"auth_url"`
	TokenURL         string `yaml:"token_url"`
	IntrospectionURL string `yaml:"introspection_url,omitempty"`
	RevocationURL    string `yaml:"revocation_url,omitempty"`
	UserInfoURL      string `yaml:"user_info_url,omitempty"`
}

// GenericConfig configures a GenericProvider.
type GenericConfig struct {
	// Name identifies this provider configuration (e.g. "github", "hubspot").
	Name string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoints    Endpoints

	// UsePKCE enables Proof Key for Code Exchange: a verifier is generated
	// with the authorization URL and replayed on the code exchange.
	UsePKCE bool

	// HTTPClient overrides the client used for token, introspection,
	// revocation, and user-info calls. Nil uses a client with a 30s timeout.
	HTTPClient *http.Client
}

// Validate checks required fields.
func (c *GenericConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required for provider %q", c.Name)
	}
	if c.Endpoints.TokenURL == "" {
		return fmt.Errorf("token_url is required for provider %q", c.Name)
	}
	return nil
}

// GenericProvider implements Provider for any standards-conformant OAuth2
// provider given endpoint URLs and client credentials.
type GenericProvider struct {
	config GenericConfig
	conf   *oauth2.Config
	client *http.Client

	// pendingVerifier holds the PKCE verifier generated with the last
	// authorization URL. One authorization flow is in flight per provider
	// instance at a time; the connection wizard drives them sequentially.
	mu              sync.Mutex
	pendingVerifier string
}

// NewGenericProvider creates a provider from config.
func NewGenericProvider(config GenericConfig) (*GenericProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := config.HTTPClient
	if client == nil {
		clientCfg := httpclient.DefaultConfig()
		clientCfg.UserAgent = "relaymesh-oauth/1.0"
		var err error
		client, err = httpclient.New(clientCfg)
		if err != nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
	}

	return &GenericProvider{
		config: config,
		conf: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.Endpoints.AuthURL,
				TokenURL: config.Endpoints.TokenURL,
			},
		},
		client: client,
	}, nil
}

// Name implements Provider.
func (p *GenericProvider) Name() string {
	return p.config.Name
}

// AuthorizationURL implements Provider. Extra parameters are appended to
// the query string; with PKCE enabled the S256 challenge is included and
// the verifier retained for the exchange.
func (p *GenericProvider) AuthorizationURL(state string, extraParams map[string]string) (string, error) {
	if p.config.Endpoints.AuthURL == "" {
		return "", fmt.Errorf("provider %q has no authorization endpoint", p.config.Name)
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(extraParams)+1)
	for k, v := range extraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	if p.config.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		p.mu.Lock()
		p.pendingVerifier = verifier
		p.mu.Unlock()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	return p.conf.AuthCodeURL(state, opts...), nil
}

// ExchangeCode implements Provider.
func (p *GenericProvider) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	var opts []oauth2.AuthCodeOption

	if p.config.UsePKCE {
		p.mu.Lock()
		verifier := p.pendingVerifier
		p.pendingVerifier = ""
		p.mu.Unlock()
		if verifier != "" {
			opts = append(opts, oauth2.VerifierOption(verifier))
		}
	}

	tok, err := p.conf.Exchange(p.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, &errors.OAuthError{
			Kind:       errors.TokenExchangeFailed,
			Provider:   p.config.Name,
			StatusCode: retrieveStatusCode(err),
			Message:    "authorization code exchange rejected",
			Cause:      err,
		}
	}

	return p.tokenSet(tok), nil
}

// Refresh implements Provider. Providers that rotate refresh tokens return
// the new one; otherwise the input token is carried forward.
func (p *GenericProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, &errors.OAuthError{
			Kind:     errors.RefreshFailed,
			Provider: p.config.Name,
			Message:  "no refresh token available",
		}
	}

	source := p.conf.TokenSource(p.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, &errors.OAuthError{
			Kind:       errors.RefreshFailed,
			Provider:   p.config.Name,
			StatusCode: retrieveStatusCode(err),
			Message:    "token refresh rejected",
			Cause:      err,
		}
	}

	return p.tokenSet(tok), nil
}

// ValidateToken implements Provider. Methods are tried in order:
// introspection, user-info, assume valid. A transport or parse failure on
// one method falls through to the next rather than reporting the token
// invalid.
func (p *GenericProvider) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	if p.config.Endpoints.IntrospectionURL != "" {
		if active, ok := p.introspect(ctx, accessToken); ok {
			return active, nil
		}
	}

	if p.config.Endpoints.UserInfoURL != "" {
		if valid, ok := p.probeUserInfo(ctx, accessToken); ok {
			return valid, nil
		}
	}

	// No way to check remotely; defer failure to actual use.
	return true, nil
}

// introspect POSTs the token to the introspection endpoint per RFC 7662.
// The second return is false when the result is inconclusive.
func (p *GenericProvider) introspect(ctx context.Context, token string) (active, conclusive bool) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {string(AccessToken)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoints.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false
	}

	var result struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return false, false
	}
	return result.Active, true
}

// probeUserInfo GETs the user-info endpoint with the bearer token. Any
// response at all is conclusive: success means valid, rejection means
// invalid. Transport failures are inconclusive.
func (p *GenericProvider) probeUserInfo(ctx context.Context, token string) (valid, conclusive bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoints.UserInfoURL, nil)
	if err != nil {
		return false, false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	return resp.StatusCode >= 200 && resp.StatusCode < 300, true
}

// RevokeToken implements Provider per RFC 7009. Without a revocation
// endpoint it returns nil immediately. A 200 is success even when the
// token was already invalid; only transport errors and non-200 statuses
// surface as errors.
func (p *GenericProvider) RevokeToken(ctx context.Context, token string, kind TokenKind) error {
	if p.config.Endpoints.RevocationURL == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	if kind != "" {
		form.Set("token_type_hint", string(kind))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoints.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &errors.OAuthError{
			Kind:     errors.TokenRevocationFailed,
			Provider: p.config.Name,
			Message:  "building revocation request",
			Cause:    err,
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return &errors.OAuthError{
			Kind:     errors.TokenRevocationFailed,
			Provider: p.config.Name,
			Message:  "revocation endpoint unreachable",
			Cause:    err,
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return &errors.OAuthError{
			Kind:       errors.TokenRevocationFailed,
			Provider:   p.config.Name,
			StatusCode: resp.StatusCode,
			Message:    "revocation endpoint rejected request",
		}
	}
	return nil
}

// httpContext injects the configured HTTP client into the oauth2 library.
func (p *GenericProvider) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// tokenSet converts an oauth2 token, deriving expiry from the token's own
// exp claim when the provider omitted expires_in and the access token is
// JWT-shaped.
func (p *GenericProvider) tokenSet(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}

	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		set.ExpiresAt = &expiry
	} else if exp := jwtExpiry(tok.AccessToken); exp != nil {
		set.ExpiresAt = exp
	}

	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		set.Scopes = strings.Fields(scope)
	}
	return set
}

// jwtExpiry extracts the exp claim from a JWT-shaped access token without
// verifying the signature. Opaque tokens return nil.
func jwtExpiry(accessToken string) *time.Time {
	if strings.Count(accessToken, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}

// retrieveStatusCode digs the HTTP status out of an oauth2 retrieve error.
func retrieveStatusCode(err error) int {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.Response.StatusCode
	}
	return 0
}
