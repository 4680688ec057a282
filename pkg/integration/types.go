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

// Package integration defines the domain types and collaborator contracts
// shared by the execution core: credentials, field mappings, preamble
// templates, and the store interfaces the core reads them through.
package integration

import (
	"time"
)

// CredentialStatus represents the lifecycle state of a stored credential.
type CredentialStatus string

const (
	// CredentialActive means the credential is usable (possibly after refresh).
	CredentialActive CredentialStatus = "active"
	// CredentialRevoked means the credential was revoked locally; it must
	// never be used for calls.
	CredentialRevoked CredentialStatus = "revoked"
	// CredentialExpired means the credential expired and could not be
	// refreshed (no refresh token, or refresh rejected).
	CredentialExpired CredentialStatus = "expired"
)

// Credential holds the OAuth2 token material for one tenant/integration
// pair. The credential store owns the record; the core reads it, refreshes
// it, and writes it back through the store.
type Credential struct {
	TenantID      string
	IntegrationID string

	// AccessToken is an opaque secret; never log it.
	AccessToken string

	// RefreshToken is optional. Empty means the provider issued no refresh
	// token and an expired access token is terminal.
	RefreshToken string

	// ExpiresAt is nil when the provider reported no expiry.
	ExpiresAt *time.Time

	Scopes []string
	Status CredentialStatus

	// Provider names the OAuth provider configuration used to obtain this
	// credential.
	Provider string
}

// Key returns the store key for this credential.
func (c *Credential) Key() string {
	return c.TenantID + "/" + c.IntegrationID
}

// Expired reports whether the credential has expired as of now, applying
// the given safety margin. A nil ExpiresAt never expires.
func (c *Credential) Expired(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(margin).Before(*c.ExpiresAt)
}

// Direction indicates which way a field mapping applies.
type Direction string

const (
	// DirectionInput shapes the request payload before the outbound call.
	DirectionInput Direction = "input"
	// DirectionOutput shapes the response payload after the call.
	DirectionOutput Direction = "output"
)

// TransformSpec names a pure transform applied to a mapped value, with
// optional parameters (e.g. the jq expression for the "jq" transform).
type TransformSpec struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// FieldMapping relocates one value from SourcePath in the payload to
// TargetPath, optionally transforming it on the way. Paths are dot
// separated (e.g. "contact.email"). Connection-level mappings override
// action-level defaults keyed by (SourcePath, Direction).
type FieldMapping struct {
	SourcePath string        `json:"source_path" yaml:"source_path"`
	TargetPath string        `json:"target_path" yaml:"target_path"`
	Direction  Direction     `json:"direction" yaml:"direction"`
	Transform  TransformSpec `json:"transform,omitempty" yaml:"transform,omitempty"`

	// When is an optional expr-lang condition evaluated against the source
	// payload; the mapping is skipped when it evaluates to false.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// OverrideKey is the identity under which connection overrides replace
// action defaults.
func (m FieldMapping) OverrideKey() string {
	return m.SourcePath + "\x00" + string(m.Direction)
}

// PreambleTemplate is an interpolated descriptive string appended to
// transformed output. Templates reference {variable} placeholders from a
// fixed allowed set and are validated before persistence.
type PreambleTemplate struct {
	Template string `json:"template" yaml:"template"`
}

// AuthType selects how a non-OAuth connection authenticates.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthOAuth2 AuthType = "oauth2"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
)

// AuthConfig describes how to authenticate an outbound call for a
// connection. For AuthOAuth2 the token comes from the credential
// lifecycle manager; the static fields cover the other schemes.
type AuthConfig struct {
	Type AuthType `json:"type" yaml:"type"`

	// Token is the static bearer token for AuthBearer.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// Username/Password for AuthBasic.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Header/Value for AuthAPIKey.
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Action is one predefined operation against a third-party API.
type Action struct {
	ID            string
	IntegrationID string
	Name          string

	// Method and URL describe the outbound request. URL may be absolute or
	// relative to the connection's BaseURL.
	Method string
	URL    string

	// Headers are static headers sent with every invocation.
	Headers map[string]string

	// DefaultMappings are the action-level field mappings.
	DefaultMappings []FieldMapping

	// Preamble, when non-nil, is appended to shaped output.
	Preamble *PreambleTemplate
}

// Connection binds a tenant to an integration with per-connection
// configuration: auth, base URL, mapping overrides, client-side rate limit.
type Connection struct {
	ID            string
	TenantID      string
	IntegrationID string
	Name          string

	BaseURL string
	Auth    AuthConfig

	// Overrides replace action defaults keyed by (SourcePath, Direction).
	Overrides []FieldMapping

	// RateLimitPerSecond caps outbound calls for this connection.
	// Zero means unlimited.
	RateLimitPerSecond float64
}
