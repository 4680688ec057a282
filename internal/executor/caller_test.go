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

package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgerrors "github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/integration"
)

func TestDo_Success(t *testing.T) {
	var gotAuth, gotRequestID, gotContentType string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "rec-1", "ok": true})
	}))
	defer server.Close()

	caller := NewCaller(Policy{})
	resp, err := caller.Do(context.Background(), &Request{
		Method:      http.MethodPost,
		URL:         server.URL + "/contacts",
		Body:        map[string]any{"name": "Ada"},
		Auth:        integration.AuthConfig{Type: integration.AuthOAuth2},
		BearerToken: "at-1",
		RequestID:   "req-123",
	}, 0)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Body["id"] != "rec-1" {
		t.Errorf("Body = %v, want parsed JSON", resp.Body)
	}
	if gotAuth != "Bearer at-1" {
		t.Errorf("Authorization = %q, want Bearer at-1", gotAuth)
	}
	if gotRequestID != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", gotRequestID)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotBody["name"] != "Ada" {
		t.Errorf("request body = %v, want name Ada", gotBody)
	}
}

func TestDo_StatusPolicy(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{"server error fails", http.StatusInternalServerError, true},
		{"rate limited fails", http.StatusTooManyRequests, true},
		{"client error passes through", http.StatusNotFound, false},
		{"success passes", http.StatusCreated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			caller := NewCaller(Policy{})
			resp, err := caller.Do(context.Background(), &Request{
				Method: http.MethodGet,
				URL:    server.URL,
			}, 0)

			if tt.wantErr {
				var statusErr *pkgerrors.StatusError
				if !pkgerrors.As(err, &statusErr) {
					t.Fatalf("error = %v, want StatusError", err)
				}
				if statusErr.StatusCode != tt.statusCode {
					t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, tt.statusCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			if resp.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.statusCode)
			}
		})
	}
}

func TestDo_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	caller := NewCaller(Policy{Timeout: 20 * time.Millisecond})
	_, err := caller.Do(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    server.URL,
	}, 0)

	var timeoutErr *pkgerrors.TimeoutError
	if !pkgerrors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want TimeoutError", err)
	}
	if timeoutErr.Duration != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", timeoutErr.Duration)
	}
}

func TestDo_TransportError(t *testing.T) {
	caller := NewCaller(Policy{Timeout: time.Second})
	// Closed port: connection refused.
	_, err := caller.Do(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1",
	}, 0)

	var netErr *pkgerrors.NetworkError
	if !pkgerrors.As(err, &netErr) {
		t.Fatalf("error = %v, want NetworkError", err)
	}
}

func TestDo_CancelledBeforeDispatch(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	caller := NewCaller(Policy{Timeout: time.Second})
	_, err := caller.Do(ctx, &Request{
		Method:       http.MethodGet,
		URL:          server.URL + "/records",
		ConnectionID: "conn-1",
	}, 1)

	if !pkgerrors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	// Nothing was sent; the error must stay invisible to the breaker.
	if pkgerrors.IsCallFailure(err) {
		t.Errorf("IsCallFailure(%v) = true, want false", err)
	}
	if calls != 0 {
		t.Errorf("backend calls = %d, want 0", calls)
	}
}

func TestDo_HeaderInjectionRejected(t *testing.T) {
	caller := NewCaller(Policy{})
	_, err := caller.Do(context.Background(), &Request{
		Method:  http.MethodGet,
		URL:     "http://example.com",
		Headers: map[string]string{"X-Custom": "bad\r\nInjected: yes"},
	}, 0)
	if err == nil {
		t.Fatal("header with CRLF accepted")
	}
}

func TestDo_SensitiveHeadersSkipped(t *testing.T) {
	var gotHost string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
	}))
	defer server.Close()

	caller := NewCaller(Policy{})
	_, err := caller.Do(context.Background(), &Request{
		Method:  http.MethodGet,
		URL:     server.URL,
		Headers: map[string]string{"Host": "spoofed.example.com", "X-Ok": "fine"},
	}, 0)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotHost == "spoofed.example.com" {
		t.Error("sensitive Host header was overridden")
	}
}

func TestApplyAuth(t *testing.T) {
	tests := []struct {
		name       string
		auth       integration.AuthConfig
		bearer     string
		wantHeader string
		wantValue  string
		wantErr    bool
	}{
		{
			name:       "oauth2",
			auth:       integration.AuthConfig{Type: integration.AuthOAuth2},
			bearer:     "at-1",
			wantHeader: "Authorization",
			wantValue:  "Bearer at-1",
		},
		{
			name:    "oauth2 without token",
			auth:    integration.AuthConfig{Type: integration.AuthOAuth2},
			wantErr: true,
		},
		{
			name:       "static bearer",
			auth:       integration.AuthConfig{Type: integration.AuthBearer, Token: "static"},
			wantHeader: "Authorization",
			wantValue:  "Bearer static",
		},
		{
			name:       "basic",
			auth:       integration.AuthConfig{Type: integration.AuthBasic, Username: "u", Password: "p"},
			wantHeader: "Authorization",
			wantValue:  "Basic dTpw",
		},
		{
			name:       "api key",
			auth:       integration.AuthConfig{Type: integration.AuthAPIKey, Header: "X-Api-Key", Value: "k"},
			wantHeader: "X-Api-Key",
			wantValue:  "k",
		},
		{
			name: "none",
			auth: integration.AuthConfig{},
		},
		{
			name:    "unsupported",
			auth:    integration.AuthConfig{Type: "kerberos"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			err := applyAuth(req, tt.auth, tt.bearer)
			if tt.wantErr {
				if err == nil {
					t.Fatal("applyAuth succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("applyAuth: %v", err)
			}
			if tt.wantHeader != "" {
				if got := req.Header.Get(tt.wantHeader); got != tt.wantValue {
					t.Errorf("%s = %q, want %q", tt.wantHeader, got, tt.wantValue)
				}
			}
		})
	}
}
