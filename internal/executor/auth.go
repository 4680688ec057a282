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
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/tombee/relaymesh/pkg/integration"
)

// applyAuth adds authentication to an outbound request. For OAuth2
// connections the bearer token comes from the credential lifecycle
// manager; the static schemes use the connection's auth config directly.
func applyAuth(req *http.Request, auth integration.AuthConfig, bearerToken string) error {
	switch auth.Type {
	case integration.AuthNone:
		return nil
	case integration.AuthOAuth2:
		if bearerToken == "" {
			return fmt.Errorf("oauth2 auth requires a resolved access token")
		}
		req.Header.Set("Authorization", "Bearer "+bearerToken)
		return nil
	case integration.AuthBearer:
		if auth.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
		req.Header.Set("Authorization", "Bearer "+auth.Token)
		return nil
	case integration.AuthBasic:
		if auth.Username == "" {
			return fmt.Errorf("basic auth requires username")
		}
		if auth.Password == "" {
			return fmt.Errorf("basic auth requires password")
		}
		credentials := auth.Username + ":" + auth.Password
		encoded := base64.StdEncoding.EncodeToString([]byte(credentials))
		req.Header.Set("Authorization", "Basic "+encoded)
		return nil
	case integration.AuthAPIKey:
		if auth.Header == "" {
			return fmt.Errorf("api_key auth requires header name")
		}
		if auth.Value == "" {
			return fmt.Errorf("api_key auth requires value")
		}
		req.Header.Set(auth.Header, auth.Value)
		return nil
	default:
		return fmt.Errorf("unsupported auth type: %s", auth.Type)
	}
}
