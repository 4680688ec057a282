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

package integration

import "context"

// CredentialStore is the durable credential storage collaborator. The core
// never caches credentials beyond one refresh cycle; every execution reads
// through this interface.
type CredentialStore interface {
	// Get returns the credential for a tenant/integration pair, or nil when
	// none exists.
	Get(ctx context.Context, tenantID, integrationID string) (*Credential, error)

	// Put persists an updated credential (typically after a refresh).
	Put(ctx context.Context, cred *Credential) error

	// MarkRevoked flips the stored credential to CredentialRevoked. It is
	// called even when provider-side revocation failed.
	MarkRevoked(ctx context.Context, tenantID, integrationID string) error
}

// MappingStore supplies the persisted field mappings the engine resolves.
type MappingStore interface {
	// ActionDefaults returns the action-level mappings in persisted order.
	ActionDefaults(ctx context.Context, actionID string) ([]FieldMapping, error)

	// ConnectionOverrides returns the connection-level overrides for an
	// action, or an empty slice when the connection has none.
	ConnectionOverrides(ctx context.Context, actionID, connectionID string) ([]FieldMapping, error)
}

// Catalog resolves action and connection descriptors. The CRUD layer owns
// these records; the core only reads them.
type Catalog interface {
	Action(ctx context.Context, actionID string) (*Action, error)
	Connection(ctx context.Context, connectionID string) (*Connection, error)
}
