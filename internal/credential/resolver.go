// Package credential defines the credential resolver contract consumed
// by internal/handler's ExecContext (as handler.CredentialResolver) and
// implements it twice: an encrypted-at-rest in-memory map
// (credential/memory) and an Azure Key Vault-backed resolver
// (credential/azurekeyvault).
package credential

import (
	"context"

	"github.com/n3flow/platform/pkg/value"
)

// Resolver resolves a credential id to its decrypted value on behalf of
// a handler, scoped to the requesting user. Structurally identical to
// handler.CredentialResolver — any Resolver implementation satisfies
// that interface without importing internal/handler here.
type Resolver interface {
	Resolve(ctx context.Context, credentialID, userID string) (value.Value, error)
}
