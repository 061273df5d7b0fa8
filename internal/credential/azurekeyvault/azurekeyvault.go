// Package azurekeyvault implements credential.Resolver against Azure Key
// Vault secrets, demonstrating the resolver contract against a real
// external secret store: credential values never round-trip through this
// platform's own storage at all, only a (vault name, secret name)
// reference does.
package azurekeyvault

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"

	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// Resolver resolves a credential id to the Key Vault secret it names. The
// credential id is the secret's name; access control is delegated
// entirely to the vault's own RBAC/access policies (userID is accepted
// for interface-compatibility and audit logging, not enforced locally —
// the vault is the source of truth for who may read a secret).
type Resolver struct {
	client *azsecrets.Client
}

// New builds a Resolver against the Key Vault at vaultURL
// (https://<vault-name>.vault.azure.net), authenticating with cred (e.g.
// azidentity.NewDefaultAzureCredential()).
func New(vaultURL string, cred azcore.TokenCredential) (*Resolver, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "create key vault client", err)
	}
	return &Resolver{client: client}, nil
}

// Resolve fetches the current version of the secret named credentialID
// and parses its value as canonical JSON (the same encoding
// credential/memory uses), so a handler sees the same value.Value shape
// regardless of which Resolver backs it.
func (r *Resolver) Resolve(ctx context.Context, credentialID, userID string) (value.Value, error) {
	resp, err := r.client.GetSecret(ctx, credentialID, "", nil)
	if err != nil {
		return value.Null(), errs.Wrap(errs.NotFound, fmt.Sprintf("key vault secret %q", credentialID), err)
	}
	if resp.Value == nil {
		return value.Null(), errs.NotFoundErr("credential", credentialID)
	}

	v, err := value.FromJSON([]byte(*resp.Value))
	if err != nil {
		// Not every secret in a shared vault is necessarily JSON (a
		// plain API key, say); fall back to treating it as an opaque
		// string credential value.
		return value.String(*resp.Value), nil
	}
	return v, nil
}
