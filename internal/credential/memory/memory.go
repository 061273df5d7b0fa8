// Package memory implements credential.Resolver and
// importexport.CredentialLister over an in-memory map whose values are
// encrypted at rest using the same AES-GCM envelope primitives C5's
// device channel and the teacher's infrastructure/crypto package share.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	platformcrypto "github.com/n3flow/platform/infrastructure/crypto"
	"github.com/n3flow/platform/internal/importexport"
	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

const envelopeInfo = "n3flow-credential-v1"

type record struct {
	id      string
	ownerID string
	credType string
	name    string
	sealed  []byte
}

// Resolver is an encrypted-at-rest credential store keyed by credential
// id, scoped per owner. It satisfies both credential.Resolver and
// importexport.CredentialLister.
type Resolver struct {
	mu        sync.RWMutex
	masterKey []byte
	records   map[string]*record
}

// New builds a Resolver. masterKey must be exactly 32 bytes (AES-256);
// every credential's actual encryption key is derived per-credential
// from masterKey + credential id, so a single compromised envelope never
// exposes the key for any other credential.
func New(masterKey []byte) *Resolver {
	return &Resolver{masterKey: masterKey, records: make(map[string]*record)}
}

// Store seals value under a fresh credential id owned by ownerID and
// returns it.
func (r *Resolver) Store(ctx context.Context, ownerID, credType, name string, val value.Value) (string, error) {
	plaintext, err := val.CanonicalJSON()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "encode credential value", err)
	}

	id := uuid.NewString()
	sealed, err := platformcrypto.EncryptEnvelope(r.masterKey, []byte(id), envelopeInfo, plaintext)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "seal credential value", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = &record{id: id, ownerID: ownerID, credType: credType, name: name, sealed: sealed}
	return id, nil
}

// Resolve implements credential.Resolver (and handler.CredentialResolver
// by structural match): it opens the envelope for credentialID, denying
// the request outright if userID does not own it.
func (r *Resolver) Resolve(ctx context.Context, credentialID, userID string) (value.Value, error) {
	r.mu.RLock()
	rec, ok := r.records[credentialID]
	r.mu.RUnlock()
	if !ok {
		return value.Null(), errs.NotFoundErr("credential", credentialID)
	}
	if rec.ownerID != userID {
		return value.Null(), errs.DeniedErr()
	}

	plaintext, err := platformcrypto.DecryptEnvelope(r.masterKey, []byte(rec.id), envelopeInfo, rec.sealed)
	if err != nil {
		return value.Null(), errs.Wrap(errs.Internal, "open credential envelope", err)
	}
	v, err := value.FromJSON(plaintext)
	if err != nil {
		return value.Null(), errs.Wrap(errs.Internal, "decode credential value", err)
	}
	return v, nil
}

// ListByType implements importexport.CredentialLister: it reports a
// user's own credentials of the requested type as compatible options for
// an import preview, without ever decrypting their values.
func (r *Resolver) ListByType(ctx context.Context, userID, credentialType string) ([]importexport.CredentialOption, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []importexport.CredentialOption
	for _, rec := range r.records {
		if rec.ownerID == userID && rec.credType == credentialType {
			out = append(out, importexport.CredentialOption{ID: rec.id, Name: rec.name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ importexport.CredentialLister = (*Resolver)(nil)
