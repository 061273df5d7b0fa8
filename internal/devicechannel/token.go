package devicechannel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"github.com/n3flow/platform/pkg/errs"
)

// tokenStatus mirrors the registration token's lifecycle: pending until an
// agent consumes it, registered once consumption succeeds.
type tokenStatus string

const (
	tokenPending    tokenStatus = "pending"
	tokenRegistered tokenStatus = "registered"
)

type tokenRecord struct {
	status    tokenStatus
	userID    string
	issuedAt  time.Time
}

// TokenRegistry issues and consumes one-time device-registration tokens.
// Only the SHA-256 hash of a token is ever retained, mirroring how a
// password reset token would be stored: the plaintext token is returned to
// the caller exactly once and is unrecoverable afterward.
type TokenRegistry struct {
	mu      sync.Mutex
	records map[string]*tokenRecord // keyed by hex-free base64 SHA-256 hash
	ttl     time.Duration
}

// NewTokenRegistry builds a registry whose tokens expire after ttl (0
// disables expiry, not recommended outside tests).
func NewTokenRegistry(ttl time.Duration) *TokenRegistry {
	return &TokenRegistry{records: make(map[string]*tokenRecord), ttl: ttl}
}

// Issue mints a fresh 32-byte random token for userID, returning the
// base64url-encoded plaintext the caller must hand to the agent out of
// band. The token cannot be retrieved again once this call returns.
func (r *TokenRegistry) Issue(_ context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errs.Wrap(errs.Internal, "generate registration token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[hashToken(token)] = &tokenRecord{status: tokenPending, userID: userID, issuedAt: time.Now()}
	return token, nil
}

// Consume validates token is pending and not expired, flips it to
// registered, and returns the user id it was issued for. A token can only
// be consumed once: re-pairing requires issuing a new one.
func (r *TokenRegistry) Consume(_ context.Context, token string) (userID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[hashToken(token)]
	if !ok || rec.status != tokenPending {
		return "", errs.ConflictErr("registration token not found or already used")
	}
	if r.ttl > 0 && time.Since(rec.issuedAt) > r.ttl {
		return "", errs.ExpiredErr()
	}
	rec.status = tokenRegistered
	return rec.userID, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
