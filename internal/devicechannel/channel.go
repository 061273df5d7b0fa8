// Package devicechannel implements the Secure Device Channel (C5):
// registration, per-message AES-256-GCM envelopes keyed by an X25519/HKDF
// key agreement, replay/revocation/expiry checks on receive, and a
// handler.CryptoSigner adapter so flow nodes can sign/verify through the
// same negotiated key material.
package devicechannel

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/n3flow/platform/infrastructure/cache"
	"github.com/n3flow/platform/infrastructure/hex"
	"github.com/n3flow/platform/infrastructure/logging"
	"github.com/n3flow/platform/infrastructure/metrics"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
)

// deviceKeyTTL bounds how long a DeviceKey read is served from cache
// before falling back to the store; short enough that a revocation or
// sequence update is visible to the hot Sign/Verify path within a few
// seconds rather than instantly, in exchange for collapsing repeated
// lookups of the same device under load into one store round trip.
const deviceKeyTTL = 5 * time.Second

// deviceKeyCache fronts store.FindDeviceKey for the read-only Sign/Verify
// path: an infrastructure/cache TTL cache keyed by device id, with a
// singleflight.Group so a burst of concurrent signs for the same device
// collapses into a single store read instead of one per caller.
type deviceKeyCache struct {
	cache *cache.TTLCache
	group singleflight.Group
	store storage.Store
}

func newDeviceKeyCache(store storage.Store) *deviceKeyCache {
	return &deviceKeyCache{cache: cache.NewTTLCache(deviceKeyTTL), store: store}
}

func (c *deviceKeyCache) load(ctx context.Context, deviceID string) (*storage.DeviceKey, error) {
	if v, ok := c.cache.Get(ctx, deviceID); ok {
		return v.(*storage.DeviceKey), nil
	}
	v, err, _ := c.group.Do(deviceID, func() (interface{}, error) {
		dk, err := c.store.FindDeviceKey(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		c.cache.Set(ctx, deviceID, dk)
		return dk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.DeviceKey), nil
}

func (c *deviceKeyCache) invalidate(deviceID string) {
	c.cache.Delete(context.Background(), deviceID)
}

// Direction picks which of the two HKDF-derived keys encrypts a message.
type Direction string

const (
	ClientToServer Direction = "c2s"
	ServerToClient Direction = "s2c"
)

const (
	envelopeVersion     = 1
	envelopeAlgorithm   = "A256GCM"
	hkdfInfo            = "n3n-agent-v1"
	clockSkewTolerance  = 5 * time.Minute
)

// header is the canonical JSON object that forms the envelope's AEAD
// associated data, per spec: {v, alg, did, ts, seq, nonce, dir}.
type header struct {
	V     int    `json:"v"`
	Alg   string `json:"alg"`
	DID   string `json:"did"`
	TS    int64  `json:"ts"`
	Seq   uint64 `json:"seq"`
	Nonce string `json:"nonce"`
	Dir   string `json:"dir"`
}

// registrationTokenTTL bounds how long a one-time registration token
// minted by IssueRegistrationToken remains consumable.
const registrationTokenTTL = 10 * time.Minute

// Channel is the device-channel collaborator: it owns registration token
// issuance, encryption/decryption, and revocation against a shared
// storage.Store of DeviceKey records.
type Channel struct {
	service  string
	store    storage.Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
	keyCache *deviceKeyCache
	tokens   *TokenRegistry
}

// New builds a Channel backed by store. service names this component in
// emitted metrics (e.g. "devicechannel").
func New(service string, store storage.Store, logger *logging.Logger, m *metrics.Metrics) *Channel {
	return &Channel{
		service:  service,
		store:    store,
		logger:   logger,
		metrics:  m,
		keyCache: newDeviceKeyCache(store),
		tokens:   NewTokenRegistry(registrationTokenTTL),
	}
}

// IssueRegistrationToken completes step 1 of the registration protocol: it
// mints the one-time token the caller hands to the agent out of band, to
// be presented back to RegisterDevice as proof of a single authorized
// pairing attempt.
func (c *Channel) IssueRegistrationToken(ctx context.Context, userID string) (string, error) {
	return c.tokens.Issue(ctx, userID)
}

// RegisterDevice completes steps 2-5 of the registration protocol: it
// consumes token (CONFLICT if it was never issued or already used,
// EXPIRED if its TTL has passed) before performing the X25519 agreement, HKDF key derivation,
// and DeviceKey persistence, returning the platform's public key and
// fingerprint so the caller can hand them back to the agent. A token can
// register at most one device; re-pairing requires issuing a new one.
func (c *Channel) RegisterDevice(ctx context.Context, token, deviceID string, devicePubKey []byte) (platformPubKey, platformFingerprint []byte, err error) {
	if _, err := c.tokens.Consume(ctx, token); err != nil {
		return nil, nil, err
	}
	if len(devicePubKey) != 32 {
		return nil, nil, errs.ValidationErr("devicePubKey must be 32 bytes")
	}

	var platformPriv [32]byte
	if _, err := rand.Read(platformPriv[:]); err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "generate platform key pair", err)
	}
	var platformPub [32]byte
	curve25519.ScalarBaseMult(&platformPub, &platformPriv)

	var shared [32]byte
	var devicePubArr [32]byte
	copy(devicePubArr[:], devicePubKey)
	sharedSlice, err := curve25519.X25519(platformPriv[:], devicePubArr[:])
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "x25519 key agreement", err)
	}
	copy(shared[:], sharedSlice)

	salt := []byte(deviceID)
	encC2S, err := hkdfExpand(shared[:], salt, hkdfInfo+":c2s")
	if err != nil {
		return nil, nil, err
	}
	encS2C, err := hkdfExpand(shared[:], salt, hkdfInfo+":s2c")
	if err != nil {
		return nil, nil, err
	}
	authKey, err := hkdfExpand(shared[:], salt, hkdfInfo+":auth")
	if err != nil {
		return nil, nil, err
	}

	fingerprint := sha256.Sum256(platformPub[:])

	dk := &storage.DeviceKey{
		DeviceID:     deviceID,
		PublicKey:    append([]byte(nil), devicePubKey...),
		EncKeyC2S:    encC2S,
		EncKeyS2C:    encS2C,
		AuthKey:      authKey,
		LastSeqIn:    0,
		LastSeqOut:   uint64(time.Now().UnixNano()),
		Revoked:      false,
		RegisteredAt: time.Now(),
	}
	if err := c.store.StoreDeviceKey(ctx, dk); err != nil {
		return nil, nil, err
	}
	c.keyCache.invalidate(deviceID)

	if c.logger != nil {
		c.logger.LogSecureChannelEvent(ctx, deviceID, "registered:"+hex.EncodeWithPrefix(fingerprint[:]), nil)
	}
	if c.metrics != nil {
		c.metrics.RecordDeviceChannelEvent(c.service, "registered", "ok")
	}
	return platformPub[:], fingerprint[:], nil
}

func hkdfExpand(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.Internal, "hkdf expand", err)
	}
	return out, nil
}

// Encrypt builds a message envelope of the form
// `<header>.<ciphertext>.<tag>` (all base64url, no padding) encrypting
// payload under the key for dir, and advances the device's outbound
// sequence counter.
func (c *Channel) Encrypt(ctx context.Context, deviceID string, dir Direction, payload []byte) (string, error) {
	dk, err := c.store.FindDeviceKey(ctx, deviceID)
	if err != nil {
		return "", errs.UnknownDeviceErr()
	}
	if dk.Revoked {
		return "", errs.RevokedErr()
	}

	key := dk.EncKeyC2S
	if dir == ServerToClient {
		key = dk.EncKeyS2C
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.Wrap(errs.Internal, "generate nonce", err)
	}

	dk.LastSeqOut++
	h := header{
		V: envelopeVersion, Alg: envelopeAlgorithm, DID: deviceID,
		TS: time.Now().Unix(), Seq: dk.LastSeqOut,
		Nonce: base64.RawURLEncoding.EncodeToString(nonce), Dir: string(dir),
	}
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "marshal envelope header", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, payload, headerBytes)
	// sealed = ciphertext || tag (Go's GCM appends the tag); split for the
	// three-part wire format the spec names explicitly.
	if len(sealed) < aead.Overhead() {
		return "", errs.New(errs.Internal, "sealed output shorter than AEAD tag")
	}
	ciphertext := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]

	if err := c.store.StoreDeviceKey(ctx, dk); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.%s.%s",
		base64.RawURLEncoding.EncodeToString(headerBytes),
		base64.RawURLEncoding.EncodeToString(ciphertext),
		base64.RawURLEncoding.EncodeToString(tag),
	), nil
}

// Decrypt validates and opens an envelope previously built by Encrypt,
// applying the receive-validation order from the registration/envelope
// protocol exactly: version, device/revocation, clock skew, sequence
// replay, then AEAD decrypt.
func (c *Channel) Decrypt(ctx context.Context, envelope string) (deviceID string, payload []byte, err error) {
	headerB64, ctB64, tagB64, perr := splitEnvelope(envelope)
	if perr != nil {
		return "", nil, perr
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return "", nil, errs.ValidationErr("invalid envelope header encoding")
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return "", nil, errs.ValidationErr("invalid envelope header JSON")
	}

	if h.V != envelopeVersion {
		return "", nil, errs.UnsupportedVersionErr()
	}

	dk, err := c.store.FindDeviceKey(ctx, h.DID)
	if err != nil {
		return "", nil, errs.UnknownDeviceErr()
	}
	if dk.Revoked {
		return "", nil, errs.RevokedErr()
	}

	if abs(time.Now().Unix()-h.TS) > int64(clockSkewTolerance.Seconds()) {
		return "", nil, errs.ExpiredErr()
	}

	if h.Seq <= dk.LastSeqIn {
		return "", nil, errs.ReplayErr()
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(ctB64)
	if err != nil {
		return "", nil, errs.ValidationErr("invalid envelope ciphertext encoding")
	}
	tag, err := base64.RawURLEncoding.DecodeString(tagB64)
	if err != nil {
		return "", nil, errs.ValidationErr("invalid envelope tag encoding")
	}
	nonce, err := base64.RawURLEncoding.DecodeString(h.Nonce)
	if err != nil {
		return "", nil, errs.ValidationErr("invalid envelope nonce encoding")
	}

	key := dk.EncKeyS2C
	if h.Dir == string(ClientToServer) {
		key = dk.EncKeyC2S
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", nil, err
	}

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, headerBytes)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordDeviceChannelEvent(c.service, "decrypt", "tampered")
		}
		return "", nil, errs.TamperedErr(err)
	}

	dk.LastSeqIn = h.Seq
	if err := c.store.StoreDeviceKey(ctx, dk); err != nil {
		return "", nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordDeviceChannelEvent(c.service, "decrypt", "ok")
	}
	return h.DID, plaintext, nil
}

func splitEnvelope(envelope string) (headerB64, ctB64, tagB64 string, err *errs.Error) {
	parts := splitN(envelope, '.', 3)
	if len(parts) != 3 {
		return "", "", "", errs.ValidationErr("envelope must have exactly three '.'-separated parts")
	}
	return parts[0], parts[1], parts[2], nil
}

func splitN(s string, sep byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "new AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "new GCM AEAD", err)
	}
	return aead, nil
}

// Revoke marks a DeviceKey revoked; subsequent Encrypt/Decrypt calls for
// it fail immediately. Re-pairing requires a fresh registration token and
// mints a new DeviceKey rather than reactivating this one.
func (c *Channel) Revoke(ctx context.Context, deviceID string) error {
	dk, err := c.store.FindDeviceKey(ctx, deviceID)
	if err != nil {
		return errs.UnknownDeviceErr()
	}
	dk.Revoked = true
	if err := c.store.StoreDeviceKey(ctx, dk); err != nil {
		return err
	}
	c.keyCache.invalidate(deviceID)
	if c.metrics != nil {
		c.metrics.RecordDeviceChannelEvent(c.service, "revoked", "ok")
	}
	return nil
}

// Sign implements handler.CryptoSigner: an HMAC-SHA256 over payload keyed
// by the device's authKey, so a flow node can prove a message originated
// from the platform's side of a specific device's negotiated channel
// without re-deriving the full envelope machinery.
func (c *Channel) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	dk, err := c.keyCache.load(ctx, keyID)
	if err != nil {
		return nil, errs.UnknownDeviceErr()
	}
	if dk.Revoked {
		return nil, errs.RevokedErr()
	}
	mac := hmac.New(sha256.New, dk.AuthKey)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Verify implements handler.CryptoSigner.
func (c *Channel) Verify(ctx context.Context, keyID string, payload, signature []byte) (bool, error) {
	dk, err := c.keyCache.load(ctx, keyID)
	if err != nil {
		return false, errs.UnknownDeviceErr()
	}
	if dk.Revoked {
		return false, errs.RevokedErr()
	}
	mac := hmac.New(sha256.New, dk.AuthKey)
	mac.Write(payload)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, signature) == 1, nil
}
