// Package handler implements the node Handler Registry (C1): discovery and
// indexing of node handlers by type, metadata exposure, and dispatch.
package handler

import (
	"context"
	"sort"
	"sync"

	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// Metadata describes a handler for validation, UI schema, and AI
// recommendation purposes.
type Metadata struct {
	DisplayName   string
	Description   string
	Category      string
	Icon          string
	Inputs        []string
	Outputs       []string
	ConfigSchema  value.Value
}

// ExecContext is passed to a handler's Execute call.
type ExecContext struct {
	Context            context.Context
	NodeConfig         value.Value
	InputData          value.Value
	CredentialResolver CredentialResolver
	Signer             CryptoSigner
	Logger             Logger
}

// CredentialResolver resolves a credential id to its decrypted value on
// behalf of a handler. Handlers never see the raw storage record.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID, userID string) (value.Value, error)
}

// CryptoSigner backs the cryptoSign/cryptoVerify builtin handlers. It is
// implemented by internal/devicechannel and wired into ExecContext by the
// engine so any node can reach the secure channel's AEAD envelope
// primitives without this package importing devicechannel directly.
type CryptoSigner interface {
	Sign(ctx context.Context, keyID string, payload []byte) (signature []byte, err error)
	Verify(ctx context.Context, keyID string, payload, signature []byte) (ok bool, err error)
}

// Logger is the minimal logging surface handlers need; the engine passes
// its *infrastructure/logging.Logger here directly.
type Logger interface {
	Info(args ...interface{})
	Warn(args ...interface{})
}

// Result is the outcome of Execute. Err is set on failure; a failed
// Result may still carry an Output (httpRequest keeps the response of a
// 5xx reply).
type Result struct {
	Output value.Value
	Err    *errs.Error
}

// Ok builds a successful Result.
func Ok(output value.Value) Result { return Result{Output: output} }

// Fail builds a failed Result with the given error kind.
func Fail(kind errs.Kind, message string) Result {
	return Result{Err: errs.New(kind, message)}
}

// Handler is the uniform contract every node type implements.
type Handler interface {
	Type() string
	Metadata() Metadata
	Execute(ctx ExecContext) Result
}

// Registry maps node type strings to handlers. Read-mostly: registrations
// take a write lock; lookups take a read lock on the same RWMutex.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  *schemaValidator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), schemas: newSchemaValidator()}
}

// Register installs h under h.Type(). A later registration for the same
// type replaces the earlier one only when isUpdate is true; otherwise it
// is rejected with CONFLICT to protect against accidental double-registration.
func (r *Registry) Register(h Handler, isUpdate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := h.Type()
	if _, exists := r.handlers[t]; exists && !isUpdate {
		return errs.ConflictErr("handler already registered for type " + t)
	}
	r.handlers[t] = h
	return nil
}

// Get resolves a handler by type.
func (r *Registry) Get(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// List enumerates registered handlers sorted by type, for validation, UI
// schema generation, and AI recommendation.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)

	out := make([]Handler, 0, len(types))
	for _, t := range types {
		out = append(out, r.handlers[t])
	}
	return out
}

// Dispatch resolves the handler for nodeType and executes it, trapping an
// unknown type as errs.UnknownHandlerErr and any handler panic as
// errs.HandlerErrorErr so a single misbehaving plug-in cannot take down
// the coordinator goroutine that called it.
func (r *Registry) Dispatch(nodeType string, ectx ExecContext) (res Result) {
	h, ok := r.Get(nodeType)
	if !ok {
		return Fail(errs.UnknownHandler, "no handler registered for type "+nodeType)
	}

	if schemaErr := r.schemas.validate(nodeType, h.Metadata().ConfigSchema, ectx.NodeConfig); schemaErr != nil {
		return Result{Err: schemaErr}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Fail(errs.HandlerError, "handler panicked")
		}
	}()

	return h.Execute(ectx)
}
