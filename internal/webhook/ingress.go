package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

const (
	AuthRuleNone = "none"
	AuthRuleHMAC = "hmac"
)

// Starter is the subset of engine.Engine webhook ingress drives
// executions through.
type Starter interface {
	StartExecution(ctx context.Context, flowVersionID string, triggerContext value.Value) (string, error)
}

// SecretResolver fetches the raw HMAC secret bytes a Webhook's
// HMACSecretID names.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, secretID string) ([]byte, error)
}

// Ingress matches an inbound request to its Webhook, applies the
// webhook's auth rule, and starts an execution of its flow's published
// version on success.
type Ingress struct {
	router  *Router
	store   storage.Store
	starter Starter
	secrets SecretResolver
}

func NewIngress(router *Router, store storage.Store, starter Starter, secrets SecretResolver) *Ingress {
	return &Ingress{router: router, store: store, starter: starter, secrets: secrets}
}

// Handle matches (method, path) to an active webhook, verifies its auth
// rule against body and signature (signature is ignored for
// AuthRuleNone), and starts an execution of the flow's currently
// published version. params carries any chi path parameters the matched
// route captured, merged into the trigger context under "pathParams".
func (in *Ingress) Handle(ctx context.Context, method, path string, body []byte, signature string) (string, error) {
	w, params, ok := in.router.Match(method, path)
	if !ok {
		return "", errs.NotFoundErr("webhook", fmt.Sprintf("%s %s", method, path))
	}
	if !w.Active {
		return "", errs.NotFoundErr("webhook", w.ID)
	}

	if err := in.authenticate(ctx, w, body, signature); err != nil {
		return "", err
	}

	fv, err := in.store.FindPublishedVersion(ctx, w.FlowID)
	if err != nil {
		return "", err
	}

	paramsValue := make(map[string]value.Value, len(params))
	for k, v := range params {
		paramsValue[k] = value.String(v)
	}
	triggerContext := value.Map(map[string]value.Value{
		"webhookId":  value.String(w.ID),
		"receivedAt": value.String(time.Now().Format(time.RFC3339)),
		"pathParams": value.Map(paramsValue),
	})

	return in.starter.StartExecution(ctx, fv.ID, triggerContext)
}

func (in *Ingress) authenticate(ctx context.Context, w *storage.Webhook, body []byte, signature string) error {
	switch w.AuthRule {
	case "", AuthRuleNone:
		return nil
	case AuthRuleHMAC:
		if in.secrets == nil {
			return errs.New(errs.Internal, "webhook requires hmac auth but no secret resolver is configured")
		}
		secret, err := in.secrets.ResolveSecret(ctx, w.HMACSecretID)
		if err != nil {
			return err
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(body)
		expected := mac.Sum(nil)

		provided, err := hex.DecodeString(signature)
		if err != nil || len(provided) != len(expected) || subtle.ConstantTimeCompare(provided, expected) != 1 {
			return errs.DeniedErr()
		}
		return nil
	default:
		return errs.New(errs.Validation, fmt.Sprintf("unknown webhook auth rule %q", w.AuthRule))
	}
}
