package main

import (
	"context"
	"io"
	"net/http"

	"github.com/n3flow/platform/internal/handler"
	"github.com/n3flow/platform/internal/webhook"
	"github.com/n3flow/platform/pkg/errs"
)

// webhookSecretResolver adapts a handler.CredentialResolver to
// webhook.SecretResolver: an hmac auth rule's secret is itself stored as
// a credential, resolved as a platform-owned system credential rather
// than a per-user one.
type webhookSecretResolver struct {
	resolver handler.CredentialResolver
}

func (w webhookSecretResolver) ResolveSecret(ctx context.Context, secretID string) ([]byte, error) {
	v, err := w.resolver.Resolve(ctx, secretID, systemCredentialOwner)
	if err != nil {
		return nil, err
	}
	s, ok := v.String()
	if !ok {
		return nil, errs.New(errs.Validation, "hmac secret credential is not a string value")
	}
	return []byte(s), nil
}

const systemCredentialOwner = "system"

func webhookHandler(ingress *webhook.Ingress) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		signature := r.Header.Get("X-Signature")

		executionID, err := ingress.Handle(r.Context(), r.Method, r.URL.Path, body, signature)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"executionId":"` + executionID + `"}`))
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*errs.Error); ok {
		switch e.Kind {
		case errs.NotFound:
			status = http.StatusNotFound
		case errs.Validation:
			status = http.StatusBadRequest
		case errs.Denied, errs.PermissionDenied:
			status = http.StatusForbidden
		case errs.Conflict:
			status = http.StatusConflict
		}
	}
	http.Error(w, err.Error(), status)
}
