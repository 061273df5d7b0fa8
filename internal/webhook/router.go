// Package webhook matches inbound requests against registered Webhook
// triggers and, once a signature check clears, starts an execution of
// the matched flow.
package webhook

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/n3flow/platform/internal/storage"
)

// Router resolves an inbound (method, path) pair to the storage.Webhook
// it targets. It uses chi's routing tree purely as a matcher — no
// handler it registers is ever actually invoked by an HTTP server; the
// tree only exists so Match can reuse chi's pattern-matching logic
// (including {param} segments) without reimplementing it.
type Router struct {
	mu      sync.RWMutex
	mux     *chi.Mux
	byRoute map[string]*storage.Webhook
}

func NewRouter() *Router {
	return &Router{mux: chi.NewRouter(), byRoute: make(map[string]*storage.Webhook)}
}

func routeKey(method, pattern string) string { return method + " " + pattern }

// Register adds w to the routing tree, replacing this method/path
// combination's prior registration (if any).
func (r *Router) Register(w *storage.Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mux.MethodFunc(w.Method, w.Path, noopHandler)
	cp := *w
	r.byRoute[routeKey(w.Method, w.Path)] = &cp
}

// Sync replaces the router's entire route set with the currently active
// webhooks from store — called once at startup and whenever the active
// set may have changed.
func (r *Router) Sync(ctx context.Context, store storage.Store) error {
	webhooks, err := store.ListActiveWebhooks(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.mux = chi.NewRouter()
	r.byRoute = make(map[string]*storage.Webhook)
	r.mu.Unlock()
	for _, w := range webhooks {
		r.Register(w)
	}
	return nil
}

// Match resolves method and path to the Webhook it targets, along with
// any chi path parameters the route pattern captured. The second return
// value is false when no active webhook matches.
func (r *Router) Match(method, path string) (*storage.Webhook, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rctx := chi.NewRouteContext()
	if !r.mux.Match(rctx, method, path) {
		return nil, nil, false
	}
	w, ok := r.byRoute[routeKey(method, rctx.RoutePattern())]
	if !ok {
		return nil, nil, false
	}

	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	cp := *w
	return &cp, params, true
}

func noopHandler(http.ResponseWriter, *http.Request) {}
