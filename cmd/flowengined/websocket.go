package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/n3flow/platform/infrastructure/logging"
	"github.com/n3flow/platform/internal/engine"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/internal/stream"
)

// wsClaims is the bearer token shape the event-stream egress expects:
// the caller's identity plus an optional elevated role.
type wsClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type wsAuthenticator struct {
	secret []byte
}

func newWSAuthenticator(secret string) *wsAuthenticator {
	return &wsAuthenticator{secret: []byte(secret)}
}

func (a *wsAuthenticator) authenticate(r *http.Request) (*wsClaims, error) {
	header := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		tokenString = r.URL.Query().Get("token")
	}
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	claims := &wsClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHandler upgrades the connection and relays Hub events the caller is
// authorised to see: every event if the caller's execution_id query
// parameter names an execution whose flow they own (or they hold the
// admin role), otherwise the connection is rejected outright rather than
// silently filtered to nothing.
func wsHandler(hub *stream.Hub, store storage.Store, auth *wsAuthenticator, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		executionID := r.URL.Query().Get("execution_id")
		if executionID != "" {
			if err := authorizeExecutionAccess(r.Context(), store, executionID, claims); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		} else if claims.Role != "admin" {
			http.Error(w, "execution_id is required unless the caller holds the admin role", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		defer conn.Close()

		sub := hub.Subscribe(executionID)
		defer sub.Unsubscribe()

		for ev := range sub.Events() {
			if executionID == "" && claims.Role != "admin" {
				if authorizeExecutionAccess(r.Context(), store, ev.ExecutionID, claims) != nil {
					continue
				}
			}
			if err := conn.WriteJSON(wireEvent(ev)); err != nil {
				return
			}
		}

		if sub.Overflowed() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "event buffer overflow"))
		}
	}
}

func authorizeExecutionAccess(ctx context.Context, store storage.Store, executionID string, claims *wsClaims) error {
	if claims.Role == "admin" {
		return nil
	}
	exec, err := store.FindExecution(ctx, executionID)
	if err != nil {
		return err
	}
	fv, err := store.FindFlowVersion(ctx, exec.FlowVersionID)
	if err != nil {
		return err
	}
	flow, err := store.FindFlow(ctx, fv.FlowID)
	if err != nil {
		return err
	}
	if flow.OwnerID != claims.UserID {
		return fmt.Errorf("forbidden")
	}
	return nil
}

func wireEvent(ev engine.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":        ev.Type,
		"executionId": ev.ExecutionID,
		"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.NodeID != "" {
		out["nodeId"] = ev.NodeID
	}
	if ev.Status != "" {
		out["status"] = ev.Status
	}
	if ev.Err != nil {
		out["error"] = ev.Err.Error()
	}
	if raw, err := json.Marshal(ev.Output.ToAny()); err == nil && string(raw) != "null" {
		out["output"] = json.RawMessage(raw)
	}
	return out
}
