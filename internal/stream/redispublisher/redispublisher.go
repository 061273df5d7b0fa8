// Package redispublisher mirrors engine.Event notices onto a Redis
// Pub/Sub channel keyed by execution id, so a process that does not share
// memory with the engine (a separate event-stream egress replica) can
// still observe live executions. It is purely additive: the engine's
// primary Publisher remains internal/stream.Hub.
package redispublisher

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/n3flow/platform/internal/engine"
	"github.com/n3flow/platform/pkg/errs"
)

const channelPrefix = "n3flow:execution-events:"

// Publisher publishes every engine.Event to a Redis channel named
// channelPrefix + event.ExecutionID. A client subscribes to one
// execution's channel, or uses a pattern subscribe (PSUBSCRIBE
// "n3flow:execution-events:*") to observe every execution.
type Publisher struct {
	client *redis.Client
	ctx    context.Context
}

// New wraps an existing *redis.Client. ctx bounds every Publish call;
// callers that want per-call timeouts should pass a context with no
// deadline here and rely on the client's own write timeout instead.
func New(ctx context.Context, client *redis.Client) *Publisher {
	return &Publisher{client: client, ctx: ctx}
}

// Publish implements engine.Publisher. Redis publish failures are
// swallowed (logged by the caller via the returned error from PublishErr
// if they want it) because a dead fan-out channel must never block or
// fail the engine's own execution.
func (p *Publisher) Publish(ev engine.Event) {
	_ = p.PublishErr(ev)
}

// PublishErr is the same as Publish but surfaces the marshal/transport
// error, for callers (tests, a supervising goroutine) that want to observe
// delivery failures without affecting engine behavior.
func (p *Publisher) PublishErr(ev engine.Event) error {
	payload, err := json.Marshal(wireEvent{
		Type:        ev.Type,
		ExecutionID: ev.ExecutionID,
		NodeID:      ev.NodeID,
		Status:      ev.Status,
		Output:      ev.Output.ToAny(),
		Timestamp:   ev.Timestamp.UnixMilli(),
	})
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal stream event for redis publish", err)
	}
	if err := p.client.Publish(p.ctx, channelPrefix+ev.ExecutionID, payload).Err(); err != nil {
		return errs.Wrap(errs.Transient, "publish stream event to redis", err)
	}
	return nil
}

// wireEvent is the JSON shape published to Redis; engine.Event's *errs.Error
// and value.Value fields are flattened to plain JSON-friendly types so a
// remote subscriber needn't import this module's internal packages.
type wireEvent struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	NodeID      string `json:"nodeId,omitempty"`
	Status      string `json:"status,omitempty"`
	Output      any    `json:"output,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

var _ engine.Publisher = (*Publisher)(nil)
