package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/dag"
	"github.com/n3flow/platform/internal/handler"
	"github.com/n3flow/platform/infrastructure/logging"
	"github.com/n3flow/platform/infrastructure/metrics"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// Engine is the top-level entry point for C3: it owns the shared
// WorkerPool and collaborators and spawns one Coordinator per started
// execution.
type Engine struct {
	serviceName string

	registry           *handler.Registry
	store              storage.Store
	publisher          Publisher
	metrics            *metrics.Metrics
	logger             *logging.Logger
	pool               *WorkerPool
	credentialResolver handler.CredentialResolver
	signer             handler.CryptoSigner

	// perExecutionConcurrency bounds how many loop iterations of a single
	// node run at once, independent of the global WorkerPool.
	perExecutionConcurrency int

	coordMu      sync.Mutex
	coordinators map[string]*coordinator
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithStore(s storage.Store) Option                           { return func(e *Engine) { e.store = s } }
func WithPublisher(p Publisher) Option                            { return func(e *Engine) { e.publisher = p } }
func WithMetrics(m *metrics.Metrics) Option                       { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *logging.Logger) Option                         { return func(e *Engine) { e.logger = l } }
func WithCredentialResolver(r handler.CredentialResolver) Option  { return func(e *Engine) { e.credentialResolver = r } }
func WithSigner(s handler.CryptoSigner) Option                    { return func(e *Engine) { e.signer = s } }
func WithPerExecutionConcurrency(n int) Option                    { return func(e *Engine) { e.perExecutionConcurrency = n } }

// New builds an Engine. pool must not be nil. The publisher defaults to a
// no-op; StartExecution returns an error when no store is configured.
func New(serviceName string, registry *handler.Registry, pool *WorkerPool, opts ...Option) *Engine {
	e := &Engine{
		serviceName:             serviceName,
		registry:                registry,
		pool:                    pool,
		publisher:                noopPublisher{},
		perExecutionConcurrency: 4,
		coordinators:             make(map[string]*coordinator),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) publish(ev Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

// StartExecution admits and runs one execution of the named FlowVersion's
// published definition against triggerContext, synchronously. Admission
// control and the per-node worker pool throttle total system load; the
// execution itself runs to a terminal status before this returns.
//
// In production this would typically be invoked from a goroutine per
// incoming trigger (webhook, schedule tick, manual start) so callers are
// not blocked on the whole run; StartExecution itself stays synchronous so
// tests can assert on its returned status without racing a background
// goroutine.
func (e *Engine) StartExecution(ctx context.Context, flowVersionID string, triggerContext value.Value) (string, error) {
	if err := e.pool.Admit(ctx); err != nil {
		return "", errs.Wrap(errs.Cancelled, "admission wait cancelled", err)
	}

	var fv *storage.FlowVersion
	if e.store != nil {
		v, err := e.store.FindFlowVersion(ctx, flowVersionID)
		if err != nil {
			return "", err
		}
		fv = v
	} else {
		return "", errs.New(errs.Internal, "engine has no storage backend configured")
	}

	g, parseRes := dag.Parse(fv.Definition, "")
	if !parseRes.Valid {
		return "", errs.New(errs.Validation, "flow version definition is invalid")
	}

	executionID := uuid.NewString()
	now := time.Now()
	exec := &storage.Execution{
		ID:             executionID,
		FlowVersionID:  flowVersionID,
		Status:         ExecutionRunning,
		TriggerContext: triggerContext,
		StartedAt:      now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}
	if e.metrics != nil {
		e.metrics.IncrementExecutionsInFlight()
		defer e.metrics.DecrementExecutionsInFlight()
	}
	e.publish(Event{Type: "execution.status", ExecutionID: executionID, Status: ExecutionRunning, Timestamp: now})

	co := newCoordinator(ctx, e, executionID, g, fv.Definition, g.ExecutionOrder())
	e.registerCoordinator(executionID, co)
	defer e.unregisterCoordinator(executionID)

	start := time.Now()
	status, execErr := co.run(triggerContext)
	duration := time.Since(start)

	exec.Status = status
	exec.CompletedAt = time.Now()
	if execErr != nil {
		exec.Error = execErr
	}
	_ = e.store.UpdateExecution(ctx, exec)

	if e.metrics != nil {
		e.metrics.RecordExecution(e.serviceName, fv.FlowID, status, duration)
	}
	if e.logger != nil {
		var cause error
		if execErr != nil {
			cause = execErr
		}
		e.logger.LogExecutionTransition(ctx, executionID, status, duration.Milliseconds(), cause)
	}
	e.publish(Event{Type: "execution.status", ExecutionID: executionID, Status: status, Err: execErr, Timestamp: exec.CompletedAt})

	if execErr != nil && (status == ExecutionFailed || status == ExecutionCancelled) {
		return executionID, execErr
	}
	return executionID, nil
}

// CancelExecution requests cooperative cancellation of a running
// execution. It returns errs.NotFound if the execution is not currently
// tracked by this Engine instance (e.g. it already finished, or is owned
// by another process).
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	co := e.lookupCoordinator(executionID)
	if co == nil {
		return storage.ErrNotFound
	}
	co.cancel()
	if e.logger != nil {
		e.logger.WithFields(map[string]interface{}{"execution_id": executionID, "reason": reason}).Info("execution cancellation requested")
	}
	return nil
}

func (e *Engine) registerCoordinator(id string, co *coordinator) {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	e.coordinators[id] = co
}

func (e *Engine) unregisterCoordinator(id string) {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	delete(e.coordinators, id)
}

func (e *Engine) lookupCoordinator(id string) *coordinator {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	return e.coordinators[id]
}
