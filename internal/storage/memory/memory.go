// Package memory implements internal/storage.Store with an RWMutex-guarded
// set of in-memory maps. It is the default store and the one the engine,
// scheduler, webhook, device channel and import/export tests run against.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/storage"
)

// Store is an in-memory storage.Store. Grounded on
// infrastructure/state.MemoryBackend's RWMutex-guarded map shape,
// generalized from a single byte-blob map to one typed map per entity so
// callers get the domain struct directly instead of round-tripping
// through JSON for an implementation that never leaves process memory.
//
// Every public method takes the lock and delegates to an unexported,
// lock-free twin; Transact takes the lock once for the whole block and
// hands the block a view that calls the lock-free twins directly, so
// nested calls through Transact never try to re-acquire mu.
type Store struct {
	mu         sync.RWMutex
	flows      map[string]*storage.Flow
	versions   map[string]*storage.FlowVersion
	executions map[string]*storage.Execution
	nodeExecs  map[string][]*storage.NodeExecution
	deviceKeys map[string]*storage.DeviceKey
	webhooks   map[string]*storage.Webhook
	schedules  map[string]*storage.Schedule
	imports    []*storage.ImportRecord
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		flows:      make(map[string]*storage.Flow),
		versions:   make(map[string]*storage.FlowVersion),
		executions: make(map[string]*storage.Execution),
		nodeExecs:  make(map[string][]*storage.NodeExecution),
		deviceKeys: make(map[string]*storage.DeviceKey),
		webhooks:   make(map[string]*storage.Webhook),
		schedules:  make(map[string]*storage.Schedule),
	}
}

// view is the lock-free implementation of storage.Store shared by Store's
// public (locking) methods and by Transact's block argument.
type view struct{ s *Store }

func (s *Store) CreateFlow(ctx context.Context, f *storage.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateFlow(ctx, f)
}

func (s *Store) FindFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindFlow(ctx, flowID)
}

func (s *Store) FindFlowByName(ctx context.Context, ownerID, name string) (*storage.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindFlowByName(ctx, ownerID, name)
}

func (s *Store) CreateFlowVersion(ctx context.Context, v *storage.FlowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateFlowVersion(ctx, v)
}

func (s *Store) FindFlowVersion(ctx context.Context, id string) (*storage.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindFlowVersion(ctx, id)
}

func (s *Store) FindPublishedVersion(ctx context.Context, flowID string) (*storage.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindPublishedVersion(ctx, flowID)
}

func (s *Store) PublishFlowVersion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).PublishFlowVersion(ctx, id)
}

func (s *Store) CreateExecution(ctx context.Context, e *storage.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateExecution(ctx, e)
}

func (s *Store) UpdateExecution(ctx context.Context, e *storage.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).UpdateExecution(ctx, e)
}

func (s *Store) FindExecution(ctx context.Context, id string) (*storage.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindExecution(ctx, id)
}

func (s *Store) CreateNodeExecution(ctx context.Context, ne *storage.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateNodeExecution(ctx, ne)
}

func (s *Store) UpdateNodeExecution(ctx context.Context, ne *storage.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).UpdateNodeExecution(ctx, ne)
}

func (s *Store) ListNodeExecutions(ctx context.Context, executionID string) ([]*storage.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).ListNodeExecutions(ctx, executionID)
}

func (s *Store) FindDeviceKey(ctx context.Context, deviceID string) (*storage.DeviceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindDeviceKey(ctx, deviceID)
}

func (s *Store) StoreDeviceKey(ctx context.Context, dk *storage.DeviceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).StoreDeviceKey(ctx, dk)
}

func (s *Store) DeleteDeviceKey(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).DeleteDeviceKey(ctx, deviceID)
}

func (s *Store) CreateWebhook(ctx context.Context, w *storage.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateWebhook(ctx, w)
}

func (s *Store) FindWebhook(ctx context.Context, path, method string) (*storage.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).FindWebhook(ctx, path, method)
}

func (s *Store) ListActiveWebhooks(ctx context.Context) ([]*storage.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).ListActiveWebhooks(ctx)
}

func (s *Store) CreateSchedule(ctx context.Context, sc *storage.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateSchedule(ctx, sc)
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{s}).ListActiveSchedules(ctx)
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *storage.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).UpdateSchedule(ctx, sc)
}

func (s *Store) CreateImportRecord(ctx context.Context, r *storage.ImportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{s}).CreateImportRecord(ctx, r)
}

// Transact takes the write lock for the whole block so block's writes are
// atomic with respect to every other Store method, then runs block
// against a view that touches the maps directly without re-locking.
// Writes block made before returning an error are not rolled back.
func (s *Store) Transact(ctx context.Context, block func(ctx context.Context, tx storage.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return block(ctx, &view{s})
}

var _ storage.Store = (*Store)(nil)
var _ storage.Store = (*view)(nil)

func (v *view) CreateFlow(ctx context.Context, f *storage.Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	cp := *f
	v.s.flows[f.ID] = &cp
	return nil
}

func (v *view) FindFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	f, ok := v.s.flows[flowID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (v *view) FindFlowByName(ctx context.Context, ownerID, name string) (*storage.Flow, error) {
	for _, f := range v.s.flows {
		if f.OwnerID == ownerID && f.Name == name && f.DeletedAt == nil {
			cp := *f
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (v *view) CreateFlowVersion(ctx context.Context, fv *storage.FlowVersion) error {
	if fv.ID == "" {
		fv.ID = uuid.NewString()
	}
	cp := *fv
	v.s.versions[fv.ID] = &cp
	return nil
}

func (v *view) FindFlowVersion(ctx context.Context, id string) (*storage.FlowVersion, error) {
	fv, ok := v.s.versions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *fv
	return &cp, nil
}

func (v *view) FindPublishedVersion(ctx context.Context, flowID string) (*storage.FlowVersion, error) {
	for _, fv := range v.s.versions {
		if fv.FlowID == flowID && fv.Published {
			cp := *fv
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (v *view) PublishFlowVersion(ctx context.Context, id string) error {
	target, ok := v.s.versions[id]
	if !ok {
		return storage.ErrNotFound
	}
	for _, fv := range v.s.versions {
		if fv.FlowID == target.FlowID {
			fv.Published = false
		}
	}
	target.Published = true
	return nil
}

func (v *view) CreateExecution(ctx context.Context, e *storage.Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	v.s.executions[e.ID] = &cp
	return nil
}

func (v *view) UpdateExecution(ctx context.Context, e *storage.Execution) error {
	if _, ok := v.s.executions[e.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *e
	v.s.executions[e.ID] = &cp
	return nil
}

func (v *view) FindExecution(ctx context.Context, id string) (*storage.Execution, error) {
	e, ok := v.s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (v *view) CreateNodeExecution(ctx context.Context, ne *storage.NodeExecution) error {
	cp := *ne
	v.s.nodeExecs[ne.ExecutionID] = append(v.s.nodeExecs[ne.ExecutionID], &cp)
	return nil
}

func (v *view) UpdateNodeExecution(ctx context.Context, ne *storage.NodeExecution) error {
	list := v.s.nodeExecs[ne.ExecutionID]
	for i, existing := range list {
		if existing.ID == ne.ID {
			cp := *ne
			list[i] = &cp
			return nil
		}
	}
	return storage.ErrNotFound
}

func (v *view) ListNodeExecutions(ctx context.Context, executionID string) ([]*storage.NodeExecution, error) {
	list := v.s.nodeExecs[executionID]
	out := make([]*storage.NodeExecution, len(list))
	for i, ne := range list {
		cp := *ne
		out[i] = &cp
	}
	return out, nil
}

func (v *view) FindDeviceKey(ctx context.Context, deviceID string) (*storage.DeviceKey, error) {
	dk, ok := v.s.deviceKeys[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *dk
	return &cp, nil
}

func (v *view) StoreDeviceKey(ctx context.Context, dk *storage.DeviceKey) error {
	cp := *dk
	v.s.deviceKeys[dk.DeviceID] = &cp
	return nil
}

func (v *view) DeleteDeviceKey(ctx context.Context, deviceID string) error {
	delete(v.s.deviceKeys, deviceID)
	return nil
}

func (v *view) CreateWebhook(ctx context.Context, w *storage.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	cp := *w
	v.s.webhooks[w.ID] = &cp
	return nil
}

func (v *view) FindWebhook(ctx context.Context, path, method string) (*storage.Webhook, error) {
	for _, w := range v.s.webhooks {
		if w.Path == path && w.Method == method && w.Active {
			cp := *w
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (v *view) ListActiveWebhooks(ctx context.Context) ([]*storage.Webhook, error) {
	var out []*storage.Webhook
	for _, w := range v.s.webhooks {
		if w.Active {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v *view) CreateSchedule(ctx context.Context, sc *storage.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	cp := *sc
	v.s.schedules[sc.ID] = &cp
	return nil
}

func (v *view) ListActiveSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	var out []*storage.Schedule
	for _, sc := range v.s.schedules {
		if sc.Active {
			cp := *sc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v *view) UpdateSchedule(ctx context.Context, sc *storage.Schedule) error {
	if _, ok := v.s.schedules[sc.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *sc
	v.s.schedules[sc.ID] = &cp
	return nil
}

func (v *view) CreateImportRecord(ctx context.Context, r *storage.ImportRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cp := *r
	v.s.imports = append(v.s.imports, &cp)
	return nil
}

// Transact on a view (nested transact inside a transact block) simply
// runs block against the same lock-free view — mu is already held by the
// enclosing Store.Transact call.
func (v *view) Transact(ctx context.Context, block func(ctx context.Context, tx storage.Store) error) error {
	return block(ctx, v)
}
