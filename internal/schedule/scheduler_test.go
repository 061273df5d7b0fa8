package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/internal/storage/memory"
	"github.com/n3flow/platform/pkg/value"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []struct {
		flowVersionID  string
		triggerContext value.Value
	}
	err error
}

func (f *fakeStarter) StartExecution(ctx context.Context, flowVersionID string, triggerContext value.Value) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, struct {
		flowVersionID  string
		triggerContext value.Value
	}{flowVersionID, triggerContext})
	return "exec-1", nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestSchedule(id string) *storage.Schedule {
	return &storage.Schedule{
		ID:            id,
		FlowID:        "flow-1",
		FlowVersionID: "fv-1",
		CronExpr:      "*/5 * * * *",
		Timezone:      "UTC",
		Active:        true,
	}
}

func TestFirePassesFlowVersionAndScheduledAtInTriggerContext(t *testing.T) {
	store := memory.New()
	starter := &fakeStarter{}
	s := New(store, starter, nil)
	sc := newTestSchedule("sched-1")
	require.NoError(t, store.CreateSchedule(context.Background(), sc))

	s.fire(sc)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "fv-1", call.flowVersionID)

	fvID, ok := call.triggerContext.Get("flowVersionId")
	require.True(t, ok)
	fvIDStr, _ := fvID.String()
	assert.Equal(t, "fv-1", fvIDStr)

	scheduledAt, ok := call.triggerContext.Get("scheduledAt")
	require.True(t, ok)
	scheduledAtStr, _ := scheduledAt.String()
	_, err := time.Parse(time.RFC3339, scheduledAtStr)
	assert.NoError(t, err)
}

func TestFireUpdatesLastRunAtEvenWhenStartFails(t *testing.T) {
	store := memory.New()
	starter := &fakeStarter{err: assert.AnError}
	s := New(store, starter, nil)
	sc := newTestSchedule("sched-2")
	require.NoError(t, store.CreateSchedule(context.Background(), sc))

	before := time.Now()
	s.fire(sc)

	assert.True(t, sc.LastRunAt.After(before) || sc.LastRunAt.Equal(before))
}

func TestRegisterRejectsInvalidCronExpression(t *testing.T) {
	store := memory.New()
	s := New(store, &fakeStarter{}, nil)
	sc := newTestSchedule("sched-3")
	sc.CronExpr = "not a cron expression"

	err := s.Register(sc)
	require.Error(t, err)
}

func TestRegisterSkipsInactiveSchedule(t *testing.T) {
	store := memory.New()
	s := New(store, &fakeStarter{}, nil)
	sc := newTestSchedule("sched-4")
	sc.Active = false

	require.NoError(t, s.Register(sc))
	s.mu.Lock()
	_, ok := s.entries[sc.ID]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestRegisterReplacesExistingEntryForSameSchedule(t *testing.T) {
	store := memory.New()
	s := New(store, &fakeStarter{}, nil)
	sc := newTestSchedule("sched-5")

	require.NoError(t, s.Register(sc))
	s.mu.Lock()
	firstID, ok := s.entries[sc.ID]
	s.mu.Unlock()
	require.True(t, ok)

	require.NoError(t, s.Register(sc))
	s.mu.Lock()
	secondID, ok := s.entries[sc.ID]
	s.mu.Unlock()
	require.True(t, ok)
	assert.NotEqual(t, firstID, secondID)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	store := memory.New()
	s := New(store, &fakeStarter{}, nil)
	sc := newTestSchedule("sched-6")
	require.NoError(t, s.Register(sc))

	s.Unregister(sc.ID)
	s.mu.Lock()
	_, ok := s.entries[sc.ID]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestStartRegistersAllActiveSchedulesFromStore(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateSchedule(context.Background(), newTestSchedule("sched-7")))
	require.NoError(t, store.CreateSchedule(context.Background(), newTestSchedule("sched-8")))
	inactive := newTestSchedule("sched-9")
	inactive.Active = false
	require.NoError(t, store.CreateSchedule(context.Background(), inactive))

	s := New(store, &fakeStarter{}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.entries, 2)
}
