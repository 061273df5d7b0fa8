// Package schedule wraps robfig/cron/v3 to drive scheduleTrigger-kind
// flows: each active storage.Schedule registers a cron entry whose
// callback starts an execution of its flow version.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/n3flow/platform/infrastructure/logging"
	"github.com/n3flow/platform/internal/storage"
	"github.com/n3flow/platform/pkg/errs"
	"github.com/n3flow/platform/pkg/value"
)

// Starter is the subset of engine.Engine the scheduler drives executions
// through. *engine.Engine satisfies this directly.
type Starter interface {
	StartExecution(ctx context.Context, flowVersionID string, triggerContext value.Value) (string, error)
}

// Scheduler owns one cron.Cron instance and keeps it synchronized with
// the active storage.Schedule set.
type Scheduler struct {
	cron    *cron.Cron
	store   storage.Store
	starter Starter
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // scheduleID -> cron entry
}

// New builds a Scheduler. Cron expressions are parsed with seconds-field
// support disabled (standard 5-field crontab syntax), matching what an
// operator typing a schedule by hand expects.
func New(store storage.Store, starter Starter, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		store:   store,
		starter: starter,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every currently active schedule from the store, registers
// a cron entry for each, and starts the cron scheduler's own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if err := s.Register(sc); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight job callback
// to return.
func (s *Scheduler) Stop(ctx context.Context) {
	<-s.cron.Stop().Done()
}

// Register adds or replaces sc's cron entry. Calling it again for an
// already-registered schedule id (e.g. after an update) removes the old
// entry first so a schedule is never double-fired.
func (s *Scheduler) Register(sc *storage.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[sc.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, sc.ID)
	}
	if !sc.Active {
		return nil
	}

	schedule := *sc
	id, err := s.cron.AddFunc(schedule.CronExpr, func() { s.fire(&schedule) })
	if err != nil {
		return errs.Wrap(errs.Validation, fmt.Sprintf("invalid cron expression %q", schedule.CronExpr), err)
	}
	s.entries[sc.ID] = id
	return nil
}

// Unregister removes sc's cron entry, if any.
func (s *Scheduler) Unregister(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(id)
		delete(s.entries, scheduleID)
	}
}

// fire starts an execution of sc's flow version and updates the
// schedule's LastRunAt/NextRunAt bookkeeping. Trigger context matches the
// ingress form every trigger kind uses: {flowVersionId, scheduledAt}.
func (s *Scheduler) fire(sc *storage.Schedule) {
	ctx := context.Background()
	now := time.Now()

	triggerContext := value.Map(map[string]value.Value{
		"flowVersionId": value.String(sc.FlowVersionID),
		"scheduledAt":   value.String(now.Format(time.RFC3339)),
	})

	executionID, err := s.starter.StartExecution(ctx, sc.FlowVersionID, triggerContext)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{"scheduleId": sc.ID}).WithError(err).Warn("scheduled execution failed to start")
		}
	} else if s.logger != nil {
		s.logger.WithFields(map[string]interface{}{
			"scheduleId":  sc.ID,
			"executionId": executionID,
		}).Info("scheduled execution started")
	}

	sc.LastRunAt = now
	if entry := s.entryFor(sc.ID); entry != nil {
		sc.NextRunAt = entry.Next
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"scheduleId": sc.ID}).WithError(err).Warn("failed to persist schedule run bookkeeping")
	}
}

func (s *Scheduler) entryFor(scheduleID string) *cron.Entry {
	s.mu.Lock()
	id, ok := s.entries[scheduleID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(id)
	return &entry
}
