package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/storage"
)

func (s *Store) CreateSchedule(ctx context.Context, sc *storage.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, flow_id, flow_version_id, cron_expr, timezone, active, next_run_at, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sc.ID, sc.FlowID, sc.FlowVersionID, sc.CronExpr, sc.Timezone, sc.Active, toNullTime(sc.NextRunAt), toNullTime(sc.LastRunAt))
	return err
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, flow_id, flow_version_id, cron_expr, timezone, active, next_run_at, last_run_at
		FROM schedules WHERE active
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*storage.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *storage.Schedule) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET cron_expr = $2, timezone = $3, active = $4, next_run_at = $5, last_run_at = $6
		WHERE id = $1
	`, sc.ID, sc.CronExpr, sc.Timezone, sc.Active, toNullTime(sc.NextRunAt), toNullTime(sc.LastRunAt))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanSchedule(row scannableRow) (*storage.Schedule, error) {
	var (
		sc        storage.Schedule
		nextRunAt nullTimePtr
		lastRunAt nullTimePtr
	)
	if err := row.Scan(&sc.ID, &sc.FlowID, &sc.FlowVersionID, &sc.CronExpr, &sc.Timezone, &sc.Active, &nextRunAt.raw, &lastRunAt.raw); err != nil {
		return nil, noRowsToNotFound(err)
	}
	if t := nextRunAt.toPtr(); t != nil {
		sc.NextRunAt = *t
	}
	if t := lastRunAt.toPtr(); t != nil {
		sc.LastRunAt = *t
	}
	return &sc, nil
}
