package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/storage"
)

func (s *Store) CreateExecution(ctx context.Context, e *storage.Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	triggerJSON, err := e.TriggerContext.MarshalJSON()
	if err != nil {
		return err
	}
	outputJSON, err := e.Output.MarshalJSON()
	if err != nil {
		return err
	}
	errJSON, err := marshalError(e.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, flow_version_id, status, trigger_context, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.FlowVersionID, e.Status, triggerJSON, outputJSON, errJSON, e.StartedAt, toNullTime(e.CompletedAt))
	return err
}

func (s *Store) UpdateExecution(ctx context.Context, e *storage.Execution) error {
	outputJSON, err := e.Output.MarshalJSON()
	if err != nil {
		return err
	}
	errJSON, err := marshalError(e.Error)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $2, output = $3, error = $4, completed_at = $5
		WHERE id = $1
	`, e.ID, e.Status, outputJSON, errJSON, toNullTime(e.CompletedAt))
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

func (s *Store) FindExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, flow_version_id, status, trigger_context, output, error, started_at, completed_at
		FROM executions WHERE id = $1
	`, executionID)

	var (
		e             storage.Execution
		triggerRaw    []byte
		outputRaw     []byte
		errRaw        []byte
		completedAt   nullTimePtr
	)
	if err := row.Scan(&e.ID, &e.FlowVersionID, &e.Status, &triggerRaw, &outputRaw, &errRaw, &e.StartedAt, &completedAt.raw); err != nil {
		return nil, noRowsToNotFound(err)
	}
	if err := e.TriggerContext.UnmarshalJSON(triggerRaw); err != nil {
		return nil, err
	}
	if err := e.Output.UnmarshalJSON(outputRaw); err != nil {
		return nil, err
	}
	parsedErr, err := unmarshalError(errRaw)
	if err != nil {
		return nil, err
	}
	e.Error = parsedErr
	if t := completedAt.toPtr(); t != nil {
		e.CompletedAt = *t
	}
	return &e, nil
}

func (s *Store) CreateNodeExecution(ctx context.Context, ne *storage.NodeExecution) error {
	if ne.ID == "" {
		ne.ID = uuid.NewString()
	}
	if ne.StartedAt.IsZero() {
		ne.StartedAt = time.Now().UTC()
	}

	inputJSON, err := ne.Input.MarshalJSON()
	if err != nil {
		return err
	}
	outputJSON, err := ne.Output.MarshalJSON()
	if err != nil {
		return err
	}
	errJSON, err := marshalError(ne.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_executions (id, execution_id, node_id, status, attempts, input, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ne.ID, ne.ExecutionID, ne.NodeID, ne.Status, ne.Attempts, inputJSON, outputJSON, errJSON, ne.StartedAt, toNullTime(ne.CompletedAt))
	return err
}

func (s *Store) UpdateNodeExecution(ctx context.Context, ne *storage.NodeExecution) error {
	outputJSON, err := ne.Output.MarshalJSON()
	if err != nil {
		return err
	}
	errJSON, err := marshalError(ne.Error)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE node_executions SET status = $2, attempts = $3, output = $4, error = $5, completed_at = $6
		WHERE id = $1
	`, ne.ID, ne.Status, ne.Attempts, outputJSON, errJSON, toNullTime(ne.CompletedAt))
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

func (s *Store) ListNodeExecutions(ctx context.Context, executionID string) ([]*storage.NodeExecution, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, execution_id, node_id, status, attempts, input, output, error, started_at, completed_at
		FROM node_executions WHERE execution_id = $1
		ORDER BY started_at
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*storage.NodeExecution
	for rows.Next() {
		var (
			ne          storage.NodeExecution
			inputRaw    []byte
			outputRaw   []byte
			errRaw      []byte
			completedAt nullTimePtr
		)
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &ne.Status, &ne.Attempts, &inputRaw, &outputRaw, &errRaw, &ne.StartedAt, &completedAt.raw); err != nil {
			return nil, err
		}
		if err := ne.Input.UnmarshalJSON(inputRaw); err != nil {
			return nil, err
		}
		if err := ne.Output.UnmarshalJSON(outputRaw); err != nil {
			return nil, err
		}
		parsedErr, err := unmarshalError(errRaw)
		if err != nil {
			return nil, err
		}
		ne.Error = parsedErr
		if t := completedAt.toPtr(); t != nil {
			ne.CompletedAt = *t
		}
		result = append(result, &ne)
	}
	return result, rows.Err()
}
