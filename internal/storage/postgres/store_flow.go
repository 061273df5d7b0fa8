package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/storage"
)

func (s *Store) CreateFlow(ctx context.Context, f *storage.Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, description, owner_id, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, f.ID, f.Name, f.Description, f.OwnerID, toNullTime(timeOrZero(f.DeletedAt)), f.CreatedAt, f.UpdatedAt)
	return err
}

func (s *Store) FindFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, description, owner_id, deleted_at, created_at, updated_at
		FROM flows WHERE id = $1
	`, flowID)

	var f storage.Flow
	var deletedAt nullTimePtr
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.OwnerID, &deletedAt.raw, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, noRowsToNotFound(err)
	}
	f.DeletedAt = deletedAt.toPtr()
	return &f, nil
}

func (s *Store) FindFlowByName(ctx context.Context, ownerID, name string) (*storage.Flow, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, name, description, owner_id, deleted_at, created_at, updated_at
		FROM flows WHERE owner_id = $1 AND name = $2 AND deleted_at IS NULL
	`, ownerID, name)

	var f storage.Flow
	var deletedAt nullTimePtr
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.OwnerID, &deletedAt.raw, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, noRowsToNotFound(err)
	}
	f.DeletedAt = deletedAt.toPtr()
	return &f, nil
}

func (s *Store) CreateFlowVersion(ctx context.Context, v *storage.FlowVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	definitionJSON, err := json.Marshal(v.Definition)
	if err != nil {
		return err
	}
	settingsJSON, err := json.Marshal(v.Settings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_versions (id, flow_id, version, definition, settings, published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.ID, v.FlowID, v.Version, definitionJSON, settingsJSON, v.Published, v.CreatedAt)
	return err
}

func (s *Store) FindFlowVersion(ctx context.Context, flowVersionID string) (*storage.FlowVersion, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, flow_id, version, definition, settings, published, created_at
		FROM flow_versions WHERE id = $1
	`, flowVersionID)
	return scanFlowVersion(row)
}

func (s *Store) FindPublishedVersion(ctx context.Context, flowID string) (*storage.FlowVersion, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, flow_id, version, definition, settings, published, created_at
		FROM flow_versions WHERE flow_id = $1 AND published
	`, flowID)
	return scanFlowVersion(row)
}

func (s *Store) PublishFlowVersion(ctx context.Context, flowVersionID string) error {
	return s.Transact(ctx, func(ctx context.Context, tx storage.Store) error {
		txs := tx.(*Store)
		v, err := txs.FindFlowVersion(ctx, flowVersionID)
		if err != nil {
			return err
		}
		if _, err := txs.db.ExecContext(ctx, `
			UPDATE flow_versions SET published = FALSE WHERE flow_id = $1 AND published
		`, v.FlowID); err != nil {
			return err
		}
		result, err := txs.db.ExecContext(ctx, `
			UPDATE flow_versions SET published = TRUE WHERE id = $1
		`, flowVersionID)
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
	})
}

// scannableRow is satisfied by both *sqlx.Row and *sql.Row, letting
// scanFlowVersion serve both QueryRowxContext results.
type scannableRow interface {
	Scan(dest ...interface{}) error
}

func scanFlowVersion(row scannableRow) (*storage.FlowVersion, error) {
	var (
		v              storage.FlowVersion
		definitionRaw  []byte
		settingsRaw    []byte
	)
	if err := row.Scan(&v.ID, &v.FlowID, &v.Version, &definitionRaw, &settingsRaw, &v.Published, &v.CreatedAt); err != nil {
		return nil, noRowsToNotFound(err)
	}
	if err := json.Unmarshal(definitionRaw, &v.Definition); err != nil {
		return nil, err
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &v.Settings); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// nullTimePtr bridges a nullable timestamptz column and storage.Flow's
// *time.Time DeletedAt field.
type nullTimePtr struct{ raw interface{} }

func (n *nullTimePtr) toPtr() *time.Time {
	switch v := n.raw.(type) {
	case time.Time:
		t := v.UTC()
		return &t
	default:
		return nil
	}
}
