package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/storage"
)

func (s *Store) CreateImportRecord(ctx context.Context, r *storage.ImportRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ImportedAt.IsZero() {
		r.ImportedAt = time.Now().UTC()
	}

	mappingsJSON, err := json.Marshal(r.CredentialMappings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_records (id, flow_id, flow_version_id, package_checksum, credential_mappings, imported_by, imported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.FlowID, r.FlowVersionID, r.PackageChecksum, mappingsJSON, r.ImportedBy, r.ImportedAt)
	return err
}
