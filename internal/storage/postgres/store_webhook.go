package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/n3flow/platform/internal/storage"
)

func (s *Store) CreateWebhook(ctx context.Context, w *storage.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, flow_id, path, method, auth_rule, hmac_secret_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.FlowID, w.Path, w.Method, w.AuthRule, w.HMACSecretID, w.Active)
	return err
}

func (s *Store) FindWebhook(ctx context.Context, path, method string) (*storage.Webhook, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, flow_id, path, method, auth_rule, hmac_secret_id, active
		FROM webhooks WHERE path = $1 AND method = $2
	`, path, method)
	return scanWebhook(row)
}

func (s *Store) ListActiveWebhooks(ctx context.Context) ([]*storage.Webhook, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, flow_id, path, method, auth_rule, hmac_secret_id, active
		FROM webhooks WHERE active
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*storage.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func scanWebhook(row scannableRow) (*storage.Webhook, error) {
	var w storage.Webhook
	if err := row.Scan(&w.ID, &w.FlowID, &w.Path, &w.Method, &w.AuthRule, &w.HMACSecretID, &w.Active); err != nil {
		return nil, noRowsToNotFound(err)
	}
	return &w, nil
}
