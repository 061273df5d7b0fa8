package postgres

import (
	"context"
	"time"

	"github.com/n3flow/platform/internal/storage"
)

func (s *Store) FindDeviceKey(ctx context.Context, deviceID string) (*storage.DeviceKey, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT device_id, public_key, enc_key_c2s, enc_key_s2c, auth_key, last_seq_in, last_seq_out, revoked, registered_at
		FROM device_keys WHERE device_id = $1
	`, deviceID)

	var dk storage.DeviceKey
	if err := row.Scan(&dk.DeviceID, &dk.PublicKey, &dk.EncKeyC2S, &dk.EncKeyS2C, &dk.AuthKey, &dk.LastSeqIn, &dk.LastSeqOut, &dk.Revoked, &dk.RegisteredAt); err != nil {
		return nil, noRowsToNotFound(err)
	}
	return &dk, nil
}

func (s *Store) StoreDeviceKey(ctx context.Context, dk *storage.DeviceKey) error {
	if dk.RegisteredAt.IsZero() {
		dk.RegisteredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_keys (device_id, public_key, enc_key_c2s, enc_key_s2c, auth_key, last_seq_in, last_seq_out, revoked, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			enc_key_c2s = EXCLUDED.enc_key_c2s,
			enc_key_s2c = EXCLUDED.enc_key_s2c,
			auth_key = EXCLUDED.auth_key,
			last_seq_in = EXCLUDED.last_seq_in,
			last_seq_out = EXCLUDED.last_seq_out,
			revoked = EXCLUDED.revoked
	`, dk.DeviceID, dk.PublicKey, dk.EncKeyC2S, dk.EncKeyS2C, dk.AuthKey, dk.LastSeqIn, dk.LastSeqOut, dk.Revoked, dk.RegisteredAt)
	return err
}

func (s *Store) DeleteDeviceKey(ctx context.Context, deviceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM device_keys WHERE device_id = $1`, deviceID)
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
