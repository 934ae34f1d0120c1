package store

import (
	"database/sql"

	"github.com/cuemby/scale-edge/internal/types"
)

func (s *SQLStore) InsertBatch(b *types.OfflineBatch) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO offline_batches (
				id, device_id, started_at, ended_at, event_count, total_weight_grams,
				status, cloud_session_id, reconciled_at, reconciliation_meta
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			b.ID, b.DeviceID, b.StartedAt, b.EndedAt, b.EventCount, b.TotalWeightGrams,
			string(b.Status), b.CloudSessionID, b.ReconciledAt, b.ReconciliationMeta,
		)
		return err
	})
}

func (s *SQLStore) GetBatch(id string) (*types.OfflineBatch, error) {
	row := s.db.QueryRow(`SELECT id, device_id, started_at, ended_at, event_count, total_weight_grams,
		status, cloud_session_id, reconciled_at, reconciliation_meta
		FROM offline_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return b, nil
}

// GetOpenBatchForDevice returns the one pending/in_progress batch for a
// device: at most one open batch may exist per device at a time.
func (s *SQLStore) GetOpenBatchForDevice(deviceID string) (*types.OfflineBatch, error) {
	row := s.db.QueryRow(`SELECT id, device_id, started_at, ended_at, event_count, total_weight_grams,
		status, cloud_session_id, reconciled_at, reconciliation_meta
		FROM offline_batches
		WHERE device_id = ? AND status IN ('pending', 'in_progress')
		ORDER BY started_at DESC LIMIT 1`, deviceID)
	b, err := scanBatch(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return b, nil
}

func (s *SQLStore) ListOpenBatches() ([]*types.OfflineBatch, error) {
	return s.queryBatches(`SELECT id, device_id, started_at, ended_at, event_count, total_weight_grams,
		status, cloud_session_id, reconciled_at, reconciliation_meta
		FROM offline_batches WHERE ended_at IS NULL ORDER BY started_at`)
}

func (s *SQLStore) ListPendingSyncBatches() ([]*types.OfflineBatch, error) {
	return s.queryBatches(`SELECT id, device_id, started_at, ended_at, event_count, total_weight_grams,
		status, cloud_session_id, reconciled_at, reconciliation_meta
		FROM offline_batches WHERE status = 'pending' AND ended_at IS NOT NULL ORDER BY ended_at`)
}

func (s *SQLStore) queryBatches(query string, args ...any) ([]*types.OfflineBatch, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.OfflineBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EndBatch stamps ended_at with the current time, closing the batch to new
// events (it may still await reconciliation/sync).
func (s *SQLStore) EndBatch(id string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE offline_batches SET ended_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
		return err
	})
}

func (s *SQLStore) IncrementBatchCounters(id string, weightGrams int64) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE offline_batches
			SET event_count = event_count + 1, total_weight_grams = total_weight_grams + ?
			WHERE id = ?`, weightGrams, id)
		return err
	})
}

func (s *SQLStore) SetBatchStatus(id string, status types.BatchStatus, cloudSessionID *string) error {
	return s.write(func(tx *sql.Tx) error {
		if status == types.BatchStatusReconciled {
			_, err := tx.Exec(`UPDATE offline_batches
				SET status = ?, cloud_session_id = ?, reconciled_at = CURRENT_TIMESTAMP
				WHERE id = ?`, string(status), cloudSessionID, id)
			return err
		}
		_, err := tx.Exec(`UPDATE offline_batches SET status = ?, cloud_session_id = ? WHERE id = ?`,
			string(status), cloudSessionID, id)
		return err
	})
}

func scanBatch(row scanner) (*types.OfflineBatch, error) {
	var b types.OfflineBatch
	err := row.Scan(&b.ID, &b.DeviceID, &b.StartedAt, &b.EndedAt, &b.EventCount, &b.TotalWeightGrams,
		&b.Status, &b.CloudSessionID, &b.ReconciledAt, &b.ReconciliationMeta)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
