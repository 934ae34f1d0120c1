package store

import (
	"database/sql"
	"strings"

	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/types"
)

// InsertEvent persists a captured weighing. The unique index on
// (device_id, scale_timestamp, plu_code, net_weight_grams) enforces
// dedup at the storage layer; a duplicate insert returns
// edgeerr.ErrDuplicateEvent rather than a raw SQLite constraint error so the
// processor can distinguish "already seen" from every other failure.
func (s *SQLStore) InsertEvent(e *types.WeighingEvent) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO events (
				id, device_id, session_id, offline_mode, offline_batch_id,
				plu_code, product_name, net_weight_grams, tare_weight_grams, barcode,
				scale_timestamp, received_at, source_ip, raw_line,
				sync_status, cloud_event_id, synced_at, sync_attempts, last_error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.DeviceID, e.SessionID, e.OfflineMode, e.OfflineBatchID,
			e.PLUCode, e.ProductName, e.NetWeightGrams, e.TareWeightGrams, e.Barcode,
			e.ScaleTimestamp, e.ReceivedAt, e.SourceIP, e.RawLine,
			string(e.SyncStatus), e.CloudEventID, e.SyncedAt, e.SyncAttempts, e.LastError,
		)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return edgeerr.ErrDuplicateEvent
			}
			return err
		}
		_, err = tx.Exec(`INSERT INTO sync_queue (event_id, received_at) VALUES (?, ?)`, e.ID, e.ReceivedAt)
		return err
	})
}

func (s *SQLStore) GetEvent(id string) (*types.WeighingEvent, error) {
	row := s.db.QueryRow(eventSelect+` WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return e, nil
}

// ListPendingSyncEvents reads the backlog-drain work list of pending and
// failed events from sync_queue (ordered by received_at) joined against
// events, rather than re-scanning the full events table.
func (s *SQLStore) ListPendingSyncEvents(limit int) ([]*types.WeighingEvent, error) {
	rows, err := s.db.Query(`
		SELECT `+eventColumns+`
		FROM sync_queue q JOIN events e ON e.id = q.event_id
		WHERE e.sync_status IN ('pending', 'failed')
		ORDER BY q.received_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WeighingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkEventSynced(id string, cloudEventID string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE events
			SET sync_status = ?, cloud_event_id = ?, synced_at = CURRENT_TIMESTAMP, last_error = ''
			WHERE id = ?`, string(types.SyncStatusSynced), cloudEventID, id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM sync_queue WHERE event_id = ?`, id)
		return err
	})
}

func (s *SQLStore) MarkEventFailed(id string, errMsg string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE events
			SET sync_status = ?, sync_attempts = sync_attempts + 1, last_error = ?
			WHERE id = ?`, string(types.SyncStatusFailed), errMsg, id)
		return err
	})
}

func (s *SQLStore) UpdateEventSyncStatus(id string, status types.SyncStatus) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE events SET sync_status = ? WHERE id = ?`, string(status), id)
		return err
	})
}

// CountUnsyncedEventsForBatch reports how many of a batch's events have not
// yet reached a terminal synced state, the signal the cloud-sync service
// uses to decide when a batch is fully reconciled.
func (s *SQLStore) CountUnsyncedEventsForBatch(batchID string) (int64, error) {
	var count sql.NullInt64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events
		WHERE offline_batch_id = ? AND sync_status != ?`, batchID, string(types.SyncStatusSynced)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count.Int64, nil
}

func (s *SQLStore) CountEventsForBatch(batchID string) (int64, int64, error) {
	var count, totalWeight sql.NullInt64
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(net_weight_grams), 0)
		FROM events WHERE offline_batch_id = ?`, batchID).Scan(&count, &totalWeight)
	if err != nil {
		return 0, 0, err
	}
	return count.Int64, totalWeight.Int64, nil
}

const eventColumns = `e.id, e.device_id, e.session_id, e.offline_mode, e.offline_batch_id,
	e.plu_code, e.product_name, e.net_weight_grams, e.tare_weight_grams, e.barcode,
	e.scale_timestamp, e.received_at, e.source_ip, e.raw_line,
	e.sync_status, e.cloud_event_id, e.synced_at, e.sync_attempts, e.last_error`

const eventSelect = `SELECT id, device_id, session_id, offline_mode, offline_batch_id,
	plu_code, product_name, net_weight_grams, tare_weight_grams, barcode,
	scale_timestamp, received_at, source_ip, raw_line,
	sync_status, cloud_event_id, synced_at, sync_attempts, last_error
	FROM events`

func scanEvent(row scanner) (*types.WeighingEvent, error) {
	var e types.WeighingEvent
	err := row.Scan(&e.ID, &e.DeviceID, &e.SessionID, &e.OfflineMode, &e.OfflineBatchID,
		&e.PLUCode, &e.ProductName, &e.NetWeightGrams, &e.TareWeightGrams, &e.Barcode,
		&e.ScaleTimestamp, &e.ReceivedAt, &e.SourceIP, &e.RawLine,
		&e.SyncStatus, &e.CloudEventID, &e.SyncedAt, &e.SyncAttempts, &e.LastError)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE constraint
// violation. modernc.org/sqlite surfaces these as a *sqlite.Error whose
// Error() text contains "UNIQUE constraint failed" — we match on that
// substring rather than importing the driver's error type, since the
// driver does not export a sentinel for it.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
