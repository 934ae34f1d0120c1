package store

import (
	"database/sql"
	"time"

	"github.com/cuemby/scale-edge/internal/types"
)

// UpsertDevice inserts a new device row or updates an existing one, keyed by
// local_id. global_id is written once: an empty value is stored as NULL, and
// the first upsert carrying a non-empty value sets it; later upserts never
// change it.
func (s *SQLStore) UpsertDevice(d *types.Device) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO devices (
				local_id, global_id, display_name, location, type, status,
				last_heartbeat_at, last_event_at, heartbeat_count, event_count,
				connected_at, source_ip
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				global_id = COALESCE(devices.global_id, excluded.global_id),
				display_name = excluded.display_name,
				location = excluded.location,
				type = excluded.type,
				status = excluded.status,
				last_heartbeat_at = excluded.last_heartbeat_at,
				last_event_at = excluded.last_event_at,
				heartbeat_count = excluded.heartbeat_count,
				event_count = excluded.event_count,
				connected_at = excluded.connected_at,
				source_ip = excluded.source_ip
		`,
			d.LocalID, sql.NullString{String: d.GlobalID, Valid: d.GlobalID != ""}, d.DisplayName, d.Location, string(d.Type), string(d.Status),
			nullTime(d.LastHeartbeat), nullTime(d.LastEvent), d.HeartbeatCount, d.EventCount,
			nullTime(d.ConnectedAt), d.SourceIP,
		)
		return err
	})
}

func (s *SQLStore) GetDevice(localID string) (*types.Device, error) {
	row := s.db.QueryRow(`SELECT local_id, global_id, display_name, location, type, status,
		last_heartbeat_at, last_event_at, heartbeat_count, event_count, connected_at, source_ip
		FROM devices WHERE local_id = ?`, localID)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return d, nil
}

func (s *SQLStore) ListDevices() ([]*types.Device, error) {
	rows, err := s.db.Query(`SELECT local_id, global_id, display_name, location, type, status,
		last_heartbeat_at, last_event_at, heartbeat_count, event_count, connected_at, source_ip
		FROM devices ORDER BY local_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkAllDevicesDisconnected forces every device's status to disconnected.
// Called once at registry startup, since every socket from a prior process
// is gone.
func (s *SQLStore) MarkAllDevicesDisconnected() error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE devices SET status = ?`, string(types.DeviceStatusDisconnected))
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*types.Device, error) {
	var d types.Device
	var globalID sql.NullString
	var lastHeartbeat, lastEvent, connectedAt sql.NullTime

	err := row.Scan(&d.LocalID, &globalID, &d.DisplayName, &d.Location, &d.Type, &d.Status,
		&lastHeartbeat, &lastEvent, &d.HeartbeatCount, &d.EventCount, &connectedAt, &d.SourceIP)
	if err != nil {
		return nil, err
	}
	d.GlobalID = globalID.String
	if lastHeartbeat.Valid {
		d.LastHeartbeat = lastHeartbeat.Time
	}
	if lastEvent.Valid {
		d.LastEvent = lastEvent.Time
	}
	if connectedAt.Valid {
		d.ConnectedAt = connectedAt.Time
	}
	return &d, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
