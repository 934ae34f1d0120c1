package store

import (
	"database/sql"

	"github.com/cuemby/scale-edge/internal/types"
)

// UpsertSession writes or refreshes the local mirror of a cloud-owned
// session. The mirror is read-only from the edge's perspective — the cloud
// remains the system of record.
func (s *SQLStore) UpsertSession(sess *types.SessionMirror) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO active_sessions_cache (
				id, device_id, animal_id, animal_tag, animal_species,
				operator_id, status, cached_at, last_updated_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				device_id = excluded.device_id,
				animal_id = excluded.animal_id,
				animal_tag = excluded.animal_tag,
				animal_species = excluded.animal_species,
				operator_id = excluded.operator_id,
				status = excluded.status,
				last_updated_at = excluded.last_updated_at,
				expires_at = excluded.expires_at
		`,
			sess.ID, sess.DeviceID, sess.AnimalID, sess.AnimalTag, sess.AnimalSpecies,
			sess.OperatorID, string(sess.Status), sess.CachedAt, sess.LastUpdatedAt, sess.ExpiresAt,
		)
		return err
	})
}

func (s *SQLStore) GetSession(id string) (*types.SessionMirror, error) {
	row := s.db.QueryRow(`SELECT id, device_id, animal_id, animal_tag, animal_species,
		operator_id, status, cached_at, last_updated_at, expires_at
		FROM active_sessions_cache WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return sess, nil
}

// GetActiveSessionForDevice returns the most recently cached active session
// for a device, or edgeerr.ErrNotFound if none. A device can have at most
// one active session mirrored at a time.
func (s *SQLStore) GetActiveSessionForDevice(deviceID string) (*types.SessionMirror, error) {
	row := s.db.QueryRow(`SELECT id, device_id, animal_id, animal_tag, animal_species,
		operator_id, status, cached_at, last_updated_at, expires_at
		FROM active_sessions_cache
		WHERE device_id = ? AND status = 'active'
		ORDER BY cached_at DESC LIMIT 1`, deviceID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return sess, nil
}

func (s *SQLStore) ListSessions() ([]*types.SessionMirror, error) {
	rows, err := s.db.Query(`SELECT id, device_id, animal_id, animal_tag, animal_species,
		operator_id, status, cached_at, last_updated_at, expires_at
		FROM active_sessions_cache ORDER BY cached_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SessionMirror
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a mirrored session. Events referencing it via the
// FK on session_id are detached first (set to NULL) in the same
// transaction, since SQLite's default FK action is NO ACTION and would
// otherwise reject the delete.
func (s *SQLStore) DeleteSession(id string) error {
	return s.write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE events SET session_id = NULL WHERE session_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM active_sessions_cache WHERE id = ?`, id)
		return err
	})
}

// DeleteExpiredSessions sweeps every mirrored session whose expires_at has
// passed and returns the deleted IDs, so callers can publish a bus event per
// expiry.
func (s *SQLStore) DeleteExpiredSessions() ([]string, error) {
	var ids []string
	err := s.write(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM active_sessions_cache WHERE expires_at <= CURRENT_TIMESTAMP`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(`UPDATE events SET session_id = NULL
			WHERE session_id IN (SELECT id FROM active_sessions_cache WHERE expires_at <= CURRENT_TIMESTAMP)`); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM active_sessions_cache WHERE expires_at <= CURRENT_TIMESTAMP`)
		return err
	})
	return ids, err
}

func scanSession(row scanner) (*types.SessionMirror, error) {
	var sess types.SessionMirror
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.AnimalID, &sess.AnimalTag, &sess.AnimalSpecies,
		&sess.OperatorID, &sess.Status, &sess.CachedAt, &sess.LastUpdatedAt, &sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
