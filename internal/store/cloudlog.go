package store

import "database/sql"

// LogCloudTransition appends a row recording a cloud reachability
// transition (online/offline) to cloud_connection_log.
func (s *SQLStore) LogCloudTransition(online bool) error {
	return s.write(func(tx *sql.Tx) error {
		state := "offline"
		if online {
			state = "online"
		}
		_, err := tx.Exec(`INSERT INTO cloud_connection_log (transitioned_at, state)
			VALUES (CURRENT_TIMESTAMP, ?)`, state)
		return err
	})
}
