package store

import (
	"database/sql"
	"errors"

	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/types"
)

// SetEdgeConfig writes the edge_id/site_id/site_name keys, overwriting any
// previous values. Called by the cloud-sync component on a /register
// response.
func (s *SQLStore) SetEdgeConfig(cfg *types.EdgeConfig) error {
	return s.write(func(tx *sql.Tx) error {
		kv := map[string]string{
			"edge_id":   cfg.EdgeID,
			"site_id":   cfg.SiteID,
			"site_name": cfg.SiteName,
		}
		for k, v := range kv {
			if _, err := tx.Exec(`INSERT INTO edge_config (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEdgeConfig reads the edge identity. Returns edgeerr.ErrNotFound if the
// edge has never successfully registered.
func (s *SQLStore) GetEdgeConfig() (*types.EdgeConfig, error) {
	rows, err := s.db.Query(`SELECT key, value FROM edge_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cfg := &types.EdgeConfig{}
	found := false
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		found = true
		switch k {
		case "edge_id":
			cfg.EdgeID = v
		case "site_id":
			cfg.SiteID = v
		case "site_name":
			cfg.SiteName = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, edgeerr.ErrNotFound
	}
	return cfg, nil
}

var errNoRows = sql.ErrNoRows

func wrapNotFound(err error) error {
	if errors.Is(err, errNoRows) {
		return edgeerr.ErrNotFound
	}
	return err
}
