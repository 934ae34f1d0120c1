package store

import "database/sql"

// UpsertPLUCache records the last-seen product name and unit convention for
// a PLU code, and appends a plu_versions row (PLU code and product name) on
// every call; the version rows do not record force_grams (supplements the
// weight-decoding open question, DESIGN.md).
func (s *SQLStore) UpsertPLUCache(pluCode, productName string, forceGrams bool) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO plu_cache (plu_code, product_name, force_grams, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(plu_code) DO UPDATE SET
				product_name = excluded.product_name,
				force_grams = excluded.force_grams,
				updated_at = excluded.updated_at
		`, pluCode, productName, forceGrams)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO plu_versions (plu_code, product_name, observed_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
		`, pluCode, productName)
		return err
	})
}

func (s *SQLStore) GetPLUCache(pluCode string) (string, bool, bool, error) {
	var productName string
	var forceGrams bool
	err := s.db.QueryRow(`SELECT product_name, force_grams FROM plu_cache WHERE plu_code = ?`, pluCode).
		Scan(&productName, &forceGrams)
	if err == sql.ErrNoRows {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, err
	}
	return productName, forceGrams, true, nil
}
