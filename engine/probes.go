package engine

import (
	"database/sql"
	"fmt"
	"net/http"
)

// ServeHealthProbe reports liveness by opening and immediately rolling back
// a transaction, proving the database file is still usable.
func ServeHealthProbe(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, err := db.BeginTx(r.Context(), nil)
		if err != nil {
			w.WriteHeader(500)
			return
		}
		if err := txn.Rollback(); err != nil {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}
}

// CheckHealthProbe hits the liveness endpoint. The healthcheck subcommand
// uses it so containers don't need curl installed.
func CheckHealthProbe(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
