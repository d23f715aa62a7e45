package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Printer kinds.
const (
	KindBambu     = "bambu"
	KindPrusa     = "prusa"
	KindOctoPrint = "octoprint"
)

type Printer struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Host            string `json:"host,omitempty"`
	AccessCode      string `json:"-"`
	SerialNumber    string `json:"serial_number,omitempty"`
	URL             string `json:"url,omitempty"`
	APIKey          string `json:"-"`
	WebcamURL       string `json:"webcam_url,omitempty"`
	Enabled         bool   `json:"enabled"`
	MonitoringState string `json:"monitoring_state"`
	Created         int64  `json:"created"`
}

func (p *Printer) String() string { return fmt.Sprintf("%s (%s)", p.Name, p.Kind) }

const printerColumns = "id, created, name, kind, host, access_code, serial_number, url, api_key, webcam_url, enabled, monitoring_state"

func scanPrinter(row interface{ Scan(...any) error }) (*Printer, error) {
	p := &Printer{}
	var enabled int
	err := row.Scan(&p.ID, &p.Created, &p.Name, &p.Kind, &p.Host, &p.AccessCode, &p.SerialNumber, &p.URL, &p.APIKey, &p.WebcamURL, &enabled, &p.MonitoringState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	return p, nil
}

// CreatePrinter inserts a printer. A missing ID is generated.
func (s *Store) CreatePrinter(ctx context.Context, p *Printer) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.MonitoringState == "" {
		p.MonitoringState = "disconnected"
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO printers (id, name, kind, host, access_code, serial_number, url, api_key, webcam_url, enabled, monitoring_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.Kind, p.Host, p.AccessCode, p.SerialNumber, p.URL, p.APIKey, p.WebcamURL, enabled, p.MonitoringState)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *Store) GetPrinter(ctx context.Context, id string) (*Printer, error) {
	return scanPrinter(s.db.QueryRowContext(ctx, "SELECT "+printerColumns+" FROM printers WHERE id = $1", id))
}

func (s *Store) ListPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+printerColumns+" FROM printers ORDER BY created ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

// SetMonitoringState persists the driver's lifecycle state.
func (s *Store) SetMonitoringState(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE printers SET monitoring_state = $1 WHERE id = $2", state, id)
	return err
}

// SetPrinterEnabled toggles monitoring for a printer. Re-enabling a suspended
// printer also resets its monitoring state so the scheduler picks it back up.
func (s *Store) SetPrinterEnabled(ctx context.Context, id string, enabled bool) error {
	v := 0
	state := "suspended"
	if enabled {
		v = 1
		state = "disconnected"
	}
	_, err := s.db.ExecContext(ctx, "UPDATE printers SET enabled = $1, monitoring_state = $2 WHERE id = $3", v, state, id)
	return err
}

// DeletePrinter removes a printer and cascades to its file inventory.
func (s *Store) DeletePrinter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM printers WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
