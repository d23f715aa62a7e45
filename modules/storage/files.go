package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Download lifecycle states for per-printer file inventory rows.
const (
	DownloadAvailable   = "available"
	DownloadInProgress  = "downloading"
	DownloadDone        = "downloaded"
	DownloadLocal       = "local"
	DownloadError       = "error"
	DownloadUnavailable = "unavailable"
)

// PrintedFile is one file observed on a printer. Rows are owned by the
// printer and removed with it.
type PrintedFile struct {
	ID             int64  `json:"id"`
	PrinterID      string `json:"printer_id"`
	Filename       string `json:"filename"`
	RemotePath     string `json:"remote_path,omitempty"`
	SizeBytes      int64  `json:"size_bytes"`
	FileType       string `json:"file_type"`
	DownloadStatus string `json:"download_status"`
	Created        int64  `json:"created"`
}

func (f *PrintedFile) String() string { return fmt.Sprintf("%s on %s", f.Filename, f.PrinterID) }

// UpsertPrintedFile records a file observed on a printer. Existing rows keep
// their download status; size and remote path are refreshed. Returns true
// when the file was newly observed.
func (s *Store) UpsertPrintedFile(ctx context.Context, f *PrintedFile) (bool, error) {
	existing, err := s.GetPrintedFile(ctx, f.PrinterID, f.Filename)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			"UPDATE printed_files SET remote_path = $1, size_bytes = $2 WHERE id = $3",
			f.RemotePath, f.SizeBytes, existing.ID)
		if err != nil {
			return false, err
		}
		f.ID = existing.ID
		f.Created = existing.Created
		f.DownloadStatus = existing.DownloadStatus
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if f.DownloadStatus == "" {
		f.DownloadStatus = DownloadAvailable
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO printed_files (printer_id, filename, remote_path, size_bytes, file_type, download_status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.PrinterID, f.Filename, f.RemotePath, f.SizeBytes, f.FileType, f.DownloadStatus)
	if err != nil {
		return false, err
	}
	f.ID, _ = res.LastInsertId()
	return true, nil
}

func (s *Store) ListPrintedFiles(ctx context.Context, printerID string) ([]*PrintedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created, printer_id, filename, remote_path, size_bytes, file_type, download_status
		FROM printed_files WHERE printer_id = $1 ORDER BY filename ASC`, printerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*PrintedFile
	for rows.Next() {
		f := &PrintedFile{}
		if err := rows.Scan(&f.ID, &f.Created, &f.PrinterID, &f.Filename, &f.RemotePath, &f.SizeBytes, &f.FileType, &f.DownloadStatus); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) GetPrintedFile(ctx context.Context, printerID, filename string) (*PrintedFile, error) {
	f := &PrintedFile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created, printer_id, filename, remote_path, size_bytes, file_type, download_status
		FROM printed_files WHERE printer_id = $1 AND filename = $2`, printerID, filename).
		Scan(&f.ID, &f.Created, &f.PrinterID, &f.Filename, &f.RemotePath, &f.SizeBytes, &f.FileType, &f.DownloadStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) SetDownloadStatus(ctx context.Context, printerID, filename, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE printed_files SET download_status = $1 WHERE printer_id = $2 AND filename = $3",
		status, printerID, filename)
	return err
}
