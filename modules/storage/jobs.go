package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Print job states.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobStopped   = "stopped"
)

type PrintJob struct {
	ID                int64  `json:"id"`
	PrinterID         string `json:"printer_id"`
	PrinterName       string `json:"printer_name"`
	Filename          string `json:"filename"`
	StartedAt         int64  `json:"started_at"`
	EstimatedFinishAt *int64 `json:"estimated_finish_at,omitempty"`
	CompletedAt       *int64 `json:"completed_at,omitempty"`
	Status            string `json:"status"`
	ErrorCode         string `json:"error_code,omitempty"`
	Created           int64  `json:"created"`
}

// StartJob records a newly observed print.
func (s *Store) StartJob(ctx context.Context, j *PrintJob) error {
	if j.StartedAt == 0 {
		j.StartedAt = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO print_jobs (printer_id, printer_name, filename, started_at, estimated_finish_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		j.PrinterID, j.PrinterName, j.Filename, j.StartedAt, j.EstimatedFinishAt, JobRunning)
	if err != nil {
		return err
	}
	j.ID, _ = res.LastInsertId()
	j.Status = JobRunning
	return nil
}

// RunningJob returns the most recent running job for a printer.
func (s *Store) RunningJob(ctx context.Context, printerID string) (*PrintJob, error) {
	j := &PrintJob{}
	var finish, completed sql.NullInt64
	var errCode sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created, printer_id, printer_name, filename, started_at, estimated_finish_at, completed_at, status, error_code
		FROM print_jobs WHERE printer_id = $1 AND status = $2 ORDER BY created DESC LIMIT 1`,
		printerID, JobRunning).
		Scan(&j.ID, &j.Created, &j.PrinterID, &j.PrinterName, &j.Filename, &j.StartedAt, &finish, &completed, &j.Status, &errCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finish.Valid {
		j.EstimatedFinishAt = &finish.Int64
	}
	if completed.Valid {
		j.CompletedAt = &completed.Int64
	}
	j.ErrorCode = errCode.String
	return j, nil
}

// ListJobs returns recent print jobs, newest first. An empty printerID means
// the whole fleet.
func (s *Store) ListJobs(ctx context.Context, printerID string, limit int) ([]*PrintJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created, printer_id, printer_name, filename, started_at, estimated_finish_at, completed_at, status, error_code
		FROM print_jobs WHERE ($1 = '' OR printer_id = $1) ORDER BY started_at DESC LIMIT $2`,
		printerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*PrintJob
	for rows.Next() {
		j := &PrintJob{}
		var finish, completed sql.NullInt64
		var errCode sql.NullString
		if err := rows.Scan(&j.ID, &j.Created, &j.PrinterID, &j.PrinterName, &j.Filename, &j.StartedAt, &finish, &completed, &j.Status, &errCode); err != nil {
			return nil, err
		}
		if finish.Valid {
			j.EstimatedFinishAt = &finish.Int64
		}
		if completed.Valid {
			j.CompletedAt = &completed.Int64
		}
		j.ErrorCode = errCode.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FinishJob marks a job terminal with the given status and optional error code.
func (s *Store) FinishJob(ctx context.Context, id int64, status, errorCode string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE print_jobs SET status = $1, error_code = $2, completed_at = $3 WHERE id = $4",
		status, nullString(errorCode), time.Now().Unix(), id)
	return err
}

// FailStuckJobs closes out running jobs whose estimated finish passed more
// than grace ago. Returns the number of jobs closed.
func (s *Store) FailStuckJobs(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE print_jobs SET status = $1, completed_at = unixepoch()
		WHERE status = $2 AND estimated_finish_at IS NOT NULL AND estimated_finish_at < unixepoch() - $3`,
		JobFailed, JobRunning, int64(grace.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordNotification appends a delivery attempt to the notification history.
func (s *Store) RecordNotification(ctx context.Context, channel, eventType string, success bool, details string) error {
	v := 0
	if success {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notification_history (channel, event_type, success, details) VALUES ($1, $2, $3, $4)",
		channel, eventType, v, details)
	return err
}

type NotificationRecord struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	EventType string `json:"event_type"`
	Success   bool   `json:"success"`
	Details   string `json:"details,omitempty"`
	Created   int64  `json:"created"`
}

// ListNotifications returns the most recent delivery attempts, newest first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]*NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created, channel, event_type, success, details
		FROM notification_history ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*NotificationRecord
	for rows.Next() {
		r := &NotificationRecord{}
		var success int
		if err := rows.Scan(&r.ID, &r.Created, &r.Channel, &r.EventType, &success, &r.Details); err != nil {
			return nil, err
		}
		r.Success = success != 0
		records = append(records, r)
	}
	return records, rows.Err()
}
