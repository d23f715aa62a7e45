package printers

import (
	"context"
	"log/slog"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

// jobTracker derives print job records from state transitions between
// consecutive observations.
type jobTracker struct {
	store *storage.Store
	bus   *engine.Bus
}

func (t *jobTracker) observe(ctx context.Context, p *storage.Printer, prev, cur *Status) {
	if t.store == nil || cur == nil {
		return
	}
	prevState := StateUnknown
	if prev != nil {
		prevState = prev.State
	}

	switch {
	case cur.State == StatePrinting && prevState != StatePrinting && prevState != StatePaused:
		t.start(ctx, p, cur)
	case cur.State == StateError && prevState != StateError:
		t.finish(ctx, p, storage.JobFailed, cur.ErrorCode, cur)
	case isTerminalIdle(prevState, cur.State):
		t.finish(ctx, p, storage.JobCompleted, "", cur)
	}
}

// isTerminalIdle reports a printing/paused to idle transition, which is the
// only completion signal most printers give.
func isTerminalIdle(prev, cur State) bool {
	return (prev == StatePrinting || prev == StatePaused) && cur == StateIdle
}

func (t *jobTracker) start(ctx context.Context, p *storage.Printer, cur *Status) {
	// A crashed run can leave a stale running row behind; close it first.
	if stale, err := t.store.RunningJob(ctx, p.ID); err == nil {
		_ = t.store.FinishJob(ctx, stale.ID, storage.JobFailed, "superseded")
	}

	job := &storage.PrintJob{
		PrinterID:   p.ID,
		PrinterName: p.Name,
		Filename:    cur.JobFilename,
	}
	if cur.EstimatedEnd != nil {
		ts := cur.EstimatedEnd.Unix()
		job.EstimatedFinishAt = &ts
	}
	if err := t.store.StartJob(ctx, job); err != nil {
		slog.Error("failed to record print job start", "error", err, "printer", p.Name)
		return
	}
	slog.Info("print started", "printer", p.Name, "filename", cur.JobFilename)
	t.bus.Publish(engine.EventPrintStarted, map[string]any{
		"printer_id":   p.ID,
		"printer_name": p.Name,
		"job_id":       job.ID,
		"filename":     cur.JobFilename,
	})
}

func (t *jobTracker) finish(ctx context.Context, p *storage.Printer, status, errorCode string, cur *Status) {
	job, err := t.store.RunningJob(ctx, p.ID)
	if err != nil {
		// No tracked job - the print started before we were watching.
		return
	}
	if err := t.store.FinishJob(ctx, job.ID, status, errorCode); err != nil {
		slog.Error("failed to record print job finish", "error", err, "printer", p.Name)
		return
	}

	eventType := engine.EventJobCompleted
	if status == storage.JobFailed {
		eventType = engine.EventJobFailed
	}
	slog.Info("print finished", "printer", p.Name, "filename", job.Filename, "status", status)
	t.bus.Publish(eventType, map[string]any{
		"printer_id":   p.ID,
		"printer_name": p.Name,
		"job_id":       job.ID,
		"filename":     job.Filename,
		"status":       status,
		"error_code":   errorCode,
		"duration_sec": time.Now().Unix() - job.StartedAt,
	})
}
