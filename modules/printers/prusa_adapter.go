package printers

import (
	"context"
	"path"
	"time"

	"github.com/printernizer/printernizer/modules/printers/prusa"
	"github.com/printernizer/printernizer/modules/storage"
)

type prusaAdapter struct {
	printer *storage.Printer
	client  *prusa.Client
}

func newPrusaAdapter(p *storage.Printer) *prusaAdapter {
	return &prusaAdapter{printer: p, client: prusa.NewClient(p.URL, p.APIKey)}
}

// Connect verifies the endpoint once; PrusaLink is otherwise stateless.
func (a *prusaAdapter) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.GetPrinter(ctx)
	return err
}

func (a *prusaAdapter) Disconnect()            {}
func (a *prusaAdapter) Push() bool             { return false }
func (a *prusaAdapter) LastMessage() time.Time { return time.Time{} }

func (a *prusaAdapter) Status(ctx context.Context) (*Status, error) {
	resp, err := a.client.GetPrinter(ctx)
	if err != nil {
		// Non-200 or unreachable means offline for this cycle.
		return nil, err
	}

	s := &Status{
		PrinterID:   a.printer.ID,
		PrinterName: a.printer.Name,
		State:       State(prusa.MapState(resp.State.Text)),
		ObservedAt:  time.Now(),
	}
	s.BedCurrent = floatPtr(resp.Temperature.Bed.Actual)
	s.BedTarget = floatPtr(resp.Temperature.Bed.Target)
	s.NozzleCurrent = floatPtr(resp.Temperature.Extruder.Actual)
	s.NozzleTarget = floatPtr(resp.Temperature.Extruder.Target)

	// Job progress comes from a second endpoint; a failure there still
	// yields a usable status record.
	if job, err := a.client.GetJob(ctx); err == nil {
		if job.Job.File.Name != "" {
			s.JobFilename = job.Job.File.Name
		}
		if s.State == StatePrinting || s.State == StatePaused {
			if job.Progress.Completion > 0 {
				s.PercentComplete = intPtr(int(job.Progress.Completion))
			}
			if job.Progress.PrintTimeLeft > 0 {
				s.RemainingMinutes = intPtr(job.Progress.PrintTimeLeft / 60)
				s.EstimatedEnd = timePtr(time.Now().Add(time.Duration(job.Progress.PrintTimeLeft) * time.Second))
			}
			if job.Progress.PrintTime > 0 {
				s.ElapsedMinutes = intPtr(job.Progress.PrintTime / 60)
				s.PrintStart = timePtr(time.Now().Add(-time.Duration(job.Progress.PrintTime) * time.Second))
			}
		}
	}
	return s, nil
}

func (a *prusaAdapter) Pause(ctx context.Context) error  { return a.client.Pause(ctx) }
func (a *prusaAdapter) Resume(ctx context.Context) error { return a.client.Resume(ctx) }
func (a *prusaAdapter) Stop(ctx context.Context) error   { return a.client.Stop(ctx) }

func (a *prusaAdapter) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	entries, err := a.client.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]RemoteFile, 0, len(entries))
	for _, e := range entries {
		if e.Type == "folder" {
			continue
		}
		name := e.Name
		if name == "" {
			name = path.Base(e.Path)
		}
		files = append(files, RemoteFile{Name: name, Path: e.Path, SizeBytes: e.Size})
	}
	return files, nil
}
