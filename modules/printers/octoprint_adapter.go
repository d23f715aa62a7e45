package printers

import (
	"context"
	"fmt"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers/octoprint"
	"github.com/printernizer/printernizer/modules/storage"
)

type octoPrintAdapter struct {
	printer    *storage.Printer
	client     *octoprint.Client
	staleAfter time.Duration
	bus        *engine.Bus

	cancel context.CancelFunc
}

func newOctoPrintAdapter(p *storage.Printer, staleAfter time.Duration) *octoPrintAdapter {
	return &octoPrintAdapter{
		printer:    p,
		client:     octoprint.NewClient(p.URL, p.APIKey),
		staleAfter: staleAfter,
	}
}

// forwardEvents wires OctoPrint push events onto the bus.
func (a *octoPrintAdapter) forwardEvents(bus *engine.Bus) {
	a.bus = bus
	a.client.OnEvent(func(e octoprint.PushEvent) {
		bus.Publish("octoprint_"+e.Type, map[string]any{
			"printer_id": a.printer.ID,
			"payload":    e.Payload,
		})
	})
}

// Connect starts the SockJS receive loop in the background. The loop
// reconnects on its own; Disconnect tears it down.
func (a *octoPrintAdapter) Connect(ctx context.Context) error {
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.client.Run(runCtx)

	// Give the handshake a moment so the first status cycle has data.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.client.Connected() {
			return nil
		}
		if err := engine.SleepContext(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
	// Not fatal: the receive loop keeps retrying and the liveness probe
	// accounts for the silence.
	return nil
}

func (a *octoPrintAdapter) Disconnect() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *octoPrintAdapter) Push() bool { return true }

func (a *octoPrintAdapter) LastMessage() time.Time {
	_, seen, _ := a.client.LastCurrent()
	return seen
}

func (a *octoPrintAdapter) Status(ctx context.Context) (*Status, error) {
	cur, seen, ok := a.client.LastCurrent()
	if !ok {
		return nil, fmt.Errorf("no state push received yet")
	}
	if a.staleAfter > 0 && time.Since(seen) > a.staleAfter {
		return nil, fmt.Errorf("last state push is stale (%s old)", time.Since(seen).Round(time.Second))
	}
	s := extractOctoPrintStatus(cur)
	s.PrinterID = a.printer.ID
	s.PrinterName = a.printer.Name
	s.ObservedAt = seen
	return s, nil
}

func extractOctoPrintStatus(cur octoprint.Current) *Status {
	s := &Status{}

	switch {
	case cur.State.Flags.Printing:
		s.State = StatePrinting
	case cur.State.Flags.Paused:
		s.State = StatePaused
	case cur.State.Flags.Error:
		s.State = StateError
	case cur.State.Flags.Operational:
		s.State = StateIdle
	default:
		s.State = StateUnknown
	}

	if len(cur.Temps) > 0 {
		latest := cur.Temps[len(cur.Temps)-1]
		s.BedCurrent = latest.Bed.Actual
		s.BedTarget = latest.Bed.Target
		s.NozzleCurrent = latest.Tool.Actual
		s.NozzleTarget = latest.Tool.Target
	}

	s.JobFilename = cur.Job.File.Name
	if cur.Progress.Completion > 0 {
		s.PercentComplete = intPtr(int(cur.Progress.Completion))
	}
	if cur.Progress.PrintTimeLeft > 0 {
		s.RemainingMinutes = intPtr(cur.Progress.PrintTimeLeft / 60)
		s.EstimatedEnd = timePtr(time.Now().Add(time.Duration(cur.Progress.PrintTimeLeft) * time.Second))
	}
	if cur.Progress.PrintTime > 0 {
		s.ElapsedMinutes = intPtr(cur.Progress.PrintTime / 60)
		s.PrintStart = timePtr(time.Now().Add(-time.Duration(cur.Progress.PrintTime) * time.Second))
	}
	return s
}

func (a *octoPrintAdapter) Pause(ctx context.Context) error  { return a.client.Pause(ctx) }
func (a *octoPrintAdapter) Resume(ctx context.Context) error { return a.client.Resume(ctx) }
func (a *octoPrintAdapter) Stop(ctx context.Context) error   { return a.client.Stop(ctx) }

func (a *octoPrintAdapter) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	entries, err := a.client.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]RemoteFile, 0, len(entries))
	for _, e := range entries {
		if e.Type == "folder" {
			continue
		}
		files = append(files, RemoteFile{Name: e.Name, Path: e.Path, SizeBytes: e.Size})
	}
	return files, nil
}
