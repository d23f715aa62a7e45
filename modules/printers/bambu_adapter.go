package printers

import (
	"context"
	"fmt"
	"time"

	"github.com/printernizer/printernizer/modules/printers/bambu"
	"github.com/printernizer/printernizer/modules/storage"
)

type bambuAdapter struct {
	printer    *storage.Printer
	client     *bambu.Client
	ftp        *bambu.FTP
	staleAfter time.Duration
}

func newBambuAdapter(p *storage.Printer, opts ClientOptions) *bambuAdapter {
	return &bambuAdapter{
		printer: p,
		client: bambu.NewClient(bambu.Config{
			Host:           p.Host,
			AccessCode:     p.AccessCode,
			SerialNumber:   p.SerialNumber,
			ConnectTimeout: opts.MqttConnectTimeout,
			ReconnectDelay: opts.MqttReconnectDelay,
		}),
		ftp:        bambu.NewFTP(p.Host, p.AccessCode),
		staleAfter: opts.StaleAfter,
	}
}

func (a *bambuAdapter) Connect(ctx context.Context) error { return a.client.Connect() }
func (a *bambuAdapter) Disconnect()                       { a.client.Disconnect() }
func (a *bambuAdapter) Push() bool                        { return true }

func (a *bambuAdapter) LastMessage() time.Time {
	_, seen, _ := a.client.LastReport()
	return seen
}

func (a *bambuAdapter) Status(ctx context.Context) (*Status, error) {
	if !a.client.Connected() {
		return nil, fmt.Errorf("not connected")
	}
	report, seen, ok := a.client.LastReport()
	if !ok {
		return nil, fmt.Errorf("no report received yet")
	}
	if a.staleAfter > 0 && time.Since(seen) > a.staleAfter {
		return nil, fmt.Errorf("last report is stale (%s old)", time.Since(seen).Round(time.Second))
	}
	s := extractBambuStatus(report)
	s.PrinterID = a.printer.ID
	s.PrinterName = a.printer.Name
	s.ObservedAt = seen
	return s, nil
}

// extractBambuStatus maps a raw report onto the normalized status. Every
// field falls back to its neutral default when the report omits it - a
// status cycle always yields a complete record.
func extractBambuStatus(r bambu.Report) *Status {
	s := &Status{}

	switch r.Print.GcodeState {
	case "RUNNING":
		s.State = StatePrinting
	case "PAUSE":
		s.State = StatePaused
	case "IDLE":
		s.State = StateIdle
	default:
		s.State = StateUnknown
	}

	s.BedCurrent = floatPtr(r.Print.BedTemper)
	s.BedTarget = floatPtr(r.Print.BedTargetTemper)
	s.NozzleCurrent = floatPtr(r.Print.NozzleTemper)
	s.NozzleTarget = floatPtr(r.Print.NozzleTargetTemper)

	if r.Print.McPercent >= 0 && r.Print.McPercent <= 100 {
		s.PercentComplete = intPtr(r.Print.McPercent)
	}
	if r.Print.LayerNum > 0 {
		s.CurrentLayer = intPtr(r.Print.LayerNum)
	}
	if r.Print.TotalLayerNum > 0 {
		s.TotalLayers = intPtr(r.Print.TotalLayerNum)
	}
	if r.Print.McRemainingTime > 0 {
		s.RemainingMinutes = intPtr(r.Print.McRemainingTime)
		s.EstimatedEnd = timePtr(time.Now().Add(time.Duration(r.Print.McRemainingTime) * time.Minute))
	}

	s.JobFilename = r.Print.SubtaskName
	if s.JobFilename == "" {
		s.JobFilename = r.Print.GcodeFile
	}

	if code := r.Print.McPrintErrorCode; code != "" && code != "0" {
		s.ErrorCode = code
	}
	return s
}

func (a *bambuAdapter) Pause(ctx context.Context) error  { return a.client.PausePrint() }
func (a *bambuAdapter) Resume(ctx context.Context) error { return a.client.ResumePrint() }
func (a *bambuAdapter) Stop(ctx context.Context) error   { return a.client.StopPrint() }

// ListFiles walks the printer's storage over FTP. Listings are cached by the
// FTP client, so frequent refreshes are cheap.
func (a *bambuAdapter) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	entries, err := a.ftp.ListAll()
	if err != nil {
		return nil, err
	}
	files := make([]RemoteFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, RemoteFile{
			Name:      e.Name,
			Path:      e.Path,
			SizeBytes: e.SizeBytes,
			Modified:  e.Modified,
		})
	}
	return files, nil
}
