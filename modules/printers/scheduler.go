package printers

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

// NextInterval computes the delay before the next monitoring cycle. Healthy
// printers poll at base; each consecutive failure doubles the delay up to max.
// The result is jittered by ±10% and never exceeds max.
func NextInterval(base, max time.Duration, failures int) time.Duration {
	d := base
	if failures > 0 {
		scaled := float64(base) * math.Pow(2, float64(failures))
		if scaled > float64(max) || scaled < 0 {
			d = max
		} else {
			d = time.Duration(scaled)
		}
	}
	d = engine.Jitter(d)
	if d > max {
		d = max
	}
	return d
}

// monitor runs the cycle loop for one driver until the context ends.
func (m *Module) monitor(ctx context.Context, d *Driver) error {
	d.Connect(ctx)

	for {
		err := d.Cycle(ctx)
		if err != nil {
			slog.Debug("monitoring cycle failed", "error", err, "printer", d.Printer().Name)
		}

		delay := NextInterval(m.pollInterval, m.maxPollInterval, d.ConsecutiveFailures())
		if d.MonitoringState() == MonitoringSuspended {
			// Wake rarely to notice operator re-enablement.
			delay = m.maxPollInterval
		}
		if err := engine.SleepContext(ctx, delay); err != nil {
			return ctx.Err()
		}

		if d.MonitoringState() == MonitoringSuspended {
			p, err := m.store.GetPrinter(ctx, d.Printer().ID)
			if err == nil && p.Enabled && p.MonitoringState != string(MonitoringSuspended) {
				slog.Info("printer re-enabled, resuming monitoring", "printer", p.Name)
				d.Resume(ctx)
				d.Connect(ctx)
			}
		}
	}
}

// refreshInventory lists files on one printer and records newly seen ones.
func (m *Module) refreshInventory(ctx context.Context, d *Driver) {
	if d.MonitoringState() != MonitoringConnected {
		return
	}
	files, err := d.Client().ListFiles(ctx)
	if err != nil {
		slog.Debug("file inventory refresh failed", "error", err, "printer", d.Printer().Name)
		return
	}
	for _, rf := range files {
		pf := &storage.PrintedFile{
			PrinterID:  d.Printer().ID,
			Filename:   rf.Name,
			RemotePath: rf.Path,
			SizeBytes:  rf.SizeBytes,
			FileType:   strings.TrimPrefix(strings.ToLower(filepath.Ext(rf.Name)), "."),
		}
		isNew, err := m.store.UpsertPrintedFile(ctx, pf)
		if err != nil {
			slog.Error("failed to record printer file", "error", err, "printer", d.Printer().Name, "filename", rf.Name)
			continue
		}
		if isNew {
			m.bus.Publish(engine.EventFileDiscovered, map[string]any{
				"printer_id":   d.Printer().ID,
				"printer_name": d.Printer().Name,
				"filename":     rf.Name,
				"remote_path":  rf.Path,
				"size_bytes":   rf.SizeBytes,
			})
		}
	}
}

// discoveryLoop refreshes file inventories across the fleet. The first pass
// waits for connections to settle.
func (m *Module) discoveryLoop(ctx context.Context) error {
	if err := engine.SleepContext(ctx, m.discoveryDelay); err != nil {
		return ctx.Err()
	}
	ticker := time.NewTicker(m.discoveryInterval)
	defer ticker.Stop()
	for {
		for _, d := range m.Drivers() {
			m.refreshInventory(ctx, d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		ticker.Reset(engine.Jitter(m.discoveryInterval))
	}
}
