package printers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

const degradedAfter = 3

// Driver owns exactly one protocol client and tracks the lifecycle of one
// printer. All state transitions are published on the bus and persisted
// through the store.
type Driver struct {
	printer *storage.Printer
	client  ProtocolClient
	bus     *engine.Bus
	store   *storage.Store
	jobs    *jobTracker

	maxFailures int

	mu            sync.Mutex
	state         MonitoringState
	last          *Status
	online        bool
	sawOnline     bool
	consecutive   int
	totalFailures int
}

func NewDriver(p *storage.Printer, client ProtocolClient, store *storage.Store, bus *engine.Bus, maxFailures int) *Driver {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	return &Driver{
		printer:     p,
		client:      client,
		bus:         bus,
		store:       store,
		jobs:        &jobTracker{store: store, bus: bus},
		maxFailures: maxFailures,
		state:       MonitoringDisconnected,
	}
}

func (d *Driver) Printer() *storage.Printer { return d.printer }
func (d *Driver) Client() ProtocolClient    { return d.client }

func (d *Driver) MonitoringState() MonitoringState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastStatus returns the most recent observation, or nil before the first.
func (d *Driver) LastStatus() *Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Connect returns quickly; the connect work happens in the background and
// the outcome lands through failure/success accounting on the next cycle.
func (d *Driver) Connect(ctx context.Context) {
	d.setState(ctx, MonitoringConnecting)
	go func() {
		if err := d.client.Connect(ctx); err != nil {
			slog.Warn("printer connect failed", "error", err, "printer", d.printer.Name)
			d.recordFailure(ctx)
			return
		}
		d.setState(ctx, MonitoringConnected)
	}()
}

// Stop disconnects the client and resets the lifecycle.
func (d *Driver) Stop(ctx context.Context) {
	d.client.Disconnect()
	d.setState(ctx, MonitoringDisconnected)
}

// Cycle performs one monitoring cycle: observe, normalize, publish deltas,
// and feed the job tracker. The returned error drives scheduler backoff.
func (d *Driver) Cycle(ctx context.Context) error {
	if d.MonitoringState() == MonitoringSuspended {
		return nil
	}

	// For push clients this is a liveness probe over the cached report; for
	// pull clients it fetches from the printer.
	status, err := d.client.Status(ctx)
	if err != nil {
		d.observeOffline(ctx)
		d.recordFailure(ctx)
		return fmt.Errorf("observing %s: %w", d.printer.Name, err)
	}

	d.recordSuccess(ctx)
	d.resolveLibraryFile(ctx, status)

	d.mu.Lock()
	prev := d.last
	d.last = status
	cameOnline := !d.online || !d.sawOnline
	d.online = true
	d.sawOnline = true
	d.mu.Unlock()

	if cameOnline {
		d.bus.Publish(engine.EventPrinterOnline, d.eventPayload(nil))
	}
	if !status.Equivalent(prev) {
		d.bus.Publish(engine.EventStatusUpdated, status)
	}
	d.jobs.observe(ctx, d.printer, prev, status)
	return nil
}

// observeOffline records an offline observation, emitting printer_offline at
// most once per transition.
func (d *Driver) observeOffline(ctx context.Context) {
	offline := &Status{
		PrinterID:   d.printer.ID,
		PrinterName: d.printer.Name,
		State:       StateOffline,
		ObservedAt:  time.Now(),
	}
	d.mu.Lock()
	wasOnline := d.online
	d.online = false
	prev := d.last
	d.last = offline
	d.mu.Unlock()

	if wasOnline {
		d.bus.Publish(engine.EventPrinterOffline, d.eventPayload(nil))
		if prev == nil || prev.State != StateOffline {
			d.bus.Publish(engine.EventStatusUpdated, offline)
		}
	}
}

// resolveLibraryFile links the reported job filename to a library row.
func (d *Driver) resolveLibraryFile(ctx context.Context, status *Status) {
	if status.JobFilename == "" || d.store == nil {
		return
	}
	file, err := d.store.FindLibraryFileBySourceName(ctx, d.printer.ID, status.JobFilename)
	if err != nil {
		return
	}
	status.JobFileKey = file.Key
	status.JobHasThumbnail = len(file.Thumbnail) > 0
}

func (d *Driver) recordSuccess(ctx context.Context) {
	d.mu.Lock()
	d.consecutive = 0
	d.mu.Unlock()
	d.setState(ctx, MonitoringConnected)
}

func (d *Driver) recordFailure(ctx context.Context) {
	d.mu.Lock()
	d.consecutive++
	d.totalFailures++
	consecutive := d.consecutive
	total := d.totalFailures
	d.mu.Unlock()

	switch {
	case total >= d.maxFailures:
		d.setState(ctx, MonitoringSuspended)
	case consecutive >= degradedAfter:
		d.setState(ctx, MonitoringDegraded)
	default:
		d.setState(ctx, MonitoringFailed)
	}
}

// ConsecutiveFailures returns the current failure streak for backoff math.
func (d *Driver) ConsecutiveFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutive
}

// Resume clears failure accounting after an operator re-enables the printer.
func (d *Driver) Resume(ctx context.Context) {
	d.mu.Lock()
	d.consecutive = 0
	d.totalFailures = 0
	d.mu.Unlock()
	d.setState(ctx, MonitoringDisconnected)
}

func (d *Driver) setState(ctx context.Context, next MonitoringState) {
	d.mu.Lock()
	prev := d.state
	if prev == next {
		d.mu.Unlock()
		return
	}
	// Suspension is sticky until an operator re-enables.
	if prev == MonitoringSuspended && next != MonitoringDisconnected {
		d.mu.Unlock()
		return
	}
	d.state = next
	d.mu.Unlock()

	slog.Info("printer monitoring state changed", "printer", d.printer.Name, "from", prev, "to", next)
	if d.store != nil {
		if err := d.store.SetMonitoringState(ctx, d.printer.ID, string(next)); err != nil {
			slog.Error("failed to persist monitoring state", "error", err, "printer", d.printer.Name)
		}
	}
	d.bus.Publish(engine.EventPrinterStateChanged, d.eventPayload(map[string]any{
		"from": string(prev),
		"to":   string(next),
	}))
	if next == MonitoringFailed || next == MonitoringSuspended {
		d.bus.Publish(engine.EventPrinterError, d.eventPayload(map[string]any{"state": string(next)}))
	}
}

func (d *Driver) eventPayload(extra map[string]any) map[string]any {
	payload := map[string]any{
		"printer_id":   d.printer.ID,
		"printer_name": d.printer.Name,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// Operational commands are only accepted while connected.

func (d *Driver) PausePrint(ctx context.Context) error {
	if err := d.requireConnected(); err != nil {
		return err
	}
	if err := d.client.Pause(ctx); err != nil {
		return err
	}
	d.bus.Publish(engine.EventPrintPaused, d.eventPayload(nil))
	return nil
}

func (d *Driver) ResumePrint(ctx context.Context) error {
	if err := d.requireConnected(); err != nil {
		return err
	}
	if err := d.client.Resume(ctx); err != nil {
		return err
	}
	d.bus.Publish(engine.EventPrintResumed, d.eventPayload(nil))
	return nil
}

func (d *Driver) StopPrint(ctx context.Context) error {
	if err := d.requireConnected(); err != nil {
		return err
	}
	if err := d.client.Stop(ctx); err != nil {
		return err
	}
	d.bus.Publish(engine.EventPrintStopped, d.eventPayload(nil))
	return nil
}

func (d *Driver) requireConnected() error {
	if s := d.MonitoringState(); s != MonitoringConnected {
		return fmt.Errorf("printer %s is %s, not connected", d.printer.Name, s)
	}
	return nil
}
