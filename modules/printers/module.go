package printers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

var monitoredPrinters = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "printernizer_printers_monitored",
	Help: "Printers under active monitoring by lifecycle state.",
}, []string{"state"})

type Options struct {
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	DiscoveryDelay    time.Duration
	DiscoveryInterval time.Duration
	StaleAfter        time.Duration
	MaxFailures       int

	MqttConnectTimeout time.Duration
	MqttReconnectDelay time.Duration
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = 5 * time.Minute
	}
	if o.DiscoveryDelay <= 0 {
		o.DiscoveryDelay = time.Minute
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 5 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 10
	}
}

// Module owns one driver per enabled printer and exposes the fleet over HTTP.
type Module struct {
	store *storage.Store
	bus   *engine.Bus

	pollInterval      time.Duration
	maxPollInterval   time.Duration
	discoveryDelay    time.Duration
	discoveryInterval time.Duration
	maxFailures       int
	clientOpts        ClientOptions

	mu      sync.Mutex
	drivers map[string]*Driver
	cancels map[string]context.CancelFunc
	procCtx context.Context
	wg      sync.WaitGroup
}

func New(store *storage.Store, bus *engine.Bus, opts Options) *Module {
	opts.defaults()
	return &Module{
		store:             store,
		bus:               bus,
		pollInterval:      opts.PollInterval,
		maxPollInterval:   opts.MaxPollInterval,
		discoveryDelay:    opts.DiscoveryDelay,
		discoveryInterval: opts.DiscoveryInterval,
		maxFailures:       opts.MaxFailures,
		clientOpts: ClientOptions{
			StaleAfter:         opts.StaleAfter,
			MqttConnectTimeout: opts.MqttConnectTimeout,
			MqttReconnectDelay: opts.MqttReconnectDelay,
		},
		drivers:           map[string]*Driver{},
		cancels:           map[string]context.CancelFunc{},
	}
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(m.run)
	mgr.Add(m.discoveryLoop)
	mgr.Add(engine.Poll(time.Hour, func(ctx context.Context) bool {
		n, err := m.store.FailStuckJobs(ctx, 2*time.Hour)
		if err != nil {
			slog.Error("failed to close out stuck print jobs", "error", err)
		} else if n > 0 {
			slog.Info("closed out stuck print jobs", "count", n)
		}
		return false
	}))
	mgr.Add(engine.Poll(time.Minute, func(ctx context.Context) bool {
		m.updateGauges()
		return false
	}))
}

// run starts monitoring for every enabled printer and blocks until shutdown.
func (m *Module) run(ctx context.Context) error {
	m.mu.Lock()
	m.procCtx = ctx
	m.mu.Unlock()

	printers, err := m.store.ListPrinters(ctx)
	if err != nil {
		return err
	}
	for _, p := range printers {
		if !p.Enabled {
			continue
		}
		if err := m.startDriver(ctx, p); err != nil {
			slog.Error("failed to start printer driver", "error", err, "printer", p.Name)
		}
	}

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

func (m *Module) startDriver(ctx context.Context, p *storage.Printer) error {
	client, err := NewProtocolClient(p, m.clientOpts)
	if err != nil {
		return err
	}
	if a, ok := client.(*octoPrintAdapter); ok {
		a.forwardEvents(m.bus)
	}
	d := NewDriver(p, client, m.store, m.bus, m.maxFailures)

	driverCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.drivers[p.ID] = d
	m.cancels[p.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor(driverCtx, d)
	}()
	slog.Info("started printer monitoring", "printer", p.Name, "kind", p.Kind)
	return nil
}

func (m *Module) stopDriver(ctx context.Context, id string) {
	m.mu.Lock()
	d := m.drivers[id]
	cancel := m.cancels[id]
	delete(m.drivers, id)
	delete(m.cancels, id)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d != nil {
		d.Stop(ctx)
	}
}

// Drivers returns a snapshot of the active drivers.
func (m *Module) Drivers() []*Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	return out
}

// Driver returns the active driver for a printer ID, or nil.
func (m *Module) Driver(id string) *Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drivers[id]
}

func (m *Module) updateGauges() {
	counts := map[MonitoringState]int{}
	for _, d := range m.Drivers() {
		counts[d.MonitoringState()]++
	}
	for _, s := range []MonitoringState{MonitoringDisconnected, MonitoringConnecting, MonitoringConnected, MonitoringDegraded, MonitoringFailed, MonitoringSuspended} {
		monitoredPrinters.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/printers", m.handleList)
	router.HandleFunc("POST /api/printers", m.handleCreate)
	router.HandleFunc("GET /api/printers/{id}", m.handleGet)
	router.HandleFunc("DELETE /api/printers/{id}", m.handleDelete)
	router.HandleFunc("GET /api/printers/{id}/status", m.handleStatus)
	router.HandleFunc("GET /api/printers/{id}/files", m.handleFiles)
	router.HandleFunc("POST /api/printers/{id}/enabled", m.handleSetEnabled)
	router.HandleFunc("POST /api/printers/{id}/pause", m.command((*Driver).PausePrint))
	router.HandleFunc("POST /api/printers/{id}/resume", m.command((*Driver).ResumePrint))
	router.HandleFunc("POST /api/printers/{id}/stop", m.command((*Driver).StopPrint))
	router.HandleFunc("GET /api/jobs", m.handleJobs)
	router.HandleFunc("GET /api/printers/{id}/jobs", m.handleJobs)
}

func (m *Module) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := m.store.ListJobs(r.Context(), r.PathValue("id"), 200)
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

type printerView struct {
	*storage.Printer
	LiveState MonitoringState `json:"live_state,omitempty"`
	Status    *Status         `json:"status,omitempty"`
}

func (m *Module) view(p *storage.Printer) *printerView {
	v := &printerView{Printer: p}
	if d := m.Driver(p.ID); d != nil {
		v.LiveState = d.MonitoringState()
		v.Status = d.LastStatus()
	}
	return v
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	printers, err := m.store.ListPrinters(r.Context())
	if engine.HandleError(w, err) {
		return
	}
	views := make([]*printerView, len(printers))
	for i, p := range printers {
		views[i] = m.view(p)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (m *Module) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Kind         string `json:"kind"`
		Host         string `json:"host"`
		AccessCode   string `json:"access_code"`
		SerialNumber string `json:"serial_number"`
		URL          string `json:"url"`
		APIKey       string `json:"api_key"`
		WebcamURL    string `json:"webcam_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", 400)
		return
	}
	if req.Name == "" || req.Kind == "" {
		http.Error(w, "name and kind are required", 400)
		return
	}
	p := &storage.Printer{
		Name:         req.Name,
		Kind:         req.Kind,
		Host:         req.Host,
		AccessCode:   req.AccessCode,
		SerialNumber: req.SerialNumber,
		URL:          req.URL,
		APIKey:       req.APIKey,
		WebcamURL:    req.WebcamURL,
		Enabled:      true,
	}
	if _, err := NewProtocolClient(p, m.clientOpts); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := m.store.CreatePrinter(r.Context(), p); err != nil {
		if err == storage.ErrDuplicateKey {
			http.Error(w, "a printer with that identity already exists", 409)
			return
		}
		engine.HandleError(w, err)
		return
	}

	m.mu.Lock()
	ctx := m.procCtx
	m.mu.Unlock()
	if ctx != nil {
		if err := m.startDriver(ctx, p); err != nil {
			slog.Error("failed to start driver for new printer", "error", err, "printer", p.Name)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(m.view(p))
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := m.store.GetPrinter(r.Context(), r.PathValue("id"))
	if err == storage.ErrNotFound {
		http.Error(w, "printer not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.view(p))
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m.stopDriver(r.Context(), id)
	err := m.store.DeletePrinter(r.Context(), id)
	if err == storage.ErrNotFound {
		http.Error(w, "printer not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}
	m.bus.Publish(engine.EventPrinterRemoved, map[string]any{"printer_id": id})
	w.WriteHeader(204)
}

func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := m.Driver(r.PathValue("id"))
	if d == nil {
		http.Error(w, "printer is not monitored", 404)
		return
	}
	status := d.LastStatus()
	if status == nil {
		http.Error(w, "no observation yet", 404)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (m *Module) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := m.store.ListPrintedFiles(r.Context(), r.PathValue("id"))
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

func (m *Module) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", 400)
		return
	}
	id := r.PathValue("id")
	if err := m.store.SetPrinterEnabled(r.Context(), id, req.Enabled); engine.HandleError(w, err) {
		return
	}

	if !req.Enabled {
		m.stopDriver(r.Context(), id)
		w.WriteHeader(204)
		return
	}
	if d := m.Driver(id); d != nil {
		d.Resume(r.Context())
		w.WriteHeader(204)
		return
	}
	p, err := m.store.GetPrinter(r.Context(), id)
	if err == storage.ErrNotFound {
		http.Error(w, "printer not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}
	m.mu.Lock()
	ctx := m.procCtx
	m.mu.Unlock()
	if ctx != nil {
		if err := m.startDriver(ctx, p); engine.HandleError(w, err) {
			return
		}
	}
	w.WriteHeader(204)
}

func (m *Module) command(fn func(*Driver, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := m.Driver(r.PathValue("id"))
		if d == nil {
			http.Error(w, "printer is not monitored", 404)
			return
		}
		if err := fn(d, r.Context()); err != nil {
			http.Error(w, err.Error(), 409)
			return
		}
		w.WriteHeader(202)
	}
}
