package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/printernizer/printernizer/modules/storage"
)

// Module announces every printer to Home Assistant over MQTT discovery and
// streams state updates to the per-printer topics.
type Module struct {
	store  *storage.Store
	bus    *engine.Bus
	pub    *publisher
	prefix string

	announced map[string]bool
}

type Options struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
	Prefix    string
}

func New(store *storage.Store, bus *engine.Bus, opts Options) *Module {
	if opts.Prefix == "" {
		opts.Prefix = "homeassistant"
	}
	if opts.ClientID == "" {
		opts.ClientID = "printernizer-discovery"
	}
	return &Module{
		store:     store,
		bus:       bus,
		pub:       newPublisher(opts.BrokerURL, opts.Username, opts.Password, opts.ClientID),
		prefix:    opts.Prefix,
		announced: map[string]bool{},
	}
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(m.run)
}

func (m *Module) run(ctx context.Context) error {
	if err := m.pub.connect(); err != nil {
		// The client keeps retrying in the background; queued publishes go
		// out once the broker shows up.
		slog.Warn("home assistant broker not reachable yet", "error", err)
	}
	defer m.pub.disconnect()

	if err := m.announceAll(ctx); err != nil {
		slog.Error("failed to announce printers to home assistant", "error", err)
	}

	sub := m.bus.SubscribeTypes(
		engine.EventStatusUpdated,
		engine.EventPrinterOnline,
		engine.EventPrinterOffline,
		engine.EventPrinterRemoved,
	)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			m.handle(ctx, event)
		}
	}
}

// announceAll publishes retained discovery configs for the whole fleet.
func (m *Module) announceAll(ctx context.Context) error {
	list, err := m.store.ListPrinters(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		if !p.Enabled {
			continue
		}
		m.announce(p)
		m.announced[p.ID] = true
	}
	return nil
}

func (m *Module) announce(p *storage.Printer) {
	for _, e := range entities {
		cfg := buildConfig(m.prefix, e, p.ID, p.Name, p.Kind)
		if err := m.pub.publishJSON(configTopic(m.prefix, e, p.ID), true, cfg); err != nil {
			slog.Error("failed to publish discovery config", "error", err, "printer", p.Name, "field", e.field)
		}
	}
	slog.Info("announced printer to home assistant", "printer", p.Name)
}

// retract clears the retained config topics so the entities disappear.
func (m *Module) retract(printerID string) {
	for _, e := range entities {
		if err := m.pub.publish(configTopic(m.prefix, e, printerID), true, nil); err != nil {
			slog.Error("failed to retract discovery config", "error", err, "printer_id", printerID, "field", e.field)
		}
	}
	m.publishState(availabilityTopic(printerID), payloadOffline)
	m.publishState(stateTopic(printerID, "online"), "OFF")
}

func (m *Module) handle(ctx context.Context, event engine.Event) {
	switch event.Type {
	case engine.EventStatusUpdated:
		status, ok := event.Payload.(*printers.Status)
		if !ok {
			return
		}
		m.publishStatus(status)
	case engine.EventPrinterOnline:
		if id := payloadPrinterID(event.Payload); id != "" {
			// Printers added at runtime get announced on first contact.
			if !m.announced[id] {
				if p, err := m.store.GetPrinter(ctx, id); err == nil {
					m.announce(p)
					m.announced[id] = true
				}
			}
			m.publishState(availabilityTopic(id), payloadOnline)
			m.publishState(stateTopic(id, "online"), "ON")
		}
	case engine.EventPrinterOffline:
		if id := payloadPrinterID(event.Payload); id != "" {
			m.publishState(availabilityTopic(id), payloadOffline)
			m.publishState(stateTopic(id, "online"), "OFF")
		}
	case engine.EventPrinterRemoved:
		if id := payloadPrinterID(event.Payload); id != "" {
			m.retract(id)
			delete(m.announced, id)
		}
	}
}

func (m *Module) publishStatus(s *printers.Status) {
	id := s.PrinterID
	m.publishState(stateTopic(id, "state"), string(s.State))

	printing := "OFF"
	if s.State == printers.StatePrinting {
		printing = "ON"
	}
	m.publishState(stateTopic(id, "printing"), printing)

	if s.PercentComplete != nil {
		m.publishState(stateTopic(id, "progress"), strconv.Itoa(*s.PercentComplete))
	}
	if s.BedCurrent != nil {
		m.publishState(stateTopic(id, "bed_temp"), formatFloat(*s.BedCurrent))
	}
	if s.NozzleCurrent != nil {
		m.publishState(stateTopic(id, "nozzle_temp"), formatFloat(*s.NozzleCurrent))
	}
	if s.RemainingMinutes != nil {
		m.publishState(stateTopic(id, "remaining"), strconv.Itoa(*s.RemainingMinutes))
	}
	if s.JobFilename != "" {
		m.publishState(stateTopic(id, "current_file"), s.JobFilename)
	}
}

func (m *Module) publishState(topic, value string) {
	if err := m.pub.publish(topic, false, []byte(value)); err != nil {
		slog.Debug("failed to publish state", "error", err, "topic", topic)
	}
}

func payloadPrinterID(payload any) string {
	if m, ok := payload.(map[string]any); ok {
		if id, ok := m["printer_id"].(string); ok {
			return id
		}
	}
	// Events replayed from the stream layer arrive re-marshaled.
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var v struct {
		PrinterID string `json:"printer_id"`
	}
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v.PrinterID
}
