package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "printernizer_notifications_total",
	Help: "Notification deliveries by channel and outcome.",
}, []string{"channel", "outcome"})

// defaultEventTypes is the notification-worthy subset of bus traffic.
var defaultEventTypes = []string{
	engine.EventPrintStarted,
	engine.EventJobCompleted,
	engine.EventJobFailed,
	engine.EventPrinterOffline,
	engine.EventPrinterError,
}

// Module fans notification-worthy events out to the configured webhook
// channels. Each delivery is attempted once and recorded in history.
type Module struct {
	store      *storage.Store
	bus        *engine.Bus
	channels   []channel
	eventTypes []string
}

type Options struct {
	DiscordWebhookURL string
	SlackWebhookURL   string
	NtfyURL           string
	EventTypes        []string
}

func New(store *storage.Store, bus *engine.Bus, opts Options) *Module {
	client := &http.Client{Timeout: deliveryTimeout}
	m := &Module{store: store, bus: bus, eventTypes: opts.EventTypes}
	if len(m.eventTypes) == 0 {
		m.eventTypes = defaultEventTypes
	}
	if opts.DiscordWebhookURL != "" {
		m.channels = append(m.channels, &discordChannel{url: opts.DiscordWebhookURL, client: client})
	}
	if opts.SlackWebhookURL != "" {
		m.channels = append(m.channels, &slackChannel{url: opts.SlackWebhookURL, client: client})
	}
	if opts.NtfyURL != "" {
		m.channels = append(m.channels, &ntfyChannel{url: opts.NtfyURL, client: client})
	}
	return m
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Poll(24*time.Hour, engine.Cleanup(m.store.DB(), "notification history",
		"DELETE FROM notification_history WHERE created < strftime('%s', 'now', '-90 days')")))
	if len(m.channels) == 0 {
		return
	}
	mgr.Add(m.run)
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/notifications", m.handleHistory)
}

func (m *Module) run(ctx context.Context) error {
	sub := m.bus.SubscribeTypes(m.eventTypes...)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			m.deliver(ctx, event)
		}
	}
}

func (m *Module) deliver(ctx context.Context, event engine.Event) {
	msg := formatEvent(event)
	for _, ch := range m.channels {
		sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err := ch.Send(sendCtx, msg)
		cancel()

		details := msg.Title
		outcome := "success"
		if err != nil {
			details = err.Error()
			outcome = "failure"
			slog.Warn("notification delivery failed", "channel", ch.Name(), "event", event.Type, "error", err)
		}
		notificationsSent.WithLabelValues(ch.Name(), outcome).Inc()

		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if herr := m.store.RecordNotification(recordCtx, ch.Name(), event.Type, err == nil, details); herr != nil {
			slog.Error("failed to record notification history", "error", herr)
		}
		cancel()
	}
}

func (m *Module) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := m.store.ListNotifications(r.Context(), 200)
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
