package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/printernizer/printernizer/engine"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var streamClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "printernizer_stream_clients",
	Help: "Connected event stream clients by transport.",
}, []string{"transport"})

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers on other origins may subscribe; the stream is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Module streams bus events to browsers over WebSocket, with an SSE fallback
// for clients that can't upgrade. Each client gets its own bus subscription,
// so a slow tab only drops its own events.
type Module struct {
	bus *engine.Bus
}

func New(bus *engine.Bus) *Module {
	return &Module{bus: bus}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	// Raw handlers: these responses are long-lived.
	router.Handle("GET /api/events/ws", http.HandlerFunc(m.handleWebSocket))
	router.Handle("GET /api/events/sse", http.HandlerFunc(m.handleSSE))
}

// subscribe honors an optional ?types=a,b,c filter.
func (m *Module) subscribe(r *http.Request) *engine.Subscription {
	if raw := r.URL.Query().Get("types"); raw != "" {
		var types []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		if len(types) > 0 {
			return m.bus.SubscribeTypes(types...)
		}
	}
	return m.bus.Subscribe(nil)
}

func (m *Module) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := m.subscribe(r)
	defer sub.Cancel()

	streamClients.WithLabelValues("websocket").Inc()
	defer streamClients.WithLabelValues("websocket").Dec()

	// Drain reads so pongs and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Module) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}

	sub := m.subscribe(r)
	defer sub.Cancel()

	streamClients.WithLabelValues("sse").Inc()
	defer streamClients.WithLabelValues("sse").Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
