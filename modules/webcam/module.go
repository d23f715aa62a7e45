package webcam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

const maxStreamViewers = 5

// Module proxies printer webcams: single-frame snapshots and a shared MJPEG
// stream per camera. One upstream connection feeds all viewers.
type Module struct {
	store *storage.Store
	snaps *snapshotter

	mu      sync.Mutex
	streams map[string]*engine.StreamMux
}

func New(store *storage.Store) *Module {
	return &Module{
		store:   store,
		snaps:   newSnapshotter(),
		streams: map[string]*engine.StreamMux{},
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/printers/{id}/webcam/snapshot", m.handleSnapshot)
	// No logging wrapper: the stream response lives for minutes.
	router.Handle("GET /api/printers/{id}/webcam/stream", http.HandlerFunc(m.handleStream))
}

func (m *Module) camURL(r *http.Request, w http.ResponseWriter) string {
	p, err := m.store.GetPrinter(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "printer not found", 404)
		return ""
	}
	if engine.HandleError(w, err) {
		return ""
	}
	if p.WebcamURL == "" {
		http.Error(w, "printer has no webcam configured", 404)
		return ""
	}
	return p.WebcamURL
}

func (m *Module) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	camURL := m.camURL(r, w)
	if camURL == "" {
		return
	}
	data, contentType, err := m.snaps.Snapshot(r.Context(), camURL)
	if err != nil {
		slog.Warn("webcam snapshot failed", "error", err)
		http.Error(w, "snapshot failed", 502)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// mux returns the shared stream for a camera URL, creating it on first use.
func (m *Module) mux(camURL string) *engine.StreamMux {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[camURL]; ok {
		return s
	}
	s := engine.NewStreamMux(func(ctx context.Context) (io.ReadCloser, error) {
		return openStream(ctx, camURL)
	})
	s.MaxClients = maxStreamViewers
	m.streams[camURL] = s
	return s
}

func (m *Module) handleStream(w http.ResponseWriter, r *http.Request) {
	camURL := m.camURL(r, w)
	if camURL == "" {
		return
	}

	ch, err := m.mux(camURL).Subscribe()
	if errors.Is(err, engine.ErrTooManyViewers) {
		http.Error(w, "too many viewers", 503)
		return
	}
	if engine.HandleError(w, err) {
		return
	}
	defer m.mux(camURL).Unsubscribe(ch)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-store")

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// openStream connects to the upstream camera. RTSP cameras are transcoded to
// MJPEG by ffmpeg; HTTP cameras are assumed to already serve MJPEG.
func openStream(ctx context.Context, camURL string) (io.ReadCloser, error) {
	if strings.HasPrefix(camURL, "rtsp://") || strings.HasPrefix(camURL, "rtsps://") {
		cmd := exec.CommandContext(ctx, "ffmpeg",
			"-rtsp_transport", "tcp",
			"-i", camURL,
			"-c:v", "mjpeg",
			"-q:v", "5",
			"-f", "mpjpeg",
			"-")
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting ffmpeg for %s: %w", maskCredentials(camURL), err)
		}
		go cmd.Wait()
		return stdout, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, camURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to camera %s: %w", maskCredentials(camURL), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("camera %s returned status %d", maskCredentials(camURL), resp.StatusCode)
	}
	return resp.Body, nil
}
