package webcam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	snapshotTimeout  = 15 * time.Second
	snapshotCacheTTL = 5 * time.Second
	maxSnapshotBytes = 16 << 20
)

var (
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// snapshotter grabs single frames from webcam URLs. HTTP sources are fetched
// directly; rtsp:// sources go through ffmpeg. Frames are cached briefly so
// a dashboard full of refreshing cards doesn't hammer the camera.
type snapshotter struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedFrame
}

type cachedFrame struct {
	data        []byte
	contentType string
	at          time.Time
}

func newSnapshotter() *snapshotter {
	return &snapshotter{
		client: &http.Client{Timeout: snapshotTimeout},
		cache:  map[string]cachedFrame{},
	}
}

// Snapshot returns one frame from the camera plus its content type.
func (s *snapshotter) Snapshot(ctx context.Context, camURL string) ([]byte, string, error) {
	s.mu.Lock()
	if frame, ok := s.cache[camURL]; ok && time.Since(frame.at) < snapshotCacheTTL {
		s.mu.Unlock()
		return frame.data, frame.contentType, nil
	}
	s.mu.Unlock()

	var data []byte
	var contentType string
	var err error
	switch {
	case strings.HasPrefix(camURL, "rtsp://") || strings.HasPrefix(camURL, "rtsps://"):
		data, contentType, err = s.rtspFrame(ctx, camURL)
	case strings.HasPrefix(camURL, "http://") || strings.HasPrefix(camURL, "https://"):
		data, contentType, err = s.httpFrame(ctx, camURL)
	default:
		return nil, "", fmt.Errorf("unsupported webcam url scheme")
	}
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.cache[camURL] = cachedFrame{data: data, contentType: contentType, at: time.Now()}
	s.mu.Unlock()
	return data, contentType, nil
}

func (s *snapshotter) httpFrame(ctx context.Context, camURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, camURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching %s: %w", maskCredentials(camURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("camera %s returned status %d", maskCredentials(camURL), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, "", err
	}
	contentType := sniffImageType(data, resp.Header.Get("Content-Type"))
	if contentType == "" {
		return nil, "", fmt.Errorf("camera %s did not return an image", maskCredentials(camURL))
	}
	return data, contentType, nil
}

// rtspFrame asks ffmpeg for a single frame. The temp file is always removed.
func (s *snapshotter) rtspFrame(ctx context.Context, camURL string) ([]byte, string, error) {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("printernizer-snap-%d.jpg", time.Now().UnixNano()))
	defer os.Remove(tmp)

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-rtsp_transport", "tcp",
		"-i", camURL,
		"-frames:v", "1",
		"-q:v", "2",
		"-y", tmp)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, "", fmt.Errorf("ffmpeg snapshot of %s failed: %w: %s",
			maskCredentials(camURL), err, truncate(string(out), 200))
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("ffmpeg produced an empty frame")
	}
	return data, "image/jpeg", nil
}

// sniffImageType validates the payload really is an image: magic bytes win,
// the header is a fallback.
func sniffImageType(data []byte, headerType string) string {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	}
	if strings.HasPrefix(headerType, "image/") {
		return headerType
	}
	return ""
}

// maskCredentials hides userinfo in URLs destined for logs and errors.
func maskCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.UserPassword("***", "***")
	// Undo the escaping of the mask itself.
	return strings.Replace(u.String(), "%2A%2A%2A:%2A%2A%2A", "***:***", 1)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
