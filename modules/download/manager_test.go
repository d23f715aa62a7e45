package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/printernizer/printernizer/modules/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

type fakeStrategy struct {
	name      string
	available bool
	failures  int
	fatal     bool
	calls     int
	payload   string
}

func (s *fakeStrategy) Name() string                      { return s.name }
func (s *fakeStrategy) Available(p *storage.Printer) bool { return s.available }

func (s *fakeStrategy) Download(ctx context.Context, p *storage.Printer, filename, destPath string) (int64, error) {
	s.calls++
	if s.calls <= s.failures {
		err := fmt.Errorf("%s attempt %d failed", s.name, s.calls)
		if s.fatal {
			return 0, Fatal(err)
		}
		return 0, err
	}
	if err := os.WriteFile(destPath, []byte(s.payload), 0o644); err != nil {
		return 0, err
	}
	return int64(len(s.payload)), nil
}

func newTestManager(strategies ...Strategy) *Manager {
	return &Manager{
		strategies: strategies,
		maxRetries: 3,
		baseDelay:  time.Millisecond,
		maxDelay:   2 * time.Millisecond,
		jitter:     0.1,
		slots:      semaphore.NewWeighted(4),
	}
}

func TestFetchFirstStrategyWins(t *testing.T) {
	first := &fakeStrategy{name: "ftp", available: true, payload: "data"}
	second := &fakeStrategy{name: "http", available: true, payload: "data"}
	m := newTestManager(first, second)

	p := &storage.Printer{Name: "X1C", Kind: storage.KindBambu}
	res, err := m.Fetch(context.Background(), p, "benchy.3mf", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ftp", res.Strategy)
	assert.Equal(t, int64(4), res.SizeBytes)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, second.calls)

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestFetchFallsThroughAfterRetries(t *testing.T) {
	broken := &fakeStrategy{name: "ftp", available: true, failures: 100}
	working := &fakeStrategy{name: "http", available: true, failures: 1, payload: "x"}
	m := newTestManager(broken, working)

	p := &storage.Printer{Name: "X1C", Kind: storage.KindBambu}
	res, err := m.Fetch(context.Background(), p, "benchy.3mf", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "http", res.Strategy)
	assert.Equal(t, 3, broken.calls, "transient failures consume the full retry budget")
	assert.Equal(t, 5, res.Attempts)
}

func TestFetchFatalSkipsRemainingRetries(t *testing.T) {
	auth := &fakeStrategy{name: "ftp", available: true, failures: 100, fatal: true}
	working := &fakeStrategy{name: "http", available: true, payload: "x"}
	m := newTestManager(auth, working)

	p := &storage.Printer{Name: "X1C", Kind: storage.KindBambu}
	res, err := m.Fetch(context.Background(), p, "benchy.3mf", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, auth.calls, "fatal errors abort the strategy immediately")
	assert.Equal(t, "http", res.Strategy)
}

func TestFetchUnavailable(t *testing.T) {
	m := newTestManager(&fakeStrategy{name: "ftp"}, &fakeStrategy{name: "http"})

	p := &storage.Printer{Name: "ghost", Kind: storage.KindBambu}
	_, err := m.Fetch(context.Background(), p, "benchy.3mf", t.TempDir())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, m.FetchAvailable(p))
}

func TestFetchAggregatesFailures(t *testing.T) {
	m := newTestManager(
		&fakeStrategy{name: "ftp", available: true, failures: 100},
		&fakeStrategy{name: "http", available: true, failures: 100},
	)

	p := &storage.Printer{Name: "X1C", Kind: storage.KindBambu}
	_, err := m.Fetch(context.Background(), p, "benchy.3mf", t.TempDir())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "6 attempts")
	assert.ErrorContains(t, err, "ftp attempt 1 failed")
	assert.ErrorContains(t, err, "http attempt 3 failed")
}

func TestFetchRejectsOversizedFile(t *testing.T) {
	big := &fakeStrategy{name: "http", available: true, payload: "0123456789"}
	m := newTestManager(big)
	m.maxBytes = 5

	p := &storage.Printer{Name: "X1C", Kind: storage.KindBambu}
	dir := t.TempDir()
	_, err := m.Fetch(context.Background(), p, "huge.3mf", dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "file size limit")

	// The oversized download does not stay on disk.
	_, statErr := os.Stat(filepath.Join(dir, "huge.3mf"))
	assert.True(t, os.IsNotExist(statErr))
}

type gatedStrategy struct {
	started chan struct{}
	release chan struct{}
}

func (s *gatedStrategy) Name() string                      { return "gated" }
func (s *gatedStrategy) Available(p *storage.Printer) bool { return true }

func (s *gatedStrategy) Download(ctx context.Context, p *storage.Printer, filename, destPath string) (int64, error) {
	s.started <- struct{}{}
	<-s.release
	if err := os.WriteFile(destPath, []byte("x"), 0o644); err != nil {
		return 0, err
	}
	return 1, nil
}

func TestFetchLimitsConcurrency(t *testing.T) {
	s := &gatedStrategy{started: make(chan struct{}, 2), release: make(chan struct{})}
	m := newTestManager(s)
	m.slots = semaphore.NewWeighted(1)

	p := &storage.Printer{Name: "X1C", Kind: storage.KindBambu}
	done := make(chan error, 2)
	for _, name := range []string{"one.3mf", "two.3mf"} {
		go func(name string) {
			_, err := m.Fetch(context.Background(), p, name, t.TempDir())
			done <- err
		}(name)
	}

	<-s.started
	select {
	case <-s.started:
		t.Fatal("second download started while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(s.release)
	<-s.started
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"benchy.3mf":          "benchy.3mf",
		"/cache/benchy.3mf":   "benchy.3mf",
		"..\\..\\evil.gcode":  "evil.gcode",
		"../../../etc/passwd": "passwd",
		"with..dots.gcode":    "with_dots.gcode",
		"":                    "download",
		".":                   "download",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}

func TestFatalChain(t *testing.T) {
	base := errors.New("login rejected")
	wrapped := fmt.Errorf("connecting: %w", Fatal(base))
	assert.True(t, IsFatal(wrapped))
	assert.ErrorIs(t, wrapped, base)

	assert.False(t, IsFatal(errors.New("plain")))
	assert.NoError(t, Fatal(nil))
}

func TestHTTPStrategyCandidates(t *testing.T) {
	s := newHTTPStrategy(0)

	bambu := &storage.Printer{Kind: storage.KindBambu, Host: "10.0.0.5"}
	assert.Equal(t, []string{
		"http://10.0.0.5/cache/plate%201.3mf",
		"http://10.0.0.5/model/plate%201.3mf",
		"http://10.0.0.5/files/plate%201.3mf",
	}, s.candidates(bambu, "plate 1.3mf"))

	octo := &storage.Printer{Kind: storage.KindOctoPrint, URL: "http://octopi.local"}
	assert.Equal(t, []string{"http://octopi.local/downloads/files/local/benchy.gcode"},
		s.candidates(octo, "benchy.gcode"))

	prusa := &storage.Printer{Kind: storage.KindPrusa, URL: "http://prusa.local"}
	assert.Equal(t, []string{"http://prusa.local/api/files/local/benchy.gcode/raw"},
		s.candidates(prusa, "benchy.gcode"))
}

func TestHTTPStrategyDownload(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		switch r.URL.Path {
		case "/downloads/files/local/benchy.gcode":
			w.Write([]byte("gcode payload"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := newHTTPStrategy(0)
	p := &storage.Printer{Kind: storage.KindOctoPrint, URL: srv.URL, APIKey: "key123"}
	dest := filepath.Join(t.TempDir(), "benchy.gcode")

	n, err := s.Download(context.Background(), p, "benchy.gcode", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len("gcode payload")), n)
	assert.Equal(t, "key123", gotAuth)

	// Missing files leave no partial file behind.
	_, err = s.Download(context.Background(), p, "missing.gcode", dest+".2")
	require.Error(t, err)
	_, statErr := os.Stat(dest + ".2")
	assert.True(t, os.IsNotExist(statErr))
}

func TestHTTPStrategyEmptyBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newHTTPStrategy(0)
	p := &storage.Printer{Kind: storage.KindOctoPrint, URL: srv.URL, APIKey: "k"}
	_, err := s.Download(context.Background(), p, "ghost.gcode", filepath.Join(t.TempDir(), "ghost.gcode"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}
