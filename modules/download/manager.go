package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
	"golang.org/x/sync/semaphore"
)

var downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "printernizer_downloads_total",
	Help: "File downloads by strategy and outcome.",
}, []string{"strategy", "outcome"})

// Manager runs the ordered strategy chain for fetching files off printers.
// Strategies are tried in order; each one gets up to maxRetries attempts
// with exponential backoff before the next strategy takes over. A weighted
// semaphore caps how many fetches run at once across the fleet.
type Manager struct {
	strategies []Strategy
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     float64
	maxBytes   int64
	slots      *semaphore.Weighted
}

type ManagerOptions struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	MaxConcurrent  int
	ChunkSizeBytes int
	MaxFileSizeMB  int64
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Jitter <= 0 {
		opts.Jitter = 0.1
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.MaxFileSizeMB <= 0 {
		opts.MaxFileSizeMB = 512
	}
	return &Manager{
		strategies: []Strategy{mqttStrategy{}, newFTPStrategy(), newHTTPStrategy(opts.ChunkSizeBytes)},
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		jitter:     opts.Jitter,
		maxBytes:   opts.MaxFileSizeMB << 20,
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// Fetch downloads filename from the printer into destDir, trying each
// applicable strategy in order. The file lands at destDir/<sanitized name>;
// no partial file remains after a failed fetch.
func (m *Manager) Fetch(ctx context.Context, p *storage.Printer, filename, destDir string) (*Result, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	destPath := filepath.Join(destDir, sanitizeFilename(filename))

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.slots.Release(1)

	var attempts int
	var failures []string
	for _, strategy := range m.strategies {
		if !strategy.Available(p) {
			continue
		}

		bo := engine.NewBackoffJitter(m.baseDelay, m.maxDelay, m.jitter)
		for try := 1; try <= m.maxRetries; try++ {
			attempts++
			n, err := strategy.Download(ctx, p, filename, destPath)
			if err == nil {
				if m.maxBytes > 0 && n > m.maxBytes {
					os.Remove(destPath)
					downloadsTotal.WithLabelValues(strategy.Name(), "failure").Inc()
					return nil, fmt.Errorf("%s is %s, over the %s file size limit",
						filename, humanize.Bytes(uint64(n)), humanize.Bytes(uint64(m.maxBytes)))
				}
				slog.Info("downloaded file from printer",
					"printer", p.Name, "filename", filename, "strategy", strategy.Name(), "attempts", attempts)
				downloadsTotal.WithLabelValues(strategy.Name(), "success").Inc()
				return &Result{
					Strategy:  strategy.Name(),
					LocalPath: destPath,
					SizeBytes: n,
					Attempts:  attempts,
				}, nil
			}

			failures = append(failures, fmt.Sprintf("%s: %v", strategy.Name(), err))
			downloadsTotal.WithLabelValues(strategy.Name(), "failure").Inc()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if IsFatal(err) {
				slog.Warn("download strategy failed permanently",
					"printer", p.Name, "filename", filename, "strategy", strategy.Name(), "error", err)
				break
			}
			slog.Debug("download attempt failed",
				"printer", p.Name, "filename", filename, "strategy", strategy.Name(), "try", try, "error", err)
			if try < m.maxRetries {
				if err := engine.SleepContext(ctx, bo.NextBackOff()); err != nil {
					return nil, err
				}
			}
		}
	}

	if attempts == 0 {
		return nil, fmt.Errorf("%w: no strategy can reach %s printer %s", ErrUnavailable, p.Kind, p.Name)
	}
	return nil, fmt.Errorf("all strategies failed for %s after %d attempts: %s",
		filename, attempts, strings.Join(failures, "; "))
}

// FetchAvailable reports whether any strategy could serve this printer.
func (m *Manager) FetchAvailable(p *storage.Printer) bool {
	for _, s := range m.strategies {
		if s.Available(p) {
			return true
		}
	}
	return false
}

// sanitizeFilename strips path separators and traversal sequences so remote
// names cannot escape the destination directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	return name
}
