package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

const defaultWorkerCount = 2

var analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "printernizer_metadata_analyses_total",
	Help: "Metadata extraction runs by file type and outcome.",
}, []string{"file_type", "outcome"})

// Paths resolves a library row to its on-disk location.
type Paths interface {
	AbsolutePath(*storage.LibraryFile) string
}

// Module drains the library's pending queue and fills in extracted metadata.
// The queue lives in the database: rows move pending -> processing -> ready
// or error, so work survives restarts.
type Module struct {
	store   *storage.Store
	bus     *engine.Bus
	paths   Paths
	queue   *analysisQueue
	workers int
}

func New(store *storage.Store, bus *engine.Bus, paths Paths, workers int) *Module {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	m := &Module{store: store, bus: bus, paths: paths, workers: workers}
	m.queue = &analysisQueue{
		store:    store,
		bus:      bus,
		paths:    paths,
		inflight: map[string]struct{}{},
	}
	return m
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(func(ctx context.Context) error {
		if n, err := m.store.RequeueStuckAnalyses(ctx); err != nil {
			slog.Error("failed to requeue interrupted analyses", "error", err)
		} else if n > 0 {
			slog.Info("requeued interrupted analyses", "count", n)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	// Extraction reads whole archives; cap the rate so a bulk ingest cannot
	// saturate disk IO.
	queue := engine.WithRateLimiting[*analysisTask](m.queue, m.workers)
	for i := 0; i < m.workers; i++ {
		mgr.Add(engine.Poll(5*time.Second, engine.PollWorkqueue(queue)))
	}
}

// analysisTask carries one claimed row through the queue. Extraction results
// accumulate on the task so the update step can persist them atomically.
type analysisTask struct {
	file        *storage.LibraryFile
	meta        *storage.Metadata
	thumb       []byte
	thumbWidth  int
	thumbHeight int
}

func (t *analysisTask) String() string { return t.file.String() }

type analysisQueue struct {
	store *storage.Store
	bus   *engine.Bus
	paths Paths

	mu       sync.Mutex
	inflight map[string]struct{}
}

func (q *analysisQueue) GetItem(ctx context.Context) (*analysisTask, error) {
	file, err := q.store.ClaimPendingLibraryFile(ctx)
	if err != nil {
		return nil, err
	}

	// The claim is atomic in the database; the in-memory set guards against
	// the same key cycling back in while a worker still holds it.
	q.mu.Lock()
	if _, busy := q.inflight[file.Key]; busy {
		q.mu.Unlock()
		return nil, sql.ErrNoRows
	}
	q.inflight[file.Key] = struct{}{}
	q.mu.Unlock()

	return &analysisTask{file: file}, nil
}

func (q *analysisQueue) ProcessItem(ctx context.Context, t *analysisTask) error {
	path := q.paths.AbsolutePath(t.file)

	var err error
	switch t.file.FileType {
	case "3mf":
		t.meta, t.thumb, t.thumbWidth, t.thumbHeight, err = extract3MF(path)
	case "gcode", "bgcode":
		t.meta, t.thumb, t.thumbWidth, t.thumbHeight, err = extractGcode(path)
	case "stl":
		t.meta, err = extractSTL(path)
	default:
		// Nothing to extract; the file is still ready for serving.
		t.meta = &storage.Metadata{}
	}
	if err != nil {
		analysesTotal.WithLabelValues(t.file.FileType, "failure").Inc()
		return err
	}
	analysesTotal.WithLabelValues(t.file.FileType, "success").Inc()
	return nil
}

func (q *analysisQueue) UpdateItem(ctx context.Context, t *analysisTask, result error) error {
	q.mu.Lock()
	delete(q.inflight, t.file.Key)
	q.mu.Unlock()

	errMsg := ""
	if result != nil {
		errMsg = fmt.Sprintf("extraction failed: %v", result)
	}
	if err := q.store.FinishAnalysis(ctx, t.file.Key, t.meta, t.thumb, t.thumbWidth, t.thumbHeight, errMsg); err != nil {
		return err
	}
	if result == nil && len(t.thumb) > 0 {
		q.bus.Publish(engine.EventThumbnailCached, map[string]any{
			"key":      t.file.Key,
			"filename": t.file.Filename,
			"width":    t.thumbWidth,
			"height":   t.thumbHeight,
		})
	}
	return nil
}
