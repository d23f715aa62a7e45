package printers

import (
	"context"
	"testing"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJobTracker(t *testing.T) (*jobTracker, *storage.Store, *engine.Subscription) {
	t.Helper()
	store, err := storage.New(engine.OpenTestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := engine.NewBus()
	sub := bus.SubscribeTypes(engine.EventPrintStarted, engine.EventJobCompleted, engine.EventJobFailed)
	t.Cleanup(sub.Cancel)
	return &jobTracker{store: store, bus: bus}, store, sub
}

func nextEvent(t *testing.T, sub *engine.Subscription) engine.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	default:
		t.Fatal("expected an event")
		return engine.Event{}
	}
}

func TestJobTrackerLifecycle(t *testing.T) {
	tracker, store, sub := newJobTracker(t)
	ctx := context.Background()
	p := &storage.Printer{ID: "p1", Name: "X1C"}

	idle := &Status{State: StateIdle}
	printing := &Status{State: StatePrinting, JobFilename: "benchy.3mf"}

	// idle -> printing starts a job.
	tracker.observe(ctx, p, idle, printing)
	event := nextEvent(t, sub)
	assert.Equal(t, engine.EventPrintStarted, event.Type)

	job, err := store.RunningJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "benchy.3mf", job.Filename)

	// printing -> printing is not a new job.
	tracker.observe(ctx, p, printing, printing)
	assert.Empty(t, sub.Events())

	// Pausing keeps the job open.
	paused := &Status{State: StatePaused, JobFilename: "benchy.3mf"}
	tracker.observe(ctx, p, printing, paused)
	tracker.observe(ctx, p, paused, printing)
	assert.Empty(t, sub.Events())

	// printing -> idle completes it.
	tracker.observe(ctx, p, printing, idle)
	event = nextEvent(t, sub)
	assert.Equal(t, engine.EventJobCompleted, event.Type)

	_, err = store.RunningJob(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobTrackerFailure(t *testing.T) {
	tracker, store, sub := newJobTracker(t)
	ctx := context.Background()
	p := &storage.Printer{ID: "p1", Name: "X1C"}

	tracker.observe(ctx, p, &Status{State: StateIdle}, &Status{State: StatePrinting, JobFilename: "vase.gcode"})
	nextEvent(t, sub)

	tracker.observe(ctx, p, &Status{State: StatePrinting}, &Status{State: StateError, ErrorCode: "50348044"})
	event := nextEvent(t, sub)
	assert.Equal(t, engine.EventJobFailed, event.Type)
	payload := event.Payload.(map[string]any)
	assert.Equal(t, "50348044", payload["error_code"])

	jobs, err := store.ListJobs(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, storage.JobFailed, jobs[0].Status)
	assert.Equal(t, "50348044", jobs[0].ErrorCode)
}

func TestJobTrackerSupersedesStaleJob(t *testing.T) {
	tracker, store, sub := newJobTracker(t)
	ctx := context.Background()
	p := &storage.Printer{ID: "p1", Name: "X1C"}

	// A running row left over from before a restart.
	stale := &storage.PrintJob{PrinterID: "p1", PrinterName: "X1C", Filename: "old.3mf"}
	require.NoError(t, store.StartJob(ctx, stale))

	tracker.observe(ctx, p, nil, &Status{State: StatePrinting, JobFilename: "new.3mf"})
	nextEvent(t, sub)

	job, err := store.RunningJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new.3mf", job.Filename)

	jobs, err := store.ListJobs(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	byName := map[string]*storage.PrintJob{}
	for _, j := range jobs {
		byName[j.Filename] = j
	}
	assert.Equal(t, storage.JobFailed, byName["old.3mf"].Status)
	assert.Equal(t, "superseded", byName["old.3mf"].ErrorCode)
	assert.Equal(t, storage.JobRunning, byName["new.3mf"].Status)
}

func TestJobTrackerIgnoresUntrackedFinish(t *testing.T) {
	tracker, _, sub := newJobTracker(t)
	ctx := context.Background()
	p := &storage.Printer{ID: "p1", Name: "X1C"}

	// Completion with no tracked start is silent.
	tracker.observe(ctx, p, &Status{State: StatePrinting}, &Status{State: StateIdle})
	assert.Empty(t, sub.Events())
}
