package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 1000; i++ {
		d := Jitter(base)
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}

type fakeQueue struct {
	items   []*string
	results []error
	fail    bool
}

func (q *fakeQueue) GetItem(context.Context) (*string, error) {
	if len(q.items) == 0 {
		return nil, sql.ErrNoRows
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *fakeQueue) ProcessItem(_ context.Context, item *string) error {
	if q.fail {
		return errors.New("processing failed")
	}
	return nil
}

func (q *fakeQueue) UpdateItem(_ context.Context, item *string, result error) error {
	q.results = append(q.results, result)
	return nil
}

func TestPollWorkqueue(t *testing.T) {
	item := "a"
	q := &fakeQueue{items: []*string{&item}}
	poll := PollWorkqueue[*string](q)

	// One item: process it and signal "check again".
	assert.True(t, poll(context.Background()))
	require.Len(t, q.results, 1)
	assert.NoError(t, q.results[0])

	// Empty queue: back off.
	assert.False(t, poll(context.Background()))
}

func TestPollWorkqueuePassesProcessingError(t *testing.T) {
	item := "a"
	q := &fakeQueue{items: []*string{&item}, fail: true}
	poll := PollWorkqueue[*string](q)

	assert.True(t, poll(context.Background()))
	require.Len(t, q.results, 1)
	assert.Error(t, q.results[0])
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestNewBackoffSchedule(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	prev := time.Duration(0)
	maxNext := float64(30*time.Second) * 1.1
	for i := 0; i < 10; i++ {
		next := b.NextBackOff()
		assert.LessOrEqual(t, next, time.Duration(maxNext))
		if i > 0 && i < 4 {
			assert.Greater(t, next, prev)
		}
		prev = next
	}
}
