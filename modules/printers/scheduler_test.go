package printers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextInterval(t *testing.T) {
	base := 30 * time.Second
	max := 300 * time.Second

	// Healthy: base ±10%.
	for i := 0; i < 100; i++ {
		d := NextInterval(base, max, 0)
		assert.GreaterOrEqual(t, d, 27*time.Second)
		assert.LessOrEqual(t, d, 33*time.Second)
	}

	// One failure doubles.
	for i := 0; i < 100; i++ {
		d := NextInterval(base, max, 1)
		assert.GreaterOrEqual(t, d, 54*time.Second)
		assert.LessOrEqual(t, d, 66*time.Second)
	}

	// Deep backoff saturates at max; jitter can only pull downward.
	for i := 0; i < 100; i++ {
		d := NextInterval(base, max, 5)
		assert.GreaterOrEqual(t, d, 270*time.Second)
		assert.LessOrEqual(t, d, 300*time.Second)
	}

	// Overflow-proof for absurd failure counts.
	d := NextInterval(base, max, 500)
	assert.LessOrEqual(t, d, max)
	assert.Greater(t, d, time.Duration(0))
}

func TestStatusEquivalent(t *testing.T) {
	base := func() *Status {
		return &Status{
			State:           StatePrinting,
			BedCurrent:      floatPtr(60),
			NozzleCurrent:   floatPtr(220),
			PercentComplete: intPtr(42),
			JobFilename:     "benchy.3mf",
			ObservedAt:      time.Now(),
		}
	}

	a, b := base(), base()
	b.ObservedAt = a.ObservedAt.Add(time.Minute)
	assert.True(t, a.Equivalent(b), "timestamp alone is not a delta")

	b = base()
	b.PercentComplete = intPtr(43)
	assert.False(t, a.Equivalent(b))

	b = base()
	b.State = StatePaused
	assert.False(t, a.Equivalent(b))

	b = base()
	b.BedCurrent = nil
	assert.False(t, a.Equivalent(b))

	assert.False(t, a.Equivalent(nil))
	var nilStatus *Status
	assert.True(t, nilStatus.Equivalent(nil))
}
