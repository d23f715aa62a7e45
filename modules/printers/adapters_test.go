package printers

import (
	"testing"

	"github.com/printernizer/printernizer/modules/printers/bambu"
	"github.com/printernizer/printernizer/modules/printers/octoprint"
	"github.com/printernizer/printernizer/modules/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBambuStatus(t *testing.T) {
	r := bambu.Report{}
	r.Print.GcodeState = "RUNNING"
	r.Print.GcodeFile = "benchy.gcode"
	r.Print.SubtaskName = "benchy"
	r.Print.McPercent = 42
	r.Print.McRemainingTime = 90
	r.Print.BedTemper = 60.5
	r.Print.BedTargetTemper = 60
	r.Print.NozzleTemper = 220.1
	r.Print.NozzleTargetTemper = 220
	r.Print.LayerNum = 10
	r.Print.TotalLayerNum = 100
	r.Print.McPrintErrorCode = "0"

	s := extractBambuStatus(r)
	assert.Equal(t, StatePrinting, s.State)
	assert.Equal(t, "benchy", s.JobFilename)
	assert.Equal(t, 42, *s.PercentComplete)
	assert.Equal(t, 90, *s.RemainingMinutes)
	assert.NotNil(t, s.EstimatedEnd)
	assert.Equal(t, 60.5, *s.BedCurrent)
	assert.Equal(t, 10, *s.CurrentLayer)
	assert.Equal(t, 100, *s.TotalLayers)
	assert.Empty(t, s.ErrorCode, `"0" means no error`)
}

func TestExtractBambuStatusStates(t *testing.T) {
	cases := map[string]State{
		"RUNNING": StatePrinting,
		"PAUSE":   StatePaused,
		"IDLE":    StateIdle,
		"FINISH":  StateUnknown,
		"":        StateUnknown,
	}
	for gcodeState, want := range cases {
		r := bambu.Report{}
		r.Print.GcodeState = gcodeState
		assert.Equal(t, want, extractBambuStatus(r).State, gcodeState)
	}
}

func TestExtractBambuStatusFallbacks(t *testing.T) {
	r := bambu.Report{}
	r.Print.GcodeState = "RUNNING"
	r.Print.GcodeFile = "fallback.gcode"
	r.Print.McPercent = 101 // out of range, dropped
	r.Print.McPrintErrorCode = "50348044"

	s := extractBambuStatus(r)
	assert.Equal(t, "fallback.gcode", s.JobFilename)
	assert.Nil(t, s.PercentComplete)
	assert.Equal(t, "50348044", s.ErrorCode)
}

func TestExtractOctoPrintStatus(t *testing.T) {
	var cur octoprint.Current
	cur.State.Flags.Printing = true
	cur.Job.File.Name = "vase.gcode"
	cur.Progress.Completion = 75.5
	cur.Progress.PrintTimeLeft = 600
	cur.Progress.PrintTime = 1800
	cur.Temps = []octoprint.TempSample{{}}
	cur.Temps[0].Bed.Actual = floatPtr(60)
	cur.Temps[0].Tool.Actual = floatPtr(210)

	s := extractOctoPrintStatus(cur)
	assert.Equal(t, StatePrinting, s.State)
	assert.Equal(t, "vase.gcode", s.JobFilename)
	assert.Equal(t, 75, *s.PercentComplete)
	assert.Equal(t, 10, *s.RemainingMinutes)
	assert.Equal(t, 30, *s.ElapsedMinutes)
	assert.Equal(t, 60.0, *s.BedCurrent)
	assert.Equal(t, 210.0, *s.NozzleCurrent)
}

func TestExtractOctoPrintStatusFlags(t *testing.T) {
	var cur octoprint.Current
	cur.State.Flags.Paused = true
	assert.Equal(t, StatePaused, extractOctoPrintStatus(cur).State)

	cur = octoprint.Current{}
	cur.State.Flags.Error = true
	assert.Equal(t, StateError, extractOctoPrintStatus(cur).State)

	cur = octoprint.Current{}
	cur.State.Flags.Operational = true
	assert.Equal(t, StateIdle, extractOctoPrintStatus(cur).State)

	cur = octoprint.Current{}
	assert.Equal(t, StateUnknown, extractOctoPrintStatus(cur).State)
}

func TestNewProtocolClient(t *testing.T) {
	for _, kind := range []string{storage.KindBambu, storage.KindPrusa, storage.KindOctoPrint} {
		c, err := NewProtocolClient(&storage.Printer{Kind: kind, Host: "h", URL: "http://h"}, ClientOptions{})
		require.NoError(t, err, kind)
		require.NotNil(t, c)
	}
	_, err := NewProtocolClient(&storage.Printer{Kind: "nope"}, ClientOptions{})
	assert.Error(t, err)
}
