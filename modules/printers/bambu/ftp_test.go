package bambu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatePaths(t *testing.T) {
	paths := CandidatePaths("benchy.3mf")
	assert.Equal(t, []string{
		"cache/benchy.3mf",
		"benchy.3mf",
		"model/benchy.3mf",
		"timelapse/benchy.3mf",
		"sdcard/benchy.3mf",
		"gcodes/benchy.3mf",
	}, paths)
}

func TestFindInExactMatch(t *testing.T) {
	entries := []Entry{
		{Name: "other.gcode", Path: "cache/other.gcode"},
		{Name: "Benchy.3MF", Path: "cache/Benchy.3MF"},
	}
	p, err := findIn(entries, "benchy.3mf")
	require.NoError(t, err)
	assert.Equal(t, "cache/Benchy.3MF", p)
}

func TestFindInFuzzyRanking(t *testing.T) {
	entries := []Entry{
		{Name: "my_benchy_v2.gcode", Path: "cache/my_benchy_v2.gcode"},
		{Name: "benchy_final.3mf", Path: "model/benchy_final.3mf"},
		{Name: "benchy_final.gcode", Path: "cache/benchy_final.gcode"},
	}

	// The exact name is gone; a prefix match with a .3mf extension wins over
	// both the .gcode prefix match and the plain substring match.
	p, err := findIn(entries, "benchy.3mf")
	require.NoError(t, err)
	assert.Equal(t, "model/benchy_final.3mf", p)
}

func TestFindInPrefixBeatsSubstring(t *testing.T) {
	entries := []Entry{
		{Name: "copy_of_vase.gcode", Path: "cache/copy_of_vase.gcode"},
		{Name: "vase_mode.gcode", Path: "cache/vase_mode.gcode"},
	}
	p, err := findIn(entries, "vase.gcode")
	require.NoError(t, err)
	assert.Equal(t, "cache/vase_mode.gcode", p)
}

func TestFindInNotFound(t *testing.T) {
	_, err := findIn([]Entry{{Name: "a.3mf"}}, "missing.3mf")
	assert.Error(t, err)

	// Extension-only queries can't fuzzy match.
	_, err = findIn([]Entry{{Name: "a.3mf"}}, ".3mf")
	assert.Error(t, err)

	_, err = findIn(nil, "anything.gcode")
	assert.Error(t, err)
}
