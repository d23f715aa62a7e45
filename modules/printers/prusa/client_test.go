package prusa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapState(t *testing.T) {
	cases := map[string]string{
		"Printing":       "printing",
		"PRINTING":       "printing",
		"Paused":         "paused",
		"Operational":    "idle",
		"Ready":          "idle",
		"Error":          "error",
		"Busy":           "unknown",
		"":               "unknown",
		"Finished ready": "idle",
	}
	for text, want := range cases {
		assert.Equal(t, want, MapState(text), text)
	}
}

func TestGetPrinter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/printer", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{
			"state": {"text": "Printing", "flags": {"printing": true}},
			"telemetry": {"temp-bed": 60.2, "temp-nozzle": 215.0}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	resp, err := c.GetPrinter(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.State.Flags.Printing)
	assert.Equal(t, 60.2, resp.Telemetry.TempBed)
	assert.Equal(t, 215.0, resp.Telemetry.TempNozzle)
}

func TestGetPrinterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong")
	_, err := c.GetPrinter(context.Background())
	assert.ErrorContains(t, err, "401")
}

func TestJobCommands(t *testing.T) {
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/job", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	ctx := context.Background()
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Resume(ctx))
	require.NoError(t, c.Stop(ctx))

	require.Len(t, bodies, 3)
	assert.Equal(t, map[string]string{"command": "pause", "action": "pause"}, bodies[0])
	assert.Equal(t, map[string]string{"command": "pause", "action": "resume"}, bodies[1])
	assert.Equal(t, map[string]string{"command": "cancel"}, bodies[2])
}

func TestListFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files", r.URL.Path)
		w.Write([]byte(`{"files": [{"name": "benchy.gcode", "path": "/local/benchy.gcode", "size": 1024}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	files, err := c.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "benchy.gcode", files[0].Name)
	assert.Equal(t, int64(1024), files[0].Size)
}
