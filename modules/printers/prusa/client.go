// Package prusa is a PrusaLink REST client. PrusaLink is a pull surface:
// the monitoring scheduler polls it on an interval.
package prusa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// PrinterState is the state block of /api/printer.
type PrinterState struct {
	Text  string `json:"text"`
	Flags struct {
		Operational bool `json:"operational"`
		Paused      bool `json:"paused"`
		Printing    bool `json:"printing"`
		Error       bool `json:"error"`
		Ready       bool `json:"ready"`
	} `json:"flags"`
}

type TemperatureData struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// PrinterResponse is the full /api/printer payload.
type PrinterResponse struct {
	State       PrinterState `json:"state"`
	Temperature struct {
		Bed      TemperatureData `json:"bed"`
		Extruder TemperatureData `json:"tool0"`
	} `json:"temperature"`
	Telemetry struct {
		TempBed    float64 `json:"temp-bed"`
		TempNozzle float64 `json:"temp-nozzle"`
	} `json:"telemetry"`
}

// JobResponse is the /api/job payload.
type JobResponse struct {
	Job struct {
		File struct {
			Name    string `json:"name"`
			Path    string `json:"path"`
			Size    int64  `json:"size"`
			Display string `json:"display"`
		} `json:"file"`
		EstimatedPrintTime float64 `json:"estimatedPrintTime"`
	} `json:"job"`
	Progress struct {
		Completion    float64 `json:"completion"`
		PrintTime     int     `json:"printTime"`
		PrintTimeLeft int     `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

// FileEntry is one file from /api/files.
type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	Refs struct {
		Download string `json:"download"`
	} `json:"refs"`
}

type filesResponse struct {
	Files []FileEntry `json:"files"`
}

// GetPrinter fetches current state and temperatures.
func (c *Client) GetPrinter(ctx context.Context) (*PrinterResponse, error) {
	response := &PrinterResponse{}
	if err := c.get(ctx, "/api/printer", response); err != nil {
		return nil, err
	}
	return response, nil
}

// GetJob fetches the current job and its progress.
func (c *Client) GetJob(ctx context.Context) (*JobResponse, error) {
	response := &JobResponse{}
	if err := c.get(ctx, "/api/job", response); err != nil {
		return nil, err
	}
	return response, nil
}

// ListFiles fetches the printer's file inventory.
func (c *Client) ListFiles(ctx context.Context) ([]FileEntry, error) {
	response := &filesResponse{}
	if err := c.get(ctx, "/api/files", response); err != nil {
		return nil, err
	}
	return response.Files, nil
}

// Pause, Resume and Stop issue job commands through the OctoPrint-compatible
// job endpoint PrusaLink exposes.
func (c *Client) Pause(ctx context.Context) error  { return c.jobCommand(ctx, "pause", "pause") }
func (c *Client) Resume(ctx context.Context) error { return c.jobCommand(ctx, "pause", "resume") }
func (c *Client) Stop(ctx context.Context) error   { return c.jobCommand(ctx, "cancel", "") }

func (c *Client) jobCommand(ctx context.Context, command, action string) error {
	payload := map[string]string{"command": command}
	if action != "" {
		payload["action"] = action
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/job", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("job command %s: unexpected status %d", command, resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// MapState maps a PrusaLink state text onto the normalized printer states.
func MapState(text string) string {
	switch lower := strings.ToLower(text); {
	case strings.Contains(lower, "printing"):
		return "printing"
	case strings.Contains(lower, "paused"):
		return "paused"
	case strings.Contains(lower, "operational"), strings.Contains(lower, "ready"):
		return "idle"
	case strings.Contains(lower, "error"):
		return "error"
	default:
		return "unknown"
	}
}
