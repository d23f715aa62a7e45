// Package octoprint is a push client for OctoPrint's SockJS websocket
// surface, with a small REST client for commands and file listings.
package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/printernizer/printernizer/engine"
)

const (
	requestTimeout    = 10 * time.Second
	reconnectBase     = 2 * time.Second
	reconnectMax      = 2 * time.Minute
	maxReconnectTries = 0 // unlimited; the driver suspends via failure accounting
)

// TemperatureValue is an actual/target pair; nil means not reported.
type TemperatureValue struct {
	Actual *float64 `json:"actual"`
	Target *float64 `json:"target"`
}

// TempSample is one entry of the pushed temps history.
type TempSample struct {
	Time int64            `json:"time"`
	Bed  TemperatureValue `json:"bed"`
	Tool TemperatureValue `json:"tool0"`
}

// Current is the periodically pushed printer state. The last entry of a
// history message has the same shape.
type Current struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational bool `json:"operational"`
			Paused      bool `json:"paused"`
			Printing    bool `json:"printing"`
			Error       bool `json:"error"`
		} `json:"flags"`
	} `json:"state"`
	Job struct {
		File struct {
			Name string `json:"name"`
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"file"`
		EstimatedPrintTime float64 `json:"estimatedPrintTime"`
	} `json:"job"`
	Progress struct {
		Completion    float64 `json:"completion"`
		PrintTime     int     `json:"printTime"`
		PrintTimeLeft int     `json:"printTimeLeft"`
	} `json:"progress"`
	Temps    []TempSample `json:"temps"`
	CurrentZ *float64     `json:"currentZ"`
}

// PushEvent is an OctoPrint event message forwarded to the bus.
type PushEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// envelope covers every inner SockJS message type we dispatch on.
type envelope struct {
	Connected *struct {
		Version string `json:"version"`
	} `json:"connected"`
	Current *Current         `json:"current"`
	History *Current         `json:"history"`
	Event   *PushEvent       `json:"event"`
	Plugin  *json.RawMessage `json:"plugin"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu        sync.Mutex
	current   Current
	lastSeen  time.Time
	have      bool
	connected bool
	onCurrent func(Current)
	onEvent   func(PushEvent)
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// OnCurrent registers a callback for every state push. Must be set before Run.
func (c *Client) OnCurrent(fn func(Current)) { c.onCurrent = fn }

// OnEvent registers a callback for forwarded OctoPrint events. Must be set before Run.
func (c *Client) OnEvent(fn func(PushEvent)) { c.onEvent = fn }

// Connected reports whether the socket is up and authenticated.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastCurrent returns the most recent state push and when it arrived.
func (c *Client) LastCurrent() (Current, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.lastSeen, c.have
}

// socketURL builds the SockJS endpoint: a random 3-digit server id and an
// 8-character session id, with the http scheme swapped for ws.
func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	serverID := fmt.Sprintf("%03d", rand.Intn(1000))
	sessionID := randomSessionID(8)
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/sockjs/%s/%s/websocket", serverID, sessionID)
	return u.String(), nil
}

func randomSessionID(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// Run maintains the SockJS connection until ctx is canceled, reconnecting
// with exponential backoff and jitter.
func (c *Client) Run(ctx context.Context) error {
	bo := engine.NewBackoff(reconnectBase, reconnectMax)
	for {
		err := c.runOnce(ctx)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		slog.Warn("octoprint socket closed, reconnecting", "error", err, "wait", wait, "url", c.baseURL)
		if err := engine.SleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	socketURL, err := c.socketURL()
	if err != nil {
		return err
	}

	header := http.Header{"X-Api-Key": []string{c.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		return fmt.Errorf("dialing sockjs: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case 'o': // open: authenticate
			if err := conn.WriteMessage(websocket.TextMessage, authFrame(c.apiKey)); err != nil {
				return fmt.Errorf("sending auth: %w", err)
			}
		case 'h': // heartbeat
		case 'c': // close
			return fmt.Errorf("server closed sockjs session: %s", data[1:])
		case 'a': // array of JSON messages
			var messages []string
			if err := json.Unmarshal(data[1:], &messages); err != nil {
				slog.Warn("malformed sockjs array frame", "error", err, "url", c.baseURL)
				continue
			}
			for _, raw := range messages {
				c.dispatch(raw)
			}
		default:
			slog.Debug("unknown sockjs frame", "frame", string(data[0]), "url", c.baseURL)
		}
	}
}

// authFrame builds the SockJS auth message: an outer JSON array containing
// one JSON-encoded string, e.g. ["{\"auth\":\"APIKEY:\"}"].
func authFrame(apiKey string) []byte {
	inner, _ := json.Marshal(map[string]string{"auth": apiKey + ":"})
	outer, _ := json.Marshal([]string{string(inner)})
	return outer
}

func (c *Client) dispatch(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Warn("malformed octoprint message", "error", err, "url", c.baseURL)
		return
	}

	switch {
	case env.Connected != nil:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		slog.Info("octoprint socket authenticated", "version", env.Connected.Version, "url", c.baseURL)
	case env.Current != nil:
		c.storeCurrent(*env.Current)
	case env.History != nil:
		// History carries the same shape; it seeds the cached state.
		c.storeCurrent(*env.History)
	case env.Event != nil:
		if c.onEvent != nil {
			c.onEvent(*env.Event)
		}
	case env.Plugin != nil:
		slog.Debug("ignoring octoprint plugin message", "url", c.baseURL)
	}
}

func (c *Client) storeCurrent(cur Current) {
	c.mu.Lock()
	c.current = cur
	c.lastSeen = time.Now()
	c.have = true
	fn := c.onCurrent
	c.mu.Unlock()
	if fn != nil {
		fn(cur)
	}
}

// FileEntry is one file from the REST files API.
type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type filesResponse struct {
	Files []FileEntry `json:"files"`
}

// ListFiles fetches the printer's file inventory over REST.
func (c *Client) ListFiles(ctx context.Context) ([]FileEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/files?recursive=true", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing files: unexpected status %d", resp.StatusCode)
	}
	out := &filesResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

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
