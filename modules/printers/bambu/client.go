// Package bambu speaks the Bambu Lab local protocols: MQTT over TLS on port
// 8883 for status and commands, and FTP with implicit TLS on port 990 for
// file access.
package bambu

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttPort = 8883
	mqttQoS  = 0

	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 60 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

type Config struct {
	Host         string
	AccessCode   string
	SerialNumber string

	// MQTT session shaping. Zero values fall back to the package defaults.
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

// timeouts resolves the session knobs against the package defaults.
func (c Config) timeouts() (keepAlive, connect, reconnect time.Duration) {
	keepAlive, connect, reconnect = c.KeepAlive, c.ConnectTimeout, c.ReconnectDelay
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	if reconnect <= 0 {
		reconnect = defaultReconnectDelay
	}
	return keepAlive, connect, reconnect
}

// Report is the decoded shape of a device/<serial>/report payload. Only the
// fields the driver consumes are mapped; everything else is ignored.
type Report struct {
	Print struct {
		GcodeFile          string  `json:"gcode_file"`
		SubtaskName        string  `json:"subtask_name"` // User-editable plate name
		GcodeState         string  `json:"gcode_state"`  // IDLE, PREPARE, RUNNING, PAUSE, FINISH, FAILED
		McPrintErrorCode   string  `json:"mc_print_error_code"`
		McRemainingTime    int     `json:"mc_remaining_time"` // Minutes
		McPercent          int     `json:"mc_percent"`        // 0-100
		BedTemper          float64 `json:"bed_temper"`
		BedTargetTemper    float64 `json:"bed_target_temper"`
		NozzleTemper       float64 `json:"nozzle_temper"`
		NozzleTargetTemper float64 `json:"nozzle_target_temper"`
		LayerNum           int     `json:"layer_num"`
		TotalLayerNum      int     `json:"total_layer_num"`
	} `json:"print"`
}

// Client is a push client: once connected it receives unsolicited report
// deltas and keeps the most recent one. Paho handles reconnection.
type Client struct {
	config Config

	mu         sync.Mutex
	client     paho.Client
	last       Report
	lastSeen   time.Time
	haveReport bool
	onReport   func(Report)
	onConnLost func(error)
}

func NewClient(config Config) *Client {
	return &Client{config: config}
}

// OnReport registers a callback invoked for every status report received.
// Must be called before Connect.
func (c *Client) OnReport(fn func(Report)) { c.onReport = fn }

// OnConnectionLost registers a callback for dropped MQTT connections.
// Must be called before Connect.
func (c *Client) OnConnectionLost(fn func(error)) { c.onConnLost = fn }

// Connect establishes the MQTT session, subscribes to the report topic and
// requests a full state push. Printers use self-signed certificates, so
// verification is disabled.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		return nil
	}

	keepAlive, connectTimeout, reconnectDelay := c.config.timeouts()
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", c.config.Host, mqttPort)).
		SetClientID(fmt.Sprintf("printernizer-%s", c.config.SerialNumber)).
		SetUsername("bblp").
		SetPassword(c.config.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectDelay).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.handleMessage)

	c.client = paho.NewClient(opts)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to printer MQTT: %w", token.Error())
	}
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.haveReport = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// LastReport returns the most recent report and when it arrived.
func (c *Client) LastReport() (Report, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastSeen, c.haveReport
}

func (c *Client) GetSerial() string { return c.config.SerialNumber }

// PausePrint pauses the running print.
func (c *Client) PausePrint() error { return c.printCommand("pause") }

// ResumePrint resumes a paused print.
func (c *Client) ResumePrint() error { return c.printCommand("resume") }

// StopPrint aborts the running print.
func (c *Client) StopPrint() error { return c.printCommand("stop") }

func (c *Client) printCommand(command string) error {
	return c.publishCommand(map[string]any{
		"print": map[string]any{
			"command":     command,
			"sequence_id": strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	})
}

func (c *Client) onConnect(client paho.Client) {
	topic := fmt.Sprintf("device/%s/report", c.config.SerialNumber)
	token := client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		slog.Error("failed to subscribe to printer topic", "error", token.Error(), "serial", c.config.SerialNumber)
		return
	}
	slog.Debug("subscribed to printer MQTT topic", "serial", c.config.SerialNumber)
	if err := c.requestPushAll(); err != nil {
		slog.Warn("failed to request full state after connect", "error", err, "serial", c.config.SerialNumber)
	}
}

func (c *Client) onConnectionLost(client paho.Client, err error) {
	slog.Warn("printer MQTT connection lost", "error", err, "serial", c.config.SerialNumber)
	if c.onConnLost != nil {
		c.onConnLost(err)
	}
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	var received Report
	if err := json.Unmarshal(msg.Payload(), &received); err != nil {
		// Malformed payloads are logged and skipped - never crash the driver.
		slog.Debug("failed to unmarshal printer message", "error", err, "serial", c.config.SerialNumber)
		return
	}

	// Ignore messages that aren't print status reports.
	// Valid reports have a gcode_state field populated.
	if received.Print.GcodeState == "" {
		slog.Debug("ignoring non-status printer message", "serial", c.config.SerialNumber)
		return
	}

	c.mu.Lock()
	c.last = received
	c.lastSeen = time.Now()
	c.haveReport = true
	fn := c.onReport
	c.mu.Unlock()

	if fn != nil {
		fn(received)
	}
}

// requestPushAll asks the printer to publish its complete state.
func (c *Client) requestPushAll() error {
	return c.publishCommand(map[string]any{
		"pushing": map[string]any{
			"command":     "pushall",
			"sequence_id": "0",
		},
	})
}

func (c *Client) publishCommand(cmd map[string]any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	topic := fmt.Sprintf("device/%s/request", c.config.SerialNumber)
	token := client.Publish(topic, mqttQoS, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %w", token.Error())
	}
	return nil
}
