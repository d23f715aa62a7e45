package discovery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/printernizer/printernizer/engine"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// publisher wraps the MQTT session used for Home Assistant discovery. All
// configuration and availability messages are retained so Home Assistant
// restarts pick the fleet back up without us noticing.
type publisher struct {
	client mqtt.Client
}

func newPublisher(brokerURL, username, password, clientID string) *publisher {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	return &publisher{client: mqtt.NewClient(opts)}
}

func (p *publisher) connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt broker connect timed out")
	}
	return token.Error()
}

func (p *publisher) disconnect() { p.client.Disconnect(250) }

func (p *publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *publisher) publishJSON(topic string, retained bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.publish(topic, retained, data)
}

// entity describes one Home Assistant entity announced per printer.
type entity struct {
	field       string
	component   string
	name        string
	unit        string
	deviceClass string
	icon        string
}

// entities is the per-printer entity set. Field names double as the last
// state topic segment.
var entities = []entity{
	{field: "state", component: "sensor", name: "State", icon: "mdi:printer-3d"},
	{field: "progress", component: "sensor", name: "Progress", unit: "%"},
	{field: "bed_temp", component: "sensor", name: "Bed Temperature", unit: "°C", deviceClass: "temperature"},
	{field: "nozzle_temp", component: "sensor", name: "Nozzle Temperature", unit: "°C", deviceClass: "temperature"},
	{field: "remaining", component: "sensor", name: "Time Remaining", unit: "min", deviceClass: "duration"},
	{field: "current_file", component: "sensor", name: "Current File", icon: "mdi:file"},
	{field: "printing", component: "binary_sensor", name: "Printing", deviceClass: "running"},
	{field: "online", component: "binary_sensor", name: "Online", deviceClass: "connectivity"},
}

// entityConfig is the discovery config payload shape Home Assistant expects.
type entityConfig struct {
	Name              string       `json:"name"`
	UniqueID          string       `json:"unique_id"`
	StateTopic        string       `json:"state_topic"`
	AvailabilityTopic string       `json:"availability_topic"`
	PayloadAvailable  string       `json:"payload_available"`
	PayloadNotAvail   string       `json:"payload_not_available"`
	Unit              string       `json:"unit_of_measurement,omitempty"`
	DeviceClass       string       `json:"device_class,omitempty"`
	Icon              string       `json:"icon,omitempty"`
	Device            deviceConfig `json:"device"`
}

type deviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

func objectID(printerID, field string) string {
	return "printernizer_" + printerID + "_" + field
}

func configTopic(prefix string, e entity, printerID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, e.component, objectID(printerID, e.field))
}

func stateTopic(printerID, field string) string {
	return fmt.Sprintf("printernizer/%s/%s", printerID, field)
}

func availabilityTopic(printerID string) string {
	return fmt.Sprintf("printernizer/%s/available", printerID)
}

func buildConfig(prefix string, e entity, printerID, printerName, kind string) entityConfig {
	return entityConfig{
		Name:              printerName + " " + e.name,
		UniqueID:          objectID(printerID, e.field),
		StateTopic:        stateTopic(printerID, e.field),
		AvailabilityTopic: availabilityTopic(printerID),
		PayloadAvailable:  payloadOnline,
		PayloadNotAvail:   payloadOffline,
		Unit:              e.unit,
		DeviceClass:       e.deviceClass,
		Icon:              e.icon,
		Device: deviceConfig{
			Identifiers:  []string{"printernizer_" + printerID},
			Name:         printerName,
			Manufacturer: "Printernizer",
			Model:        kind,
			SWVersion:    engine.Version,
		},
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }
