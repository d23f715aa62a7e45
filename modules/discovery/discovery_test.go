package discovery

import (
	"encoding/json"
	"testing"

	"github.com/printernizer/printernizer/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	e := entity{field: "bed_temp", component: "sensor"}
	assert.Equal(t, "homeassistant/sensor/printernizer_p1_bed_temp/config", configTopic("homeassistant", e, "p1"))
	assert.Equal(t, "printernizer/p1/bed_temp", stateTopic("p1", "bed_temp"))
	assert.Equal(t, "printernizer/p1/available", availabilityTopic("p1"))
}

func TestBuildConfig(t *testing.T) {
	e := entity{field: "nozzle_temp", component: "sensor", name: "Nozzle Temperature", unit: "°C", deviceClass: "temperature"}
	cfg := buildConfig("homeassistant", e, "p1", "X1 Carbon", "bambu")

	assert.Equal(t, "X1 Carbon Nozzle Temperature", cfg.Name)
	assert.Equal(t, "printernizer_p1_nozzle_temp", cfg.UniqueID)
	assert.Equal(t, "printernizer/p1/nozzle_temp", cfg.StateTopic)
	assert.Equal(t, "printernizer/p1/available", cfg.AvailabilityTopic)
	assert.Equal(t, "online", cfg.PayloadAvailable)
	assert.Equal(t, "offline", cfg.PayloadNotAvail)
	assert.Equal(t, []string{"printernizer_p1"}, cfg.Device.Identifiers)
	assert.Equal(t, "bambu", cfg.Device.Model)
	assert.Equal(t, engine.Version, cfg.Device.SWVersion)

	// Optional fields stay out of the JSON when empty.
	data, err := json.Marshal(buildConfig("homeassistant", entity{field: "state", component: "sensor", name: "State"}, "p1", "X1", "bambu"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "unit_of_measurement")
	assert.NotContains(t, string(data), "device_class")
}

func TestEntitySet(t *testing.T) {
	// One config topic per entity, no collisions.
	seen := map[string]bool{}
	for _, e := range entities {
		topic := configTopic("homeassistant", e, "p1")
		assert.False(t, seen[topic], topic)
		seen[topic] = true
	}
	assert.Len(t, seen, 8)

	// Connectivity is exposed as its own binary sensor so automations can
	// trigger on printers dropping off the network.
	var online *entity
	for i := range entities {
		if entities[i].field == "online" {
			online = &entities[i]
		}
	}
	require.NotNil(t, online)
	assert.Equal(t, "binary_sensor", online.component)
	assert.Equal(t, "connectivity", online.deviceClass)
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "60.5", formatFloat(60.5))
	assert.Equal(t, "0.0", formatFloat(0))
	assert.Equal(t, "219.9", formatFloat(219.94))
}
