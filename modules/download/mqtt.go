package download

import (
	"context"
	"errors"

	"github.com/printernizer/printernizer/modules/storage"
)

// mqttStrategy is a placeholder for file transfer over the Bambu MQTT
// channel. The report stream carries no file payloads, so the strategy
// reports itself unavailable and the manager falls through to FTP and HTTP.
type mqttStrategy struct{}

func (mqttStrategy) Name() string { return "mqtt" }

func (mqttStrategy) Available(p *storage.Printer) bool { return false }

func (mqttStrategy) Download(ctx context.Context, p *storage.Printer, filename, destPath string) (int64, error) {
	return 0, errors.New("mqtt transfer not supported")
}
