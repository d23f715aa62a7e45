package printers

import (
	"context"
	"fmt"
	"time"

	"github.com/printernizer/printernizer/modules/storage"
)

// ProtocolClient is the capability surface a driver needs from a vendor
// protocol. Push clients (Bambu MQTT, OctoPrint SockJS) receive unsolicited
// updates and serve Status from a cache; pull clients (PrusaLink) fetch on
// every call.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	Disconnect()

	// Push reports whether this client receives unsolicited updates. The
	// scheduler uses a liveness probe instead of polling for push clients.
	Push() bool

	// LastMessage returns when the last push update arrived. Always zero for
	// pull clients.
	LastMessage() time.Time

	// Status returns the current normalized observation. Pull clients hit
	// the network; push clients return the cached report and fail when it
	// has gone stale.
	Status(ctx context.Context) (*Status, error)

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error

	ListFiles(ctx context.Context) ([]RemoteFile, error)
}

// ClientOptions tunes protocol client construction. Zero values fall back to
// per-protocol defaults.
type ClientOptions struct {
	StaleAfter         time.Duration
	MqttConnectTimeout time.Duration
	MqttReconnectDelay time.Duration
}

// NewProtocolClient builds the protocol client matching the printer's kind.
func NewProtocolClient(p *storage.Printer, opts ClientOptions) (ProtocolClient, error) {
	switch p.Kind {
	case storage.KindBambu:
		return newBambuAdapter(p, opts), nil
	case storage.KindPrusa:
		return newPrusaAdapter(p), nil
	case storage.KindOctoPrint:
		return newOctoPrintAdapter(p, opts.StaleAfter), nil
	default:
		return nil, fmt.Errorf("unknown printer kind %q", p.Kind)
	}
}
