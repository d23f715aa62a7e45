package notify

import (
	"encoding/json"
	"fmt"

	"github.com/printernizer/printernizer/engine"
)

// message is the channel-neutral notification content.
type message struct {
	Title string
	Body  string
}

// formatEvent renders a bus event for humans. Unknown event types get a
// generic rendering so new events are never silently dropped.
func formatEvent(event engine.Event) message {
	payload := asMap(event.Payload)
	printer := str(payload, "printer_name")
	filename := str(payload, "filename")

	switch event.Type {
	case engine.EventPrintStarted:
		return message{
			Title: "Print started",
			Body:  fmt.Sprintf("%s started printing %s", printer, filename),
		}
	case engine.EventJobCompleted:
		return message{
			Title: "Print completed",
			Body:  fmt.Sprintf("%s finished %s", printer, filename),
		}
	case engine.EventJobFailed:
		body := fmt.Sprintf("%s failed while printing %s", printer, filename)
		if code := str(payload, "error_code"); code != "" {
			body += fmt.Sprintf(" (error %s)", code)
		}
		return message{Title: "Print failed", Body: body}
	case engine.EventPrinterOffline:
		return message{
			Title: "Printer offline",
			Body:  fmt.Sprintf("%s stopped responding", printer),
		}
	case engine.EventPrinterError:
		return message{
			Title: "Printer needs attention",
			Body:  fmt.Sprintf("%s entered state %s", printer, str(payload, "state")),
		}
	}

	body := event.Type
	if printer != "" {
		body = fmt.Sprintf("%s: %s", printer, event.Type)
	}
	return message{Title: "Printernizer event", Body: body}
}

func asMap(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
