package metadata

import (
	"strconv"
	"strings"
)

// parseFloat handles the numeric formats slicers emit: plain numbers, values
// with trailing units ("12.5mm", "45g"), and per-extruder comma lists which
// are summed ("15.5,8.3," -> 23.8).
func parseFloat(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if strings.Contains(raw, ",") {
		var sum float64
		var any bool
		for _, part := range strings.Split(raw, ",") {
			if v, ok := parseFloat(part); ok {
				sum += v
				any = true
			}
		}
		return sum, any
	}

	// Strip a trailing unit: keep the leading numeric run.
	end := len(raw)
	for i, r := range raw {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' {
			end = i
			break
		}
	}
	v, err := strconv.ParseFloat(raw[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseInt(raw string) (int, bool) {
	v, ok := parseFloat(raw)
	if !ok {
		return 0, false
	}
	return int(v), true
}

// parseBool coerces the slicer spellings of truth.
func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on", "enabled":
		return true, true
	case "0", "false", "no", "off", "disabled", "none":
		return false, true
	}
	return false, false
}

// parseDurationMinutes handles estimated print times: "1h 32m 10s",
// "2d 1h 5m", "5400" (seconds), and "92m".
func parseDurationMinutes(raw string) (int, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0, false
	}

	if !strings.ContainsAny(raw, "dhms") {
		// Bare number: seconds.
		if v, ok := parseFloat(raw); ok {
			return int(v / 60), true
		}
		return 0, false
	}

	var totalSec float64
	var num strings.Builder
	ok := false
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num.WriteRune(r)
		case r == 'd' || r == 'h' || r == 'm' || r == 's':
			v, err := strconv.ParseFloat(num.String(), 64)
			num.Reset()
			if err != nil {
				continue
			}
			switch r {
			case 'd':
				totalSec += v * 86400
			case 'h':
				totalSec += v * 3600
			case 'm':
				totalSec += v * 60
			case 's':
				totalSec += v
			}
			ok = true
		default:
			num.Reset()
		}
	}
	if !ok {
		return 0, false
	}
	return int(totalSec / 60), true
}

// splitList breaks a multi-value setting on semicolons, which the slicers use
// to separate per-extruder and per-object values.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// hexColorNames maps the common filament hex codes to display names.
var hexColorNames = map[string]string{
	"#000000": "Black",
	"#FFFFFF": "White",
	"#FF0000": "Red",
	"#00FF00": "Green",
	"#0000FF": "Blue",
	"#FFFF00": "Yellow",
	"#FFA500": "Orange",
	"#800080": "Purple",
	"#FFC0CB": "Pink",
	"#A52A2A": "Brown",
	"#808080": "Gray",
	"#C0C0C0": "Silver",
	"#FFD700": "Gold",
}

func colorName(hex string) string {
	hex = strings.ToUpper(strings.TrimSpace(hex))
	if hex == "" {
		return ""
	}
	if !strings.HasPrefix(hex, "#") {
		hex = "#" + hex
	}
	if name, ok := hexColorNames[hex]; ok {
		return name
	}
	return hex
}

// colorDisplay renders a color list for humans: "Black", "Black & White",
// "Black, White & Red".
func colorDisplay(colors []string) string {
	names := make([]string, 0, len(colors))
	for _, c := range colors {
		if n := colorName(c); n != "" {
			names = append(names, n)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " & " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " & " + names[len(names)-1]
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }
