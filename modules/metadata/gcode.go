package metadata

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/printernizer/printernizer/modules/storage"
)

// G-code files can be hundreds of megabytes of movement commands, but the
// slicer settings live in comment blocks at the head and tail. Scan both.
const (
	gcodeHeadBytes = 256 << 10
	gcodeTailBytes = 256 << 10
)

// extractGcode parses slicer comment headers. PrusaSlicer, BambuStudio,
// OrcaSlicer and Cura each use their own key spellings and separators; the
// key table below folds them together.
func extractGcode(path string) (*storage.Metadata, []byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, 0, 0, err
	}

	var regions []byte
	head := make([]byte, min64(gcodeHeadBytes, info.Size()))
	if _, err := io.ReadFull(f, head); err != nil && err != io.ErrUnexpectedEOF {
		return nil, nil, 0, 0, err
	}
	regions = head

	if info.Size() > gcodeHeadBytes {
		offset := info.Size() - gcodeTailBytes
		if offset < gcodeHeadBytes {
			offset = gcodeHeadBytes
		}
		tail := make([]byte, info.Size()-offset)
		if _, err := f.ReadAt(tail, offset); err != nil && err != io.EOF {
			return nil, nil, 0, 0, err
		}
		regions = append(regions, '\n')
		regions = append(regions, tail...)
	}

	meta := &storage.Metadata{}
	thumb, tw, th := parseGcodeComments(bytes.NewReader(regions), meta)
	return meta, thumb, tw, th, nil
}

func parseGcodeComments(r io.Reader, meta *storage.Metadata) (thumb []byte, tw, th int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var thumbLines []string
	var thumbW, thumbH int
	inThumb := false
	bestThumbArea := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		comment := strings.TrimSpace(strings.TrimLeft(line, "; "))

		// PrusaSlicer embeds base64 PNG thumbnails between begin/end markers.
		if strings.HasPrefix(comment, "thumbnail begin") {
			inThumb = true
			thumbLines = thumbLines[:0]
			thumbW, thumbH = parseThumbDims(comment)
			continue
		}
		if strings.HasPrefix(comment, "thumbnail end") {
			inThumb = false
			if area := thumbW * thumbH; area > bestThumbArea {
				if data, err := base64.StdEncoding.DecodeString(strings.Join(thumbLines, "")); err == nil {
					thumb, tw, th = data, thumbW, thumbH
					bestThumbArea = area
				}
			}
			continue
		}
		if inThumb {
			thumbLines = append(thumbLines, comment)
			continue
		}

		key, value, ok := splitComment(comment)
		if !ok {
			applyGcodeFreeform(meta, comment)
			continue
		}
		applyGcodeSetting(meta, key, value)
	}
	return thumb, tw, th
}

// splitComment separates "key = value" (PrusaSlicer) and "key: value"
// (BambuStudio, Cura) comment forms.
func splitComment(comment string) (key, value string, ok bool) {
	eq := strings.Index(comment, "=")
	colon := strings.Index(comment, ":")
	sep := eq
	if sep < 0 || (colon >= 0 && colon < sep) {
		sep = colon
	}
	if sep <= 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(comment[:sep]))
	value = strings.TrimSpace(comment[sep+1:])
	return key, value, value != ""
}

// applyGcodeFreeform handles generator lines that carry no separator, like
// "generated by PrusaSlicer 2.7.1 on ...".
func applyGcodeFreeform(meta *storage.Metadata, comment string) {
	lower := strings.ToLower(comment)
	switch {
	case strings.HasPrefix(lower, "generated by "):
		fields := strings.Fields(comment[len("generated by "):])
		if len(fields) > 0 {
			meta.SlicerName = fields[0]
		}
		if len(fields) > 1 && meta.SlicerVersion == "" {
			meta.SlicerVersion = strings.TrimPrefix(fields[1], "v")
		}
	case strings.HasPrefix(lower, "bambustudio"):
		meta.SlicerName = "BambuStudio"
		if fields := strings.Fields(comment); len(fields) > 1 {
			meta.SlicerVersion = fields[1]
		}
	case strings.HasPrefix(lower, "orcaslicer"):
		meta.SlicerName = "OrcaSlicer"
		if fields := strings.Fields(comment); len(fields) > 1 {
			meta.SlicerVersion = fields[1]
		}
	}
}

func applyGcodeSetting(meta *storage.Metadata, key, value string) {
	switch key {
	case "layer_height", "layer height":
		if v, ok := parseFloat(value); ok {
			meta.LayerHeightMM = floatPtr(v)
		}
	case "first_layer_height", "initial_layer_print_height", "initial layer height":
		if v, ok := parseFloat(value); ok {
			meta.FirstLayerHeightMM = floatPtr(v)
		}
	case "nozzle_diameter":
		if v, ok := parseFloat(value); ok {
			meta.NozzleDiameterMM = floatPtr(v)
		}
	case "perimeters", "wall_loops", "wall count":
		if v, ok := parseInt(value); ok {
			meta.WallCount = intPtr(v)
		}
	case "fill_density", "sparse_infill_density", "infill density":
		if v, ok := parseFloat(strings.TrimSuffix(value, "%")); ok {
			meta.InfillDensityPct = floatPtr(v)
		}
	case "fill_pattern", "sparse_infill_pattern", "infill pattern":
		meta.InfillPattern = value
	case "support_material", "enable_support", "support_used", "support enabled":
		if v, ok := parseBool(value); ok {
			meta.SupportUsed = boolPtr(v)
		}
	case "temperature", "nozzle_temperature", "first_layer_temperature":
		if meta.NozzleTempC == nil {
			if v, ok := parseFloat(value); ok {
				meta.NozzleTempC = floatPtr(v)
			}
		}
	case "bed_temperature", "first_layer_bed_temperature", "hot_plate_temp", "bed temperature":
		if meta.BedTempC == nil {
			if v, ok := parseFloat(value); ok {
				meta.BedTempC = floatPtr(v)
			}
		}
	case "max_print_speed", "outer_wall_speed", "print speed":
		if meta.PrintSpeedMMS == nil {
			if v, ok := parseFloat(value); ok {
				meta.PrintSpeedMMS = floatPtr(v)
			}
		}
	case "total layer number", "layer_count", "total_layer_count":
		if v, ok := parseInt(value); ok {
			meta.TotalLayerCount = intPtr(v)
		}
	case "estimated printing time (normal mode)", "total estimated time", "model printing time", "time":
		if v, ok := parseDurationMinutes(value); ok {
			meta.EstimatedTimeMin = intPtr(v)
		}
	case "filament used [g]", "total filament used [g]", "total filament weight [g]", "filament_weight":
		if v, ok := parseFloat(value); ok {
			meta.TotalWeightG = floatPtr(v)
		}
	case "filament used [mm]", "total filament length [mm]":
		if v, ok := parseFloat(value); ok {
			meta.FilamentLengthM = floatPtr(v / 1000)
		}
	case "filament_type", "filament type", "material":
		meta.MaterialTypes = splitList(value)
	case "filament_colour", "filament_color", "filament colour":
		meta.FilamentColors = splitList(value)
		if len(meta.FilamentColors) > 0 {
			meta.PrimaryColor = meta.FilamentColors[0]
			meta.ColorDisplay = colorDisplay(meta.FilamentColors)
		}
	case "printer_model", "compatible_printers_condition", "printer model":
		if value != "" {
			meta.CompatiblePrinters = splitList(value)
		}
	case "curr_bed_type", "bed type":
		meta.BedType = value
	case "slicer version":
		// Some postprocessors emit "Name 1.2.3" under one key.
		fields := strings.Fields(value)
		if len(fields) >= 2 {
			meta.SlicerName = fields[0]
			meta.SlicerVersion = fields[1]
		} else {
			meta.SlicerVersion = value
		}
	}
}

func parseThumbDims(comment string) (w, h int) {
	// "thumbnail begin 300x300 123456"
	fields := strings.Fields(comment)
	for _, f := range fields {
		if x := strings.Index(f, "x"); x > 0 {
			if wv, ok := parseInt(f[:x]); ok {
				if hv, ok := parseInt(f[x+1:]); ok {
					return wv, hv
				}
			}
		}
	}
	return 0, 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
