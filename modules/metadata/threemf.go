package metadata

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"image/png"
	"io"
	"strings"

	"github.com/printernizer/printernizer/modules/storage"
)

// extract3MF reads the production extensions Bambu/Orca slicers pack into
// their 3MF exports: the plate descriptor, the process settings dump and the
// slice info manifest, plus the largest embedded PNG as thumbnail.
func extract3MF(path string) (*storage.Metadata, []byte, int, int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("opening 3mf archive: %w", err)
	}
	defer zr.Close()

	meta := &storage.Metadata{}
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, "plate_1.json"):
			applyPlateJSON(meta, readZipEntry(f))
		case strings.HasSuffix(name, "process_settings_1.config"):
			applyProcessSettings(meta, readZipEntry(f))
		case strings.HasSuffix(name, "slice_info.config"):
			applySliceInfo(meta, readZipEntry(f))
		}
	}

	thumb, tw, th := largestPNG(zr.File)
	return meta, thumb, tw, th, nil
}

func readZipEntry(f *zip.File) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 16<<20))
	if err != nil {
		return nil
	}
	return data
}

// plateDescriptor is the Metadata/plate_1.json shape.
type plateDescriptor struct {
	BBoxAll        []float64 `json:"bbox_all"`
	BBoxObjects    []any     `json:"bbox_objects"`
	FilamentColors []string  `json:"filament_colors"`
	NozzleDiameter float64   `json:"nozzle_diameter"`
}

func applyPlateJSON(meta *storage.Metadata, data []byte) {
	if len(data) == 0 {
		return
	}
	var plate plateDescriptor
	if err := json.Unmarshal(data, &plate); err != nil {
		return
	}
	// bbox_all is [minX, minY, maxX, maxY] in mm.
	if len(plate.BBoxAll) == 4 {
		meta.WidthMM = floatPtr(plate.BBoxAll[2] - plate.BBoxAll[0])
		meta.DepthMM = floatPtr(plate.BBoxAll[3] - plate.BBoxAll[1])
	}
	if n := len(plate.BBoxObjects); n > 0 {
		meta.ObjectCount = intPtr(n)
	}
	if plate.NozzleDiameter > 0 {
		meta.NozzleDiameterMM = floatPtr(plate.NozzleDiameter)
	}
	if len(plate.FilamentColors) > 0 && len(meta.FilamentColors) == 0 {
		meta.FilamentColors = plate.FilamentColors
		meta.PrimaryColor = plate.FilamentColors[0]
		meta.ColorDisplay = colorDisplay(plate.FilamentColors)
	}
}

// applyProcessSettings maps the JSON settings dump onto the metadata schema.
// Values are strings or arrays of per-extruder strings; arrays collapse to
// their first element, matching how the slicer treats single-plate exports.
func applyProcessSettings(meta *storage.Metadata, data []byte) {
	if len(data) == 0 {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for key, v := range raw {
		applyGcodeSetting(meta, strings.ToLower(key), settingString(v))
	}
}

func settingString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []any:
		if len(t) == 0 {
			return ""
		}
		return settingString(t[0])
	}
	return ""
}

// sliceInfo is the Metadata/slice_info.config XML manifest.
type sliceInfo struct {
	Plates []struct {
		Metadata []struct {
			Key   string `xml:"key,attr"`
			Value string `xml:"value,attr"`
		} `xml:"metadata"`
		Filaments []struct {
			Type  string `xml:"type,attr"`
			Color string `xml:"color,attr"`
			UsedM string `xml:"used_m,attr"`
			UsedG string `xml:"used_g,attr"`
		} `xml:"filament"`
	} `xml:"plate"`
}

func applySliceInfo(meta *storage.Metadata, data []byte) {
	if len(data) == 0 {
		return
	}
	var info sliceInfo
	if err := xml.Unmarshal(data, &info); err != nil {
		return
	}
	for _, plate := range info.Plates {
		for _, kv := range plate.Metadata {
			switch strings.ToLower(kv.Key) {
			case "weight":
				if v, ok := parseFloat(kv.Value); ok {
					meta.TotalWeightG = floatPtr(v)
				}
			case "prediction":
				if v, ok := parseDurationMinutes(kv.Value); ok {
					meta.EstimatedTimeMin = intPtr(v)
				}
			case "support_used":
				if v, ok := parseBool(kv.Value); ok {
					meta.SupportUsed = boolPtr(v)
				}
			case "printer_model_id":
				if kv.Value != "" {
					meta.CompatiblePrinters = append(meta.CompatiblePrinters, kv.Value)
				}
			}
		}

		var types, colors []string
		var lengthM, weightG float64
		for _, fil := range plate.Filaments {
			if fil.Type != "" {
				types = append(types, fil.Type)
			}
			if fil.Color != "" {
				colors = append(colors, fil.Color)
			}
			if v, ok := parseFloat(fil.UsedM); ok {
				lengthM += v
			}
			if v, ok := parseFloat(fil.UsedG); ok {
				weightG += v
			}
		}
		if len(types) > 0 {
			meta.MaterialTypes = types
		}
		if len(colors) > 0 {
			meta.FilamentColors = colors
			meta.PrimaryColor = colors[0]
			meta.ColorDisplay = colorDisplay(colors)
		}
		if lengthM > 0 {
			meta.FilamentLengthM = floatPtr(lengthM)
		}
		if weightG > 0 && meta.TotalWeightG == nil {
			meta.TotalWeightG = floatPtr(weightG)
		}
	}
}

// largestPNG picks the embedded PNG with the largest pixel area, which is
// the plate render rather than the tiny pick/top previews. Byte size is no
// proxy here: a noisy small preview can out-compress a big flat render.
func largestPNG(files []*zip.File) ([]byte, int, int) {
	var best []byte
	var bestW, bestH int
	for _, f := range files {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".png") {
			continue
		}
		data := readZipEntry(f)
		if data == nil {
			continue
		}
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			continue
		}
		if cfg.Width*cfg.Height > bestW*bestH {
			best, bestW, bestH = data, cfg.Width, cfg.Height
		}
	}
	return best, bestW, bestH
}
