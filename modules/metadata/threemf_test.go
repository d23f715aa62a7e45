package metadata

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/printernizer/printernizer/modules/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPlateJSON(t *testing.T) {
	meta := &storage.Metadata{}
	applyPlateJSON(meta, []byte(`{
		"bbox_all": [10.0, 20.0, 110.0, 95.0],
		"bbox_objects": [{"id": 1}, {"id": 2}],
		"filament_colors": ["#00FF00"],
		"nozzle_diameter": 0.4
	}`))

	assert.Equal(t, 100.0, *meta.WidthMM)
	assert.Equal(t, 75.0, *meta.DepthMM)
	assert.Equal(t, 2, *meta.ObjectCount)
	assert.Equal(t, 0.4, *meta.NozzleDiameterMM)
	assert.Equal(t, "Green", meta.ColorDisplay)
}

func TestApplyPlateJSONMalformed(t *testing.T) {
	meta := &storage.Metadata{}
	applyPlateJSON(meta, []byte(`{not json`))
	applyPlateJSON(meta, nil)
	assert.Nil(t, meta.WidthMM)
}

func TestApplyProcessSettings(t *testing.T) {
	meta := &storage.Metadata{}
	applyProcessSettings(meta, []byte(`{
		"layer_height": "0.16",
		"wall_loops": "2",
		"sparse_infill_density": "25%",
		"sparse_infill_pattern": "grid",
		"enable_support": "1",
		"nozzle_temperature": ["220", "220"],
		"total_layer_count": 312
	}`))

	assert.Equal(t, 0.16, *meta.LayerHeightMM)
	assert.Equal(t, 2, *meta.WallCount)
	assert.Equal(t, 25.0, *meta.InfillDensityPct)
	assert.Equal(t, "grid", meta.InfillPattern)
	assert.True(t, *meta.SupportUsed)
	// Per-extruder arrays collapse to the first value.
	assert.Equal(t, 220.0, *meta.NozzleTempC)
	assert.Equal(t, 312, *meta.TotalLayerCount)
}

func TestApplySliceInfo(t *testing.T) {
	meta := &storage.Metadata{}
	applySliceInfo(meta, []byte(`
		<config>
		  <plate>
		    <metadata key="weight" value="42.5"/>
		    <metadata key="prediction" value="7260"/>
		    <metadata key="support_used" value="true"/>
		    <metadata key="printer_model_id" value="C11"/>
		    <filament id="1" type="PLA" color="#000000" used_m="3.15" used_g="25.1"/>
		    <filament id="2" type="PETG" color="#FFFFFF" used_m="1.02" used_g="17.4"/>
		  </plate>
		</config>`))

	assert.Equal(t, 42.5, *meta.TotalWeightG, "explicit weight beats the filament sum")
	assert.Equal(t, 121, *meta.EstimatedTimeMin)
	assert.True(t, *meta.SupportUsed)
	assert.Equal(t, []string{"C11"}, meta.CompatiblePrinters)
	assert.Equal(t, []string{"PLA", "PETG"}, meta.MaterialTypes)
	assert.Equal(t, "Black & White", meta.ColorDisplay)
	require.NotNil(t, meta.FilamentLengthM)
	assert.InDelta(t, 4.17, *meta.FilamentLengthM, 1e-9)
}

func TestApplySliceInfoWeightFallback(t *testing.T) {
	meta := &storage.Metadata{}
	applySliceInfo(meta, []byte(`
		<config>
		  <plate>
		    <filament id="1" type="PLA" color="#FF0000" used_m="2.0" used_g="12.5"/>
		  </plate>
		</config>`))

	require.NotNil(t, meta.TotalWeightG)
	assert.Equal(t, 12.5, *meta.TotalWeightG)
}

func TestLargestPNGPicksByArea(t *testing.T) {
	// A noisy 8x8 preview compresses worse than a flat 16x16 plate render,
	// so byte size would pick the wrong one.
	noisy := encodePNG(t, 8, 8, func(x, y int) color.RGBA {
		return color.RGBA{uint8(x*37 + y*11), uint8(x*53 + y*29), uint8(x * y), 255}
	})
	plate := encodePNG(t, 16, 16, func(x, y int) color.RGBA {
		return color.RGBA{200, 200, 200, 255}
	})
	require.Greater(t, len(noisy), len(plate))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"Metadata/top_1.png":   noisy,
		"Metadata/plate_1.png": plate,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	thumb, w, h := largestPNG(zr.File)
	assert.Equal(t, 16, w)
	assert.Equal(t, 16, h)
	assert.Equal(t, plate, thumb)
}

func encodePNG(t *testing.T, w, h int, pixel func(x, y int) color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, pixel(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSettingString(t *testing.T) {
	assert.Equal(t, "0.2", settingString("0.2"))
	assert.Equal(t, "220", settingString(float64(220)))
	assert.Equal(t, "1", settingString(true))
	assert.Equal(t, "0", settingString(false))
	assert.Equal(t, "a", settingString([]any{"a", "b"}))
	assert.Equal(t, "", settingString([]any{}))
	assert.Equal(t, "", settingString(nil))
}
