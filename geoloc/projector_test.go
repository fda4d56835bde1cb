package geoloc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWorld_NadirCenter(t *testing.T) {
	w, ok := ToWorld(nadirFrame(), PixelCoordinate{Col: 5000, Row: 5000}, 0)
	require.True(t, ok)
	assert.InDelta(t, 500000, w.X, 1e-6)
	assert.InDelta(t, 6100000, w.Y, 1e-6)
	assert.Equal(t, 0.0, w.Z)
}

func TestToWorld_NadirAxes(t *testing.T) {
	p := NewProjector(nadirFrame())

	// 30 mm off-axis at f=100 mm from 1000 m up is 300 m on the ground.
	tests := []struct {
		name  string
		px    PixelCoordinate
		wantX float64
		wantY float64
	}{
		{"top edge", PixelCoordinate{Col: 5000, Row: 0}, 500000, 6099700},
		{"bottom edge", PixelCoordinate{Col: 5000, Row: 10000}, 500000, 6100300},
		{"left edge", PixelCoordinate{Col: 0, Row: 5000}, 499700, 6100000},
		{"right edge", PixelCoordinate{Col: 10000, Row: 5000}, 500300, 6100000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := p.ToWorld(tt.px, 0)
			require.True(t, ok)
			assert.InDelta(t, tt.wantX, w.X, 1e-6)
			assert.InDelta(t, tt.wantY, w.Y, 1e-6)
		})
	}
}

func TestToWorld_ElevationEchoed(t *testing.T) {
	p := NewProjector(obliqueFrame())
	for _, z := range []float64{-20, 0, 42, 317.5} {
		w, ok := p.ToWorld(PixelCoordinate{Col: 1200, Row: 8000}, z)
		require.True(t, ok)
		assert.Equal(t, z, w.Z)
	}
}

func TestProjector_RoundTripPixel(t *testing.T) {
	frames := map[string]CameraFrame{
		"nadir":   nadirFrame(),
		"oblique": obliqueFrame(),
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			p := NewProjector(frame)
			for _, z := range []float64{0, 55.5, 240} {
				for col := 0.0; col <= frame.SensorWidth; col += frame.SensorWidth / 7 {
					for row := 0.0; row <= frame.SensorHeight; row += frame.SensorHeight / 5 {
						px := PixelCoordinate{Col: col, Row: row}
						w, ok := p.ToWorld(px, z)
						require.True(t, ok, "ToWorld %v", px)

						back, ok := p.ToImage(w)
						require.True(t, ok, "ToImage %v", w)
						assert.InDelta(t, px.Col, back.Col, 0.5)
						assert.InDelta(t, px.Row, back.Row, 0.5)
						assert.InDelta(t, px.Col, back.Col, 1e-6)
						assert.InDelta(t, px.Row, back.Row, 1e-6)
					}
				}
			}
		})
	}
}

func TestProjector_RoundTripWorld(t *testing.T) {
	p := NewProjector(obliqueFrame())
	anchor, ok := p.ToWorld(obliqueFrame().Center(), 35)
	require.True(t, ok)

	offsets := [][2]float64{{0, 0}, {120, -40}, {-300, 250}, {75.25, 510.5}}
	for _, off := range offsets {
		w := WorldCoordinate{X: anchor.X + off[0], Y: anchor.Y + off[1], Z: 35}

		px, ok := p.ToImage(w)
		require.True(t, ok, "point %v should be in front of the camera", w)

		got, ok := p.ToWorld(px, w.Z)
		require.True(t, ok)
		assert.InDelta(t, w.X, got.X, 1e-6)
		assert.InDelta(t, w.Y, got.Y, 1e-6)
		assert.Equal(t, w.Z, got.Z)
	}
}

func TestToImage_Degenerate(t *testing.T) {
	frame := nadirFrame()
	tests := []struct {
		name string
		w    WorldCoordinate
	}{
		{"above camera", WorldCoordinate{X: 500000, Y: 6100000, Z: 2000}},
		{"behind focal plane offset", WorldCoordinate{X: 500100, Y: 6099900, Z: 1500}},
		{"level with camera", WorldCoordinate{X: 500500, Y: 6100000, Z: 1000}},
		{"at perspective center", frame.PerspectiveCenter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ToImage(frame, tt.w)
			assert.False(t, ok)
		})
	}
}

func TestToWorld_DegenerateHorizontalRay(t *testing.T) {
	frame := nadirFrame()
	frame.Omega = 90

	_, ok := ToWorld(frame, frame.Center(), 0)
	assert.False(t, ok)
}

func TestProjector_NaNPropagates(t *testing.T) {
	p := NewProjector(obliqueFrame())

	w, ok := p.ToWorld(PixelCoordinate{Col: math.NaN(), Row: 10}, 0)
	assert.True(t, ok)
	assert.True(t, math.IsNaN(w.X))

	px, ok := p.ToImage(WorldCoordinate{X: math.NaN(), Y: 6222000, Z: 0})
	assert.True(t, ok)
	assert.True(t, math.IsNaN(px.Col))
}

func TestProjector_PrincipalPointShiftsImage(t *testing.T) {
	frame := nadirFrame()
	frame.PrincipalPoint = [2]float64{0.06, -0.03}

	// The principal point is where the optical axis meets the sensor.
	px := PixelCoordinate{
		Col: frame.SensorWidth/2 + frame.PrincipalPoint[0]/frame.PixelSpacing,
		Row: frame.SensorHeight/2 + frame.PrincipalPoint[1]/frame.PixelSpacing,
	}
	w, ok := ToWorld(frame, px, 0)
	require.True(t, ok)
	assert.InDelta(t, 500000, w.X, 1e-6)
	assert.InDelta(t, 6100000, w.Y, 1e-6)
}
