package geoloc

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFootprint_Nadir(t *testing.T) {
	poly, err := Footprint(nadirFrame(), 0)
	require.NoError(t, err)
	require.Len(t, poly, 1)

	ring := poly[0]
	assert.Len(t, ring, 5)
	assert.True(t, ring.Closed())
	assert.Equal(t, orb.CCW, ring.Orientation())

	b := poly.Bound()
	assert.InDelta(t, 499700, b.Min[0], 1e-6)
	assert.InDelta(t, 6099700, b.Min[1], 1e-6)
	assert.InDelta(t, 500300, b.Max[0], 1e-6)
	assert.InDelta(t, 6100300, b.Max[1], 1e-6)
}

func TestFootprint_ObliqueContainsCenter(t *testing.T) {
	frame := obliqueFrame()
	poly, err := Footprint(frame, 20)
	require.NoError(t, err)

	center, ok := ToWorld(frame, frame.Center(), 20)
	require.True(t, ok)
	assert.True(t, planar.PolygonContains(poly, center.Point()))
	assert.False(t, planar.PolygonContains(poly, frame.PerspectiveCenter.Point()),
		"a forward oblique view does not see the ground below the camera")
}

func TestFootprint_AboveHorizon(t *testing.T) {
	frame := nadirFrame()
	frame.Omega = 80

	_, err := Footprint(frame, 0)
	assert.True(t, errors.Is(err, ErrDegenerateGeometry), "got %v", err)

	frame.FocalLength = 0
	_, err = Footprint(frame, 0)
	assert.True(t, errors.Is(err, ErrMissingOrientationData))
}

func TestDrapedFootprint_FlatMatchesPlane(t *testing.T) {
	frame := obliqueFrame()
	flat, err := Footprint(frame, 42)
	require.NoError(t, err)

	draped, elevations, err := DrapedFootprint(context.Background(), NewSolver(flat42(t)), frame, 1)
	require.NoError(t, err)
	require.Len(t, elevations, 4)
	for _, z := range elevations {
		assert.InDelta(t, 42, z, 1e-9)
	}

	require.Len(t, draped[0], len(flat[0]))
	for i := range flat[0] {
		assert.InDelta(t, flat[0][i][0], draped[0][i][0], 1e-6)
		assert.InDelta(t, flat[0][i][1], draped[0][i][1], 1e-6)
	}
}

func TestDrapedFootprint_EdgeSampling(t *testing.T) {
	frame := obliqueFrame()
	draped, elevations, err := DrapedFootprint(context.Background(), NewSolver(ConstantElevation(5)), frame, 4)
	require.NoError(t, err)
	assert.Len(t, elevations, 16)
	assert.Len(t, draped[0], 17)
}

func TestSimplifyFootprint(t *testing.T) {
	frame := obliqueFrame()
	draped, _, err := DrapedFootprint(context.Background(), NewSolver(ConstantElevation(5)), frame, 8)
	require.NoError(t, err)
	require.Len(t, draped[0], 33)

	plane, err := Footprint(frame, 5)
	require.NoError(t, err)

	simple := SimplifyFootprint(draped, 0.05)
	require.Len(t, simple[0], 5, "collinear edge samples collapse to the corners")
	assert.True(t, simple[0].Closed())
	assert.InDelta(t, planar.Area(plane), planar.Area(simple), 1e-3)

	assert.Equal(t, draped, SimplifyFootprint(draped, 0))
	assert.Nil(t, SimplifyFootprint(nil, 1))
}

func TestFootprintFeature(t *testing.T) {
	item, err := ParseImageItem([]byte(sampleItem))
	require.NoError(t, err)
	poly, err := Footprint(item.Frame, 0)
	require.NoError(t, err)

	f := FootprintFeature(item, poly)
	assert.Equal(t, item.ID, f.ID)
	assert.Equal(t, "east", f.Properties["direction"])
	assert.Equal(t, poly, f.Geometry)
}
