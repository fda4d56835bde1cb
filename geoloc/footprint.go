package geoloc

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"github.com/pkg/errors"
)

// edgePixels walks the sensor border clockwise from the top-left corner with
// perEdge points per side (corners included once).
func edgePixels(frame CameraFrame, perEdge int) []PixelCoordinate {
	perEdge = max(perEdge, 1)
	w, h := frame.SensorWidth, frame.SensorHeight
	out := make([]PixelCoordinate, 0, 4*perEdge)
	for i := range perEdge {
		t := float64(i) / float64(perEdge)
		out = append(out, PixelCoordinate{Col: t * w, Row: 0})
	}
	for i := range perEdge {
		t := float64(i) / float64(perEdge)
		out = append(out, PixelCoordinate{Col: w, Row: t * h})
	}
	for i := range perEdge {
		t := float64(i) / float64(perEdge)
		out = append(out, PixelCoordinate{Col: w - t*w, Row: h})
	}
	for i := range perEdge {
		t := float64(i) / float64(perEdge)
		out = append(out, PixelCoordinate{Col: 0, Row: h - t*h})
	}
	return out
}

// Footprint returns the ground polygon covered by frame on the horizontal
// plane at elevation z. It fails with ErrDegenerateGeometry if any corner ray
// misses the plane.
func Footprint(frame CameraFrame, z float64) (orb.Polygon, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	p := NewProjector(frame)

	ring := make(orb.Ring, 0, 5)
	for _, px := range frame.Corners() {
		w, ok := p.ToWorld(px, z)
		if !ok || !p.inFront(w) {
			return nil, errors.Wrapf(ErrDegenerateGeometry, "corner %v does not reach the ground", px)
		}
		ring = append(ring, w.Point())
	}
	return closeRing(ring), nil
}

// DrapedFootprint solves perEdge points along each sensor edge against the
// solver's terrain and returns the resulting polygon with the per-vertex
// elevations.
func DrapedFootprint(ctx context.Context, s *Solver, frame CameraFrame, perEdge int) (orb.Polygon, []float64, error) {
	pixels := edgePixels(frame, perEdge)
	results, err := s.SolveBatch(ctx, frame, pixels, 0)
	if err != nil {
		return nil, nil, err
	}

	p := NewProjector(frame)
	ring := make(orb.Ring, 0, len(results)+1)
	elevations := make([]float64, 0, len(results))
	for i, r := range results {
		if r.Status == StatusDegenerate || !p.inFront(r.World) {
			return nil, nil, errors.Wrapf(ErrDegenerateGeometry, "edge pixel %v does not reach the ground", pixels[i])
		}
		ring = append(ring, r.World.Point())
		elevations = append(elevations, r.World.Z)
	}
	return closeRing(ring), elevations, nil
}

// SimplifyFootprint drops outer ring vertices that deviate less than
// tolerance metres from the Douglas-Peucker simplified outline. Rings that
// would collapse below a triangle are returned unchanged.
func SimplifyFootprint(poly orb.Polygon, tolerance float64) orb.Polygon {
	if len(poly) == 0 || tolerance <= 0 {
		return poly
	}
	simplified := simplify.DouglasPeucker(tolerance).Simplify(orb.LineString(poly[0].Clone()))
	ls, ok := simplified.(orb.LineString)
	if !ok || len(ls) < 4 {
		return poly
	}
	return append(orb.Polygon{orb.Ring(ls)}, poly[1:]...)
}

func closeRing(r orb.Ring) orb.Polygon {
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	// Ground rings come out clockwise or counter-clockwise depending on the
	// camera; GeoJSON wants counter-clockwise outer rings.
	if r.Orientation() == orb.CW {
		r.Reverse()
	}
	return orb.Polygon{r}
}

// FootprintFeature wraps an item's footprint as a GeoJSON feature.
func FootprintFeature(item *ImageItem, poly orb.Polygon) *geojson.Feature {
	f := geojson.NewFeature(poly)
	f.ID = item.ID
	f.Properties["collection"] = item.Collection
	f.Properties["direction"] = item.Direction
	f.Properties["datetime"] = item.Datetime
	return f
}
