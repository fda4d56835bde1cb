package geoloc

import (
	"context"
	"encoding/json"
	"image"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// Grid is an in-memory Raster stored row major with row 0 at the north edge.
type Grid struct {
	bound  orb.Bound
	width  int
	height int
	values []float64
	noData *float64
}

// NewGrid wraps values (len width*height) as a raster covering bound.
func NewGrid(bound orb.Bound, width, height int, values []float64) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("grid size %dx%d must be positive", width, height)
	}
	if len(values) != width*height {
		return nil, errors.Errorf("grid has %d values, want %d", len(values), width*height)
	}
	if !(bound.Max[0] > bound.Min[0]) || !(bound.Max[1] > bound.Min[1]) {
		return nil, errors.Errorf("grid bounds %v are empty", bound)
	}
	return &Grid{bound: bound, width: width, height: height, values: values}, nil
}

// FlatGrid returns a width x height grid holding z everywhere.
func FlatGrid(bound orb.Bound, width, height int, z float64) *Grid {
	values := make([]float64, width*height)
	for i := range values {
		values[i] = z
	}
	return &Grid{bound: bound, width: width, height: height, values: values}
}

// WithNoData marks v as the grid's no-data value.
func (g *Grid) WithNoData(v float64) *Grid {
	g.noData = &v
	return g
}

// Bounds implements Raster.
func (g *Grid) Bounds() orb.Bound { return g.bound }

// Size implements Raster.
func (g *Grid) Size() (int, int) { return g.width, g.height }

// NoData implements NoDataRaster.
func (g *Grid) NoData() (float64, bool) {
	if g.noData == nil {
		return 0, false
	}
	return *g.noData, true
}

// At returns the raw value of a cell. It panics outside the grid.
func (g *Grid) At(col, row int) float64 {
	return g.values[row*g.width+col]
}

// ReadWindow implements Raster. The returned rows are copies.
func (g *Grid) ReadWindow(ctx context.Context, window image.Rectangle) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := image.Rect(0, 0, g.width, g.height)
	if window.Empty() || !window.In(full) {
		return nil, errors.Errorf("window %v outside grid %v", window, full)
	}

	out := make([][]float64, window.Dy())
	for r := range out {
		start := (window.Min.Y+r)*g.width + window.Min.X
		out[r] = append([]float64(nil), g.values[start:start+window.Dx()]...)
	}
	return out, nil
}

// Range returns the smallest and largest values, ignoring no-data and NaN
// cells. ok is false when no cell qualifies.
func (g *Grid) Range() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range g.values {
		if math.IsNaN(v) || (g.noData != nil && v == *g.noData) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		ok = true
	}
	return lo, hi, ok
}

// gridFile is the JSON layout read by LoadGrid.
type gridFile struct {
	BBox   [4]float64 `json:"bbox"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Values []float64  `json:"values"`
	NoData *float64   `json:"noData,omitempty"`
}

// LoadGrid reads a terrain grid from a JSON file of the form
// {"bbox":[minX,minY,maxX,maxY],"width":W,"height":H,"values":[...],"noData":v}.
func LoadGrid(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading grid file")
	}

	var f gridFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing grid JSON")
	}

	bound := orb.Bound{Min: orb.Point{f.BBox[0], f.BBox[1]}, Max: orb.Point{f.BBox[2], f.BBox[3]}}
	g, err := NewGrid(bound, f.Width, f.Height, f.Values)
	if err != nil {
		return nil, errors.Wrapf(err, "grid %s", path)
	}
	g.noData = f.NoData
	return g, nil
}

// SaveGrid writes g in the format read by LoadGrid.
func SaveGrid(path string, g *Grid) error {
	f := gridFile{
		BBox:   [4]float64{g.bound.Min[0], g.bound.Min[1], g.bound.Max[0], g.bound.Max[1]},
		Width:  g.width,
		Height: g.height,
		Values: g.values,
		NoData: g.noData,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encoding grid")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "writing grid file")
}
