package geoloc

import (
	"context"
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// ElevationSampler returns the terrain elevation at a planar world position.
// Implementations may perform I/O and must honour ctx.
type ElevationSampler interface {
	Elevation(ctx context.Context, x, y float64) (float64, error)
}

// SamplerFunc adapts a function to ElevationSampler.
type SamplerFunc func(ctx context.Context, x, y float64) (float64, error)

// Elevation calls f.
func (f SamplerFunc) Elevation(ctx context.Context, x, y float64) (float64, error) {
	return f(ctx, x, y)
}

// ConstantElevation is a sampler that reports the same elevation everywhere.
type ConstantElevation float64

// Elevation returns c.
func (c ConstantElevation) Elevation(context.Context, float64, float64) (float64, error) {
	return float64(c), nil
}

// Raster is a georeferenced grid of elevations. Row 0 is the northern edge.
type Raster interface {
	Bounds() orb.Bound
	Size() (width, height int)
	// ReadWindow returns the cells inside window indexed [row][col] relative
	// to window.Min. Windows outside the raster are an error.
	ReadWindow(ctx context.Context, window image.Rectangle) ([][]float64, error)
}

// NoDataRaster is implemented by rasters that declare a no-data marker.
type NoDataRaster interface {
	NoData() (float64, bool)
}

// Interpolation selects how RasterSampler combines cells.
type Interpolation int

const (
	// InterpolationNearest reads the single cell containing the position.
	InterpolationNearest Interpolation = iota
	// InterpolationBilinear blends the four cells around the position,
	// treating cell centres as sample points.
	InterpolationBilinear
)

// ParseInterpolation maps a config value to an Interpolation. The empty
// string selects nearest.
func ParseInterpolation(s string) (Interpolation, error) {
	switch s {
	case "", "nearest":
		return InterpolationNearest, nil
	case "bilinear":
		return InterpolationBilinear, nil
	}
	return InterpolationNearest, errors.Errorf("unknown interpolation %q", s)
}

func (i Interpolation) String() string {
	if i == InterpolationBilinear {
		return "bilinear"
	}
	return "nearest"
}

// RasterSampler adapts a Raster to ElevationSampler. Positions outside the
// raster clamp to the nearest edge cell; no-data cells read as FillValue.
type RasterSampler struct {
	Raster        Raster
	FillValue     float64
	Interpolation Interpolation
}

// NewRasterSampler returns a nearest-cell sampler with a fill value of 0.
func NewRasterSampler(r Raster) *RasterSampler {
	return &RasterSampler{Raster: r}
}

// position converts a world position to fractional pixel coordinates, with
// the vertical axis inverted so that row 0 is the top of the raster.
func (s *RasterSampler) position(x, y float64) (fx, fy float64, err error) {
	b := s.Raster.Bounds()
	w, h := s.Raster.Size()
	if w <= 0 || h <= 0 {
		return 0, 0, errors.Wrap(ErrSamplerUnavailable, "raster has no cells")
	}
	dx := b.Max[0] - b.Min[0]
	dy := b.Max[1] - b.Min[1]
	if !(dx > 0) || !(dy > 0) {
		return 0, 0, errors.Wrapf(ErrSamplerUnavailable, "raster bounds %v are empty", b)
	}

	fx = (x - b.Min[0]) / dx * float64(w)
	fy = float64(h) - (y-b.Min[1])/dy*float64(h)
	return fx, fy, nil
}

// Cell returns the raster cell holding (x, y), clamped into the raster.
func (s *RasterSampler) Cell(x, y float64) (col, row int, err error) {
	fx, fy, err := s.position(x, y)
	if err != nil {
		return 0, 0, err
	}
	w, h := s.Raster.Size()
	return clampIndex(math.Floor(fx), w), clampIndex(math.Floor(fy), h), nil
}

// Elevation samples the raster at (x, y). NaN coordinates yield NaN without
// touching the raster.
func (s *RasterSampler) Elevation(ctx context.Context, x, y float64) (float64, error) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.NaN(), nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.Interpolation == InterpolationBilinear {
		return s.bilinear(ctx, x, y)
	}

	col, row, err := s.Cell(x, y)
	if err != nil {
		return 0, err
	}
	cells, err := s.read(ctx, image.Rect(col, row, col+1, row+1))
	if err != nil {
		return 0, err
	}
	return cells[0][0], nil
}

func (s *RasterSampler) bilinear(ctx context.Context, x, y float64) (float64, error) {
	fx, fy, err := s.position(x, y)
	if err != nil {
		return 0, err
	}
	w, h := s.Raster.Size()

	cx, cy := fx-0.5, fy-0.5
	c0, r0 := clampIndex(math.Floor(cx), w), clampIndex(math.Floor(cy), h)
	c1, r1 := min(c0+1, w-1), min(r0+1, h-1)
	tx := clampUnit(cx - float64(c0))
	ty := clampUnit(cy - float64(r0))

	cells, err := s.read(ctx, image.Rect(c0, r0, c1+1, r1+1))
	if err != nil {
		return 0, err
	}
	at := func(c, r int) float64 { return cells[r-r0][c-c0] }

	top := at(c0, r0)*(1-tx) + at(c1, r0)*tx
	bottom := at(c0, r1)*(1-tx) + at(c1, r1)*tx
	return top*(1-ty) + bottom*ty, nil
}

// read fetches a window and substitutes FillValue for no-data cells.
func (s *RasterSampler) read(ctx context.Context, window image.Rectangle) ([][]float64, error) {
	cells, err := s.Raster.ReadWindow(ctx, window)
	if err != nil {
		return nil, errors.Wrapf(ErrSamplerUnavailable, "reading window %v: %v", window, err)
	}
	if len(cells) < window.Dy() {
		return nil, errors.Wrapf(ErrSamplerUnavailable, "window %v returned %d rows", window, len(cells))
	}
	for _, row := range cells[:window.Dy()] {
		if len(row) < window.Dx() {
			return nil, errors.Wrapf(ErrSamplerUnavailable, "window %v returned a short row", window)
		}
	}

	nd, ok := s.Raster.(NoDataRaster)
	if !ok {
		return cells, nil
	}
	marker, has := nd.NoData()
	if !has {
		return cells, nil
	}
	for _, row := range cells {
		for i, v := range row {
			if v == marker {
				row[i] = s.FillValue
			}
		}
	}
	return cells, nil
}

// clampIndex clamps a floored position into [0, n-1]. Infinite positions
// clamp to the matching edge.
func clampIndex(v float64, n int) int {
	if v < 0 {
		return 0
	}
	if v > float64(n-1) {
		return n - 1
	}
	return int(v)
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
