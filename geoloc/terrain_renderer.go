package geoloc

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TerrainRenderer draws an elevation grid as a shaded raster preview with
// geolocated points and footprint outlines on top.
type TerrainRenderer struct {
	Grid       *Grid
	Points     []WorldCoordinate
	Footprints []orb.Polygon
	MaxSize    int // longest side of the output in pixels
	Legend     bool
}

// NewTerrainRenderer returns a renderer for g with a legend and 800 px limit.
func NewTerrainRenderer(g *Grid) *TerrainRenderer {
	return &TerrainRenderer{Grid: g, MaxSize: 800, Legend: true}
}

var (
	terrainLow    = color.RGBA{46, 125, 50, 255}
	terrainHigh   = color.RGBA{239, 235, 216, 255}
	terrainNoData = color.RGBA{200, 200, 200, 255}
	pointColor    = color.RGBA{220, 30, 30, 255}
	outlineColor  = color.RGBA{21, 101, 192, 255}
)

// Render returns the preview image. Grid cells are scaled by an integer
// factor so each output pixel maps to exactly one cell.
func (r *TerrainRenderer) Render() (*image.RGBA, error) {
	if r.Grid == nil {
		return nil, ErrNothingToRender
	}
	w, h := r.Grid.Size()
	scale := 1
	if r.MaxSize > 0 {
		longest := max(w, h)
		for (scale+1)*longest <= r.MaxSize {
			scale++
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))

	lo, hi, ok := r.Grid.Range()
	noData, hasNoData := r.Grid.NoData()
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := r.Grid.At(col, row)
			c := terrainNoData
			if ok && finite(v) && !(hasNoData && v == noData) {
				t := 0.5
				if hi > lo && finite(hi-lo) {
					t = (v - lo) / (hi - lo)
				}
				c = lerpColor(terrainLow, terrainHigh, t)
			}
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetRGBA(col*scale+dx, row*scale+dy, c)
				}
			}
		}
	}

	toPixel := func(p orb.Point) (int, int) {
		b := r.Grid.Bounds()
		fx := (p[0] - b.Min[0]) / (b.Max[0] - b.Min[0]) * float64(w*scale)
		fy := (b.Max[1] - p[1]) / (b.Max[1] - b.Min[1]) * float64(h*scale)
		return int(math.Floor(fx)), int(math.Floor(fy))
	}

	for _, poly := range r.Footprints {
		for _, ring := range poly {
			for i := 1; i < len(ring); i++ {
				x0, y0 := toPixel(ring[i-1])
				x1, y1 := toPixel(ring[i])
				drawLine(img, x0, y0, x1, y1, outlineColor)
			}
		}
	}
	for _, pt := range r.Points {
		if !finite(pt.X) || !finite(pt.Y) {
			continue
		}
		x, y := toPixel(pt.Point())
		drawCircle(img, x, y, max(2, scale), pointColor)
	}

	if r.Legend && ok {
		drawText(img, 6, 16, fmt.Sprintf("min %.1f m", lo), color.RGBA{0, 0, 0, 255})
		drawText(img, 6, 30, fmt.Sprintf("max %.1f m", hi), color.RGBA{0, 0, 0, 255})
	}
	return img, nil
}

// RenderToPNG encodes the preview as PNG.
func (r *TerrainRenderer) RenderToPNG(w io.Writer) error {
	img, err := r.Render()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func lerpColor(a, b color.RGBA, t float64) color.RGBA {
	t = clampUnit(t)
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}

func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	b := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			if p := image.Pt(cx+dx, cy+dy); p.In(b) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}

// drawLine is Bresenham; pixels outside img are skipped.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	b := img.Bounds()
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	// A far off-grid segment would otherwise walk millions of pixels.
	for steps := 0; steps <= 4*(b.Dx()+b.Dy()); steps++ {
		if image.Pt(x0, y0).In(b) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
