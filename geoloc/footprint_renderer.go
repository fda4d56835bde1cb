package geoloc

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// ErrNothingToRender is returned when a renderer has no drawable content.
var ErrNothingToRender = errors.New("nothing to render")

// footprintPalette holds the fill colors cycled through by AddFootprint.
var footprintPalette = []color.NRGBA{
	{R: 33, G: 150, B: 243, A: 90},
	{R: 76, G: 175, B: 80, A: 90},
	{R: 255, G: 152, B: 0, A: 90},
	{R: 156, G: 39, B: 176, A: 90},
}

// nrgbaToRGBA premultiplies alpha; canvas paints expect premultiplied RGBA.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

// FootprintLayer is one image footprint on the map.
type FootprintLayer struct {
	Label   string
	Polygon orb.Polygon
	Camera  *orb.Point // nadir of the perspective center, optional
	Color   color.NRGBA
}

// FootprintRenderer draws footprints and geolocated points as vector graphics
// in world coordinates (X east, Y north).
type FootprintRenderer struct {
	Footprints  []FootprintLayer
	Points      []WorldCoordinate
	Padding     float64           // world units around the content
	Size        float64           // longest side of the drawing in millimetres
	GridSpacing float64           // world units between grid lines; 0 disables
	Resolution  canvas.Resolution // PNG output only
}

// NewFootprintRenderer returns a renderer with default settings.
func NewFootprintRenderer() *FootprintRenderer {
	return &FootprintRenderer{
		Padding:     50,
		Size:        200,
		GridSpacing: 500,
		Resolution:  canvas.DPI(150),
	}
}

// AddFootprint appends a footprint with the next palette color.
func (r *FootprintRenderer) AddFootprint(label string, poly orb.Polygon, camera *WorldCoordinate) {
	layer := FootprintLayer{
		Label:   label,
		Polygon: poly,
		Color:   footprintPalette[len(r.Footprints)%len(footprintPalette)],
	}
	if camera != nil {
		pt := camera.Point()
		layer.Camera = &pt
	}
	r.Footprints = append(r.Footprints, layer)
}

// AddPoint appends a geolocated point. Non-finite points are ignored.
func (r *FootprintRenderer) AddPoint(w WorldCoordinate) {
	if !finite(w.X) || !finite(w.Y) {
		return
	}
	r.Points = append(r.Points, w)
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// footprintLayout maps world coordinates onto the drawing.
type footprintLayout struct {
	bound         orb.Bound
	scale         float64 // millimetres per world unit
	width, height float64
}

func (l footprintLayout) toCanvas(p orb.Point) (float64, float64) {
	return (p[0] - l.bound.Min[0]) * l.scale, (p[1] - l.bound.Min[1]) * l.scale
}

func (r *FootprintRenderer) layout() (footprintLayout, error) {
	var bound orb.Bound
	have := false
	extend := func(p orb.Point) {
		if !finite(p[0]) || !finite(p[1]) {
			return
		}
		if !have {
			bound = orb.Bound{Min: p, Max: p}
			have = true
			return
		}
		bound = bound.Extend(p)
	}
	for _, fp := range r.Footprints {
		for _, ring := range fp.Polygon {
			for _, p := range ring {
				extend(p)
			}
		}
		if fp.Camera != nil {
			extend(*fp.Camera)
		}
	}
	for _, w := range r.Points {
		extend(w.Point())
	}
	if !have {
		return footprintLayout{}, ErrNothingToRender
	}

	bound = bound.Pad(math.Max(r.Padding, 0))
	spanX := bound.Max[0] - bound.Min[0]
	spanY := bound.Max[1] - bound.Min[1]
	span := math.Max(spanX, spanY)
	if span <= 0 {
		span = 1
	}
	size := r.Size
	if size <= 0 {
		size = 200
	}
	scale := size / span
	return footprintLayout{
		bound:  bound,
		scale:  scale,
		width:  math.Max(spanX*scale, 1),
		height: math.Max(spanY*scale, 1),
	}, nil
}

// RenderToSVG writes the drawing as SVG.
func (r *FootprintRenderer) RenderToSVG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	out := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(out, l)
	return out.Close()
}

// RenderToPNG writes the drawing as PNG at r.Resolution.
func (r *FootprintRenderer) RenderToPNG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	res := r.Resolution
	if res <= 0 {
		res = canvas.DPI(150)
	}
	rast := rasterizer.New(l.width, l.height, res, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)
	return png.Encode(w, rast)
}

func (r *FootprintRenderer) renderToCanvas(renderer canvasRenderer, l footprintLayout) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	bg.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bg, canvas.Identity)

	if r.GridSpacing > 0 {
		r.renderGrid(renderer, l)
	}

	for _, fp := range r.Footprints {
		fill := fp.Color
		stroke := fill
		stroke.A = 255

		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(fill)}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(stroke)}
		style.StrokeWidth = 0.4

		for _, ring := range fp.Polygon {
			if len(ring) < 3 {
				continue
			}
			p := &canvas.Path{}
			for i, pt := range ring {
				x, y := l.toCanvas(pt)
				if i == 0 {
					p.MoveTo(x, y)
				} else {
					p.LineTo(x, y)
				}
			}
			p.Close()
			renderer.RenderPath(p, style, canvas.Identity)
		}

		if fp.Camera != nil {
			cam := canvas.DefaultStyle
			cam.Fill = canvas.Paint{Color: nrgbaToRGBA(stroke)}
			cam.Stroke = canvas.Paint{Color: canvas.Black}
			cam.StrokeWidth = 0.2
			x, y := l.toCanvas(*fp.Camera)
			renderer.RenderPath(canvas.Rectangle(2, 2).Translate(x-1, y-1), cam, canvas.Identity)
		}
	}

	pointStyle := canvas.DefaultStyle
	pointStyle.Fill = canvas.Paint{Color: color.RGBA{R: 220, G: 30, B: 30, A: 255}}
	pointStyle.Stroke = canvas.Paint{Color: canvas.Black}
	pointStyle.StrokeWidth = 0.2
	for _, w := range r.Points {
		x, y := l.toCanvas(w.Point())
		renderer.RenderPath(canvas.Circle(1.0).Translate(x, y), pointStyle, canvas.Identity)
	}
}

func (r *FootprintRenderer) renderGrid(renderer canvasRenderer, l footprintLayout) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: canvas.Gray}
	style.StrokeWidth = 0.2
	style.Dashes = []float64{1, 1}

	lo, hi := l.bound.Min, l.bound.Max
	// Cap the line count so a tiny spacing cannot stall rendering.
	if (hi[0]-lo[0])/r.GridSpacing > 200 || (hi[1]-lo[1])/r.GridSpacing > 200 {
		return
	}
	for x := math.Ceil(lo[0]/r.GridSpacing) * r.GridSpacing; x <= hi[0]; x += r.GridSpacing {
		p := &canvas.Path{}
		x1, y1 := l.toCanvas(orb.Point{x, lo[1]})
		x2, y2 := l.toCanvas(orb.Point{x, hi[1]})
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, style, canvas.Identity)
	}
	for y := math.Ceil(lo[1]/r.GridSpacing) * r.GridSpacing; y <= hi[1]; y += r.GridSpacing {
		p := &canvas.Path{}
		x1, y1 := l.toCanvas(orb.Point{lo[0], y})
		x2, y2 := l.toCanvas(orb.Point{hi[0], y})
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, style, canvas.Identity)
	}
}
