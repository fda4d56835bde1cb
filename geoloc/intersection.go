package geoloc

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Observation is one sighting of a ground feature: a pixel in a photograph.
type Observation struct {
	ImageID string          `json:"imageId,omitempty"`
	Frame   CameraFrame     `json:"frame"`
	Pixel   PixelCoordinate `json:"pixel"`
}

// Intersection is the least-squares meeting point of two or more rays.
type Intersection struct {
	World WorldCoordinate `json:"world"`
	// RMS distance in metres between World and the observation rays.
	Residual float64 `json:"residual"`
	Rays     int     `json:"rays"`
}

// Intersect finds the point closest to every observation ray in the least
// squares sense. Unlike Solver it needs no elevation source, but at least two
// non-parallel rays.
func Intersect(obs []Observation) (Intersection, error) {
	if len(obs) < 2 {
		return Intersection{}, errors.Wrapf(ErrInsufficientObservations, "got %d", len(obs))
	}

	type ray struct {
		origin, dir r3.Vector
	}
	rays := make([]ray, len(obs))

	a := mat.NewSymDense(3, nil)
	b := mat.NewVecDense(3, nil)
	for i, o := range obs {
		if err := o.Frame.Validate(); err != nil {
			return Intersection{}, errors.Wrapf(err, "observation %d", i)
		}
		p := NewProjector(o.Frame)
		d := p.Ray(o.Pixel).Normalize()
		c := o.Frame.PerspectiveCenter.Vector()
		rays[i] = ray{origin: c, dir: d}

		// Accumulate (I - d dᵀ) and (I - d dᵀ) c.
		dv := [3]float64{d.X, d.Y, d.Z}
		cv := [3]float64{c.X, c.Y, c.Z}
		for r := range 3 {
			for k := r; k < 3; k++ {
				v := -dv[r] * dv[k]
				if r == k {
					v++
				}
				a.SetSym(r, k, a.At(r, k)+v)
				b.SetVec(r, b.AtVec(r)+v*cv[k])
				if r != k {
					b.SetVec(k, b.AtVec(k)+v*cv[r])
				}
			}
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return Intersection{}, errors.Wrapf(ErrDegenerateGeometry, "rays are parallel: %v", err)
	}
	point := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}

	var sum float64
	for i, r := range rays {
		if _, ok := NewProjector(obs[i].Frame).ToImage(worldFromVector(point)); !ok {
			return Intersection{}, errors.Wrapf(ErrDegenerateGeometry, "intersection is behind camera %d", i)
		}
		v := point.Sub(r.origin)
		perp := v.Sub(r.dir.Mul(v.Dot(r.dir)))
		sum += perp.Norm2()
	}

	return Intersection{
		World:    worldFromVector(point),
		Residual: math.Sqrt(sum / float64(len(rays))),
		Rays:     len(rays),
	}, nil
}
