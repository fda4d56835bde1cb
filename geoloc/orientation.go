package geoloc

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rotation is a 3x3 direction-cosine matrix, row major (D11..D33).
type Rotation [3][3]float64

// NewRotation composes omega, phi and kappa (degrees) into the rotation used
// by the collinearity equations. NaN inputs yield NaN entries.
func NewRotation(omega, phi, kappa float64) Rotation {
	o := omega * math.Pi / 180
	p := phi * math.Pi / 180
	k := kappa * math.Pi / 180

	so, co := math.Sincos(o)
	sp, cp := math.Sincos(p)
	sk, ck := math.Sincos(k)

	return Rotation{
		{cp * ck, -cp * sk, sp},
		{co*sk + so*sp*ck, co*ck - so*sp*sk, -so * cp},
		{so*sk - co*sp*ck, so*ck + co*sp*sk, co * cp},
	}
}

// FrameRotation returns the rotation for a camera frame.
func FrameRotation(c CameraFrame) Rotation {
	return NewRotation(c.Omega, c.Phi, c.Kappa)
}

// Apply returns R·v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// ApplyTranspose returns Rᵀ·v, the inverse rotation.
func (r Rotation) ApplyTranspose(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[1][0]*v.Y + r[2][0]*v.Z,
		Y: r[0][1]*v.X + r[1][1]*v.Y + r[2][1]*v.Z,
		Z: r[0][2]*v.X + r[1][2]*v.Y + r[2][2]*v.Z,
	}
}

// Transpose returns Rᵀ.
func (r Rotation) Transpose() Rotation {
	var t Rotation
	for i := range 3 {
		for j := range 3 {
			t[i][j] = r[j][i]
		}
	}
	return t
}

// Dense copies the matrix into a gonum dense matrix.
func (r Rotation) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
}
