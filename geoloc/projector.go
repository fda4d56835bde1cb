package geoloc

import (
	"math"

	"github.com/golang/geo/r3"
)

// degenerateEpsilon bounds the along-axis component of a ray, relative to its
// length, below which a projection is treated as degenerate.
const degenerateEpsilon = 1e-12

// Projector evaluates the collinearity equations for a single camera frame.
// It is immutable and safe for concurrent use.
type Projector struct {
	frame    CameraFrame
	rotation Rotation
	center   r3.Vector
	// negated sensor half-extents in sensor units
	dimX, dimY float64
}

// NewProjector precomputes the rotation and sensor extents of frame.
func NewProjector(frame CameraFrame) *Projector {
	return &Projector{
		frame:    frame,
		rotation: FrameRotation(frame),
		center:   frame.PerspectiveCenter.Vector(),
		dimX:     -frame.SensorWidth * frame.PixelSpacing / 2,
		dimY:     -frame.SensorHeight * frame.PixelSpacing / 2,
	}
}

// Frame returns the camera frame the projector was built from.
func (p *Projector) Frame() CameraFrame { return p.frame }

// Rotation returns the frame's rotation matrix.
func (p *Projector) Rotation() Rotation { return p.rotation }

// sensorPoint converts a pixel to sensor-plane coordinates relative to the
// optical axis.
func (p *Projector) sensorPoint(px PixelCoordinate) (x, y float64) {
	pix := p.frame.PixelSpacing
	x = px.Col*pix + p.dimX - p.frame.PrincipalPoint[0]
	y = px.Row*pix + p.dimY - p.frame.PrincipalPoint[1]
	return x, y
}

// Ray returns the world-space direction of the ray through px. It is not
// normalised.
func (p *Projector) Ray(px PixelCoordinate) r3.Vector {
	x, y := p.sensorPoint(px)
	return p.rotation.Apply(r3.Vector{X: x, Y: y, Z: -p.frame.FocalLength})
}

// ToWorld intersects the ray through px with the horizontal plane at
// elevation z. ok is false when the ray is (nearly) parallel to that plane.
func (p *Projector) ToWorld(px PixelCoordinate, z float64) (WorldCoordinate, bool) {
	d := p.Ray(px)
	if math.Abs(d.Z) <= degenerateEpsilon*d.Norm() {
		return WorldCoordinate{}, false
	}

	kx := d.X / d.Z
	ky := d.Y / d.Z
	dz := z - p.center.Z
	return WorldCoordinate{
		X: dz*kx + p.center.X,
		Y: dz*ky + p.center.Y,
		Z: z,
	}, true
}

// ToImage projects w into the image. ok is false when w lies on or behind
// the focal plane.
func (p *Projector) ToImage(w WorldCoordinate) (PixelCoordinate, bool) {
	u := p.rotation.ApplyTranspose(w.Vector().Sub(p.center))
	if u.Z >= -degenerateEpsilon*u.Norm() {
		return PixelCoordinate{}, false
	}

	f := p.frame.FocalLength
	x := -f * u.X / u.Z
	y := -f * u.Y / u.Z

	pix := p.frame.PixelSpacing
	return PixelCoordinate{
		Col: (x - p.dimX + p.frame.PrincipalPoint[0]) / pix,
		Row: (y - p.dimY + p.frame.PrincipalPoint[1]) / pix,
	}, true
}

// inFront reports whether w lies in front of the camera.
func (p *Projector) inFront(w WorldCoordinate) bool {
	_, ok := p.ToImage(w)
	return ok
}

// ToWorld is a convenience wrapper around NewProjector(frame).ToWorld.
func ToWorld(frame CameraFrame, px PixelCoordinate, z float64) (WorldCoordinate, bool) {
	return NewProjector(frame).ToWorld(px, z)
}

// ToImage is a convenience wrapper around NewProjector(frame).ToImage.
func ToImage(frame CameraFrame, w WorldCoordinate) (PixelCoordinate, bool) {
	return NewProjector(frame).ToImage(w)
}
