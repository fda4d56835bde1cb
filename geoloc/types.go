package geoloc

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

// CameraFrame holds the interior and exterior orientation of one photograph.
// Lengths on the sensor (focal length, principal point, pixel spacing) share
// one unit, usually millimetres; sensor dimensions are in pixels.
type CameraFrame struct {
	FocalLength       float64         `json:"focalLength"`
	PrincipalPoint    [2]float64      `json:"principalPoint"`
	PixelSpacing      float64         `json:"pixelSpacing"`
	SensorWidth       float64         `json:"sensorWidth"`
	SensorHeight      float64         `json:"sensorHeight"`
	PerspectiveCenter WorldCoordinate `json:"perspectiveCenter"`
	Omega             float64         `json:"omega"` // degrees
	Phi               float64         `json:"phi"`   // degrees
	Kappa             float64         `json:"kappa"` // degrees
}

// Validate reports the first orientation field that cannot be used.
func (c CameraFrame) Validate() error {
	switch {
	case c.FocalLength == 0:
		return missingField("focal_length")
	case c.PixelSpacing == 0:
		return missingField("pixel_spacing")
	case c.SensorWidth <= 0:
		return missingField("sensor_array_dimensions[0]")
	case c.SensorHeight <= 0:
		return missingField("sensor_array_dimensions[1]")
	}
	return nil
}

// Center returns the pixel at the middle of the sensor.
func (c CameraFrame) Center() PixelCoordinate {
	return PixelCoordinate{Col: c.SensorWidth / 2, Row: c.SensorHeight / 2}
}

// Corners returns the four sensor corners, clockwise from the top left.
func (c CameraFrame) Corners() []PixelCoordinate {
	return []PixelCoordinate{
		{Col: 0, Row: 0},
		{Col: c.SensorWidth, Row: 0},
		{Col: c.SensorWidth, Row: c.SensorHeight},
		{Col: 0, Row: c.SensorHeight},
	}
}

// PixelCoordinate is a real-valued image position. Row 0 is the top edge of
// the image and Col 0 the left edge.
type PixelCoordinate struct {
	Col float64 `json:"col"`
	Row float64 `json:"row"`
}

func (p PixelCoordinate) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.Col, p.Row)
}

// WorldCoordinate is a position in a planar projected system, in metres.
type WorldCoordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vector converts w to an r3 vector.
func (w WorldCoordinate) Vector() r3.Vector {
	return r3.Vector{X: w.X, Y: w.Y, Z: w.Z}
}

// Point drops the elevation.
func (w WorldCoordinate) Point() orb.Point {
	return orb.Point{w.X, w.Y}
}

func (w WorldCoordinate) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", w.X, w.Y, w.Z)
}

func worldFromVector(v r3.Vector) WorldCoordinate {
	return WorldCoordinate{X: v.X, Y: v.Y, Z: v.Z}
}
