package geoloc

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

// ImageItem is the part of a catalog (STAC) item the geolocation code needs.
type ImageItem struct {
	ID         string
	Collection string
	Datetime   string
	Direction  string
	BBox       orb.Bound
	Geometry   orb.Geometry
	// Shape is proj:shape when present, zero otherwise.
	Shape [2]int
	Frame CameraFrame
}

type interiorOrientation struct {
	FocalLength          *float64   `json:"focal_length"`
	PrincipalPointOffset []*float64 `json:"principal_point_offset"`
	PixelSpacing         []*float64 `json:"pixel_spacing"`
	SensorDimensions     []*float64 `json:"sensor_array_dimensions"`
}

type itemProperties struct {
	Datetime          string               `json:"datetime"`
	Direction         string               `json:"direction"`
	Shape             []int                `json:"proj:shape"`
	Interior          *interiorOrientation `json:"pers:interior_orientation"`
	PerspectiveCenter []*float64           `json:"pers:perspective_center"`
	Omega             *float64             `json:"pers:omega"`
	Phi               *float64             `json:"pers:phi"`
	Kappa             *float64             `json:"pers:kappa"`
}

// ParseImageItem decodes a single STAC item. Every orientation field must be
// present and non-null; otherwise the error wraps ErrMissingOrientationData
// and names the field.
func ParseImageItem(data []byte) (*ImageItem, error) {
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing image item")
	}
	// collection is a top-level STAC member, not a property.
	var top struct {
		Collection string `json:"collection"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, errors.Wrap(err, "parsing image item: collection")
	}

	item, err := imageItemFromFeature(f)
	if err != nil {
		return nil, err
	}
	item.Collection = top.Collection
	return item, nil
}

// ParseItemCollection decodes a STAC FeatureCollection. Items lacking
// orientation data are skipped with a warning; other errors abort.
func ParseItemCollection(data []byte) ([]*ImageItem, error) {
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrap(err, "parsing item collection")
	}
	if fc.Type != "FeatureCollection" {
		return nil, errors.Errorf("parsing item collection: type is %q", fc.Type)
	}

	items := make([]*ImageItem, 0, len(fc.Features))
	for i, raw := range fc.Features {
		item, err := ParseImageItem(raw)
		if errors.Is(err, ErrMissingOrientationData) {
			Logf("Warning: skipping item %d: %v", i, err)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", i)
		}
		items = append(items, item)
	}
	return items, nil
}

func imageItemFromFeature(f *geojson.Feature) (*ImageItem, error) {
	raw, err := json.Marshal(f.Properties)
	if err != nil {
		return nil, errors.Wrap(err, "encoding item properties")
	}
	var props itemProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, errors.Wrap(err, "decoding item properties")
	}

	frame, err := props.frame()
	if err != nil {
		return nil, err
	}

	item := &ImageItem{
		Datetime:  props.Datetime,
		Direction: props.Direction,
		Geometry:  f.Geometry,
		Frame:     frame,
	}
	if id, ok := f.ID.(string); ok {
		item.ID = id
	}
	if f.BBox.Valid() {
		item.BBox = f.BBox.Bound()
	} else if f.Geometry != nil {
		item.BBox = f.Geometry.Bound()
	}
	if len(props.Shape) == 2 {
		item.Shape = [2]int{props.Shape[0], props.Shape[1]}
	}
	return item, nil
}

func (p itemProperties) frame() (CameraFrame, error) {
	var c CameraFrame
	if p.Interior == nil {
		return c, missingField("pers:interior_orientation")
	}
	io := p.Interior

	var err error
	get := func(name string, v *float64, dst *float64) {
		if err != nil {
			return
		}
		if v == nil {
			err = missingField(name)
			return
		}
		*dst = *v
	}
	getAt := func(name string, vs []*float64, i int, dst *float64) {
		if err != nil {
			return
		}
		if i >= len(vs) {
			err = missingField(name)
			return
		}
		get(name, vs[i], dst)
	}

	get("focal_length", io.FocalLength, &c.FocalLength)
	getAt("principal_point_offset[0]", io.PrincipalPointOffset, 0, &c.PrincipalPoint[0])
	getAt("principal_point_offset[1]", io.PrincipalPointOffset, 1, &c.PrincipalPoint[1])
	getAt("pixel_spacing[0]", io.PixelSpacing, 0, &c.PixelSpacing)
	getAt("sensor_array_dimensions[0]", io.SensorDimensions, 0, &c.SensorWidth)
	getAt("sensor_array_dimensions[1]", io.SensorDimensions, 1, &c.SensorHeight)
	getAt("pers:perspective_center[0]", p.PerspectiveCenter, 0, &c.PerspectiveCenter.X)
	getAt("pers:perspective_center[1]", p.PerspectiveCenter, 1, &c.PerspectiveCenter.Y)
	getAt("pers:perspective_center[2]", p.PerspectiveCenter, 2, &c.PerspectiveCenter.Z)
	get("pers:omega", p.Omega, &c.Omega)
	get("pers:phi", p.Phi, &c.Phi)
	get("pers:kappa", p.Kappa, &c.Kappa)
	if err != nil {
		return CameraFrame{}, err
	}
	return c, nil
}
