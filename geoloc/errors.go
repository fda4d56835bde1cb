package geoloc

import "github.com/pkg/errors"

var (
	// ErrMissingOrientationData is returned when an image record lacks one of
	// the interior or exterior orientation fields. It is never retried.
	ErrMissingOrientationData = errors.New("missing orientation data")

	// ErrDegenerateGeometry marks a projection whose denominator vanishes,
	// i.e. a ray parallel to the ground or a point on or behind the focal plane.
	ErrDegenerateGeometry = errors.New("degenerate geometry")

	// ErrSamplerUnavailable wraps any failure of an elevation source.
	ErrSamplerUnavailable = errors.New("elevation sampler unavailable")

	// ErrInsufficientObservations is returned by Intersect with fewer than two rays.
	ErrInsufficientObservations = errors.New("at least two observations are required")
)

func missingField(field string) error {
	return errors.Wrapf(ErrMissingOrientationData, "field %q", field)
}
