package geoloc

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTolerance is the elevation change, in metres, below which the
	// solver stops.
	DefaultTolerance = 0.3

	// DefaultMaxIterations caps the number of sampler evaluations per solve.
	DefaultMaxIterations = 20

	// DefaultBatchConcurrency bounds parallel solves in SolveBatch.
	DefaultBatchConcurrency = 8
)

// Status describes how a convergence run ended.
type Status int

const (
	StatusConverged Status = iota
	StatusExhausted
	StatusDegenerate
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusConverged:  "converged",
	StatusExhausted:  "exhausted",
	StatusDegenerate: "degenerate",
	StatusCancelled:  "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return errors.Errorf("unknown status %q", b)
}

// ConvergenceResult is the outcome of Solver.Solve.
type ConvergenceResult struct {
	World      WorldCoordinate `json:"world"`
	Residual   float64         `json:"residual"`
	Iterations int             `json:"iterations"`
	Status     Status          `json:"status"`
	// Trace lists the elevation sampled at each iteration.
	Trace []float64 `json:"trace,omitempty"`
}

// Converged reports whether the run met the tolerance.
func (r ConvergenceResult) Converged() bool { return r.Status == StatusConverged }

// Usable reports whether the result carries a ground position: it either
// converged or ran to the iteration cap.
func (r ConvergenceResult) Usable() bool {
	return r.Status == StatusConverged || r.Status == StatusExhausted
}

type jsonWorld struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func nullable(v float64) *float64 {
	if !finite(v) {
		return nil
	}
	return &v
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// MarshalJSON encodes non-finite coordinates, residual and trace values as
// null.
func (r ConvergenceResult) MarshalJSON() ([]byte, error) {
	type plain ConvergenceResult
	out := struct {
		plain
		World    jsonWorld  `json:"world"`
		Residual *float64   `json:"residual"`
		Trace    []*float64 `json:"trace,omitempty"`
	}{
		plain:    plain(r),
		World:    jsonWorld{X: nullable(r.World.X), Y: nullable(r.World.Y), Z: nullable(r.World.Z)},
		Residual: nullable(r.Residual),
	}
	for _, z := range r.Trace {
		out.Trace = append(out.Trace, nullable(z))
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the form written by MarshalJSON. Nulls decode as NaN,
// except a null residual which decodes as +Inf.
func (r *ConvergenceResult) UnmarshalJSON(b []byte) error {
	type plain ConvergenceResult
	in := struct {
		*plain
		World    *jsonWorld `json:"world"`
		Residual *float64   `json:"residual"`
		Trace    []*float64 `json:"trace"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.World != nil {
		r.World = WorldCoordinate{X: orNaN(in.World.X), Y: orNaN(in.World.Y), Z: orNaN(in.World.Z)}
	}
	r.Residual = math.Inf(1)
	if in.Residual != nil {
		r.Residual = *in.Residual
	}
	r.Trace = nil
	for _, z := range in.Trace {
		r.Trace = append(r.Trace, orNaN(z))
	}
	return nil
}

// SolverOption configures a Solver.
type SolverOption func(*Solver)

// WithTolerance sets the convergence tolerance in metres.
func WithTolerance(tol float64) SolverOption {
	return func(s *Solver) {
		if tol >= 0 {
			s.tolerance = tol
		}
	}
}

// WithMaxIterations sets the iteration cap. Values below 1 are ignored.
func WithMaxIterations(n int) SolverOption {
	return func(s *Solver) {
		if n >= 1 {
			s.maxIterations = n
		}
	}
}

// WithInitialElevation sets the seed elevation.
func WithInitialElevation(z float64) SolverOption {
	return func(s *Solver) {
		s.initial = z
	}
}

// WithTimeout bounds the whole convergence loop.
func WithTimeout(d time.Duration) SolverOption {
	return func(s *Solver) {
		s.timeout = d
	}
}

// Solver resolves the elevation of a pixel's ground point by alternating
// between the direct projection and an elevation lookup.
type Solver struct {
	sampler       ElevationSampler
	tolerance     float64
	maxIterations int
	initial       float64
	timeout       time.Duration
}

// NewSolver returns a solver with the default tolerance, iteration cap and a
// seed elevation of 0 m.
func NewSolver(sampler ElevationSampler, opts ...SolverOption) *Solver {
	s := &Solver{
		sampler:       sampler,
		tolerance:     DefaultTolerance,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tolerance returns the configured tolerance.
func (s *Solver) Tolerance() float64 { return s.tolerance }

// MaxIterations returns the configured iteration cap.
func (s *Solver) MaxIterations() int { return s.maxIterations }

// Solve finds the ground point seen at px in frame.
//
// Non-convergence is not an error: an Exhausted result carries the last
// candidate and its residual. A cancelled context yields a Cancelled result
// holding the last candidate together with ctx.Err(). Sampler failures are
// returned wrapped in ErrSamplerUnavailable.
func (s *Solver) Solve(ctx context.Context, frame CameraFrame, px PixelCoordinate) (ConvergenceResult, error) {
	if err := frame.Validate(); err != nil {
		return ConvergenceResult{Residual: math.Inf(1), Status: StatusDegenerate}, err
	}
	return s.SolveProjector(ctx, NewProjector(frame), px)
}

// SolveProjector is Solve for a prepared projector.
func (s *Solver) SolveProjector(ctx context.Context, p *Projector, px PixelCoordinate) (ConvergenceResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res := ConvergenceResult{Residual: math.Inf(1), Status: StatusExhausted}
	z := s.initial

	for i := 1; i <= s.maxIterations; i++ {
		cand, ok := p.ToWorld(px, z)
		if !ok || !p.inFront(cand) {
			res.Status = StatusDegenerate
			return res, nil
		}

		if err := ctx.Err(); err != nil {
			return cancelled(res, cand, z), err
		}

		next, err := s.sampler.Elevation(ctx, cand.X, cand.Y)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && isContextErr(err) {
				return cancelled(res, cand, z), ctxErr
			}
			if errors.Is(err, ErrSamplerUnavailable) {
				return res, errors.Wrapf(err, "iteration %d", i)
			}
			return res, errors.Wrapf(ErrSamplerUnavailable, "iteration %d at (%.3f, %.3f): %v", i, cand.X, cand.Y, err)
		}

		delta := math.Abs(next - z)
		res.World = WorldCoordinate{X: cand.X, Y: cand.Y, Z: next}
		res.Residual = delta
		res.Iterations = i
		res.Trace = append(res.Trace, next)

		if delta <= s.tolerance {
			res.Status = StatusConverged
			return res, nil
		}
		z = next
	}

	Logf("Warning: elevation did not converge for pixel %v after %d iterations (residual %.3f m)",
		px, res.Iterations, res.Residual)
	return res, nil
}

func cancelled(res ConvergenceResult, cand WorldCoordinate, z float64) ConvergenceResult {
	res.World = WorldCoordinate{X: cand.X, Y: cand.Y, Z: z}
	res.Status = StatusCancelled
	return res
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// SolveBatch solves every pixel of one frame in parallel with at most limit
// runs in flight (DefaultBatchConcurrency when limit < 1). Results keep the
// order of pixels. The first error cancels the remaining runs.
func (s *Solver) SolveBatch(ctx context.Context, frame CameraFrame, pixels []PixelCoordinate, limit int) ([]ConvergenceResult, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = DefaultBatchConcurrency
	}

	p := NewProjector(frame)
	results := make([]ConvergenceResult, len(pixels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, px := range pixels {
		g.Go(func() error {
			res, err := s.SolveProjector(gctx, p, px)
			results[i] = res
			if err != nil {
				return errors.Wrapf(err, "pixel %d %v", i, px)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
