package geoloc

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockSampler is an ElevationSampler driven by testify expectations.
type mockSampler struct {
	mock.Mock
}

func (m *mockSampler) Elevation(ctx context.Context, x, y float64) (float64, error) {
	args := m.Called(ctx, x, y)
	return args.Get(0).(float64), args.Error(1)
}

func near(want float64) any {
	return mock.MatchedBy(func(v float64) bool { return math.Abs(v-want) < 1e-6 })
}

func TestSolve_QueriesUnderNadir(t *testing.T) {
	m := &mockSampler{}
	m.On("Elevation", mock.Anything, near(500000), near(6100000)).Return(17.0, nil)

	res, err := NewSolver(m).Solve(context.Background(), nadirFrame(), nadirFrame().Center())
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []float64{17, 17}, res.Trace)

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "Elevation", 2)
}

func TestSolve_StopsOnSamplerError(t *testing.T) {
	m := &mockSampler{}
	m.On("Elevation", mock.Anything, mock.Anything, mock.Anything).Return(0.0, errors.New("tile missing")).Once()

	res, err := NewSolver(m).Solve(context.Background(), nadirFrame(), PixelCoordinate{Col: 10, Row: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSamplerUnavailable))
	assert.Contains(t, err.Error(), "tile missing")
	assert.Equal(t, StatusExhausted, res.Status)
	assert.Zero(t, res.Iterations)

	m.AssertExpectations(t)
}
