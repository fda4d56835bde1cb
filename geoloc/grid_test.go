package geoloc

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGrid_Validation(t *testing.T) {
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}

	_, err := NewGrid(b, 0, 2, nil)
	assert.Error(t, err)

	_, err = NewGrid(b, 2, 2, []float64{1, 2, 3})
	assert.Error(t, err)

	_, err = NewGrid(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{1, 5}}, 1, 1, []float64{1})
	assert.Error(t, err)
}

func TestGrid_ReadWindow(t *testing.T) {
	g := indexGrid(t)
	ctx := context.Background()

	got, err := g.ReadWindow(ctx, image.Rect(2, 3, 4, 5))
	require.NoError(t, err)
	want := [][]float64{{32, 33}, {42, 43}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadWindow mismatch (-want +got):\n%s", diff)
	}

	// Returned rows must not alias the grid.
	got[0][0] = -1
	assert.Equal(t, 32.0, g.At(2, 3))

	for _, w := range []image.Rectangle{image.Rect(9, 9, 11, 11), image.Rect(-1, 0, 1, 1), image.Rect(3, 3, 3, 3)} {
		_, err := g.ReadWindow(ctx, w)
		assert.Error(t, err, "window %v", w)
	}
}

func TestGrid_Range(t *testing.T) {
	g := indexGrid(t)
	lo, hi, ok := g.Range()
	require.True(t, ok)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 99.0, hi)

	g.WithNoData(0)
	lo, _, _ = g.Range()
	assert.Equal(t, 1.0, lo)

	flat := FlatGrid(orb.Bound{Max: orb.Point{1, 1}}, 1, 1, 0).WithNoData(0)
	_, _, ok = flat.Range()
	assert.False(t, ok)
}

func TestLoadGrid_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terrain.json")
	src := indexGrid(t).WithNoData(-9999)
	require.NoError(t, SaveGrid(path, src))

	g, err := LoadGrid(path)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), g.Bounds())
	w, h := g.Size()
	assert.Equal(t, 10, w)
	assert.Equal(t, 10, h)
	assert.Equal(t, 57.0, g.At(7, 5))
	nd, ok := g.NoData()
	assert.True(t, ok)
	assert.Equal(t, -9999.0, nd)
}

func TestLoadGrid_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadGrid(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"bbox":[0,0,1,1],"width":2,"height":2,"values":[1]}`), 0644))
	_, err = LoadGrid(bad)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte(`not json`), 0644))
	_, err = LoadGrid(garbage)
	assert.Error(t, err)
}
