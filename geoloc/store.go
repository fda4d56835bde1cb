package geoloc

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

const (
	// DefaultResultCachePath is the default path of the persisted result store.
	DefaultResultCachePath = ".geolocations.json"

	// DefaultResultLimit bounds the number of results kept in memory.
	DefaultResultLimit = 1000
)

// Geolocation is a solved pixel kept by a ResultStore.
type Geolocation struct {
	ID        string            `json:"id"`
	ImageID   string            `json:"imageId,omitempty"`
	Pixel     PixelCoordinate   `json:"pixel"`
	Result    ConvergenceResult `json:"result"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ResultStore keeps recent geolocations for the HTTP and MQTT services.
type ResultStore struct {
	mu        sync.RWMutex
	results   map[string]*Geolocation
	order     []string // insertion order, oldest first
	limit     int
	cachePath string // empty disables persistence
}

// NewResultStore creates an in-memory store.
func NewResultStore() *ResultStore {
	return &ResultStore{
		results: make(map[string]*Geolocation),
		limit:   DefaultResultLimit,
	}
}

// NewResultStoreWithCache creates a store persisted to cachePath. Existing
// results in the file are loaded on creation.
func NewResultStoreWithCache(cachePath string) *ResultStore {
	s := NewResultStore()
	s.cachePath = cachePath
	if cachePath == "" {
		return s
	}

	cached, err := LoadResults(cachePath)
	if err != nil {
		Logf("Warning: ignoring result cache %s: %v", cachePath, err)
		return s
	}
	for _, g := range cached {
		s.insert(g)
	}
	return s
}

// SetLimit changes the number of results kept; older results are dropped.
func (s *ResultStore) SetLimit(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
	s.evict()
}

// Add stores a result under a fresh UUID and returns the stored record.
func (s *ResultStore) Add(imageID string, px PixelCoordinate, res ConvergenceResult) *Geolocation {
	g := &Geolocation{
		ID:        uuid.NewString(),
		ImageID:   imageID,
		Pixel:     px,
		Result:    res,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.insert(g)
	snapshot := s.listLocked()
	s.mu.Unlock()

	if s.cachePath != "" {
		if err := SaveResults(s.cachePath, snapshot); err != nil {
			Logf("Warning: failed to persist results: %v", err)
		}
	}

	copied := *g
	return &copied
}

func (s *ResultStore) insert(g *Geolocation) {
	if _, ok := s.results[g.ID]; !ok {
		s.order = append(s.order, g.ID)
	}
	s.results[g.ID] = g
	s.evict()
}

func (s *ResultStore) evict() {
	for len(s.order) > s.limit {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

// Get returns a copy of the result with the given ID.
func (s *ResultStore) Get(id string) (*Geolocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.results[id]
	if !ok {
		return nil, false
	}
	copied := *g
	return &copied, true
}

// Latest returns the most recent result for imageID, or for any image when
// imageID is empty.
func (s *ResultStore) Latest(imageID string) (*Geolocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		g := s.results[s.order[i]]
		if imageID == "" || g.ImageID == imageID {
			copied := *g
			return &copied, true
		}
	}
	return nil, false
}

// List returns copies of all results, oldest first.
func (s *ResultStore) List() []*Geolocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *ResultStore) listLocked() []*Geolocation {
	out := make([]*Geolocation, 0, len(s.order))
	for _, id := range s.order {
		copied := *s.results[id]
		out = append(out, &copied)
	}
	return out
}

// Len returns the number of stored results.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// FeatureCollection exports every usable result with a finite position as a
// point feature.
func (s *ResultStore) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, g := range s.List() {
		w := g.Result.World
		if !g.Result.Usable() || !finite(w.X) || !finite(w.Y) || !finite(w.Z) {
			continue
		}
		f := geojson.NewFeature(orb.Point{w.X, w.Y})
		f.ID = g.ID
		f.Properties["imageId"] = g.ImageID
		f.Properties["z"] = w.Z
		f.Properties["col"] = g.Pixel.Col
		f.Properties["row"] = g.Pixel.Row
		f.Properties["status"] = g.Result.Status.String()
		f.Properties["iterations"] = g.Result.Iterations
		if finite(g.Result.Residual) {
			f.Properties["residual"] = g.Result.Residual
		}
		f.Properties["createdAt"] = g.CreatedAt.Format(time.RFC3339)
		fc.Append(f)
	}
	return fc
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// LoadResults reads results saved by SaveResults. A missing file yields no
// results and no error.
func LoadResults(path string) ([]*Geolocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading result cache")
	}

	var results []*Geolocation
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, errors.Wrap(err, "parsing result cache")
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// SaveResults writes results to a JSON cache file.
func SaveResults(path string, results []*Geolocation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating result cache directory")
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling results")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing result cache")
	}
	return nil
}
