package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kwv/obliquegeo/geoloc"
)

const nadirItemPath = "testdata/nadir_item.json"

// newTestApp returns an app on flat terrain at 0 m with the nadir test item.
func newTestApp(t *testing.T) *App {
	t.Helper()
	app := NewApp()
	app.ApplyOptions(AppOptions{ItemPath: nadirItemPath, Elevation: math.NaN()})
	app.Config = geoloc.DefaultConfig()
	app.Config.ResultCache = filepath.Join(t.TempDir(), "results.json")
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return app
}

func nadirFrame() geoloc.CameraFrame {
	return geoloc.CameraFrame{
		FocalLength:       100,
		PixelSpacing:      0.006,
		SensorWidth:       10000,
		SensorHeight:      10000,
		PerspectiveCenter: geoloc.WorldCoordinate{X: 500000, Y: 6100000, Z: 1000},
	}
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app.Store == nil {
		t.Error("Store should be initialized")
	}
	if app.Tracker == nil {
		t.Error("Tracker should be initialized")
	}
	if app.Options.HasElevation() {
		t.Error("a new app should solve against terrain")
	}
}

func TestSetup_DefaultConfig(t *testing.T) {
	app := NewApp()
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if app.Config.Elevation.Source != geoloc.SourceFlat {
		t.Errorf("source = %q, want flat", app.Config.Elevation.Source)
	}
	if app.Solver == nil {
		t.Fatal("Solver should be built")
	}
	if app.Grid != nil {
		t.Error("Grid should be nil for flat terrain")
	}
}

func TestSetup_GridConfig(t *testing.T) {
	dir := t.TempDir()
	gridPath := filepath.Join(dir, "dtm.json")
	grid := `{"bbox": [499000, 6099000, 501000, 6101000], "width": 2, "height": 2, "values": [10, 10, 10, 10]}`
	if err := os.WriteFile(gridPath, []byte(grid), 0644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	config := fmt.Sprintf("elevation:\n  source: grid\n  gridPath: %s\nsolver:\n  tolerance: 0.1\n", gridPath)
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: configPath, ItemPath: nadirItemPath, Elevation: math.NaN()})
	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if app.Grid == nil {
		t.Fatal("Grid should be kept for the terrain preview")
	}
	if app.Solver.Tolerance() != 0.1 {
		t.Errorf("tolerance = %v, want 0.1", app.Solver.Tolerance())
	}

	var out bytes.Buffer
	if err := app.RunToWorld(context.Background(), &out, geoloc.PixelCoordinate{Col: 5000, Row: 5000}); err != nil {
		t.Fatalf("RunToWorld: %v", err)
	}
	if !strings.Contains(out.String(), "(500000.000, 6100000.000, 10.000)") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestSetup_MissingConfig(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	if err := app.setup(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestRunToWorld_Solved(t *testing.T) {
	app := newTestApp(t)
	var out bytes.Buffer
	if err := app.RunToWorld(context.Background(), &out, geoloc.PixelCoordinate{Col: 0, Row: 0}); err != nil {
		t.Fatalf("RunToWorld: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "nadir_0001 pixel (0.00, 0.00) -> world (499700.000, 6099700.000, 0.000)") {
		t.Errorf("unexpected output: %s", got)
	}
	if !strings.Contains(got, "status: converged") {
		t.Errorf("expected converged status, got: %s", got)
	}
	if app.Store.Len() != 1 {
		t.Errorf("store has %d results, want 1", app.Store.Len())
	}
}

func TestRunToWorld_FixedElevation(t *testing.T) {
	app := newTestApp(t)
	app.Options.Elevation = 100
	var out bytes.Buffer
	if err := app.RunToWorld(context.Background(), &out, geoloc.PixelCoordinate{Col: 5000, Row: 5000}); err != nil {
		t.Fatalf("RunToWorld: %v", err)
	}
	if !strings.Contains(out.String(), "(500000.000, 6100000.000, 100.000) (fixed elevation)") {
		t.Errorf("unexpected output: %s", out.String())
	}
	if app.Store.Len() != 0 {
		t.Error("fixed elevation projections are not stored")
	}
}

// tiltedItem writes a copy of the nadir fixture rolled by omega degrees and
// returns its path.
func tiltedItem(t *testing.T, omega float64) string {
	t.Helper()
	data, err := os.ReadFile(nadirItemPath)
	if err != nil {
		t.Fatal(err)
	}
	tilted := strings.Replace(string(data), `"pers:omega": 0`, fmt.Sprintf(`"pers:omega": %g`, omega), 1)
	path := filepath.Join(t.TempDir(), "tilted.json")
	if err := os.WriteFile(path, []byte(tilted), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunToWorld_AboveHorizon(t *testing.T) {
	app := newTestApp(t)
	app.Options.ItemPath = tiltedItem(t, 80)
	bottom := geoloc.PixelCoordinate{Col: 5000, Row: 10000}

	var out bytes.Buffer
	err := app.RunToWorld(context.Background(), &out, bottom)
	if !errors.Is(err, geoloc.ErrDegenerateGeometry) {
		t.Errorf("expected ErrDegenerateGeometry, got %v", err)
	}
	if app.Store.Len() != 0 {
		t.Errorf("store has %d results, want 0", app.Store.Len())
	}
	if strings.Contains(out.String(), "-> world") {
		t.Errorf("no ground point should be printed, got: %s", out.String())
	}

	app.Options.Elevation = 0
	if err := app.RunToWorld(context.Background(), io.Discard, bottom); !errors.Is(err, geoloc.ErrDegenerateGeometry) {
		t.Errorf("fixed elevation: expected ErrDegenerateGeometry, got %v", err)
	}
}

func TestRunToWorld_NoImage(t *testing.T) {
	app := newTestApp(t)
	app.Options.ItemPath = ""
	err := app.RunToWorld(context.Background(), io.Discard, geoloc.PixelCoordinate{})
	if !errors.Is(err, errNoImage) {
		t.Errorf("expected errNoImage, got %v", err)
	}
}

func TestRunToImage(t *testing.T) {
	app := newTestApp(t)
	var out bytes.Buffer
	if err := app.RunToImage(context.Background(), &out, geoloc.WorldCoordinate{X: 500000, Y: 6100000, Z: 0}); err != nil {
		t.Fatalf("RunToImage: %v", err)
	}
	if !strings.Contains(out.String(), "pixel (5000.00, 5000.00) (inside image: true)") {
		t.Errorf("unexpected output: %s", out.String())
	}

	err := app.RunToImage(context.Background(), &out, geoloc.WorldCoordinate{X: 500000, Y: 6100000, Z: 2000})
	if !errors.Is(err, geoloc.ErrDegenerateGeometry) {
		t.Errorf("expected degenerate geometry above the camera, got %v", err)
	}
}

func TestRunFootprint(t *testing.T) {
	for _, ext := range []string{".svg", ".png", ".geojson"} {
		t.Run(ext, func(t *testing.T) {
			app := newTestApp(t)
			app.Options.FootprintOut = filepath.Join(t.TempDir(), "footprint"+ext)
			var out bytes.Buffer
			if err := app.RunFootprint(context.Background(), &out); err != nil {
				t.Fatalf("RunFootprint: %v", err)
			}
			data, err := os.ReadFile(app.Options.FootprintOut)
			if err != nil {
				t.Fatal(err)
			}
			if len(data) == 0 {
				t.Fatal("footprint file is empty")
			}
			if ext == ".geojson" && !bytes.Contains(data, []byte(`"nadir_0001"`)) {
				t.Errorf("feature should carry the item ID: %s", data)
			}
		})
	}
}

func TestRunFootprint_UnsupportedFormat(t *testing.T) {
	app := newTestApp(t)
	app.Options.Elevation = 0
	app.Options.FootprintOut = filepath.Join(t.TempDir(), "footprint.bmp")
	if err := app.RunFootprint(context.Background(), io.Discard); err == nil {
		t.Error("expected error for .bmp")
	}
	if _, err := os.Stat(app.Options.FootprintOut); !os.IsNotExist(err) {
		t.Error("no file should be created for an unsupported format")
	}
}

func TestRunIntersect(t *testing.T) {
	target := geoloc.WorldCoordinate{X: 500020, Y: 6100010, Z: 35}
	var inputs []observationInput
	for _, dx := range []float64{-150, 150} {
		frame := nadirFrame()
		frame.PerspectiveCenter.X += dx
		px, ok := geoloc.ToImage(frame, target)
		if !ok {
			t.Fatal("target must be visible")
		}
		inputs = append(inputs, observationInput{Frame: &frame, Pixel: px})
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "obs.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(t)
	app.Options.Intersect = path
	var out bytes.Buffer
	if err := app.RunIntersect(context.Background(), &out); err != nil {
		t.Fatalf("RunIntersect: %v", err)
	}
	if !strings.Contains(out.String(), "Intersection of 2 rays: (500020.000, 6100010.000, 35.000)") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRunIntersect_MissingFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obs.json")
	if err := os.WriteFile(path, []byte(`[{"pixel": {"col": 1, "row": 2}}]`), 0644); err != nil {
		t.Fatal(err)
	}
	app := newTestApp(t)
	app.Options.Intersect = path
	if err := app.RunIntersect(context.Background(), io.Discard); err == nil {
		t.Error("expected error for an observation without frame or imageId")
	}
}

func TestCatalogItem_Cached(t *testing.T) {
	item, err := os.ReadFile(nadirItemPath)
	if err != nil {
		t.Fatal(err)
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/testflight/items/nadir_0001" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		hits.Add(1)
		_, _ = w.Write(item)
	}))
	defer srv.Close()

	app := newTestApp(t)
	app.Options.ItemPath = ""
	app.Config.Catalog = geoloc.CatalogConfig{
		BaseURL:    srv.URL,
		Collection: "testflight",
		Query:      map[string]string{"token": "secret"},
	}

	for i := 0; i < 2; i++ {
		it, err := app.imageItem(context.Background(), "", "nadir_0001")
		if err != nil {
			t.Fatalf("imageItem: %v", err)
		}
		if it.ID != "nadir_0001" {
			t.Errorf("ID = %q", it.ID)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("catalog hit %d times, want 1", hits.Load())
	}
	if s := app.Tracker.Status(); s.Finished != 1 || s.InFlight != 0 {
		t.Errorf("tracker status = %+v", s)
	}

	if _, err := app.imageItem(context.Background(), "", "unknown"); err == nil {
		t.Error("expected error for unknown item")
	}
}

func TestSolveRequest(t *testing.T) {
	app := newTestApp(t)
	frame := nadirFrame()
	resp := app.solveRequest(context.Background(), geoloc.GeolocationRequest{
		RequestID: "r1",
		Frame:     &frame,
		Pixels:    []geoloc.PixelCoordinate{{Col: 0, Row: 0}, {Col: 5000, Row: 5000}},
	})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if len(resp.Results) != 2 || len(resp.ResultIDs) != 2 {
		t.Fatalf("got %d results and %d IDs", len(resp.Results), len(resp.ResultIDs))
	}
	if w := resp.Results[1].World; math.Abs(w.X-500000) > 1e-6 || math.Abs(w.Y-6100000) > 1e-6 {
		t.Errorf("center pixel solved to %v", w)
	}
	if _, ok := app.Store.Get(resp.ResultIDs[0]); !ok {
		t.Error("results should be stored")
	}

	resp = app.solveRequest(context.Background(), geoloc.GeolocationRequest{RequestID: "r2", Frame: &geoloc.CameraFrame{}})
	if resp.Error == "" {
		t.Error("an empty frame should be reported")
	}
}

func TestSolveRequest_SkipsDegenerate(t *testing.T) {
	app := newTestApp(t)
	frame := nadirFrame()
	frame.Omega = 90
	resp := app.solveRequest(context.Background(), geoloc.GeolocationRequest{
		Frame:  &frame,
		Pixels: []geoloc.PixelCoordinate{frame.Center(), {Col: 5000, Row: 0}},
	})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if len(resp.ResultIDs) != 2 {
		t.Fatalf("got %d IDs, want one per result", len(resp.ResultIDs))
	}
	if resp.Results[0].Status != geoloc.StatusDegenerate || resp.ResultIDs[0] != "" {
		t.Errorf("horizon ray: status %s, id %q", resp.Results[0].Status, resp.ResultIDs[0])
	}
	if resp.Results[1].Status != geoloc.StatusConverged {
		t.Errorf("top row status = %s, want converged", resp.Results[1].Status)
	}
	if _, ok := app.Store.Get(resp.ResultIDs[1]); !ok {
		t.Error("the converged result should be stored")
	}
	if app.Store.Len() != 1 {
		t.Errorf("store has %d results, want 1", app.Store.Len())
	}
}

func TestHandleRequest_Publishes(t *testing.T) {
	app := newTestApp(t)
	mock := geoloc.NewMockClient(nil)
	mock.SetConnected(true)
	app.Publisher = geoloc.NewPublisher(mock, "test")

	handler := app.handleRequest(context.Background())
	handler(geoloc.GeolocationRequest{RequestID: "r1", Pixel: geoloc.PixelCoordinate{Col: 5000, Row: 5000}}, nil)
	handler(geoloc.GeolocationRequest{}, errors.New("decoding request: bad json"))

	published := mock.Published()
	if len(published) != 4 {
		t.Fatalf("published %d messages, want 4", len(published))
	}
	if published[0].Topic != "test/nadir_0001" || published[1].Topic != "test/latest" {
		t.Errorf("topics = %s, %s", published[0].Topic, published[1].Topic)
	}

	var resp geoloc.GeolocationResponse
	if err := json.Unmarshal(published[0].Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != "r1" || len(resp.ResultIDs) != 1 || resp.Error != "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if published[2].Topic != "test/adhoc" {
		t.Errorf("decode failures go to the adhoc topic, got %s", published[2].Topic)
	}
	if err := json.Unmarshal(published[2].Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "bad json") {
		t.Errorf("error = %q", resp.Error)
	}
}
