package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kwv/obliquegeo/geoloc"
	"github.com/paulmach/orb"
)

const defaultHTTPPort = 4040

var errNoImage = errors.New("no image selected: use -item or -image")

// App encapsulates the application state and dependencies
type App struct {
	Config     *geoloc.Config
	Solver     *geoloc.Solver
	Store      *geoloc.ResultStore
	Tracker    *geoloc.LoadTracker
	Grid       *geoloc.Grid // set when the terrain source is a local grid
	MQTTClient *geoloc.MQTTClient
	Publisher  *geoloc.Publisher

	Options AppOptions

	mu    sync.Mutex
	items map[string]*geoloc.ImageItem
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Store:   geoloc.NewResultStore(),
		Tracker: geoloc.NewLoadTracker(logLoadEvent),
		Options: AppOptions{Elevation: math.NaN()},
		items:   make(map[string]*geoloc.ImageItem),
	}
}

func logLoadEvent(e geoloc.LoadEvent, s geoloc.LoadStatus) {
	if e == geoloc.LoadFailed {
		log.Printf("Warning: remote request failed: %s", s.LastError)
		return
	}
	log.Printf("[DEBUG] remote requests %s (in flight: %d)", e, s.InFlight)
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// setup loads the configuration and builds the solver. It is idempotent.
func (a *App) setup() error {
	if a.Solver != nil {
		return nil
	}
	if a.Config == nil {
		if a.Options.ConfigFile == "" {
			a.Config = geoloc.DefaultConfig()
		} else {
			cfg, err := geoloc.LoadConfig(a.Options.ConfigFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			a.Config = cfg
			log.Printf("Loaded config from %s", a.Options.ConfigFile)
		}
	}

	sampler, err := a.Config.Elevation.NewSampler(geoloc.WithLoadTracker(a.Tracker))
	if err != nil {
		return fmt.Errorf("elevation source: %w", err)
	}
	if rs, ok := sampler.(*geoloc.RasterSampler); ok {
		if g, ok := rs.Raster.(*geoloc.Grid); ok {
			a.Grid = g
		}
	}
	a.Solver = geoloc.NewSolver(sampler, a.Config.Solver.Options()...)
	return nil
}

// item returns the photograph selected on the command line.
func (a *App) item(ctx context.Context) (*geoloc.ImageItem, error) {
	if a.Options.ItemPath != "" {
		return a.loadItem(ctx, a.Options.ItemPath)
	}
	if a.Options.ImageID != "" {
		return a.catalogItem(ctx, a.Options.Collection, a.Options.ImageID)
	}
	return nil, errNoImage
}

// loadItem reads a STAC item from a file or URL, caching it by location.
func (a *App) loadItem(ctx context.Context, location string) (*geoloc.ImageItem, error) {
	if it, ok := a.cached(location); ok {
		return it, nil
	}

	var it *geoloc.ImageItem
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		var err error
		it, err = geoloc.FetchImageItem(ctx, location, a.Config.Catalog.FetchOptions(a.Tracker)...)
		if err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("reading item: %w", err)
		}
		it, err = geoloc.ParseImageItem(data)
		if err != nil {
			return nil, fmt.Errorf("parsing item %s: %w", location, err)
		}
	}

	a.remember(location, it)
	return it, nil
}

// catalogItem fetches an item by ID from the configured catalog.
func (a *App) catalogItem(ctx context.Context, collection, id string) (*geoloc.ImageItem, error) {
	itemURL, err := a.Config.Catalog.ItemURL(collection, id)
	if err != nil {
		return nil, err
	}
	if it, ok := a.cached(itemURL); ok {
		return it, nil
	}
	it, err := geoloc.FetchImageItem(ctx, itemURL, a.Config.Catalog.FetchOptions(a.Tracker)...)
	if err != nil {
		return nil, err
	}
	a.remember(itemURL, it)
	return it, nil
}

func (a *App) cached(key string) (*geoloc.ImageItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	it, ok := a.items[key]
	return it, ok
}

func (a *App) remember(key string, it *geoloc.ImageItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[key] = it
}

// imageItem resolves an image for a service request. An empty id selects the
// command line item.
func (a *App) imageItem(ctx context.Context, collection, id string) (*geoloc.ImageItem, error) {
	if id == "" {
		return a.item(ctx)
	}
	if a.Options.ItemPath != "" {
		if it, err := a.loadItem(ctx, a.Options.ItemPath); err == nil && it.ID == id {
			return it, nil
		}
	}
	return a.catalogItem(ctx, collection, id)
}

// solveRequest answers one geolocation request. Failures are reported in
// the response rather than returned.
func (a *App) solveRequest(ctx context.Context, req geoloc.GeolocationRequest) *geoloc.GeolocationResponse {
	resp := &geoloc.GeolocationResponse{
		RequestID: req.RequestID,
		ImageID:   req.ImageID,
		Timestamp: time.Now().Unix(),
	}

	var frame geoloc.CameraFrame
	if req.Frame != nil {
		frame = *req.Frame
	} else {
		it, err := a.imageItem(ctx, req.Collection, req.ImageID)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		frame = it.Frame
		resp.ImageID = it.ID
	}

	pixels := req.AllPixels()
	results, err := a.Solver.SolveBatch(ctx, frame, pixels, a.Config.Solver.Concurrency)
	resp.Results = results
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	for i, res := range results {
		id := ""
		if res.Usable() {
			id = a.Store.Add(resp.ImageID, pixels[i], res).ID
		}
		resp.ResultIDs = append(resp.ResultIDs, id)
	}
	return resp
}

// handleRequest is the MQTT request handler.
func (a *App) handleRequest(ctx context.Context) geoloc.RequestHandler {
	return func(req geoloc.GeolocationRequest, err error) {
		var resp *geoloc.GeolocationResponse
		if err != nil {
			resp = &geoloc.GeolocationResponse{Error: err.Error(), Timestamp: time.Now().Unix()}
		} else {
			resp = a.solveRequest(ctx, req)
		}
		if resp.Error != "" {
			log.Printf("Error solving request %s: %s", resp.RequestID, resp.Error)
		}
		if a.Publisher == nil {
			return
		}
		if err := a.Publisher.PublishResponse(resp); err != nil {
			log.Printf("Error publishing response %s: %v", resp.RequestID, err)
		}
	}
}

// RunToWorld geolocates one pixel of the selected image.
func (a *App) RunToWorld(ctx context.Context, out io.Writer, px geoloc.PixelCoordinate) error {
	if err := a.setup(); err != nil {
		return err
	}
	it, err := a.item(ctx)
	if err != nil {
		return err
	}

	if a.Options.HasElevation() {
		w, ok := geoloc.ToWorld(it.Frame, px, a.Options.Elevation)
		if _, front := geoloc.ToImage(it.Frame, w); !ok || !front {
			return fmt.Errorf("pixel %v: %w", px, geoloc.ErrDegenerateGeometry)
		}
		fmt.Fprintf(out, "%s pixel %v -> world %v (fixed elevation)\n", it.ID, px, w)
		return nil
	}

	res, err := a.Solver.Solve(ctx, it.Frame, px)
	if err != nil {
		return fmt.Errorf("solving pixel %v: %w", px, err)
	}
	if !res.Usable() {
		return fmt.Errorf("pixel %v: %s: %w", px, res.Status, geoloc.ErrDegenerateGeometry)
	}
	a.Store.Add(it.ID, px, res)
	fmt.Fprintf(out, "%s pixel %v -> world %v\n", it.ID, px, res.World)
	fmt.Fprintf(out, "  status: %s after %d iteration(s), residual %.3f m\n", res.Status, res.Iterations, res.Residual)
	if len(res.Trace) > 0 {
		trace := make([]string, len(res.Trace))
		for i, z := range res.Trace {
			trace[i] = fmt.Sprintf("%.2f", z)
		}
		fmt.Fprintf(out, "  elevations: %s\n", strings.Join(trace, " -> "))
	}
	return nil
}

// RunToImage projects a ground point into the selected image.
func (a *App) RunToImage(ctx context.Context, out io.Writer, w geoloc.WorldCoordinate) error {
	if err := a.setup(); err != nil {
		return err
	}
	it, err := a.item(ctx)
	if err != nil {
		return err
	}
	px, ok := geoloc.ToImage(it.Frame, w)
	if !ok {
		return fmt.Errorf("world %v is behind the camera of %s: %w", w, it.ID, geoloc.ErrDegenerateGeometry)
	}
	inside := px.Col >= 0 && px.Row >= 0 && px.Col < it.Frame.SensorWidth && px.Row < it.Frame.SensorHeight
	fmt.Fprintf(out, "%s world %v -> pixel %v (inside image: %t)\n", it.ID, w, px, inside)
	return nil
}

// footprint computes the ground polygon of it, at the fixed elevation when
// one was given and draped on terrain otherwise.
func (a *App) footprint(ctx context.Context, it *geoloc.ImageItem) (orb.Polygon, error) {
	if a.Options.HasElevation() {
		return geoloc.Footprint(it.Frame, a.Options.Elevation)
	}
	poly, _, err := geoloc.DrapedFootprint(ctx, a.Solver, it.Frame, footprintEdgeSamples)
	if err != nil {
		return nil, err
	}
	return geoloc.SimplifyFootprint(poly, footprintTolerance), nil
}

const (
	footprintEdgeSamples = 8
	footprintTolerance   = 0.05 // metres
)

// RunFootprint writes the footprint of the selected image. The output
// format follows the file extension.
func (a *App) RunFootprint(ctx context.Context, out io.Writer) error {
	if err := a.setup(); err != nil {
		return err
	}
	it, err := a.item(ctx)
	if err != nil {
		return err
	}
	poly, err := a.footprint(ctx, it)
	if err != nil {
		return fmt.Errorf("footprint of %s: %w", it.ID, err)
	}

	path := a.Options.FootprintOut
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".svg", ".png", ".geojson", ".json":
	default:
		return fmt.Errorf("unsupported footprint format %q (use .svg, .png or .geojson)", filepath.Ext(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	switch ext {
	case ".svg", ".png":
		r := geoloc.NewFootprintRenderer()
		r.AddFootprint(it.ID, poly, &it.Frame.PerspectiveCenter)
		if ext == ".png" {
			err = r.RenderToPNG(f)
		} else {
			err = r.RenderToSVG(f)
		}
	default:
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(geoloc.FootprintFeature(it, poly))
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(out, "Footprint of %s written to %s\n", it.ID, path)
	return nil
}

// observationInput is one entry of the -intersect file. Frame may be
// omitted when ImageID names a catalog item.
type observationInput struct {
	ImageID    string                 `json:"imageId,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	Frame      *geoloc.CameraFrame    `json:"frame,omitempty"`
	Pixel      geoloc.PixelCoordinate `json:"pixel"`
}

// RunIntersect triangulates a point seen in several images.
func (a *App) RunIntersect(ctx context.Context, out io.Writer) error {
	if err := a.setup(); err != nil {
		return err
	}
	data, err := os.ReadFile(a.Options.Intersect)
	if err != nil {
		return fmt.Errorf("reading observations: %w", err)
	}
	var inputs []observationInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parsing observations: %w", err)
	}

	obs := make([]geoloc.Observation, 0, len(inputs))
	for i, in := range inputs {
		o := geoloc.Observation{ImageID: in.ImageID, Pixel: in.Pixel}
		if in.Frame != nil {
			o.Frame = *in.Frame
		} else {
			if in.ImageID == "" {
				return fmt.Errorf("observation %d: needs a frame or an imageId", i+1)
			}
			it, err := a.catalogItem(ctx, in.Collection, in.ImageID)
			if err != nil {
				return fmt.Errorf("observation %d: %w", i+1, err)
			}
			o.Frame = it.Frame
		}
		obs = append(obs, o)
	}

	res, err := geoloc.Intersect(obs)
	if err != nil {
		return fmt.Errorf("intersecting %d observations: %w", len(obs), err)
	}
	fmt.Fprintf(out, "Intersection of %d rays: %v (rms miss %.3f m)\n", res.Rays, res.World, res.Residual)
	return nil
}

// RunService runs the MQTT and/or HTTP services until ctx is done.
func (a *App) RunService(ctx context.Context, out io.Writer) error {
	fmt.Fprintln(out, "Starting obliquegeo service...")
	if err := a.setup(); err != nil {
		return err
	}

	cachePath := a.Config.ResultCache
	if cachePath == "" {
		cachePath = geoloc.DefaultResultCachePath
	}
	a.Store = geoloc.NewResultStoreWithCache(cachePath)
	if n := a.Store.Len(); n > 0 {
		log.Printf("Loaded %d cached result(s) from %s", n, cachePath)
	}

	if a.Options.MQTTMode {
		client, err := geoloc.NewMQTTClient(a.Config.MQTT, a.handleRequest(ctx))
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = client
		a.Publisher = geoloc.NewPublisher(client.Client(), a.Config.MQTT.PublishPrefix)
		client.Connect(ctx)
	}

	var srv *http.Server
	if a.Options.HTTPMode {
		port := a.Options.HTTPPort
		if port == 0 {
			port = a.Config.HTTP.Port
		}
		if port == 0 {
			port = defaultHTTPPort
		}
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP server starting on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	fmt.Fprintln(out, "\nService Running")
	fmt.Fprintln(out, "===============")
	if a.Publisher != nil {
		fmt.Fprintf(out, "\nMQTT:\n  Requests: %s\n", a.Config.MQTT.RequestTopic)
		fmt.Fprintf(out, "  Responses: %s and %s\n", a.Publisher.Topic("{imageId}"), a.Publisher.Topic("latest"))
	}
	if srv != nil {
		fmt.Fprintf(out, "\nHTTP endpoints (%s):\n", srv.Addr)
		for _, e := range endpoints {
			fmt.Fprintf(out, "  GET %-16s - %s\n", e.path, e.about)
		}
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Fprintln(out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(out, "Service stopped")
	return nil
}
