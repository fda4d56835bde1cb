package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/obliquegeo/geoloc"
)

var endpoints = []struct{ path, about string }{
	{"/health", "Health check"},
	{"/status", "Remote request activity and result count"},
	{"/to-world", "Geolocate ?col=&row= [&image=&z=]"},
	{"/to-image", "Project ?x=&y=&z= [&image=] into the image"},
	{"/points.geojson", "Solved points as GeoJSON"},
	{"/footprint.svg", "Image footprint [?image=&z=]"},
	{"/terrain.png", "Elevation grid preview with points"},
	{"/trace.png", "Convergence trace [?id=]"},
}

// traceLimit is how many recent results /trace.png draws without ?id.
const traceLimit = 5

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			Results       int       `json:"results"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Results:       a.Store.Len(),
			MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		}
		writeJSON(w, "application/json", status)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Load    geoloc.LoadStatus `json:"load"`
			Busy    bool              `json:"busy"`
			Results int               `json:"results"`
			Source  string            `json:"elevationSource"`
		}{
			Load:    a.Tracker.Status(),
			Busy:    a.Tracker.Status().Busy(),
			Results: a.Store.Len(),
			Source:  a.Config.Elevation.Source,
		}
		writeJSON(w, "application/json", status)
	})

	mux.HandleFunc("/to-world", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		col, err1 := parseFinite(q.Get("col"))
		row, err2 := parseFinite(q.Get("row"))
		if err := errors.Join(err1, err2); err != nil {
			http.Error(w, "col and row must be numbers", http.StatusBadRequest)
			return
		}
		px := geoloc.PixelCoordinate{Col: col, Row: row}

		if zs := q.Get("z"); zs != "" {
			z, err := parseFinite(zs)
			if err != nil {
				http.Error(w, "z must be a number", http.StatusBadRequest)
				return
			}
			it, ok := requestItem(w, r, a)
			if !ok {
				return
			}
			world, ok := geoloc.ToWorld(it.Frame, px, z)
			if _, front := geoloc.ToImage(it.Frame, world); !ok || !front {
				http.Error(w, "pixel ray does not reach the ground", http.StatusUnprocessableEntity)
				return
			}
			writeJSON(w, "application/json", map[string]any{"imageId": it.ID, "pixel": px, "world": world})
			return
		}

		resp := a.solveRequest(r.Context(), geoloc.GeolocationRequest{
			ImageID:    q.Get("image"),
			Collection: q.Get("collection"),
			Pixel:      px,
		})
		code := http.StatusOK
		switch {
		case resp.Error != "" && len(resp.Results) == 0:
			code = http.StatusNotFound
		case resp.Error != "":
			code = http.StatusBadGateway
		case !anyUsable(resp.Results):
			code = http.StatusUnprocessableEntity
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding response: %v", err)
		}
	})

	mux.HandleFunc("/to-image", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		x, err1 := parseFinite(q.Get("x"))
		y, err2 := parseFinite(q.Get("y"))
		z, err3 := parseFinite(q.Get("z"))
		if err := errors.Join(err1, err2, err3); err != nil {
			http.Error(w, "x, y and z must be numbers", http.StatusBadRequest)
			return
		}
		it, ok := requestItem(w, r, a)
		if !ok {
			return
		}
		world := geoloc.WorldCoordinate{X: x, Y: y, Z: z}
		px, ok := geoloc.ToImage(it.Frame, world)
		if !ok {
			http.Error(w, "point is behind the camera", http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, "application/json", map[string]any{"imageId": it.ID, "world": world, "pixel": px})
	})

	mux.HandleFunc("/points.geojson", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, "application/geo+json", a.Store.FeatureCollection())
	})

	mux.HandleFunc("/footprint.svg", func(w http.ResponseWriter, r *http.Request) {
		it, ok := requestItem(w, r, a)
		if !ok {
			return
		}
		z := 0.0
		if zs := r.URL.Query().Get("z"); zs != "" {
			v, err := parseFinite(zs)
			if err != nil {
				http.Error(w, "z must be a number", http.StatusBadRequest)
				return
			}
			z = v
		} else if sample, err := a.Solver.Solve(r.Context(), it.Frame, it.Frame.Center()); err == nil && sample.Converged() {
			// Flatten at the terrain height under the image center.
			z = sample.World.Z
		}
		poly, err := geoloc.Footprint(it.Frame, z)
		if err != nil {
			http.Error(w, fmt.Sprintf("footprint: %v", err), http.StatusUnprocessableEntity)
			return
		}

		renderer := geoloc.NewFootprintRenderer()
		renderer.AddFootprint(it.ID, poly, &it.Frame.PerspectiveCenter)
		for _, g := range a.Store.List() {
			if g.ImageID == it.ID {
				renderer.AddPoint(g.Result.World)
			}
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error rendering footprint SVG: %v", err)
		}
	})

	mux.HandleFunc("/terrain.png", func(w http.ResponseWriter, r *http.Request) {
		if a.Grid == nil {
			http.Error(w, "No elevation grid loaded", http.StatusServiceUnavailable)
			return
		}
		renderer := geoloc.NewTerrainRenderer(a.Grid)
		for _, g := range a.Store.List() {
			renderer.Points = append(renderer.Points, g.Result.World)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("Error rendering terrain PNG: %v", err)
		}
	})

	mux.HandleFunc("/trace.png", func(w http.ResponseWriter, r *http.Request) {
		plot := geoloc.NewTracePlot("Elevation convergence")
		if id := r.URL.Query().Get("id"); id != "" {
			g, ok := a.Store.Get(id)
			if !ok {
				http.NotFound(w, r)
				return
			}
			plot.Add(g.Pixel.String(), g.Result)
		} else {
			list := a.Store.List()
			for _, g := range list[max(0, len(list)-traceLimit):] {
				plot.Add(g.Pixel.String(), g.Result)
			}
		}
		if plot.Len() == 0 {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := plot.RenderToPNG(w); err != nil {
			if errors.Is(err, geoloc.ErrNothingToRender) {
				http.Error(w, "Results have no elevation trace", http.StatusServiceUnavailable)
				return
			}
			log.Printf("Error rendering trace PNG: %v", err)
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>obliquegeo</title>
<style>body{font-family:sans-serif;margin:2em}li{margin:.3em 0}</style>
</head>
<body>
<h1>obliquegeo</h1>
<ul>
`)
		for _, e := range endpoints {
			_, _ = fmt.Fprintf(w, "<li><a href=%q>%s</a> - %s</li>\n", e.path, e.path, e.about)
		}
		_, _ = fmt.Fprint(w, "</ul>\n</body>\n</html>\n")
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// requestItem resolves ?image= (or the command line item) and writes the
// error response when that fails.
func requestItem(w http.ResponseWriter, r *http.Request, a *App) (*geoloc.ImageItem, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), geoloc.DefaultFetchTimeout)
	defer cancel()

	q := r.URL.Query()
	it, err := a.imageItem(ctx, q.Get("collection"), q.Get("image"))
	switch {
	case err == nil:
		return it, true
	case errors.Is(err, errNoImage):
		http.Error(w, "No image selected: pass ?image=ID", http.StatusNotFound)
	case errors.Is(err, geoloc.ErrMissingOrientationData):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
	return nil, false
}

func anyUsable(results []geoloc.ConvergenceResult) bool {
	for _, r := range results {
		if r.Usable() {
			return true
		}
	}
	return false
}

// parseFinite parses a query value that must be a finite number.
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", s)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding %s: %v", contentType, err)
	}
}
