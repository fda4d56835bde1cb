package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kwv/obliquegeo/geoloc"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile   string
	ItemPath     string // STAC item file or URL
	ImageID      string // catalog item, used when ItemPath is empty
	Collection   string
	ToWorld      string // "col,row"
	ToImage      string // "X,Y,Z"
	Elevation    float64
	FootprintOut string
	Intersect    string // observations JSON file
	HTTPPort     int
	HTTPMode     bool
	MQTTMode     bool
}

// HasElevation reports whether -z was given; otherwise pixels are solved
// against the configured terrain.
func (o AppOptions) HasElevation() bool { return !math.IsNaN(o.Elevation) }

// Application is the set of commands run dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunToWorld(ctx context.Context, out io.Writer, px geoloc.PixelCoordinate) error
	RunToImage(ctx context.Context, out io.Writer, w geoloc.WorldCoordinate) error
	RunFootprint(ctx context.Context, out io.Writer) error
	RunIntersect(ctx context.Context, out io.Writer) error
	RunService(ctx context.Context, out io.Writer) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("obliquegeo", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file (default: flat terrain at 0 m)")
	fs.StringVar(&opts.ItemPath, "item", "", "STAC item JSON file or URL describing the image")
	fs.StringVar(&opts.ImageID, "image", "", "Image ID to fetch from the configured catalog")
	fs.StringVar(&opts.Collection, "collection", "", "Catalog collection (default: from config)")
	fs.StringVar(&opts.ToWorld, "to-world", "", "Geolocate a pixel: COL,ROW")
	fs.StringVar(&opts.ToImage, "to-image", "", "Project a ground point into the image: X,Y,Z")
	elevation := fs.String("z", "", "Use a fixed ground elevation instead of solving against terrain")
	fs.StringVar(&opts.FootprintOut, "footprint", "", "Write the image footprint to a .svg, .png or .geojson file")
	fs.StringVar(&opts.Intersect, "intersect", "", "Intersect rays from an observations JSON file")
	fs.BoolVar(&opts.HTTPMode, "http", false, "Run the HTTP server")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP server port (default: from config, else 4040)")
	fs.BoolVar(&opts.MQTTMode, "mqtt", false, "Run the MQTT request/response service")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "obliquegeo version: %s\n", Version)

	opts.Elevation = math.NaN()
	if *elevation != "" {
		z, err := strconv.ParseFloat(*elevation, 64)
		if err != nil {
			return fmt.Errorf("invalid -z %q: %w", *elevation, err)
		}
		opts.Elevation = z
	}
	app.ApplyOptions(opts)

	switch {
	case opts.ToWorld != "":
		v, err := parseFloats(opts.ToWorld, 2)
		if err != nil {
			return fmt.Errorf("invalid -to-world: %w", err)
		}
		return app.RunToWorld(ctx, out, geoloc.PixelCoordinate{Col: v[0], Row: v[1]})
	case opts.ToImage != "":
		v, err := parseFloats(opts.ToImage, 3)
		if err != nil {
			return fmt.Errorf("invalid -to-image: %w", err)
		}
		return app.RunToImage(ctx, out, geoloc.WorldCoordinate{X: v[0], Y: v[1], Z: v[2]})
	case opts.FootprintOut != "":
		return app.RunFootprint(ctx, out)
	case opts.Intersect != "":
		return app.RunIntersect(ctx, out)
	case opts.HTTPMode || opts.MQTTMode:
		return app.RunService(ctx, out)
	}

	fmt.Fprintln(out, "Use -item FILE|URL or -image ID to select a photograph, then:")
	fmt.Fprintln(out, "  -to-world COL,ROW    geolocate a pixel (add -z to skip terrain)")
	fmt.Fprintln(out, "  -to-image X,Y,Z      project a ground point into the image")
	fmt.Fprintln(out, "  -footprint OUT       write the ground footprint (.svg, .png, .geojson)")
	fmt.Fprintln(out, "Use -intersect FILE to triangulate a point seen in several images")
	fmt.Fprintln(out, "Use -http and/or -mqtt to run the services")
	return nil
}

// parseFloats parses exactly n comma separated numbers.
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma separated values, got %q", n, s)
	}
	v := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d of %q: %w", i+1, s, err)
		}
		v[i] = f
	}
	return v, nil
}
