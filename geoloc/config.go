package geoloc

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Elevation sources accepted in ElevationConfig.Source.
const (
	SourceGrid    = "grid"
	SourceService = "service"
	SourceFlat    = "flat"
)

// Config is the service configuration, usually read from YAML.
type Config struct {
	Catalog     CatalogConfig   `yaml:"catalog" json:"catalog"`
	Elevation   ElevationConfig `yaml:"elevation" json:"elevation"`
	Solver      SolverConfig    `yaml:"solver" json:"solver"`
	MQTT        MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	HTTP        HTTPConfig      `yaml:"http" json:"http"`
	ResultCache string          `yaml:"resultCache,omitempty" json:"resultCache,omitempty"` // default .geolocations.json
}

// CatalogConfig locates image items: <baseUrl>/collections/<collection>/items/<id>.
type CatalogConfig struct {
	BaseURL    string            `yaml:"baseUrl" json:"baseUrl"`
	Collection string            `yaml:"collection,omitempty" json:"collection,omitempty"`
	Query      map[string]string `yaml:"query,omitempty" json:"-"` // e.g. token
	Timeout    time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ItemURL builds the URL of one item. An empty collection uses the
// configured default.
func (c CatalogConfig) ItemURL(collection, id string) (string, error) {
	if c.BaseURL == "" {
		return "", errors.New("catalog.baseUrl is not configured")
	}
	if collection == "" {
		collection = c.Collection
	}
	if collection == "" || id == "" {
		return "", errors.New("collection and item id are required")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/collections/" + url.PathEscape(collection) +
		"/items/" + url.PathEscape(id), nil
}

// ElevationConfig selects the terrain source for the solver.
type ElevationConfig struct {
	Source        string            `yaml:"source" json:"source"`                                   // grid | service | flat
	GridPath      string            `yaml:"gridPath,omitempty" json:"gridPath,omitempty"`           // JSON grid for source=grid
	ServiceURL    string            `yaml:"serviceUrl,omitempty" json:"serviceUrl,omitempty"`       // point service for source=service
	Model         string            `yaml:"model,omitempty" json:"model,omitempty"`                 // elevation model, default dtm
	Interpolation string            `yaml:"interpolation,omitempty" json:"interpolation,omitempty"` // nearest | bilinear
	Fill          float64           `yaml:"fill,omitempty" json:"fill,omitempty"`                   // value for no-data cells
	Flat          float64           `yaml:"flatElevation,omitempty" json:"flatElevation,omitempty"` // elevation for source=flat
	Query         map[string]string `yaml:"query,omitempty" json:"-"`
}

// SolverConfig tunes the convergence loop. Zero values select defaults.
type SolverConfig struct {
	Tolerance        float64       `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	MaxIterations    int           `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	InitialElevation float64       `yaml:"initialElevation,omitempty" json:"initialElevation,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Concurrency      int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// Options converts the config to solver options.
func (c SolverConfig) Options() []SolverOption {
	opts := []SolverOption{WithInitialElevation(c.InitialElevation)}
	if c.Tolerance > 0 {
		opts = append(opts, WithTolerance(c.Tolerance))
	}
	if c.MaxIterations > 0 {
		opts = append(opts, WithMaxIterations(c.MaxIterations))
	}
	if c.Timeout > 0 {
		opts = append(opts, WithTimeout(c.Timeout))
	}
	return opts
}

// MQTTConfig configures the request/response service. An empty broker
// disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	RequestTopic  string `yaml:"requestTopic" json:"requestTopic"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"` // default 4040
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Elevation.Source {
	case SourceGrid:
		if c.Elevation.GridPath == "" {
			return errors.New("elevation.gridPath is required for source grid")
		}
	case SourceService:
		if c.Elevation.ServiceURL == "" {
			return errors.New("elevation.serviceUrl is required for source service")
		}
	case SourceFlat, "":
	default:
		return errors.Errorf("elevation.source %q must be grid, service or flat", c.Elevation.Source)
	}
	if _, err := ParseInterpolation(c.Elevation.Interpolation); err != nil {
		return errors.Wrap(err, "elevation.interpolation")
	}
	if c.Solver.Tolerance < 0 {
		return errors.New("solver.tolerance must not be negative")
	}
	if c.Solver.MaxIterations < 0 {
		return errors.New("solver.maxIterations must not be negative")
	}
	if c.MQTT.Broker != "" && c.MQTT.RequestTopic == "" {
		return errors.New("mqtt.requestTopic is required when mqtt.broker is set")
	}
	return nil
}

// NewSampler builds the configured elevation source. HTTP options apply to
// the service source only.
func (c ElevationConfig) NewSampler(opts ...FetchOption) (ElevationSampler, error) {
	switch c.Source {
	case SourceGrid:
		g, err := LoadGrid(c.GridPath)
		if err != nil {
			return nil, err
		}
		interp, err := ParseInterpolation(c.Interpolation)
		if err != nil {
			return nil, err
		}
		return &RasterSampler{Raster: g, FillValue: c.Fill, Interpolation: interp}, nil
	case SourceService:
		for k, v := range c.Query {
			opts = append(opts, WithQuery(k, v))
		}
		return NewPointElevationService(c.ServiceURL, c.Model, opts...), nil
	case SourceFlat, "":
		return ConstantElevation(c.Flat), nil
	}
	return nil, errors.Errorf("unknown elevation source %q", c.Source)
}

// FetchOptions returns the HTTP options for catalog requests.
func (c CatalogConfig) FetchOptions(tracker *LoadTracker) []FetchOption {
	opts := []FetchOption{WithLoadTracker(tracker)}
	if c.Timeout > 0 {
		opts = append(opts, WithRequestTimeout(c.Timeout))
	}
	for k, v := range c.Query {
		opts = append(opts, WithQuery(k, v))
	}
	return opts
}
