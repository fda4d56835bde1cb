package geoloc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for catalog and
	// elevation requests.
	DefaultFetchTimeout = 30 * time.Second

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// FetchOption configures the HTTP clients in this package.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout time.Duration
	client  *http.Client
	tracker *LoadTracker
	query   url.Values
}

func newFetchConfig(opts []FetchOption) fetchConfig {
	cfg := fetchConfig{timeout: DefaultFetchTimeout, query: url.Values{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: cfg.timeout}
	}
	return cfg
}

// WithRequestTimeout sets the HTTP request timeout.
func WithRequestTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithLoadTracker reports every request to t.
func WithLoadTracker(t *LoadTracker) FetchOption {
	return func(c *fetchConfig) {
		c.tracker = t
	}
}

// WithQuery adds a query parameter to every request, e.g. an API token.
func WithQuery(key, value string) FetchOption {
	return func(c *fetchConfig) {
		c.query.Add(key, value)
	}
}

// FetchImageItem fetches and parses a single catalog item. There are no
// retries; a missing orientation field is returned as ErrMissingOrientationData.
func FetchImageItem(ctx context.Context, itemURL string, opts ...FetchOption) (*ImageItem, error) {
	if itemURL == "" {
		return nil, errors.New("fetch item: URL is empty")
	}
	cfg := newFetchConfig(opts)

	body, err := cfg.get(ctx, itemURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch item")
	}
	item, err := ParseImageItem(body)
	if err != nil {
		return nil, errors.Wrap(err, "fetch item")
	}
	return item, nil
}

// FetchItemCollection fetches a catalog search or items page.
func FetchItemCollection(ctx context.Context, collectionURL string, opts ...FetchOption) ([]*ImageItem, error) {
	if collectionURL == "" {
		return nil, errors.New("fetch items: URL is empty")
	}
	cfg := newFetchConfig(opts)

	body, err := cfg.get(ctx, collectionURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch items")
	}
	items, err := ParseItemCollection(body)
	if err != nil {
		return nil, errors.Wrap(err, "fetch items")
	}
	return items, nil
}

// get performs a single HTTP GET and returns the response body bytes.
func (cfg fetchConfig) get(ctx context.Context, rawURL string, extra url.Values) (body []byte, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing URL %q", rawURL)
	}
	q := u.Query()
	for k, vs := range cfg.query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	end := cfg.tracker.Begin()
	defer func() { end(err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cfg.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "HTTP GET %s", u.Path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HTTP GET %s: status %d", u.Path, resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "reading response from %s", u.Path)
	}
	return body, nil
}

// PointElevationService samples a point-query terrain service of the
// Danish height model kind: GET <base>?geop=POINT(x y)&elevationmodel=dtm.
type PointElevationService struct {
	baseURL string
	model   string
	cfg     fetchConfig
}

// NewPointElevationService returns a service-backed ElevationSampler. model
// defaults to "dtm".
func NewPointElevationService(baseURL, model string, opts ...FetchOption) *PointElevationService {
	if model == "" {
		model = "dtm"
	}
	return &PointElevationService{baseURL: baseURL, model: model, cfg: newFetchConfig(opts)}
}

type koteResponse struct {
	HentKoterRespons struct {
		Data []struct {
			Kote *float64 `json:"kote"`
		} `json:"data"`
	} `json:"HentKoterRespons"`
}

// Elevation implements ElevationSampler.
func (s *PointElevationService) Elevation(ctx context.Context, x, y float64) (float64, error) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.NaN(), nil
	}

	q := url.Values{}
	q.Set("geop", fmt.Sprintf("POINT(%s %s)", formatCoord(x), formatCoord(y)))
	q.Set("elevationmodel", s.model)

	body, err := s.cfg.get(ctx, s.baseURL, q)
	if err != nil {
		return 0, errors.Wrap(err, "point elevation")
	}

	var resp koteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.Wrap(err, "decoding point elevation")
	}
	data := resp.HentKoterRespons.Data
	if len(data) == 0 || data[0].Kote == nil {
		return 0, errors.Errorf("no elevation at (%s, %s)", formatCoord(x), formatCoord(y))
	}
	return *data[0].Kote, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
