// Package openweathermap implements the air quality provider backed by the
// OpenWeatherMap Air Pollution API.
package openweathermap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
	"github.com/climateaction/airstream/internal/provider/resilience"
)

const (
	// ProviderName identifies this air quality provider.
	ProviderName = "openweathermap"

	// DefaultBaseURL is the OpenWeatherMap API base URL.
	DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// componentPollutants maps response component names to pollutants.
var componentPollutants = map[string]airquality.Pollutant{
	"co":    airquality.PollutantCO,
	"no":    airquality.PollutantNO,
	"no2":   airquality.PollutantNO2,
	"o3":    airquality.PollutantO3,
	"so2":   airquality.PollutantSO2,
	"pm2_5": airquality.PollutantPM25,
	"pm10":  airquality.PollutantPM10,
	"nh3":   airquality.PollutantNH3,
}

// ClientConfig holds configuration for the OpenWeatherMap client.
type ClientConfig struct {
	// APIKey is the OpenWeatherMap API key (required).
	APIKey string

	// BaseURL is the API base URL (optional, defaults to OpenWeatherMap API).
	BaseURL string

	// Timeout bounds each fetch (default: 10s).
	Timeout time.Duration

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with retries disabled.
	HTTPClient *resilience.Client

	// Registry receives health records for the default HTTP client.
	Registry *resilience.Registry

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client fetches air pollution readings from OpenWeatherMap.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *resilience.Client
	logger     zerolog.Logger
}

// NewClient creates a new OpenWeatherMap client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = timeout
		clientCfg.DisableRetry = true
		clientCfg.Registry = cfg.Registry
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Fetch retrieves the current air pollution reading for key. It makes exactly
// one attempt and classifies every failure as an airquality.UpstreamError.
func (c *Client) Fetch(ctx context.Context, key location.Key) (*airquality.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	lat, lon := key.Coordinates()
	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(lat, 'f', location.Precision, 64))
	query.Set("lon", strconv.FormatFloat(lon, 'f', location.Precision, 64))
	query.Set("appid", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/air_pollution?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, airquality.NewUpstreamError(airquality.KindUpstreamUnavailable, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &airquality.UpstreamError{
			Kind:       airquality.KindRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &airquality.UpstreamError{
			Kind:       airquality.KindUpstreamUnavailable,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	var body airPollutionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransportError(ctx, err)
		}
		return nil, airquality.NewUpstreamError(airquality.KindMalformedResponse, fmt.Errorf("decoding response: %w", err))
	}

	reading, err := toReading(&body, time.Now())
	if err != nil {
		return nil, airquality.NewUpstreamError(airquality.KindMalformedResponse, err)
	}

	c.logger.Debug().
		Str("location_key", key.String()).
		Float64("aqi", reading.AQI).
		Int("provider_index", reading.ProviderIndex).
		Msg("fetched air pollution reading")

	return reading, nil
}

// toReading converts the first list item of an Air Pollution response.
func toReading(resp *airPollutionResponse, fetchedAt time.Time) (*airquality.Reading, error) {
	if len(resp.List) == 0 {
		return nil, errors.New("response has no list items")
	}
	item := resp.List[0]

	pollutants := make(map[airquality.Pollutant]float64, len(item.Components))
	for name, value := range item.Components {
		p, ok := componentPollutants[name]
		if !ok || value == nil {
			continue
		}
		pollutants[p] = *value
	}

	pm25, ok := pollutants[airquality.PollutantPM25]
	if !ok {
		return nil, errors.New("response is missing pm2_5 concentration")
	}

	aqi, err := airquality.AQIFromPM25(pm25)
	if err != nil {
		return nil, err
	}

	reading := &airquality.Reading{
		AQI:        aqi,
		Pollutants: pollutants,
		FetchedAt:  fetchedAt,
	}
	if item.Main.AQI != nil {
		reading.ProviderIndex = *item.Main.AQI
	}
	return reading, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return airquality.NewUpstreamError(airquality.KindUpstreamUnavailable, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return airquality.NewUpstreamError(airquality.KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return airquality.NewUpstreamError(airquality.KindTimeout, err)
	}
	return airquality.NewUpstreamError(airquality.KindUpstreamUnavailable, err)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
// It returns zero when the header is absent or unusable.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// OpenWeatherMap Air Pollution API response structures.

type airPollutionResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			AQI *int `json:"aqi"`
		} `json:"main"`
		Components map[string]*float64 `json:"components"`
	} `json:"list"`
}
