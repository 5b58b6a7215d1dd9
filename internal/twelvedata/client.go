package twelvedata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/avolkov/signalscan/models"
)

const (
	creditsUsedHeader = "api-credits-used"
	creditsLeftHeader = "api-credits-left"
)

// ErrAPIKeyMissing is returned on the first fetch attempt when no vendor
// API key is configured. Startup itself does not fail on a missing key.
var ErrAPIKeyMissing = errors.New("twelvedata: API key is not configured")

// HTTPStatusError represents a non-throttling, non-200 vendor response.
// These are not transient and fail the enclosing fetch immediately.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return "non-200 status code: " + http.StatusText(e.StatusCode)
}

// Options holds options for creating a new Client.
type Options struct {
	APIKey               string
	BaseURL              string
	PlanCreditsPerMinute int
	RequestTimeout       time.Duration
	MaxRetries           int
	RequestsPerSec       int
}

// Client is the TwelveData API client. Every outbound request passes
// through a single serialized path (mu) wrapping the credit governor, so
// governor state is never touched concurrently and credit accounting
// stays deterministic.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	gov        *Governor
	maxRetries int
	mu         sync.Mutex
	logger     zerolog.Logger
}

// New creates a new TwelveData API client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twelvedata.com"
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}
	if opts.PlanCreditsPerMinute == 0 {
		opts.PlanCreditsPerMinute = 8
	}

	return &Client{
		apiKey:  opts.APIKey,
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
		},
		limiter:    rate.NewLimiter(rate.Every(time.Second), opts.RequestsPerSec),
		gov:        NewGovernor(opts.PlanCreditsPerMinute),
		maxRetries: opts.MaxRetries,
		logger:     log.With().Str("component", "twelvedata_client").Logger(),
	}
}

// CreditsUsed returns the cumulative credit count accounted by the governor.
func (c *Client) CreditsUsed() int64 { return c.gov.Credits() }

// Throttles returns the cumulative vendor throttle count.
func (c *Client) Throttles() int64 { return c.gov.Throttles() }

// request serializes, budget-gates and retries one vendor call. A
// throttling response pauses the governor and consumes one of the bounded
// attempts; any other HTTP or transport failure is surfaced immediately
// after network-level retries are exhausted.
func (c *Client) request(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.gov.Acquire(ctx); err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var resp *http.Response
		operation := func() error {
			req, err := build()
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err = c.httpClient.Do(req)
			return err
		}
		strategy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(operation, strategy); err != nil {
			return nil, fmt.Errorf("HTTP request failed: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}

		c.recordCredits(resp.Header)

		if resp.StatusCode == http.StatusTooManyRequests {
			c.gov.RecordThrottle()
			lastErr = fmt.Errorf("vendor throttled request (attempt %d/%d)", attempt, c.maxRetries)
			c.logger.Warn().Int("attempt", attempt).Msg("throttled, retrying after governor pause")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return body, nil
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// recordCredits folds rate-limit headers into the governor; when headers
// are absent the governor increments its own estimate defensively.
func (c *Client) recordCredits(h http.Header) {
	usedStr := h.Get(creditsUsedHeader)
	leftStr := h.Get(creditsLeftHeader)
	if usedStr != "" && leftStr != "" {
		used, err1 := strconv.Atoi(usedStr)
		left, err2 := strconv.Atoi(leftStr)
		if err1 == nil && err2 == nil {
			c.gov.RecordUsage(used, left, true)
			return
		}
	}
	c.gov.RecordUsage(0, 0, false)
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.request(ctx, func() (*http.Request, error) {
		url := c.baseURL + endpoint + "?apikey=" + c.apiKey
		for k, v := range params {
			url += "&" + k + "=" + v
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

// batchItem is one endpoint descriptor inside a batched request.
type batchItem struct {
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	Params   map[string]string `json:"params"`
}

type batchEnvelope struct {
	Data    map[string]json.RawMessage `json:"data"`
	Status  string                     `json:"status"`
	Message string                     `json:"message"`
}

// FetchAllIndicators fetches the time series plus all derived indicators
// for one vendor symbol and interval: first as a single batched request,
// falling back to nine sequential endpoint calls through the same
// serialized, budget-gated path when the batch is unreachable or
// malformed.
func (c *Client) FetchAllIndicators(ctx context.Context, symbol string, interval models.Timeframe, outputSize int) (*models.IndicatorBundle, error) {
	if c.apiKey == "" {
		return nil, ErrAPIKeyMissing
	}

	bundle, err := c.fetchBatch(ctx, symbol, interval, outputSize)
	if err == nil {
		return bundle, nil
	}
	c.logger.Warn().Err(err).Str("symbol", symbol).Msg("batch fetch failed, falling back to sequential endpoint calls")
	return c.fetchSequential(ctx, symbol, interval, outputSize)
}

func baseParams(symbol string, interval models.Timeframe, outputSize int) map[string]string {
	return map[string]string{
		"symbol":     symbol,
		"interval":   string(interval),
		"outputsize": strconv.Itoa(outputSize),
	}
}

func withPeriod(params map[string]string, period int) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["time_period"] = strconv.Itoa(period)
	return out
}

func (c *Client) fetchBatch(ctx context.Context, symbol string, interval models.Timeframe, outputSize int) (*models.IndicatorBundle, error) {
	params := baseParams(symbol, interval, outputSize)
	items := []batchItem{
		{Name: "time_series", Endpoint: "/time_series", Params: params},
	}
	for _, p := range models.EMAPeriods {
		items = append(items, batchItem{
			Name:     fmt.Sprintf("ema_%d", p),
			Endpoint: "/ema",
			Params:   withPeriod(params, p),
		})
	}
	items = append(items,
		batchItem{Name: "bbands", Endpoint: "/bbands", Params: params},
		batchItem{Name: "macd", Endpoint: "/macd", Params: params},
		batchItem{Name: "atr", Endpoint: "/atr", Params: params},
		batchItem{Name: "adx", Endpoint: "/adx", Params: params},
	)

	payload, err := json.Marshal(map[string][]batchItem{"requests": items})
	if err != nil {
		return nil, fmt.Errorf("encoding batch request: %w", err)
	}

	body, err := c.request(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch?apikey="+c.apiKey, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var envelope batchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing batch response: %w", err)
	}
	if envelope.Status == "error" {
		return nil, fmt.Errorf("batch endpoint error: %s", envelope.Message)
	}

	bundle := &models.IndicatorBundle{
		Symbol:   symbol,
		Interval: interval,
		EMA:      make(map[int][]models.TwelveEMAValue, len(models.EMAPeriods)),
	}
	for _, item := range items {
		raw, ok := envelope.Data[item.Name]
		if !ok {
			return nil, fmt.Errorf("batch response missing %q", item.Name)
		}
		if err := decodeEndpoint(item.Name, raw, bundle); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

func (c *Client) fetchSequential(ctx context.Context, symbol string, interval models.Timeframe, outputSize int) (*models.IndicatorBundle, error) {
	params := baseParams(symbol, interval, outputSize)
	bundle := &models.IndicatorBundle{
		Symbol:   symbol,
		Interval: interval,
		EMA:      make(map[int][]models.TwelveEMAValue, len(models.EMAPeriods)),
	}

	body, err := c.get(ctx, "/time_series", params)
	if err != nil {
		return nil, fmt.Errorf("time_series: %w", err)
	}
	if err := decodeEndpoint("time_series", body, bundle); err != nil {
		return nil, err
	}

	for _, p := range models.EMAPeriods {
		name := fmt.Sprintf("ema_%d", p)
		body, err := c.get(ctx, "/ema", withPeriod(params, p))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := decodeEndpoint(name, body, bundle); err != nil {
			return nil, err
		}
	}

	for _, name := range []string{"bbands", "macd", "atr", "adx"} {
		body, err := c.get(ctx, "/"+name, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := decodeEndpoint(name, body, bundle); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// decodeEndpoint parses one endpoint payload into the bundle. A missing
// values array is a legitimate empty result; a status:"error" envelope is
// a vendor logical error and fails the fetch.
func decodeEndpoint(name string, raw []byte, bundle *models.IndicatorBundle) error {
	var probe struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("parsing %s envelope: %w", name, err)
	}
	if probe.Status == "error" {
		return fmt.Errorf("Twelve Data API error on %s: %s", name, probe.Message)
	}

	switch name {
	case "time_series":
		var data models.TwelveSeriesResponse
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		bundle.Bars = data.Values
	case "ema_9", "ema_21", "ema_55", "ema_200":
		period, err := strconv.Atoi(name[len("ema_"):])
		if err != nil {
			return fmt.Errorf("bad ema endpoint name %q", name)
		}
		var data struct {
			Values []models.TwelveEMAValue `json:"values"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		bundle.EMA[period] = data.Values
	case "bbands":
		var data struct {
			Values []models.TwelveBBandsValue `json:"values"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		bundle.BBands = data.Values
	case "macd":
		var data struct {
			Values []models.TwelveMACDValue `json:"values"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		bundle.MACD = data.Values
	case "atr":
		var data struct {
			Values []models.TwelveATRValue `json:"values"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		bundle.ATR = data.Values
	case "adx":
		var data struct {
			Values []models.TwelveADXValue `json:"values"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		bundle.ADX = data.Values
	default:
		return fmt.Errorf("unknown endpoint %q", name)
	}
	return nil
}
