// Package http provides a resilient HTTP client for exchange REST calls
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"futures_orchestrator/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// Config controls the resilience behavior of the client
type Config struct {
	Timeout time.Duration
	// Weight token bucket. The exchange enforces weight-based limits; the
	// bucket is provisioned at a safety margin below the documented budget.
	WeightPerSecond float64
	WeightBurst     int
	// Backoff applied to 429/418 and 5xx responses
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int
}

// DefaultConfig holds a 50% safety margin against the Binance futures
// 2400 weight/min budget, with the documented 1s..60s backoff ladder.
var DefaultConfig = Config{
	Timeout:         10 * time.Second,
	WeightPerSecond: 20,
	WeightBurst:     40,
	BackoffBase:     1 * time.Second,
	BackoffCap:      60 * time.Second,
	MaxRetries:      3,
}

// wireResult is one fully consumed exchange response. Attempts hand these
// through the resilience pipeline instead of raw *http.Response values so no
// retried attempt leaves a body open.
type wireResult struct {
	StatusCode int
	Body       []byte
}

// Client is a wrapper around http.Client with rate limiting and resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*wireResult]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with the given resilience config
func NewClient(baseURL string, cfg Config, signer Signer) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.WeightPerSecond == 0 {
		cfg.WeightPerSecond = DefaultConfig.WeightPerSecond
	}
	if cfg.WeightBurst == 0 {
		cfg.WeightBurst = DefaultConfig.WeightBurst
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultConfig.BackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = DefaultConfig.BackoffCap
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}

	retryPolicy := retrypolicy.NewBuilder[*wireResult]().
		HandleIf(func(res *wireResult, err error) bool {
			// Retry on network errors, throttling, or 5xx server errors
			if err != nil {
				return true
			}
			return res.StatusCode >= 500 || res.StatusCode == 429 || res.StatusCode == 418
		}).
		WithBackoff(cfg.BackoffBase, cfg.BackoffCap).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*wireResult]().
		HandleIf(func(res *wireResult, err error) bool {
			if err != nil {
				return true
			}
			return res.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     baseURL,
		signer:      signer,
		limiter:     rate.NewLimiter(rate.Limit(cfg.WeightPerSecond), cfg.WeightBurst),
		pipeline:    failsafe.With[*wireResult](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request with the given request weight
func (c *Client) Get(ctx context.Context, path string, params map[string]string, weight int) ([]byte, error) {
	return c.request(ctx, http.MethodGet, path, params, weight)
}

// Post sends a POST request with the given request weight
func (c *Client) Post(ctx context.Context, path string, params map[string]string, weight int) ([]byte, error) {
	return c.request(ctx, http.MethodPost, path, params, weight)
}

// Delete sends a DELETE request with the given request weight
func (c *Client) Delete(ctx context.Context, path string, params map[string]string, weight int) ([]byte, error) {
	return c.request(ctx, http.MethodDelete, path, params, weight)
}

func (c *Client) request(ctx context.Context, method, path string, params map[string]string, weight int) ([]byte, error) {
	start := time.Now()

	if weight < 1 {
		weight = 1
	}

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", c.baseURL+path),
		),
	)
	defer span.End()

	// Each attempt builds and signs its own request: retried attempts must
	// carry a fresh timestamp and signature, or the exchange rejects them
	// once the backoff outlives the recv window. Every attempt also pays
	// the endpoint weight.
	attempt := func() (*wireResult, error) {
		if err := c.limiter.WaitN(ctx, weight); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()

		if c.signer != nil {
			if err := c.signer.SignRequest(req); err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return &wireResult{StatusCode: resp.StatusCode, Body: body}, nil
	}

	res, err := c.pipeline.Get(attempt)

	duration := time.Since(start).Seconds()
	c.reqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
	c.latencyHist.Record(ctx, duration, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))

	if res.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", res.StatusCode),
		))
		return nil, &APIError{
			StatusCode: res.StatusCode,
			Body:       res.Body,
		}
	}

	return res.Body, nil
}
