package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/registry-scanner/internal/circuitbreaker"
	"github.com/registry-scanner/internal/config"
	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/ratelimit"
)

const entitiesPath = "/entities"

// Query selects one page of a partition
type Query struct {
	Partition models.Partition
	Page      int
	Size      int
}

// Client fetches pages from the registry API.
// Every request passes the host gate, the circuit breaker and a per-request deadline.
type Client struct {
	baseURL               *url.URL
	httpClient            *http.Client
	timeout               time.Duration
	gate                  *ratelimit.Gate
	breaker               *circuitbreaker.CircuitBreaker[*Response]
	metrics               *metrics.Metrics
	supportsModifiedSince bool
}

// NewClient creates a registry client
func NewClient(cfg config.UpstreamConfig, gate *ratelimit.Gate, m *metrics.Metrics) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if gate == nil {
		gate = ratelimit.NewGate(cfg.RequestsPerSecond, cfg.Burst)
	}

	breakerCfg := circuitbreaker.DefaultConfig("upstream:" + base.Host)
	breakerCfg.MaxFailures = cfg.BreakerFailures
	breakerCfg.Timeout = cfg.BreakerTimeout
	breakerCfg.Ignore = func(err error) bool {
		switch apperrors.CategoryOf(err) {
		case apperrors.CategoryCapExceeded, apperrors.CategoryProvider:
			return true
		}
		return false
	}

	return &Client{
		baseURL:               base,
		httpClient:            &http.Client{},
		timeout:               cfg.RequestTimeout,
		gate:                  gate,
		breaker:               circuitbreaker.NewCircuitBreaker[*Response](breakerCfg),
		metrics:               m,
		supportsModifiedSince: cfg.SupportsModifiedSince,
	}, nil
}

// SupportsModifiedSince reports whether the registry filters by modification time server-side
func (c *Client) SupportsModifiedSince() bool {
	return c.supportsModifiedSince
}

// BreakerState exposes the circuit state for health reporting
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Count returns the number of records matching the partition
func (c *Client) Count(ctx context.Context, p models.Partition) (int, error) {
	resp, err := c.FetchPage(ctx, Query{Partition: p, Page: 0, Size: 1})
	if err != nil {
		return 0, err
	}
	return resp.Page.TotalElements, nil
}

// FetchPage requests a single page
func (c *Client) FetchPage(ctx context.Context, q Query) (*Response, error) {
	if err := c.gate.Wait(ctx, c.baseURL.Host); err != nil {
		return nil, err
	}

	resp, err := c.breaker.Execute(ctx, func(ctx context.Context) (*Response, error) {
		return c.do(ctx, q)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = apperrors.NewTransientFetchError("fetch page", 0, err)
	}

	c.metrics.UpstreamRequest(outcome(err))
	return resp, err
}

func (c *Client) do(ctx context.Context, q Query) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.pageURL(q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusBadRequest:
		io.Copy(io.Discard, res.Body)
		return nil, apperrors.NewCapExceededError(q.Partition.Key(), q.Page, q.Size)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		io.Copy(io.Discard, res.Body)
		return nil, apperrors.NewTransientFetchError("fetch page", res.StatusCode, fmt.Errorf("upstream returned %s", res.Status))
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, apperrors.NewProviderError("registry", res.StatusCode, fmt.Errorf("upstream returned %s: %s", res.Status, body))
	}

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewTransientFetchError("decode page", res.StatusCode, err)
	}
	return &out, nil
}

func (c *Client) pageURL(q Query) string {
	u := *c.baseURL
	u.Path = u.Path + entitiesPath

	p := q.Partition
	v := url.Values{}
	if p.Jurisdiction != "" {
		v.Set("jurisdiction", p.Jurisdiction)
	}
	if !p.From.IsZero() {
		v.Set("registeredFrom", p.From.UTC().Format(time.DateOnly))
	}
	if !p.To.IsZero() {
		v.Set("registeredTo", p.To.UTC().Format(time.DateOnly))
	}
	if p.ModifiedSince != nil && c.supportsModifiedSince {
		v.Set("modifiedSince", p.ModifiedSince.UTC().Format(time.RFC3339))
	}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("size", strconv.Itoa(q.Size))
	u.RawQuery = v.Encode()
	return u.String()
}

// classifyTransport treats every transport failure (timeouts, resets, refused dials) as transient
func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTransientFetchError("fetch page timeout", 0, err)
	}
	return apperrors.NewTransientFetchError("fetch page", 0, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperrors.IsCapExceeded(err):
		return "cap_exceeded"
	case apperrors.IsTransient(err):
		return "transient"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
