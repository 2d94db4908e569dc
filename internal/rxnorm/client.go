package rxnorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/juju/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/pkg/circuitbreaker"
)

const (
	endpointNDCStatus     = "ndcstatus"
	endpointHistoryStatus = "historystatus"

	noRxcuiStatus = "noRxcui"
)

// Config holds RxNav client configuration
type Config struct {
	// BaseURL is the REST root, without trailing slash
	BaseURL string
	// ConnectTimeout bounds TCP connection setup
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for and reading a response
	ReadTimeout time.Duration
	// MaxAttempts is the total number of tries per lookup
	MaxAttempts int
	// RetryDelay is the fixed pause between tries
	RetryDelay time.Duration
	// RequestsPerSecond throttles outbound calls; zero disables throttling
	RequestsPerSecond float64
	// Burst is the token bucket capacity
	Burst int64
	// UserAgent is sent on every request
	UserAgent string
}

// DefaultConfig returns the production RxNav settings
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://rxnav.nlm.nih.gov/REST",
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       100 * time.Second,
		MaxAttempts:       5,
		RetryDelay:        4 * time.Second,
		RequestsPerSecond: 20,
		Burst:             20,
		UserAgent:         "go-rxrecon/1.0",
	}
}

// Observer receives lookup measurements
type Observer interface {
	ObserveLookup(endpoint string, outcome Outcome, duration time.Duration)
	ObserveRetry(endpoint string)
}

type nopObserver struct{}

func (nopObserver) ObserveLookup(string, Outcome, time.Duration) {}
func (nopObserver) ObserveRetry(string)                          {}

// Client resolves NDCs and RxCUIs against RxNav
type Client struct {
	config   Config
	http     *http.Client
	bucket   *ratelimit.Bucket
	breakers *circuitbreaker.Manager
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates an RxNav client. breakers and observer may be nil.
func New(cfg Config, breakers *circuitbreaker.Manager, observer Observer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	var bucket *ratelimit.Bucket
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		bucket = ratelimit.NewBucketWithRate(cfg.RequestsPerSecond, burst)
	}

	return &Client{
		config:   cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.ConnectTimeout + cfg.ReadTimeout},
		bucket:   bucket,
		breakers: breakers,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("rxnav-client"),
	}
}

// ResolveNDC returns the RxCUI an NDC maps to. A definitive "no mapping"
// answer yields ErrNotFound and is not retried.
func (c *Client) ResolveNDC(ctx context.Context, ndc string) (string, error) {
	ndc11 := NormalizeNDC(ndc)
	ctx, span := c.tracer.Start(ctx, "rxnav.resolve_ndc",
		trace.WithAttributes(attribute.String("ndc", ndc11)))
	defer span.End()

	if ndc11 == "" {
		return "", &LookupError{Op: "resolve ndc", Key: ndc, Err: ErrNotFound}
	}

	endpoint := fmt.Sprintf("%s/ndcstatus.json?ndc=%s", c.config.BaseURL, url.QueryEscape(ndc11))
	var body NDCStatusResponse
	attempts, err := c.getJSON(ctx, endpointNDCStatus, endpoint, &body)
	if err == nil {
		switch {
		case body.NDCStatus == nil:
			err = fmt.Errorf("%w: missing ndcStatus", ErrMalformedResponse)
		case body.NDCStatus.Status == noRxcuiStatus || body.NDCStatus.RxCUI == "":
			err = ErrNotFound
		}
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Info("no medication found for NDC",
				zap.String("ndc", ndc11),
				zap.String("row", RowFrom(ctx)))
		}
		span.SetStatus(codes.Error, err.Error())
		return "", &LookupError{Op: "resolve ndc", Key: ndc11, Attempts: attempts, Err: err}
	}

	span.SetAttributes(attribute.String("rxcui", body.NDCStatus.RxCUI))
	return body.NDCStatus.RxCUI, nil
}

// FetchHistory returns the historystatus record of an RxCUI
func (c *Client) FetchHistory(ctx context.Context, rxcui string) (*HistoryStatus, error) {
	ctx, span := c.tracer.Start(ctx, "rxnav.fetch_history",
		trace.WithAttributes(attribute.String("rxcui", rxcui)))
	defer span.End()

	rxcui = strings.TrimSpace(rxcui)
	if rxcui == "" {
		return nil, &LookupError{Op: "fetch history", Key: rxcui, Err: ErrNotFound}
	}

	endpoint := fmt.Sprintf("%s/rxcui/%s/historystatus.json", c.config.BaseURL, url.PathEscape(rxcui))
	var body HistoryStatusResponse
	attempts, err := c.getJSON(ctx, endpointHistoryStatus, endpoint, &body)
	if err == nil && body.RxcuiStatusHistory == nil {
		err = fmt.Errorf("%w: missing rxcuiStatusHistory", ErrMalformedResponse)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &LookupError{Op: "fetch history", Key: rxcui, Attempts: attempts, Err: err}
	}
	return body.RxcuiStatusHistory, nil
}

// getJSON fetches endpoint with the retry policy and decodes the body into out.
// It returns the number of attempts made.
func (c *Client) getJSON(ctx context.Context, name, endpoint string, out any) (int, error) {
	start := time.Now()
	attempts := 0

	op := func() ([]byte, error) {
		attempts++
		if err := c.throttle(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		body, err := c.fetch(ctx, name, endpoint)
		if err == nil {
			return body, nil
		}
		var se *statusError
		switch {
		case errors.As(err, &se) && se.code == http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case circuitbreaker.IsRejected(err):
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		c.observer.ObserveRetry(name)
		c.logger.Warn("rxnav request failed, trying again",
			zap.String("endpoint", endpoint),
			zap.String("row", RowFrom(ctx)),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", c.config.MaxAttempts),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.config.RetryDelay)),
		backoff.WithMaxTries(uint(c.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnavailable) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		c.observer.ObserveLookup(name, Classify(err), time.Since(start))
		return attempts, err
	}

	if err := json.Unmarshal(body, out); err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		c.observer.ObserveLookup(name, OutcomeMalformedResponse, time.Since(start))
		return attempts, err
	}

	c.observer.ObserveLookup(name, OutcomeResolved, time.Since(start))
	return attempts, nil
}

func (c *Client) fetch(ctx context.Context, name, endpoint string) ([]byte, error) {
	call := func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, &statusError{code: resp.StatusCode}
		}
		return io.ReadAll(resp.Body)
	}

	if c.breakers == nil {
		return call(ctx)
	}

	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsExpected = func(err error) bool {
		var se *statusError
		return errors.As(err, &se) && se.code == http.StatusNotFound
	}
	cb, err := c.breakers.GetOrCreate("rxnav-"+name, cfg)
	if err != nil {
		return nil, err
	}
	return circuitbreaker.Execute(ctx, cb, call)
}

func (c *Client) throttle(ctx context.Context) error {
	if c.bucket == nil {
		return nil
	}
	wait := c.bucket.Take(1)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type rowKey struct{}

// WithRow tags ctx with the input row being resolved, for log context
func WithRow(ctx context.Context, row string) context.Context {
	return context.WithValue(ctx, rowKey{}, row)
}

// RowFrom returns the row tag set by WithRow
func RowFrom(ctx context.Context) string {
	if v, ok := ctx.Value(rowKey{}).(string); ok {
		return v
	}
	return ""
}
