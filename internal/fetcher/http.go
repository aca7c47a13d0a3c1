package fetcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/evidence-cli/internal/resilience"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	URL       string
	SourceID  string
	UserAgent string
	Timeout   time.Duration
	// RatePerSecond and Burst seed the adaptive limiter. Defaults: 5 and 5.
	RatePerSecond float64
	Burst         int
	Retry         resilience.RetryConfig
	Client        *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter that speeds up on success and halves
// on 429, bounded to [initial/4, initial*2].
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPSource polls an HTTP endpoint serving JSON Lines or a JSON array of
// decision events. It sends If-None-Match with the last acknowledged ETag so
// an unchanged feed yields no batches.
type HTTPSource struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *AdaptiveLimiter
	log     *zap.Logger

	mu   sync.Mutex
	etag string
}

// NewHTTPSource creates an HTTPSource with defaults applied.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "evidence-cli/1.0"
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.SourceID == "" {
		opts.SourceID = "http"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPSource{
		opts:    opts,
		client:  client,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		log:     zap.L().With(zap.String("component", "fetcher.http"), zap.String("source_id", opts.SourceID)),
	}
}

func (s *HTTPSource) ID() string { return s.opts.SourceID }

// FetchPending GETs the feed. A 304 yields no batches.
func (s *HTTPSource) FetchPending(ctx context.Context) ([]Batch, error) {
	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()

	retry := s.opts.Retry
	retry.OnRetry = resilience.RetryLogger("fetcher.http", "fetch")

	batch, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Batch, error) {
		return s.fetchOnce(ctx, etag)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: fetch %s", s.opts.URL)
	}
	if batch == nil {
		s.log.Debug("feed not modified", zap.String("etag", etag))
		return nil, nil
	}
	return []Batch{*batch}, nil
}

func (s *HTTPSource) fetchOnce(ctx context.Context, etag string) (*Batch, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		s.limiter.OnRateLimit()
		s.log.Warn("rate limited, reducing request rate", zap.Float64("rate", float64(s.limiter.Limit())))
		return nil, resilience.NewTransientError(eris.Errorf("http 429 from %s", s.opts.URL), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, s.opts.URL), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("unexpected status %d from %s", resp.StatusCode, s.opts.URL)
	}

	payloads, err := ParsePayloads(ctx, resp.Body)
	if err != nil {
		return nil, err
	}
	s.limiter.OnSuccess()
	return &Batch{Ref: s.opts.URL, Payloads: payloads, Tag: resp.Header.Get("ETag")}, nil
}

// Ack commits the batch's ETag so the next poll is conditional on it.
func (s *HTTPSource) Ack(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag = b.Tag
	return nil
}
