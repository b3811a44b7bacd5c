package httpbody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/onflow/flow-sidetask/engine/execution/sidetask"
)

// Response is the value produced by HTTP bodies. Transport failures and unexpected statuses are
// reported in Err rather than as body errors, so that callbacks can react to them
// deterministically.
type Response struct {
	StatusCode int
	Body       []byte
	Err        string
}

// OK returns true if the request completed with a 2xx status.
func (r Response) OK() bool {
	return r.Err == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

type Config struct {
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries uint64
	// RetryDelay is the initial delay of the exponential backoff between attempts.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// BreakerFailures is the number of consecutive failed attempts against a host after
	// which requests to that host are rejected without being sent.
	BreakerFailures uint32
	// BreakerTimeout is how long a host stays rejected before a probe request is let through.
	BreakerTimeout time.Duration
	// MaxResponseBytes bounds the size of the response body which is read.
	MaxResponseBytes int64
	// RequestsPerSecond limits the rate of attempts across all bodies of the fetcher.
	// Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the number of attempts which may exceed the rate at once.
	Burst int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:   2 * time.Second,
		MaxRetries:       3,
		RetryDelay:       50 * time.Millisecond,
		MaxRetryDelay:    time.Second,
		BreakerFailures:  5,
		BreakerTimeout:   10 * time.Second,
		MaxResponseBytes: 1 << 20,
		Burst:            10,
	}
}

// Fetcher builds side task bodies performing HTTP requests. Failing requests are retried with
// exponential backoff until the body's context is cancelled, and a circuit breaker per host
// stops hammering endpoints which keep failing.
type Fetcher struct {
	log     zerolog.Logger
	client  *http.Client
	config  Config
	limiter *rate.Limiter // nil if unlimited

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewFetcher(log zerolog.Logger, client *http.Client, config Config) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		log:      log.With().Str("component", "http_side_task_fetcher").Logger(),
		client:   client,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return f
}

// Get returns a body which fetches the given URL.
func (f *Fetcher) Get(rawURL string) sidetask.Body {
	return func(ctx context.Context) (interface{}, error) {
		return f.do(ctx, http.MethodGet, rawURL, nil)
	}
}

// PostJSON returns a body which posts the JSON encoding of payload to the given URL. The
// payload is encoded immediately, so later changes to it do not affect the request.
func (f *Fetcher) PostJSON(rawURL string, payload interface{}) sidetask.Body {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encodeErr := fmt.Sprintf("could not encode request payload: %v", err)
		return func(context.Context) (interface{}, error) {
			return Response{Err: encodeErr}, nil
		}
	}
	return func(ctx context.Context) (interface{}, error) {
		return f.do(ctx, http.MethodPost, rawURL, encoded)
	}
}

// do performs the request with retries. The only error it returns is the context's.
func (f *Fetcher) do(ctx context.Context, method string, rawURL string, payload []byte) (interface{}, error) {
	target, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return Response{Err: fmt.Sprintf("invalid url: %v", err)}, nil
	}
	breaker := f.breaker(target.Host)

	backoff := retry.NewExponential(f.config.RetryDelay)
	backoff = retry.WithCappedDuration(f.config.MaxRetryDelay, backoff)
	backoff = retry.WithJitterPercent(15, backoff)
	backoff = retry.WithMaxRetries(f.config.MaxRetries, backoff)

	lg := f.log.With().
		Str("method", method).
		Str("url", rawURL).
		Logger()

	var resp Response
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			lg.Debug().Int("attempt", attempt).Msg("retrying request")
		}
		attempt++

		if f.limiter != nil {
			err := f.limiter.Wait(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				resp = Response{Err: fmt.Sprintf("rate limited: %v", err)}
				return nil
			}
		}

		result, err := breaker.Execute(func() (interface{}, error) {
			return f.attempt(ctx, method, target.String(), payload)
		})
		if err == nil {
			resp = result.(Response)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if partial, ok := result.(Response); ok {
			resp = partial
		} else {
			resp = Response{Err: fmt.Sprintf("network error: %v", err)}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil
		}
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		lg.Debug().Err(err).Int("attempts", attempt).Msg("request failed")
	}
	return resp, nil
}

// attempt sends a single request. Server errors are returned as errors, together with the
// response, so that they count against the breaker and are retried. Client errors are final.
func (f *Fetcher) attempt(ctx context.Context, method string, target string, payload []byte) (interface{}, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, f.config.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	resp := Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
	}
	switch {
	case httpResp.StatusCode >= 500:
		resp.Err = fmt.Sprintf("server error: %s", httpResp.Status)
		return resp, errors.New(resp.Err)
	case httpResp.StatusCode >= 300:
		resp.Err = fmt.Sprintf("unexpected status: %s", httpResp.Status)
	}
	return resp, nil
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[host]
	if ok {
		return cb
	}

	failures := f.config.BreakerFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: f.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			f.log.Info().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	f.breakers[host] = cb
	return cb
}
