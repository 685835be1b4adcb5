// Package gateway is the HTTP edge to the central booking service: the
// manifest fetch and the admission push, with bounded retries, a circuit
// breaker, and outbound request pacing.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/venueops/gateguard/internal/config"
	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
)

const userAgent = "gateguard/1.0"

// ErrServiceUnavailable wraps breaker-open and retry-exhaustion failures;
// workers treat it as a skipped cycle, never as poisoned state.
var ErrServiceUnavailable = errors.New("central service unavailable")

// ManifestTicket is one record of the day's ticket manifest. The service
// emits camelCase or PascalCase keys depending on revision; encoding/json's
// case-insensitive field match accepts both.
type ManifestTicket struct {
	ReferenceNo string                 `json:"referenceNo"`
	BookingDate string                 `json:"bookingDate"`
	Attractions map[string]store.Seats `json:"attractions"`
}

// Client talks to the central booking service.
type Client struct {
	httpClient *http.Client
	fetchURL   string
	syncURL    string
	attempts   int
	retryDelay time.Duration

	fetchBreaker *gobreaker.CircuitBreaker
	pushBreaker  *gobreaker.CircuitBreaker
	limiter      *rate.Limiter
	metrics      *telemetry.Metrics
}

// NewClient builds a client from the API section of the configuration.
// metrics may be nil.
func NewClient(cfg config.Config, metrics *telemetry.Metrics) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.APITimeout()},
		fetchURL:   cfg.FetchURL(),
		syncURL:    cfg.SyncURL(),
		attempts:   cfg.API.RetryAttempts,
		retryDelay: cfg.RetryDelay(),
		// The push worker runs a 1 s cycle; 10 rps with a small burst keeps
		// a large backlog from hammering the server after an outage.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		metrics: metrics,
	}
	c.fetchBreaker = c.newBreaker("fetch")
	c.pushBreaker = c.newBreaker("push")
	return c
}

func (c *Client) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			log.Warn().Str("endpoint", n).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
			if c.metrics != nil {
				c.metrics.BreakerState(n, breakerStateValue(to))
			}
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// FetchManifest retrieves the day's ticket manifest.
func (c *Client) FetchManifest(ctx context.Context) ([]ManifestTicket, error) {
	var tickets []ManifestTicket
	_, err := c.fetchBreaker.Execute(func() (interface{}, error) {
		body, err := c.doWithRetry(ctx, http.MethodGet, c.fetchURL, nil)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &tickets); err != nil {
			return nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: fetch breaker open", ErrServiceUnavailable)
		}
		return nil, err
	}
	log.Debug().Int("tickets", len(tickets)).Msg("Manifest fetched")
	return tickets, nil
}

// PushTicket reports merged local admissions for one reference. Any 2xx is
// success; the server merges repeated pushes by max, so retries are safe.
func (c *Client) PushTicket(ctx context.Context, payload store.SyncPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode sync payload: %w", err)
	}

	_, err = c.pushBreaker.Execute(func() (interface{}, error) {
		_, err := c.doWithRetry(ctx, http.MethodPost, c.syncURL, body)
		return nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: push breaker open", ErrServiceUnavailable)
		}
		return err
	}
	return nil
}

// doWithRetry issues the request with bounded attempts and a fixed delay
// between them, retrying connection errors, timeouts, 429 and 5xx.
func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			log.Debug().Int("attempt", attempt).Str("url", url).
				Dur("delay", c.retryDelay).Msg("Retrying request")
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		respBody, retryable, err := c.doOnce(ctx, method, url, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %d attempts failed: %v", ErrServiceUnavailable, c.attempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) ([]byte, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, isRetryableErr(err), err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, false, nil
	}

	err = fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	return nil, isRetryableStatus(resp.StatusCode), err
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection refused/reset and DNS failures are worth another attempt.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
