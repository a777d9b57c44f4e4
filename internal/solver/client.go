package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
)

const (
	uplinkPath     = "/api/v1/uplink/send"
	maxBodyLength  = 1 << 20
	errorBodyLimit = 256
)

// Client talks to the geolocation solver over HTTP
type Client struct {
	endpoint string
	token    string

	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a solver client from configuration
func NewClient(cfg config.SolverConfig, opts ...Option) *Client {
	c := &Client{
		endpoint:       strings.TrimRight(cfg.URL, "/"),
		token:          cfg.Token,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends the request, retrying throttled and unreachable
// failures with exponential backoff up to the attempt cap. The body is
// rebuilt from req on every attempt.
func (c *Client) Submit(ctx context.Context, req *Request) (*Response, error) {
	body, err := buildUplink(req)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Err: err}
	}

	logger := log.With().Str("devEUI", req.DevEUI.String()).Uint32("fCnt", req.FCnt).Logger()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt-1, lastErr)
			logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", wait).Msg("Transient solver failure, retrying")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &Error{Kind: ErrUnreachable, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		respBody, err := c.post(ctx, body)
		if err == nil {
			resp, err := parseResponse(respBody, req.DevEUI)
			if err != nil {
				return nil, &Error{Kind: ErrInvalidRequest, Err: err}
			}
			resp.Attempts = attempt
			logger.Debug().Int("attempts", attempt).Msg("Solver responded")
			return resp, nil
		}

		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
	}

	logger.Error().Err(lastErr).Int("attempts", c.maxAttempts).Msg("Solver retries exhausted")
	return nil, lastErr
}

// NotifyJoin tells the solver the device has (re)joined. It is not retried.
func (c *Client) NotifyJoin(ctx context.Context, devEUI lorawan.EUI64) error {
	body, err := buildJoining(devEUI)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, body)
	return err
}

// backoff returns the delay before retry n (1-based)
func (c *Client) backoff(n int, lastErr error) time.Duration {
	wait := c.initialBackoff
	for i := 1; i < n && wait < c.maxBackoff; i++ {
		wait *= 2
	}
	var se *Error
	if errors.As(lastErr, &se) && se.RetryAfter > wait {
		wait = se.RetryAfter
	}
	if c.maxBackoff > 0 && wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	return wait
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: ErrUnreachable, Err: err}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+uplinkPath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: ErrUnreachable, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLength))
	if err != nil {
		return nil, &Error{Kind: ErrUnreachable, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > errorBodyLimit {
			msg = msg[:errorBodyLimit]
		}
		return nil, statusError(resp, msg)
	}

	return data, nil
}
