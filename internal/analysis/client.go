package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"signal-anchor/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrProposalNotFound is returned when the analysis service has no proposal for a reference.
var ErrProposalNotFound = errors.New("analysis proposal not found")

// ProposalSource fetches analysis proposals by reference.
type ProposalSource interface {
	GetProposal(ctx context.Context, ref string) (*Proposal, error)
}

// StatusError is a non-retryable HTTP failure from the analysis service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Body)
}

// Client is a client for the upstream analysis service.
// It implements the ProposalSource interface.
type Client struct {
	client      *resty.Client
	apiKey      string
	logger      *zap.Logger
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
}

// ensure Client implements the interface
var _ ProposalSource = (*Client)(nil)

// NewClient creates a new analysis service client.
func NewClient(cfg *config.Analysis, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	// rate.Limit is requests per second.
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		client:      client,
		apiKey:      cfg.ApiKey,
		logger:      logger.Named("analysis-client"),
		limiter:     rate.NewLimiter(limit, burst),
		maxRetries:  maxRetries,
		baseBackoff: time.Second,
	}
}

// GetProposal fetches the proposal identified by ref.
func (c *Client) GetProposal(ctx context.Context, ref string) (*Proposal, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrProposalNotFound)
	}

	req := c.client.R().
		SetContext(ctx).
		SetResult(&Proposal{})
	if c.apiKey != "" {
		req.SetHeader("X-API-KEY", c.apiKey)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/proposals/"+url.PathEscape(ref), req)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, ref)
		}
		c.logger.Error("Failed to get proposal", zap.String("ref", ref), zap.Error(err))
		return nil, fmt.Errorf("failed to get proposal %s: %w", ref, err)
	}

	proposal := resp.Result().(*Proposal)
	if proposal.Ref == "" {
		proposal.Ref = ref
	}
	return proposal, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+path))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			lastErr = &StatusError{Code: statusCode, Body: resp.String()}
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			lastErr = err
			shouldRetry = ctx.Err() == nil
		}

		if !shouldRetry {
			return nil, lastErr
		}
		if i == c.maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: base, 2*base, 4*base
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.baseBackoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}
