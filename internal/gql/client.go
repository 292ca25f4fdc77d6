// Package gql provides a typed GraphQL client for the Twitch GQL API.
// It handles connection pooling, request building, rate limiting,
// and error handling with retries.
package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arvell/drops-agent/internal/backoff"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/logger"
)

// ErrCircuitOpen is returned when the circuit breaker is open and requests
// are being skipped to avoid hammering a failing API.
var ErrCircuitOpen = errors.New("circuit breaker open: API requests temporarily suspended")

// ErrGQL is returned when the API answers with GQL-level errors that
// survive the retry pass.
var ErrGQL = errors.New("gql error")

// HeaderProvider supplies the auth headers attached to every request.
type HeaderProvider interface {
	Headers() map[string]string
}

// retryableGQLErrors are GQL-level error messages that warrant one delayed
// retry: the persisted query cache or the backend hiccupped.
var retryableGQLErrors = []string{
	"service error",
	"PersistedQueryNotFound",
}

// transientTransportErrors are error texts from the HTTP layer treated as
// retryable within the normal backoff loop.
var transientTransportErrors = []string{
	"timeout",
	"connection reset",
	"EOF",
}

// circuitBreaker tracks consecutive failures and backs off when the API
// keeps failing.
type circuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	lastFailure      time.Time
	cooldownUntil    time.Time
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	cb.consecutiveFails = 0
	cb.mu.Unlock()
}

// recordFailure increments the failure counter and, after 10 consecutive
// failures, opens the breaker for a growing cooldown.
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.consecutiveFails++
	cb.lastFailure = time.Now()
	if cb.consecutiveFails >= 10 {
		cooldown := time.Duration(cb.consecutiveFails-9) * 30 * time.Second
		if cooldown > 5*time.Minute {
			cooldown = 5 * time.Minute
		}
		cb.cooldownUntil = time.Now().Add(cooldown)
	}
	cb.mu.Unlock()
}

// shouldSkip returns true if the circuit breaker is open.
func (cb *circuitBreaker) shouldSkip() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return time.Now().Before(cb.cooldownUntil)
}

// Client is the Twitch GQL HTTP client with connection pooling, rate
// limiting, circuit breaker, and retry logic.
type Client struct {
	httpClient *http.Client
	auth       HeaderProvider
	log        *logger.Logger
	limiter    *backoff.RateLimiter
	breaker    *circuitBreaker

	maxRetries int
}

// NewClient creates a new GQL Client sharing the given HTTP client's
// connection pool.
func NewClient(httpClient *http.Client, auth HeaderProvider, log *logger.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		auth:       auth,
		log:        log,
		limiter:    backoff.GQLLimiter(),
		breaker:    &circuitBreaker{},
		maxRetries: constants.DefaultMaxRetries,
	}
}

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    *gqlExtensions `json:"extensions,omitempty"`
	Query         string         `json:"query,omitempty"`
}

type gqlExtensions struct {
	PersistedQuery *persistedQuery `json:"persistedQuery"`
}

type persistedQuery struct {
	Version    int    `json:"version"`
	SHA256Hash string `json:"sha256Hash"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// PostGQL sends a single GQL operation and returns the "data" portion of
// the response. GQL-level errors matching the retryable set are retried
// once after a 5 second pause; anything else surfaces as ErrGQL.
func (c *Client) PostGQL(ctx context.Context, op constants.GQLOperation, variables map[string]any) (json.RawMessage, error) {
	reqBody := c.buildRequestBody(op, variables)

	data, gqlErr, err := c.doGQLRequest(ctx, reqBody, op.OperationName)
	if err != nil {
		return nil, err
	}
	if gqlErr == "" {
		return data, nil
	}

	if !isRetryableGQLError(gqlErr) {
		return nil, fmt.Errorf("%w: %s: %s", ErrGQL, op.OperationName, gqlErr)
	}

	c.log.Debug("GQL operation returned retryable error, retrying once",
		"operation", op.OperationName,
		"error", gqlErr)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
	}

	data, gqlErr, err = c.doGQLRequest(ctx, reqBody, op.OperationName)
	if err != nil {
		return nil, err
	}
	if gqlErr != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrGQL, op.OperationName, gqlErr)
	}
	return data, nil
}

// PostGQLBatch sends multiple GQL operations as batched HTTP requests.
// Twitch supports batched GQL requests as a JSON array of at most
// GQLBatchLimit entries, so larger inputs are split transparently.
func (c *Client) PostGQLBatch(ctx context.Context, ops []constants.GQLOperation, varsList []map[string]any) ([]json.RawMessage, error) {
	if len(ops) != len(varsList) {
		return nil, fmt.Errorf("ops and varsList must have the same length")
	}

	if len(ops) > constants.GQLBatchLimit {
		var all []json.RawMessage
		for i := 0; i < len(ops); i += constants.GQLBatchLimit {
			end := i + constants.GQLBatchLimit
			if end > len(ops) {
				end = len(ops)
			}
			part, err := c.PostGQLBatch(ctx, ops[i:end], varsList[i:end])
			if err != nil {
				return all, err
			}
			all = append(all, part...)
		}
		return all, nil
	}

	batch := make([]gqlRequest, len(ops))
	for i, op := range ops {
		batch[i] = c.buildRequestBody(op, varsList[i])
	}

	jsonBody, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch GQL request: %w", err)
	}

	respBody, err := c.doHTTPRequest(ctx, jsonBody, "batch")
	if err != nil {
		return nil, err
	}

	var responses []gqlResponse
	if err := json.Unmarshal(respBody, &responses); err != nil {
		return nil, fmt.Errorf("parsing batch GQL response: %w", err)
	}

	results := make([]json.RawMessage, len(responses))
	for i, r := range responses {
		if len(r.Errors) > 0 {
			c.log.Warn("GQL batch error",
				"index", i,
				"error", r.Errors[0].Message)
		}
		results[i] = r.Data
	}

	return results, nil
}

func (c *Client) buildRequestBody(op constants.GQLOperation, variables map[string]any) gqlRequest {
	req := gqlRequest{
		OperationName: op.OperationName,
		Variables:     variables,
	}

	if op.Query != "" {
		req.Query = op.Query
	} else {
		req.Extensions = &gqlExtensions{
			PersistedQuery: &persistedQuery{
				Version:    1,
				SHA256Hash: op.SHA256Hash,
			},
		}
	}

	return req
}

func isRetryableGQLError(msg string) bool {
	for _, candidate := range retryableGQLErrors {
		if strings.Contains(msg, candidate) {
			return true
		}
	}
	return false
}

func isTransientTransportError(err error) bool {
	msg := err.Error()
	for _, candidate := range transientTransportErrors {
		if strings.Contains(msg, candidate) {
			return true
		}
	}
	return true // network errors default to retryable
}

func (c *Client) doGQLRequest(ctx context.Context, reqBody gqlRequest, opName string) (json.RawMessage, string, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling GQL request: %w", err)
	}

	respBody, err := c.doHTTPRequest(ctx, jsonBody, opName)
	if err != nil {
		return nil, "", err
	}

	var response gqlResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, "", fmt.Errorf("parsing GQL response for %s: %w", opName, err)
	}

	if len(response.Errors) > 0 {
		return response.Data, response.Errors[0].Message, nil
	}
	return response.Data, "", nil
}

// doHTTPRequest performs the actual HTTP POST with auth headers and retry
// logic for transient errors. Individual retries are logged at DEBUG to
// reduce noise; only the final failure is logged at WARN.
func (c *Client) doHTTPRequest(ctx context.Context, jsonBody []byte, opName string) ([]byte, error) {
	if c.breaker.shouldSkip() {
		c.log.Debug("Circuit breaker open, skipping request", "operation", opName)
		return nil, ErrCircuitOpen
	}

	bo := backoff.New(time.Second, 30*time.Second)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.Duration()
			c.log.Debug("Retrying GQL request",
				"operation", opName,
				"attempt", fmt.Sprintf("%d/%d", attempt, c.maxRetries),
				"backoff", delay)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, constants.GQLURL,
			bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("creating GQL request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.auth.Headers() {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && isTransientTransportError(err) {
				c.log.Debug("GQL request failed, will retry",
					"operation", opName,
					"attempt", fmt.Sprintf("%d/%d", attempt+1, c.maxRetries),
					"error", err)
				continue
			}
			c.log.Warn("GQL request failed after all retries",
				"operation", opName,
				"attempts", c.maxRetries+1,
				"error", err)
			return nil, fmt.Errorf("GQL request for %s failed: %w", opName, err)
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if readErr != nil {
			if attempt < c.maxRetries {
				c.log.Debug("Failed to read GQL response, will retry",
					"operation", opName,
					"attempt", fmt.Sprintf("%d/%d", attempt+1, c.maxRetries),
					"error", readErr)
				continue
			}
			return nil, fmt.Errorf("reading GQL response for %s: %w", opName, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if attempt < c.maxRetries {
				c.log.Debug("GQL request returned retryable status, will retry",
					"operation", opName,
					"status", resp.StatusCode,
					"attempt", fmt.Sprintf("%d/%d", attempt+1, c.maxRetries))
				continue
			}
			c.log.Warn("GQL request returned retryable status after all retries",
				"operation", opName,
				"status", resp.StatusCode,
				"attempts", c.maxRetries+1)
			c.breaker.recordFailure()
			return nil, fmt.Errorf("GQL request for %s returned status %d after %d retries",
				opName, resp.StatusCode, c.maxRetries)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GQL request for %s returned status %d: %s",
				opName, resp.StatusCode, string(body))
		}

		c.breaker.recordSuccess()
		c.log.Debug("GQL request completed",
			"operation", opName,
			"status", resp.StatusCode)

		return body, nil
	}

	c.breaker.recordFailure()
	return nil, fmt.Errorf("GQL request for %s exhausted retries", opName)
}
