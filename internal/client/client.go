package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/vnmchuo/llm-sidecar/internal/api"
	"github.com/vnmchuo/llm-sidecar/internal/logging"
)

const component = "client"

// Config holds the executor's connection and retry parameters.
type Config struct {
	BaseURL                string
	RequestTimeout         time.Duration // per-attempt timeout for generation calls
	ProbeTimeout           time.Duration // timeout for health probes
	MaxConcurrentRequests  int64
	MaxRetryAttempts       int // additional attempts after the first
	BaseRetryDelay         time.Duration
	MaxRetryDelay          time.Duration
	RetryBackoffMultiplier float64
}

func (c *Config) withDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 3
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	} else if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	if c.RetryBackoffMultiplier <= 1 {
		c.RetryBackoffMultiplier = 2.0
	}
}

// RequestHook can mutate an outgoing request before it is sent, e.g. to
// attach authentication headers. Optional.
type RequestHook func(*http.Request)

// Client executes generation calls against one server with bounded
// concurrency and retry. Stateless apart from the connection pool and
// the concurrency gate; all bookkeeping is returned to the caller.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	http    *http.Client
	sem     *semaphore.Weighted
	log     logging.Logger
	tracer  trace.Tracer
	hook    RequestHook
	onRetry func()
}

type Option func(*Client)

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func WithRequestHook(h RequestHook) Option {
	return func(c *Client) { c.hook = h }
}

// WithRetryObserver registers a callback invoked once per retry, for
// instrumentation.
func WithRetryObserver(fn func()) Option {
	return func(c *Client) { c.onRetry = fn }
}

func New(cfg Config, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		log:    logging.Nop{},
		tracer: noop.NewTracerProvider().Tracer("llm-sidecar/client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rebuild swaps the connection parameters live: the old pool is released
// and new requests use the new endpoint. In-flight calls finish on the
// old transport.
func (c *Client) Rebuild(cfg Config) {
	cfg.withDefaults()
	c.mu.Lock()
	old := c.http
	if cfg.MaxConcurrentRequests != c.cfg.MaxConcurrentRequests {
		c.sem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	}
	c.cfg = cfg
	c.http = &http.Client{}
	c.mu.Unlock()

	old.CloseIdleConnections()
	c.log.Info(component, fmt.Sprintf("connection rebuilt for %s", cfg.BaseURL))
}

func (c *Client) Close() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.http.CloseIdleConnections()
}

func (c *Client) snapshot() (Config, *http.Client, *semaphore.Weighted) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.http, c.sem
}

func (c *Client) newBackOff(cfg Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseRetryDelay
	b.MaxInterval = cfg.MaxRetryDelay
	b.Multiplier = cfg.RetryBackoffMultiplier
	b.RandomizationFactor = 0
	return b
}

// Generate executes one non-streaming generation call with retry.
func (c *Client) Generate(ctx context.Context, req *api.GenerateRequest) (*api.GenerateResponse, error) {
	cfg, httpc, sem := c.snapshot()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, wrap(KindCanceled, err)
	}
	defer sem.Release(1)

	r := *req
	r.Stream = false
	body, err := json.Marshal(&r)
	if err != nil {
		return nil, wrap(KindMalformedResponse, err)
	}

	ctx, span := c.tracer.Start(ctx, "client.Generate",
		trace.WithAttributes(attribute.String("model", r.Model)))
	defer span.End()

	attempts := 0
	op := func() (*api.GenerateResponse, error) {
		attempts++
		return c.generateOnce(ctx, cfg, httpc, body)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff(cfg)),
		backoff.WithMaxTries(uint(cfg.MaxRetryAttempts+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn(component, fmt.Sprintf("generate attempt failed, retrying in %s: %v", next, err))
			if c.onRetry != nil {
				c.onRetry()
			}
		}),
	)
	if err != nil {
		return nil, c.finalize(ctx, err, attempts)
	}
	return resp, nil
}

func (c *Client) generateOnce(ctx context.Context, cfg Config, httpc *http.Client, body []byte) (*api.GenerateResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	resp, err := c.send(attemptCtx, cfg, httpc, http.MethodPost, "/api/generate", body)
	if err != nil {
		return nil, retryOrStop(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, retryOrStop(err)
	}

	var out api.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(wrap(KindMalformedResponse, err))
	}
	return &out, nil
}

// GenerateStream executes a streaming generation call. The connection is
// established under the same retry policy as Generate; once the stream is
// open, chunks are delivered on the returned channel until the terminal
// done chunk, a read error, or cancellation. The concurrency slot is held
// until the stream finishes.
func (c *Client) GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan *api.GenerateResponse, error) {
	cfg, httpc, sem := c.snapshot()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, wrap(KindCanceled, err)
	}

	r := *req
	r.Stream = true
	body, err := json.Marshal(&r)
	if err != nil {
		sem.Release(1)
		return nil, wrap(KindMalformedResponse, err)
	}

	ctx, span := c.tracer.Start(ctx, "client.GenerateStream",
		trace.WithAttributes(attribute.String("model", r.Model)))

	attempts := 0
	op := func() (*http.Response, error) {
		attempts++
		resp, err := c.send(ctx, cfg, httpc, http.MethodPost, "/api/generate", body)
		if err != nil {
			return nil, retryOrStop(err)
		}
		if err := checkStatus(resp); err != nil {
			return nil, retryOrStop(err)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff(cfg)),
		backoff.WithMaxTries(uint(cfg.MaxRetryAttempts+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn(component, fmt.Sprintf("stream connect failed, retrying in %s: %v", next, err))
			if c.onRetry != nil {
				c.onRetry()
			}
		}),
	)
	if err != nil {
		sem.Release(1)
		span.End()
		return nil, c.finalize(ctx, err, attempts)
	}

	ch := make(chan *api.GenerateResponse)
	go func() {
		defer close(ch)
		defer sem.Release(1)
		defer span.End()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk api.GenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				// A bad line does not abort the stream.
				c.log.Debug(component, fmt.Sprintf("skipping malformed stream line: %v", err))
				continue
			}

			select {
			case ch <- &chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.log.Warn(component, fmt.Sprintf("stream ended early: %v", err))
		}
	}()

	return ch, nil
}

// Collect assembles a sequence of partial chunks into one logical result:
// concatenated text, accumulated token counters, Done from the terminal
// chunk.
func Collect(ch <-chan *api.GenerateResponse) *api.GenerateResponse {
	var out api.GenerateResponse
	var text bytes.Buffer
	for chunk := range ch {
		text.WriteString(chunk.Response)
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		out.PromptEvalCount += chunk.PromptEvalCount
		out.PromptEvalDuration += chunk.PromptEvalDuration
		out.EvalCount += chunk.EvalCount
		out.EvalDuration += chunk.EvalDuration
		if chunk.TotalDuration > 0 {
			out.TotalDuration = chunk.TotalDuration
		}
		if chunk.Done {
			out.Done = true
		}
	}
	out.Response = text.String()
	return &out
}

// Probe performs a single health check. It never returns an error; the
// status carries the failure description.
func (c *Client) Probe(ctx context.Context) *api.HealthStatus {
	cfg, httpc, _ := c.snapshot()

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	status := &api.HealthStatus{CheckedAt: start}

	resp, err := c.send(probeCtx, cfg, httpc, http.MethodGet, "/api/version", nil)
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	status.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Available = true
	} else {
		status.Error = fmt.Sprintf("health check returned status %d", resp.StatusCode)
	}
	return status
}

// ListModels returns the models the server has available.
func (c *Client) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	cfg, httpc, _ := c.snapshot()

	callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	resp, err := c.send(callCtx, cfg, httpc, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Models []api.ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, wrap(KindMalformedResponse, err)
	}
	return payload.Models, nil
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	cfg, httpc, _ := c.snapshot()

	callCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	resp, err := c.send(callCtx, cfg, httpc, http.MethodGet, "/api/version", nil)
	if err != nil {
		return "", wrap(classify(err), err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var v api.Version
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", wrap(KindMalformedResponse, err)
	}
	return v.Version, nil
}

func (c *Client) send(ctx context.Context, cfg Config, httpc *http.Client, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.hook != nil {
		c.hook(req)
	}
	return httpc.Do(req)
}

// checkStatus converts a non-2xx response into a typed error and consumes
// the body.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return &Error{Kind: KindRetryableServer, StatusCode: resp.StatusCode, Err: err}
	default:
		return &Error{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, Err: err}
	}
}

// retryOrStop wraps an attempt error so the retry loop only continues on
// retryable kinds.
func retryOrStop(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = wrap(classify(err), err)
	}
	if e.Retryable() {
		return e
	}
	return backoff.Permanent(e)
}

// finalize normalizes the terminal error of a retry loop: typed, with the
// attempt count, and with cancellation reported as cancellation even if it
// fired during a backoff wait.
func (c *Client) finalize(ctx context.Context, err error, attempts int) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindCanceled, Attempts: attempts, Err: context.Canceled}
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, StatusCode: e.StatusCode, Attempts: attempts, Err: e.Err}
	}
	return &Error{Kind: classify(err), Attempts: attempts, Err: err}
}
