// Package origin pushes edge state back to the origin REST API.
package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/ilai-app/edge/internal/notes"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 200 * time.Millisecond
	maxRetryInterval     = 5 * time.Second
	maxErrorBodyBytes    = 512

	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

// StatusError reports a non-2xx origin response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config describes the origin endpoint.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Registerer    prometheus.Registerer
}

// Client writes note state to the origin. Without a base URL it only logs.
type Client struct {
	baseURL       string
	token         string
	maxRetries    uint64
	retryInterval time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
	pushes        *prometheus.CounterVec
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("origin: invalid base url %q", cfg.BaseURL)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ilai_edge",
		Subsystem: "origin",
		Name:      "note_pushes_total",
		Help:      "Note pushes to the origin, by outcome.",
	}, []string{"outcome"})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(pushes)
	}
	return &Client{
		baseURL:       baseURL,
		token:         cfg.Token,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		httpClient:    httpClient,
		logger:        logger,
		pushes:        pushes,
	}, nil
}

// PushNote sends the note state to PUT {base}/api/notes/{noteId}/sync.
// Transport errors and 5xx responses are retried with exponential backoff;
// 4xx responses are not.
func (c *Client) PushNote(ctx context.Context, state notes.State) error {
	if c.baseURL == "" {
		c.pushes.WithLabelValues(outcomeSkipped).Inc()
		c.logger.Info("origin not configured, skipping note push",
			zap.String("note_id", state.NoteID),
			zap.Int64("version", state.Version))
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("origin: encode note: %w", err)
	}
	endpoint := fmt.Sprintf("%s/api/notes/%s/sync", c.baseURL, url.PathEscape(state.NoteID))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = maxRetryInterval
	retrying := backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)

	attempt := func() error {
		return c.put(ctx, endpoint, payload)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("origin push failed, retrying",
			zap.String("note_id", state.NoteID),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, retrying, notify); err != nil {
		c.pushes.WithLabelValues(outcomeFailure).Inc()
		return err
	}
	c.pushes.WithLabelValues(outcomeSuccess).Inc()
	return nil
}

func (c *Client) put(ctx context.Context, endpoint string, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	statusErr := &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
	if response.StatusCode >= 400 && response.StatusCode < 500 {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}
