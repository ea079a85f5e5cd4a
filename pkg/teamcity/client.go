// Package teamcity reads project hierarchies, build configurations and
// builds from a TeamCity server's REST API.
package teamcity

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

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/buildstage/pkg/store"
)

const (
	projectsPath   = "app/rest/projects"
	buildTypesPath = "app/rest/buildTypes"
	buildsPath     = "app/rest/builds"

	maxResponseBytes = 32 << 20
)

var (
	// ErrNotFound is returned when TeamCity answers 404.
	ErrNotFound = errors.New("teamcity: not found")

	// ErrUnauthorized is returned when TeamCity rejects the credentials.
	ErrUnauthorized = errors.New("teamcity: unauthorized")
)

// Options configures a Client.
type Options struct {
	InstanceURL       string
	APIKey            string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	RetryAttempts     uint
	RetryDelay        time.Duration
	RequestsPerSecond float64
}

// Client talks to one TeamCity instance.
type Client struct {
	log        logrus.FieldLogger
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	commits    store.CommitFinder
	now        func() time.Time
}

// NewClient creates a client for opts.InstanceURL. commits resolves build
// revisions to stored commits and may be nil.
func NewClient(
	log logrus.FieldLogger,
	opts Options,
	commits store.CommitFinder,
) *Client {
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}

	c := &Client{
		log: log.WithFields(logrus.Fields{
			"component": "teamcity",
			"server":    opts.InstanceURL,
		}),
		opts:       opts,
		httpClient: &http.Client{Transport: transport},
		commits:    commits,
		now:        time.Now,
	}

	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return c
}

// InstanceURL returns the base URL the client was configured with.
func (c *Client) InstanceURL() string {
	return c.opts.InstanceURL
}

// getJSON fetches rawURL and decodes the body into target. Transient
// failures (network errors, 429 and 5xx) are retried; other statuses and
// decode errors are returned immediately.
func (c *Client) getJSON(ctx context.Context, rawURL string, target any) error {
	return retry.Do(
		func() error {
			err := c.fetch(ctx, rawURL, target)
			if err != nil && !isTransient(err) {
				return retry.Unrecoverable(err)
			}

			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.RetryAttempts),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithError(err).
				WithField("attempt", n+1).
				WithField("url", rawURL).
				Debug("Retrying TeamCity request")
		}),
	)
}

// transientError marks failures worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError

	return errors.As(err, &te)
}

// callTimeout bounds one request from dialing to the last body byte. Zero
// means unbounded.
func (c *Client) callTimeout() time.Duration {
	return c.opts.ConnectTimeout + c.opts.ReadTimeout
}

func (c *Client) fetch(ctx context.Context, rawURL string, target any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	callCtx := ctx

	if timeout := c.callTimeout(); timeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &transientError{err: fmt.Errorf("executing request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %s: %w", rawURL, resp.Status, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("GET %s: %s: %w", rawURL, resp.Status, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &transientError{err: fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &transientError{err: fmt.Errorf("reading response: %w", err)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}

	return nil
}
