// Package graphql is the upstream client for the paginated telemetry GraphQL endpoint
package graphql

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"telemirror/internal/core/record"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/logger"
	"telemirror/internal/platform/metrics"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultUA             = "telemirror/1.0"
	defaultMaxRetry       = 3
	defaultRetryBase      = time.Second
	defaultRetryMax       = 30 * time.Second
	defaultPool           = 8
)

// Options configures the Client
type Options struct {
	URL        string
	Collection string
	Fields     []string
	UserAgent  string

	// ConnectTimeout caps dialing; ReadTimeout caps waiting for and reading the response
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// PoolConns is the total idle pool, PoolMaxSize the idle pool per host.
	// Size both to at least the worker count
	PoolConns   int
	PoolMaxSize int

	// Retry budget for 429, 5xx and transport errors
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration

	InsecureTLS bool

	// Metrics is optional
	Metrics *metrics.Metrics
}

// Client posts range queries to the upstream. Safe for concurrent use
type Client struct {
	http  *http.Client
	opts  Options
	q     queries
	log   logger.Logger
	now   func() time.Time
	newBO func() backoff.BackOff
}

// NewClient creates a new Client with sane defaults
func NewClient(o Options) (*Client, error) {
	if o.URL == "" {
		return nil, perr.Configf("graphql: url is required")
	}
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if len(o.Fields) == 0 {
		o.Fields = DefaultFields
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.PoolConns <= 0 {
		o.PoolConns = defaultPool
	}
	if o.PoolMaxSize <= 0 {
		o.PoolMaxSize = o.PoolConns
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   o.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   o.ConnectTimeout,
		ResponseHeaderTimeout: o.ReadTimeout,
		MaxIdleConns:          o.PoolConns,
		MaxIdleConnsPerHost:   o.PoolMaxSize,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if o.InsecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed upstreams
	}

	c := &Client{
		http: &http.Client{Transport: tr},
		opts: o,
		q:    buildQueries(o.Collection, o.Fields),
		log:  *logger.Named("upstream"),
		now:  time.Now,
	}
	c.newBO = c.exponential
	return c, nil
}

func (c *Client) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBase
	b.MaxInterval = c.opts.RetryMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return b
}

// Close releases idle pooled connections
func (c *Client) Close() { c.http.CloseIdleConnections() }

// Fetch returns one page of records ordered by created_at then id
// Transient failures are retried within the budget; exhaustion returns an error coded
// Unavailable or TooManyRequests. An errors envelope or other non-2xx status is not
// retried and is coded Upstream
func (c *Client) Fetch(ctx context.Context, p Page) ([]record.Record, error) {
	if p.Limit <= 0 {
		return nil, perr.InvalidArgf("graphql: limit must be positive, got %d", p.Limit)
	}
	if p.Offset < 0 {
		return nil, perr.InvalidArgf("graphql: offset must not be negative, got %d", p.Offset)
	}
	body, err := json.Marshal(c.q.forPage(p))
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeJSON, "graphql: encode request")
	}

	start := c.now()
	var out []record.Record
	attempt := 0
	op := func() error {
		recs, err := c.post(ctx, body, attempt, p)
		attempt++
		if err == nil {
			out = recs
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		reason := retryReason(err)
		c.opts.Metrics.FetchRetry(reason)
		c.log.Warn().
			Err(err).
			Str("reason", reason).
			Int("offset", p.Offset).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("upstream transient error retrying")
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBO(), uint64(c.opts.MaxRetries)), ctx)
	err = backoff.RetryNotify(op, bo, notify)
	c.opts.Metrics.Fetch(c.now().Sub(start), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// post performs one attempt
func (c *Client) post(ctx context.Context, body []byte, attempt int, p Page) ([]record.Record, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout+c.opts.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "graphql new request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	start := c.now()
	resp, err := c.http.Do(req)
	lat := c.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "graphql transport error")
	}

	// Always log lightweight response metadata
	c.log.Debug().
		Int("status", resp.StatusCode).
		Int("attempt", attempt).
		Int("offset", p.Offset).
		Int("limit", p.Limit).
		Dur("latency", lat).
		Msg("upstream http response")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_ = drainAndClose(resp.Body)
		return nil, &StatusError{
			Status: resp.StatusCode,
			Err:    perr.Newf(perr.ErrorCodeTooManyRequests, "graphql rate limited"),
		}
	case transientStatus(resp.StatusCode):
		_ = drainAndClose(resp.Body)
		return nil, &StatusError{
			Status: resp.StatusCode,
			Err:    perr.Newf(perr.ErrorCodeUnavailable, "graphql transient server error %d", resp.StatusCode),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// read a small tail for diagnostics then return
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, &StatusError{
			Status: resp.StatusCode,
			Body:   string(tail),
			Err:    perr.Newf(perr.ErrorCodeUpstream, "graphql unexpected status %d body %s", resp.StatusCode, string(tail)),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.decode(resp.Body)
}

// envelope is the GraphQL response shape
type envelope struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []GQLError                 `json:"errors"`
}

func (c *Client) decode(r io.Reader) ([]record.Record, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		if isTruncated(err) {
			return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "graphql truncated response")
		}
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "graphql decode response")
	}
	if env.Errors != nil {
		return nil, perr.Wrap(&EnvelopeError{Errors: env.Errors}, perr.ErrorCodeUpstream, "graphql error envelope")
	}
	raw, ok := env.Data[c.opts.Collection]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var recs []record.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "graphql decode %s", c.opts.Collection)
	}
	return recs, nil
}

// retryable is true for the transport-level codes only
func retryable(err error) bool {
	switch perr.CodeOf(err) {
	case perr.ErrorCodeUnavailable, perr.ErrorCodeTooManyRequests:
		return true
	}
	return false
}

func retryReason(err error) string {
	var se *StatusError
	switch {
	case IsRateLimited(err):
		return "rate_limited"
	case IsTransient(err) && errors.As(err, &se):
		return "status_" + strconv.Itoa(se.Status)
	case perr.IsCode(err, perr.ErrorCodeUnavailable):
		return "transport"
	}
	return perr.CodeOf(err).String()
}

func isTruncated(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
