// Package httpkit builds the HTTP client used for all outbound VRM API
// calls.
//
// Bridges frequently run at the installation they monitor, behind
// marginal uplinks (cellular, satellite, rural DSL). The transport sets
// explicit dial and header deadlines so a stalled uplink surfaces as an
// error instead of a hung poll cycle, and the optional retry layer
// absorbs brief dial failures without losing the cycle.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"syscall"
	"time"

	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/buildinfo"
)

// Transport tuning. All bridge traffic goes to the one VRM API host,
// so the per-host idle limit is effectively the whole pool.
const (
	dialTimeout         = 10 * time.Second
	keepAliveInterval   = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	headerTimeout       = 15 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 10
	maxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	transport  *http.Transport
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall per-request deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent replaces the default vrm-cloud-mqtt User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithTransport swaps out the tuned default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry allows up to count extra attempts, delay apart, after
// transient dial failures. Only errors raised before any bytes reach
// the server qualify, and requests with a body are retried only when
// GetBody can rewind them, so a retry never replays a processed call.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger enables retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// newTransport is the shared foundation for outbound connections.
func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAliveInterval,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient assembles an *http.Client: tuned transport, User-Agent
// stamping, and (when WithRetry is given) the retry layer outermost so
// every attempt carries the full header treatment.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	base := cfg.transport
	if base == nil {
		base = newTransport()
	}

	rt := http.RoundTripper(&uaTransport{next: base, ua: cfg.userAgent})
	if cfg.retryCount > 0 {
		rt = &retryTransport{
			next:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// uaTransport stamps the User-Agent on requests that lack one.
type uaTransport struct {
	next http.RoundTripper
	ua   string
}

// RoundTrip leaves a caller-supplied User-Agent alone. The clone keeps
// the RoundTripper contract: the original request is never mutated.
func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(clone)
}

// retryTransport re-attempts requests that died on a transient
// connection error.
type retryTransport struct {
	next   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)

	// A request body rules out retries unless GetBody can rewind it.
	// http.NoBody counts as empty (the usual GET/DELETE case).
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 1; attempt <= t.count && rewindable && isRetryableError(err); attempt++ {
		if t.logger != nil {
			t.logger.Debug("transient connection error, will retry",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"of", t.count,
				"error", err,
			)
		}

		if sleepErr := sleepCtx(req.Context(), t.delay); sleepErr != nil {
			return nil, sleepErr
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body for retry: %w", bodyErr)
			}
			retry.Body = body
		}

		prev := err
		resp, err = t.next.RoundTrip(retry)
		if err == nil && t.logger != nil {
			t.logger.Info("request recovered after retry",
				"method", req.Method,
				"url", req.URL.String(),
				"attempts", attempt+1,
				"last_error", prev.Error(),
			)
		}
	}

	return resp, err
}

// sleepCtx waits d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryableErrnos are the dial-stage failures worth a second attempt.
// ECONNRESET is deliberately absent: a reset can arrive after the
// server already processed the request, and replaying a token create
// would duplicate it.
var retryableErrnos = []syscall.Errno{
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ECONNREFUSED,
}

// isRetryableError unwraps through net.OpError and url.Error layers to
// the underlying errno.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return slices.Contains(retryableErrnos, errno)
}

// DrainAndClose consumes up to limit leftover bytes from rc before
// closing it, letting the transport reuse the connection.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of a failed response's body
// for the error message, draining the remainder so the connection can
// be reused. A nil rc reads as the empty string.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
