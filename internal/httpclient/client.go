// Package httpclient wraps resty.Client with the timeout and streaming
// configuration the segmented engine needs for HEAD probes and ranged GETs.
// It performs no retries itself; the engine's fetcher retries failed
// segment requests. Adapted from the provider HTTP client this
// pack's teacher used for JSON/HTML fetches, but reconfigured for streaming
// binary bodies instead of buffered response parsing.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kestrel-dl/kestrel/internal/kerrors"
)

// Config configures a Client.
type Config struct {
	HeadTimeout time.Duration
	GetTimeout  time.Duration
	UserAgent   string
	Logger      *slog.Logger
}

// DefaultConfig returns the spec's mandated timeouts (10s HEAD, 30s per GET
// attempt).
func DefaultConfig() Config {
	return Config{
		HeadTimeout: 10 * time.Second,
		GetTimeout:  30 * time.Second,
		UserAgent:   "kestrel/1.0",
	}
}

// Client is the HTTP transport used by the segmented engine.
type Client struct {
	resty       *resty.Client
	headTimeout time.Duration
	getTimeout  time.Duration
	logger      *slog.Logger
}

// New builds a Client from cfg, filling unset fields with defaults.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.HeadTimeout == 0 {
		cfg.HeadTimeout = def.HeadTimeout
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = def.GetTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "*/*")

	return &Client{
		resty:       r,
		headTimeout: cfg.HeadTimeout,
		getTimeout:  cfg.GetTimeout,
		logger:      cfg.Logger,
	}
}

// ProbeResult is what a HEAD probe reports about a remote resource.
type ProbeResult struct {
	SupportsRanges bool
	ContentLength  int64
}

// Probe performs a HEAD request with the configured timeout and reports
// whether the server advertises byte-range support and the content length.
func (c *Client) Probe(ctx context.Context, url string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.headTimeout)
	defer cancel()

	resp, err := c.resty.R().SetContext(ctx).Head(url)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: HEAD %s: %v", classifyRestyErr(err), url, err)
	}
	if resp.StatusCode() >= 400 {
		return ProbeResult{}, fmt.Errorf("%w: HEAD %s returned %d", kerrors.ErrTransport, url, resp.StatusCode())
	}

	result := ProbeResult{
		SupportsRanges: resp.Header().Get("Accept-Ranges") == "bytes",
		ContentLength:  resp.RawResponse.ContentLength,
	}
	return result, nil
}

// GetRange issues a ranged GET (inclusive byte range) and returns a streaming
// reader for the body; the caller must Close it. A zero-length body or a
// non-2xx status is reported as an error without leaking the connection.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, *resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.getTimeout)
	req := c.resty.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := req.Get(url)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%w: ranged GET %s [%d-%d]: %v", classifyRestyErr(err), url, start, end, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		resp.RawBody().Close()
		cancel()
		return nil, resp, fmt.Errorf("%w: ranged GET %s returned %d", kerrors.ErrTransport, url, resp.StatusCode())
	}
	if resp.RawResponse.ContentLength == 0 {
		resp.RawBody().Close()
		cancel()
		return nil, resp, fmt.Errorf("%w: ranged GET %s returned an empty body", kerrors.ErrTransport, url)
	}

	return &cancelingReadCloser{ReadCloser: resp.RawBody(), cancel: cancel}, resp, nil
}

// GetFull issues a plain streamed GET with no Range header, for the
// single-stream fallback path.
func (c *Client) GetFull(ctx context.Context, url string) (io.ReadCloser, *resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.getTimeout)
	resp, err := c.resty.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%w: GET %s: %v", classifyRestyErr(err), url, err)
	}
	if resp.StatusCode() >= 400 {
		resp.RawBody().Close()
		cancel()
		return nil, resp, fmt.Errorf("%w: GET %s returned %d", kerrors.ErrTransport, url, resp.StatusCode())
	}
	return &cancelingReadCloser{ReadCloser: resp.RawBody(), cancel: cancel}, resp, nil
}

// cancelingReadCloser ties a context cancel func to a response body's
// lifetime so the per-attempt timeout context is released exactly once, on
// Close, rather than leaking until the parent context ends.
type cancelingReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelingReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func classifyRestyErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return kerrors.ErrTimeout
	}
	return kerrors.ErrTransport
}
