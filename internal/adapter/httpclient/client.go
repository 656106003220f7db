package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/port"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrIdleReadTimeout = errors.New("no data received within the read timeout")
)

// Config contains HTTP client settings
type Config struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	IdleReadTimeout       time.Duration
	UserAgent             string
	SkipTLSVerify         bool
	MaxConnsPerHost       int
	BufferSize            int
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:        10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
		IdleReadTimeout:       5 * time.Second,
		UserAgent:             "dlengine",
		MaxConnsPerHost:       16,
		BufferSize:            64 * 1024,
	}
}

// Client performs ranged GET requests
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// Ensure Client implements port.RangeFetcher
var _ port.RangeFetcher = (*Client)(nil)

// New creates a new Client
func New(cfg *Config, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerify,
		},
		TLSHandshakeTimeout: cfg.ConnectTimeout,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		WriteBufferSize: cfg.BufferSize,
		ReadBufferSize:  cfg.BufferSize,

		ForceAttemptHTTP2: true,

		// Keeps Content-Length meaningful for progress
		DisableCompression: true,

		// Response header timeout, not a total transfer timeout
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   0,
		},
		logger: logger,
	}
}

// RangedGet requests rawURL from byte start onward
func (c *Client) RangedGet(ctx context.Context, rawURL string, start int64) (*port.RangeResponse, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel(nil)
		return nil, domain.NewTransportError("build request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel(nil)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.NewTransportError("ranged get", err)
	}

	release := func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel(nil)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		release()
		return nil, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		release()
		return nil, domain.NewTransportError("ranged get", domain.ErrRangeNotSatisfiable)
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		release()
		return nil, domain.NewTransportError("ranged get", err)
	}

	var offset int64
	if resp.StatusCode == http.StatusPartialContent {
		first, _, _, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			release()
			return nil, domain.NewTransportError("parse content range", err)
		}
		if first != start {
			release()
			return nil, domain.NewTransportError("ranged get",
				fmt.Errorf("%w: got %d, want %d", domain.ErrRangeMismatch, first, start))
		}
		offset = first
	} else if start > 0 {
		c.logger.Warn("server ignored range request, restarting from zero",
			zap.String("url", rawURL),
			zap.Int64("requested_offset", start),
			zap.Int("status", resp.StatusCode))
	}

	return &port.RangeResponse{
		Body:          newIdleTimeoutBody(reqCtx, resp.Body, c.config.IdleReadTimeout, cancel),
		ContentLength: resp.ContentLength,
		Offset:        offset,
	}, nil
}

// checkStatusCode maps a non-2xx status to an error
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return domain.ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	span, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range span: %q", header)
	}

	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
