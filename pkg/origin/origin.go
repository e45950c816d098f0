// Package origin implements the upstream HTTP client the gateway
// fetches fresh resources through.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/utils"
)

const (
	defaultTimeout     = time.Second * 10
	defaultMaxBodySize = 8 << 20
)

var nopLogger = zap.NewNop()

// Headers that belong to one hop and must not be relayed to the next.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes hop-by-hop headers from h in place.
func StripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

type ClientOpts struct {
	// BaseURL is the origin server, e.g. "http://app:8069".
	// Cannot be empty.
	BaseURL string

	// Timeout bounds one fetch. net/http has no default timeout, so a
	// zero value here would let a dead origin hang requests forever.
	// Default is 10s.
	Timeout time.Duration

	// MaxBodySize caps response bodies read into snapshots.
	// Default is 8MB.
	MaxBodySize int64

	// Logger is the *zap.Logger for this Client.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *ClientOpts) Init() error {
	if len(opts.BaseURL) == 0 {
		return errors.New("empty origin base url")
	}
	utils.SetDefaultNum(&opts.Timeout, defaultTimeout)
	utils.SetDefaultNum(&opts.MaxBodySize, defaultMaxBodySize)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Client struct {
	opts ClientOpts
	base *url.URL
	hc   *http.Client
}

func NewClient(opts ClientOpts) (*Client, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin base url: %w", err)
	}
	return &Client{
		opts: opts,
		base: base,
		hc: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

// Fetch performs one request against the origin and captures the
// response as a snapshot. Any returned error is a transport-level
// failure; a non-2xx status is a valid snapshot, not an error.
func (c *Client) Fetch(ctx context.Context, method, requestURI string, header http.Header, body io.Reader) (*snapshot.Snapshot, error) {
	u, err := url.Parse(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri: %w", err)
	}
	target := *c.base
	target.Path = u.Path
	target.RawQuery = u.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
		StripHopHeaders(req.Header)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, c.opts.MaxBodySize), resp.Body}

	s, err := snapshot.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	c.opts.Logger.Debug("origin fetch",
		zap.String("uri", requestURI),
		zap.Int("status", s.Status),
		zap.Int("body_size", len(s.Body)),
	)
	return s, nil
}

// Host returns the origin host, used for cross-origin detection.
func (c *Client) Host() string {
	return strings.ToLower(c.base.Host)
}
