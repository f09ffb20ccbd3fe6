// Package httprange implements transfer.Transport over HTTP byte-range requests.
package httprange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/transfer"
)

const defaultProbeTimeout = 30 * time.Second

// Client talks to plain HTTP servers. Downloads use GET with a Range header, uploads use PUT
// with a Content-Range header per block.
type Client struct {
	http         *http.Client
	userAgent    string
	probeTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithProbeTimeout bounds probe requests. Range bodies are not bounded; they end when the
// engine stops them.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		userAgent:    "rangeload",
		probeTimeout: defaultProbeTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return req, nil
}

// Probe learns size, range support and the final address after redirects.
func (c *Client) Probe(ctx context.Context, res transfer.Resource) (transfer.Probe, error) {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, res.URL, nil)
	if err != nil {
		return transfer.Probe{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transfer.Probe{}, &transfer.ResourceUnavailableError{Op: "probe", Address: res.URL, Err: err}
	}
	resp.Body.Close()

	p := transfer.Probe{Size: -1}

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		logger.DebugContext(ctx, "HEAD not supported, probing with a ranged GET", "url", res.URL)
	case resp.StatusCode >= 300:
		return transfer.Probe{}, &transfer.ResourceUnavailableError{Op: "probe", Address: res.URL, StatusCode: resp.StatusCode}
	default:
		p.Size = resp.ContentLength
		p.SupportsRange = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		p.RedirectURL = redirected(res.URL, resp)
	}

	if p.SupportsRange && p.Size >= 0 {
		return p, nil
	}

	return c.probeRange(ctx, res.URL, p)
}

// probeRange asks for the first byte. A 206 proves range support and carries the total size.
func (c *Client) probeRange(ctx context.Context, url string, p transfer.Probe) (transfer.Probe, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return transfer.Probe{}, err
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.http.Do(req)
	if err != nil {
		return transfer.Probe{}, &transfer.ResourceUnavailableError{Op: "probe", Address: url, Err: err}
	}
	defer resp.Body.Close()

	p.RedirectURL = redirected(url, resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := contentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return transfer.Probe{}, &transfer.ResourceUnavailableError{Op: "probe", Address: url, Err: err}
		}

		p.Size = total
		p.SupportsRange = true
	case http.StatusOK:
		p.Size = resp.ContentLength
		p.SupportsRange = false
	case http.StatusRequestedRangeNotSatisfiable:
		// empty resources cannot satisfy bytes=0-0
		p.Size = 0
		p.SupportsRange = true
	default:
		return transfer.Probe{}, &transfer.ResourceUnavailableError{Op: "probe", Address: url, StatusCode: resp.StatusCode}
	}

	return p, nil
}

func redirected(original string, resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}

	if final := resp.Request.URL.String(); final != original {
		return final
	}

	return ""
}

// OpenRange returns the body of [start, end). Servers without range support must answer the
// whole resource, which is only usable when start is 0.
func (c *Client) OpenRange(ctx context.Context, res transfer.Resource, start, end int64) (io.ReadCloser, error) {
	address := res.Address()

	req, err := c.newRequest(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, err
	}

	if res.SupportsRange && end > start {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transfer.ResourceUnavailableError{Op: "open_range", Address: address, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if err := validateContentRange(resp.Header.Get("Content-Range"), start, end-start); err != nil {
			resp.Body.Close()
			return nil, &transfer.ResourceUnavailableError{Op: "open_range", Address: address, StatusCode: resp.StatusCode, Err: err}
		}

		return resp.Body, nil
	case http.StatusOK:
		if start != 0 {
			resp.Body.Close()
			return nil, &transfer.ResourceUnavailableError{Op: "open_range", Address: address, StatusCode: resp.StatusCode, Err: transfer.ErrRangeNotSupported}
		}

		return resp.Body, nil
	default:
		resp.Body.Close()
		return nil, &transfer.ResourceUnavailableError{Op: "open_range", Address: address, StatusCode: resp.StatusCode}
	}
}

// CreateRange streams [start, end) to the server in a single PUT. The request completes when
// the returned writer is closed.
func (c *Client) CreateRange(ctx context.Context, res transfer.Resource, start, end int64) (io.WriteCloser, error) {
	address := res.Address()
	pr, pw := io.Pipe()

	req, err := c.newRequest(ctx, http.MethodPut, address, pr)
	if err != nil {
		return nil, err
	}

	req.ContentLength = end - start
	if res.Size > 0 && end > start {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, res.Size))
	}

	w := &rangeWriter{pw: pw, result: make(chan error, 1)}

	go func() {
		resp, err := c.http.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			w.result <- &transfer.ResourceUnavailableError{Op: "create_range", Address: address, Err: err}

			return
		}
		defer resp.Body.Close()

		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			pr.CloseWithError(fmt.Errorf("server answered %d", resp.StatusCode))
			w.result <- &transfer.ResourceUnavailableError{Op: "create_range", Address: address, StatusCode: resp.StatusCode}

			return
		}

		w.result <- nil
	}()

	return w, nil
}

type rangeWriter struct {
	pw     *io.PipeWriter
	result chan error
}

func (w *rangeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close finishes the request body and waits for the server's answer.
func (w *rangeWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}

	return <-w.result
}

// contentRangeTotal extracts the complete length from "bytes 0-0/1234".
func contentRangeTotal(header string) (int64, error) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return -1, fmt.Errorf("content range %q carries no total size", header)
	}

	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return -1, fmt.Errorf("invalid content range %q: %w", header, err)
	}

	return n, nil
}

// validateContentRange checks that a 206 answer covers exactly the requested bytes.
// A missing header is accepted.
func validateContentRange(header string, offset, length int64) error {
	if header == "" {
		return nil
	}

	unit, spec, ok := strings.Cut(header, " ")
	if !ok || unit != "bytes" {
		return fmt.Errorf("malformed content range %q", header)
	}

	span, _, _ := strings.Cut(spec, "/")

	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return fmt.Errorf("malformed content range %q", header)
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed content range %q: %w", header, err)
	}

	stop, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed content range %q: %w", header, err)
	}

	if start != offset {
		return fmt.Errorf("start offset mismatch: want %d, got %d", offset, start)
	}

	if got := stop - start + 1; got != length {
		return fmt.Errorf("length mismatch: want %d, got %d", length, got)
	}

	return nil
}

var _ transfer.Transport = (*Client)(nil)
