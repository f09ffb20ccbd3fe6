// Package transfertest provides an in-memory Transport for tests.
package transfertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/italolelis/rangeload/internal/transfer"
)

// Range is a half-open [Start, End) request seen by the transport.
type Range struct {
	Start int64
	End   int64
}

// Transport serves Data for downloads and collects bytes sent by uploads.
type Transport struct {
	Data          []byte
	SupportsRange bool
	RedirectURL   string
	ProbeErr      error
	UnknownSize   bool

	// FailOpen makes the range starting at the given offset fail to open.
	FailOpen map[int64]error

	// BlockAfter makes every range deliver at most this many bytes, then wait for Release
	// to be closed or the request context to end. Zero disables it.
	BlockAfter int64
	Release    chan struct{}

	mu       sync.Mutex
	probes   int
	opens    []Range
	creates  []Range
	uploaded []byte
	hosts    []string
}

func New(data []byte, supportsRange bool) *Transport {
	return &Transport{Data: data, SupportsRange: supportsRange, Release: make(chan struct{})}
}

// Probe fails with the context error once ctx is done, like a real network probe.
func (t *Transport) Probe(ctx context.Context, res transfer.Resource) (transfer.Probe, error) {
	t.mu.Lock()
	t.probes++
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return transfer.Probe{}, err
	}

	if t.ProbeErr != nil {
		return transfer.Probe{}, t.ProbeErr
	}

	size := int64(len(t.Data))
	if t.UnknownSize {
		size = -1
	}

	return transfer.Probe{Size: size, SupportsRange: t.SupportsRange, RedirectURL: t.RedirectURL}, nil
}

func (t *Transport) OpenRange(ctx context.Context, res transfer.Resource, start, end int64) (io.ReadCloser, error) {
	t.mu.Lock()
	t.opens = append(t.opens, Range{Start: start, End: end})
	t.hosts = append(t.hosts, res.Address())
	err := t.FailOpen[start]
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if !t.SupportsRange {
		start, end = 0, int64(len(t.Data))
	}

	if start < 0 || end > int64(len(t.Data)) || start > end {
		return nil, fmt.Errorf("range %d-%d out of bounds", start, end)
	}

	return &rangeReader{ctx: ctx, t: t, data: t.Data[start:end]}, nil
}

func (t *Transport) CreateRange(ctx context.Context, res transfer.Resource, start, end int64) (io.WriteCloser, error) {
	t.mu.Lock()
	t.creates = append(t.creates, Range{Start: start, End: end})
	t.hosts = append(t.hosts, res.Address())
	err := t.FailOpen[start]
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return &rangeWriter{t: t, offset: start}, nil
}

// Probes returns how many times Probe was called.
func (t *Transport) Probes() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.probes
}

// Opens returns every download range requested so far.
func (t *Transport) Opens() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Range(nil), t.opens...)
}

// Creates returns every upload range requested so far.
func (t *Transport) Creates() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Range(nil), t.creates...)
}

// Addresses returns the address each range request targeted.
func (t *Transport) Addresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.hosts...)
}

// Uploaded returns the bytes written through CreateRange, placed at their offsets.
func (t *Transport) Uploaded() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.uploaded...)
}

type rangeReader struct {
	ctx  context.Context
	t    *Transport
	data []byte
	sent int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}

	if r.t.BlockAfter > 0 && r.sent >= r.t.BlockAfter {
		select {
		case <-r.t.Release:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}

	if r.t.BlockAfter > 0 && r.sent < r.t.BlockAfter {
		if allowed := r.t.BlockAfter - r.sent; int64(len(p)) > allowed {
			p = p[:allowed]
		}
	}

	n := copy(p, r.data)
	r.data = r.data[n:]
	r.sent += int64(n)

	return n, nil
}

func (r *rangeReader) Close() error { return nil }

type rangeWriter struct {
	t      *Transport
	offset int64
	closed bool
}

func (w *rangeWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed range")
	}

	w.t.mu.Lock()
	defer w.t.mu.Unlock()

	if need := w.offset + int64(len(p)); need > int64(len(w.t.uploaded)) {
		w.t.uploaded = append(w.t.uploaded, make([]byte, need-int64(len(w.t.uploaded)))...)
	}

	copy(w.t.uploaded[w.offset:], p)
	w.offset += int64(len(p))

	return len(p), nil
}

func (w *rangeWriter) Close() error {
	w.closed = true
	return nil
}

var _ transfer.Transport = (*Transport)(nil)
