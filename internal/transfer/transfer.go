package transfer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Direction tells which way bytes move between the local file and the remote resource.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}

	return "download"
}

// ParseDirection accepts "download" and "upload" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "download":
		return Download, nil
	case "upload":
		return Upload, nil
	default:
		return Download, &ConfigInvalidError{Field: "direction", Value: s, Reason: "expected download or upload"}
	}
}

// Resource identifies the remote side of a transfer and what the remote end told us about it.
type Resource struct {
	URL           string
	RedirectURL   string
	Size          int64
	SupportsRange bool
	Path          string // local destination for downloads, local source for uploads
}

// Address returns the URL every block request should target.
func (r Resource) Address() string {
	if r.RedirectURL != "" {
		return r.RedirectURL
	}

	return r.URL
}

// Task is the record of a single transfer known to the queue.
type Task struct {
	Key                string
	Direction          Direction
	Resource           Resource
	IsNew              bool
	RemoveFileOnCancel bool
	CreatedAt          time.Time
}

// NewDownload builds a task that fetches url into path. The URL is the task key.
func NewDownload(url, path string) *Task {
	return &Task{
		Key:       url,
		Direction: Download,
		Resource:  Resource{URL: url, Path: path},
		IsNew:     true,
		CreatedAt: time.Now(),
	}
}

// NewUpload builds a task that sends the local file at path to url. The local path is the task key.
func NewUpload(path, url string) *Task {
	return &Task{
		Key:       path,
		Direction: Upload,
		Resource:  Resource{URL: url, Path: path},
		IsNew:     true,
		CreatedAt: time.Now(),
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("%s %s", t.Direction, t.Key)
}

// Probe is what a transport learns about a resource before any byte is moved.
type Probe struct {
	Size          int64
	SupportsRange bool
	RedirectURL   string
}

// Transport moves byte ranges between this process and a remote resource.
// Ranges are half-open: [start, end).
type Transport interface {
	Probe(ctx context.Context, res Resource) (Probe, error)
	OpenRange(ctx context.Context, res Resource, start, end int64) (io.ReadCloser, error)
	CreateRange(ctx context.Context, res Resource, start, end int64) (io.WriteCloser, error)
}
