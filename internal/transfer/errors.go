package transfer

import (
	"errors"
	"fmt"
)

// ErrCapacityExceeded is logged by the queue when a start request finds every running slot taken.
// The task stays queued; callers never receive it.
var ErrCapacityExceeded = errors.New("running set at capacity")

// ErrRangeNotSupported is returned by a transport when the remote end ignores a range request.
var ErrRangeNotSupported = errors.New("range requests not supported")

// ResourceUnavailableError represents transport and local file failures while moving bytes,
// including non-2xx responses, dropped connections and failed writes to the temp file.
type ResourceUnavailableError struct {
	Op         string // The operation that failed (e.g., "probe", "open_range", "write")
	Address    string // Remote address or local path involved
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *ResourceUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("resource unavailable during %s of %s (HTTP %d)", e.Op, e.Address, e.StatusCode)
	}

	if e.Err != nil {
		return fmt.Sprintf("resource unavailable during %s of %s: %v", e.Op, e.Address, e.Err)
	}

	return fmt.Sprintf("resource unavailable during %s of %s", e.Op, e.Address)
}

func (e *ResourceUnavailableError) Unwrap() error {
	return e.Err
}

// SizeMismatchError reports a checkpoint written against different block boundaries than the
// ones derived from the resource's current size. The block is restarted from scratch.
type SizeMismatchError struct {
	TaskKey  string
	Block    int
	Expected int64 // Block end derived from the current size
	Recorded int64 // Block end stored with the checkpoint
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("checkpoint for %s block %d ends at %d, expected %d", e.TaskKey, e.Block, e.Recorded, e.Expected)
}

// CheckpointCorruptError marks a stored checkpoint record that cannot be parsed.
// The record is dropped and the block is treated as not started.
type CheckpointCorruptError struct {
	TaskKey string
	Block   int
	Reason  string
	Err     error
}

func (e *CheckpointCorruptError) Error() string {
	return fmt.Sprintf("corrupt checkpoint for %s block %d: %s", e.TaskKey, e.Block, e.Reason)
}

func (e *CheckpointCorruptError) Unwrap() error {
	return e.Err
}

// ConfigInvalidError is returned for settings the engine or queue refuse to apply.
type ConfigInvalidError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}

	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// IsRetryable reports whether a failed transfer may succeed when started again.
func IsRetryable(err error) bool {
	var unavailable *ResourceUnavailableError

	return errors.As(err, &unavailable)
}
