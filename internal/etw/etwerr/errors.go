// Package etwerr holds the sentinel errors shared by the tracing pipeline.
// Callers match them with errors.Is; producers wrap them with fmt.Errorf and %w
// so the underlying cause is preserved.
package etwerr

import "errors"

// Session lifecycle. These are always surfaced to the caller.
var (
	ErrPermissionDenied = errors.New("permission denied: ETW operations require administrator privileges")
	ErrNameConflict     = errors.New("a trace session with this name is already active")
	ErrInvalidState     = errors.New("operation not valid in current state")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrProviderNotFound = errors.New("provider not found")
)

// Per-event problems. These are absorbed by the pipeline and only counted.
var (
	ErrSchemaResolutionFailed = errors.New("schema resolution failed")
	ErrDecode                 = errors.New("property decode failed")
)

// Delivery.
var (
	ErrChannelClosed = errors.New("delivery channel closed")
	ErrTimeout       = errors.New("receive timed out")
)

// Capture containers. Fatal to the current record or replay operation.
var (
	ErrCaptureFormat = errors.New("capture format error")
	ErrCompression   = errors.New("capture compression error")
)
