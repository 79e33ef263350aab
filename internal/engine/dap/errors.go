package dap

import "errors"

var (
	// ErrTransportClosed is returned once the adapter stream has ended.
	ErrTransportClosed = errors.New("adapter transport closed")

	// ErrAdapterUnavailable is returned when no adapter could be started or reached.
	ErrAdapterUnavailable = errors.New("debug adapter unavailable")

	// ErrRequestFailed is returned when the adapter answers a request with success=false.
	ErrRequestFailed = errors.New("request failed")
)

// IsClosed reports whether err means the adapter went away.
func IsClosed(err error) bool {
	return errors.Is(err, ErrTransportClosed)
}
