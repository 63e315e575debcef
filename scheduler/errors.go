package scheduler

import "errors"

var (
	// ErrTimeout is returned when a bounded wait against a provider exhausts its countdown.
	ErrTimeout = errors.New("timed out")
	// ErrNotConnected is returned when a provider is used before it has a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrNodeNotFound is returned by providers asked about a server they do not know.
	ErrNodeNotFound = errors.New("unknown server")
)
