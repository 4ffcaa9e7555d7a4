package transport

import "errors"

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport connection closed")

// ErrUnreachable is returned when a memory network has no endpoint for the
// destination binding.
var ErrUnreachable = errors.New("destination unreachable")
