// Package lferr defines the error kinds surfaced by the control-plane core.
//
// The kinds mirror the C errno-style categories from the original
// raw_packets/control implementation: a received packet can be rejected at
// the protocol level (bad magic), at the I/O level (unexpected type), or at
// the argument level (unknown type on send). Fatal marks conditions the
// core treats as programmer errors: mutex/cv failures, or a side-handler
// read hook asking to tear down the worker.
package lferr

import "github.com/pkg/errors"

// Sentinel kinds. Use errors.Is against these after unwrapping with
// github.com/pkg/errors, which preserves the cause via Wrap/Wrapf.
var (
	// ErrProtocol is returned when a received packet's magic or version
	// byte doesn't match the wire contract.
	ErrProtocol = errors.New("protocol error")
	// ErrIO is returned when a received packet's type doesn't match what
	// the caller expected, or on an underlying socket I/O failure.
	ErrIO = errors.New("io error")
	// ErrInvalidArgument is returned when asked to send a packet of
	// unknown type.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOutOfMemory is returned when a packet allocation would exceed
	// sane bounds (the sample-count guard substitutes for C malloc
	// failure, which Go can't surface the same way).
	ErrOutOfMemory = errors.New("out of memory")
)

// Fatal wraps a condition that is not locally recoverable: mutex/cv
// operation failure, or the worker loop exiting unexpectedly. Callers are
// expected to log at CRIT and exit the process, never to retry.
type Fatal struct {
	cause error
}

func NewFatal(msg string) *Fatal {
	return &Fatal{cause: errors.New(msg)}
}

func WrapFatal(err error, msg string) *Fatal {
	return &Fatal{cause: errors.Wrap(err, msg)}
}

func (f *Fatal) Error() string { return f.cause.Error() }
func (f *Fatal) Unwrap() error { return f.cause }
