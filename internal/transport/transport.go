// Package transport abstracts the byte-level command/response channel to an
// instrument: serial or USB-TMC. A Transport is one logical channel and is
// not safe for concurrent use — callers (the session's single command
// processor) must serialize all calls.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a transport error category. IsDisconnectEvidence uses it to
// report which failures indicate the device is gone (spec §4.3/§7); the
// session layer counts every failed call toward its consecutive-error budget
// regardless of Kind.
type Kind int

const (
	// KindTimeout means the call exceeded its deadline without completing.
	KindTimeout Kind = iota
	// KindIO is a generic read/write failure on an otherwise-present link.
	KindIO
	// KindNoDevice means the underlying device/port is gone.
	KindNoDevice
	// KindPipe is a USB-TMC endpoint stall (LIBUSB_ERROR_PIPE); the layer
	// recovers with CLEAR_FEATURE and one retry before surfacing it.
	KindPipe
	// KindProtocolFraming means the response could not be framed against the
	// expected terminator/block structure.
	KindProtocolFraming
	// KindTerminatorTimeout means bytes arrived but the terminator never did.
	KindTerminatorTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindIO:
		return "Io"
	case KindNoDevice:
		return "NoDevice"
	case KindPipe:
		return "Pipe"
	case KindProtocolFraming:
		return "ProtocolFraming"
	case KindTerminatorTimeout:
		return "TerminatorTimeout"
	default:
		return "Unknown"
	}
}

// Error is a typed transport failure. Callers should inspect Kind via
// errors.As, not string-match Error().
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDisconnectEvidence reports whether err, per spec §4.2, should be treated
// by the layer above as evidence the physical device is gone: NoDevice, Io,
// or Pipe (after the transport's own retry has already been attempted).
func IsDisconnectEvidence(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindNoDevice, KindIO, KindPipe:
		return true
	default:
		return false
	}
}

// Transport is the uniform command/response channel used by every driver.
// Open and Close are idempotent. Query writes cmd+terminator and returns the
// response with the terminator stripped. QueryBinary is used when the
// response is an IEEE 488.2 definite-length block (the codec, not the
// transport, interprets the block framing). Write is fire-and-forget but
// must flush before returning.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Query(ctx context.Context, cmd string) (string, error)
	QueryBinary(ctx context.Context, cmd string) ([]byte, error)
	Write(ctx context.Context, cmd string) error
}
