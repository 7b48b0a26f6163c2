// Package tftperr declares the sentinel errors shared by the datastore and
// session layers, and maps them to wire error codes for the session engine's
// ERROR replies.
package tftperr

import (
	"errors"

	"github.com/onefoot/iwtftpd/internal/wire"
)

var (
	// ErrNotExist is returned when a read targets a file the datastore
	// cannot find.
	ErrNotExist = errors.New("tftperr: file does not exist")
	// ErrAlreadyExists is returned when a write targets a file that is
	// already present (the datastore never overwrites).
	ErrAlreadyExists = errors.New("tftperr: file already exists")
	// ErrNotPermitted is returned for access-denied style failures.
	ErrNotPermitted = errors.New("tftperr: operation not permitted")
	// ErrUnknownTID is returned when a DATA/ACK/ERROR arrives for a peer
	// with no live session.
	ErrUnknownTID = errors.New("tftperr: unknown transfer id")
	// ErrIllegalOperation covers malformed requests and out-of-sequence
	// block numbers.
	ErrIllegalOperation = errors.New("tftperr: illegal tftp operation")
	// ErrDiskFull covers storage exhaustion on write.
	ErrDiskFull = errors.New("tftperr: disk full or allocation exceeded")
)

// Code maps a sentinel (or wrapped sentinel) error to its canonical wire
// error code. Unrecognized errors map to ErrUndefined, whose text the
// caller must supply.
func Code(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, ErrNotExist):
		return wire.ErrFileNotFound
	case errors.Is(err, ErrAlreadyExists):
		return wire.ErrFileExists
	case errors.Is(err, ErrNotPermitted):
		return wire.ErrAccessViolation
	case errors.Is(err, ErrUnknownTID):
		return wire.ErrUnknownTID
	case errors.Is(err, ErrIllegalOperation):
		return wire.ErrIllegalOp
	case errors.Is(err, ErrDiskFull):
		return wire.ErrDiskFull
	default:
		return wire.ErrUndefined
	}
}
