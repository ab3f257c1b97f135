// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"os"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error by what went wrong rather than where. Kind
// values are sentinels that call sites attach via errors.Mark and recover via
// errors.Is, so a single failure can also carry a cockroachdb/errors chain of
// context (file names, offsets) without losing its kind.
type Kind int

const (
	KindNotFound Kind = iota
	KindCorruption
	KindIoError
	KindInvalidArgument
	KindAlreadyExists
	KindBusy
	KindUnsupported
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCorruption:
		return "Corruption"
	case KindIoError:
		return "IoError"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindBusy:
		return "Busy"
	case KindUnsupported:
		return "Unsupported"
	case KindShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// sentinel errors, one per Kind, used with errors.Mark/errors.Is.
var (
	ErrNotFound        = errors.New("caskdb: not found")
	ErrCorruption      = errors.New("caskdb: corruption")
	ErrIoError         = errors.New("caskdb: io error")
	ErrInvalidArgument = errors.New("caskdb: invalid argument")
	ErrAlreadyExists   = errors.New("caskdb: already exists")
	ErrBusy            = errors.New("caskdb: busy")
	ErrUnsupported     = errors.New("caskdb: unsupported")
	ErrShuttingDown    = errors.New("caskdb: shutting down")
)

var kindSentinels = map[Kind]error{
	KindNotFound:        ErrNotFound,
	KindCorruption:      ErrCorruption,
	KindIoError:         ErrIoError,
	KindInvalidArgument: ErrInvalidArgument,
	KindAlreadyExists:   ErrAlreadyExists,
	KindBusy:            ErrBusy,
	KindUnsupported:     ErrUnsupported,
	KindShuttingDown:    ErrShuttingDown,
}

// MarkKind wraps err with the given Kind so that GetKind/errors.Is can
// recover it later, while still letting cockroachdb/errors attach a
// redactable chain of context. A nil err stays nil.
func MarkKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, kindSentinels[kind])
}

// NewKind builds a fresh Kind-tagged error from a format string, the
// cockroachdb/errors way (Newf allocates a stack-trace-carrying error).
func NewKind(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kindSentinels[kind])
}

// GetKind recovers the Kind attached to err, defaulting to KindIoError for
// errors that were never classified, since nearly every unclassified
// failure here is an underlying filesystem one.
func GetKind(err error) Kind {
	if err == nil {
		return -1
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindIoError
}

// IsNotFound is shorthand for GetKind(err) == KindNotFound, the one Kind that
// callers routinely check as a non-error control-flow signal. It also
// recognizes a raw os.ErrNotExist, since vfs.FS implementations pass
// *os.PathError and similar errors through unmarked.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || os.IsNotExist(err)
}

// IsCorruption reports whether err (or anything it wraps) is a Corruption.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}
