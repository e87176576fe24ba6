// Package dferr defines the error taxonomy shared by every layer of the
// forensic disk reader: a small set of kinds that callers can branch on
// without string-matching messages.
package dferr

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Kind classifies an Error without tying callers to its message text.
type Kind int

const (
	// KindIO covers failures reported by the underlying byte source.
	KindIO Kind = iota
	// KindEOF covers reads that ran past the end of the image or attribute.
	KindEOF
	// KindCorruptImage covers signature mismatches and unrecoverable checksum
	// failures in on-disk structures.
	KindCorruptImage
	// KindUnsupported covers recognised-but-unimplemented on-disk features
	// (a required region with an unknown GUID, a differencing VHDX parent
	// chain, an encrypted stream).
	KindUnsupported
	// KindNotFound covers a path component missing during resolution.
	KindNotFound
	// KindNotADirectory covers a path that resolves to a non-directory file
	// record where a directory was expected.
	KindNotADirectory
	// KindNotAFile covers a path that resolves to a directory where a file
	// was expected.
	KindNotAFile
	// KindInvalidArgument covers caller-side misuse: a non-contiguous LBA
	// list, a negative seek result, and the like.
	KindInvalidArgument
	// KindClosed covers use of a handle after Close.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindEOF:
		return "eof"
	case KindCorruptImage:
		return "corrupt_image"
	case KindUnsupported:
		return "unsupported"
	case KindNotFound:
		return "not_found"
	case KindNotADirectory:
		return "not_a_directory"
	case KindNotAFile:
		return "not_a_file"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by every package in this module.
// Context carries caller-relevant identifying information: a path, a record
// number, an attribute type — whatever made this particular instance of the
// failure distinguishable.
type Error struct {
	Kind    Kind
	Context string
	cause   error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

// Format implements fmt.Formatter: %+v prints the error followed by its
// wrapped cause with that cause's stack trace; every other verb prints the
// same text as Error.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+') && e.cause != nil:
		fmt.Fprintf(s, "%s: %+v", e.Error(), e.cause)
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Error())
	default:
		_, _ = io.WriteString(s, e.Error())
	}
}

// Unwrap exposes the wrapped cause, if any, to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets KindEOF errors satisfy errors.Is(err, io.EOF), since several
// layers hand their *Error straight to code that expects the stdlib sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == KindEOF && target == io.EOF
}

// New builds an *Error of the given kind with a context string, wrapping no
// cause.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap builds an *Error of the given kind around an underlying cause,
// preserving a stack trace through github.com/pkg/errors so %+v on the
// result shows where the failure originated.
func Wrap(kind Kind, context string, cause error) *Error {
	if cause == nil {
		return New(kind, context)
	}
	return &Error{Kind: kind, Context: context, cause: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
