// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package asmap

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrUnsupportedFormat indicates an encoded table with a format version
	// this package does not understand.
	ErrUnsupportedFormat = ErrorKind("ErrUnsupportedFormat")

	// ErrInvalidPrefix indicates a table entry whose network prefix is
	// missing, malformed, or inconsistent with its address family.
	ErrInvalidPrefix = ErrorKind("ErrInvalidPrefix")

	// ErrInvalidASN indicates a table entry with an autonomous system
	// number outside the valid range.  Zero is reserved to mean unmapped.
	ErrInvalidASN = ErrorKind("ErrInvalidASN")

	// ErrMalformedTable indicates an encoded table that is structurally
	// invalid, such as an implausible entry count.
	ErrMalformedTable = ErrorKind("ErrMalformedTable")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an AS map error.  It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for the error by
// checking the underlying error.
type Error struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
