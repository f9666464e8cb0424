// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrUnknownAddressType indicates an address type that is not one of
	// the known network address types.
	ErrUnknownAddressType = ErrorKind("ErrUnknownAddressType")

	// ErrMismatchedAddressType indicates an address whose bytes are not
	// consistent with its claimed address type.
	ErrMismatchedAddressType = ErrorKind("ErrMismatchedAddressType")

	// ErrUnsupportedVersion indicates a serialized peers structure with a
	// format version this package does not understand.
	ErrUnsupportedVersion = ErrorKind("ErrUnsupportedVersion")

	// ErrWrongNetwork indicates a serialized peers structure that belongs
	// to a different Bitgesell network.
	ErrWrongNetwork = ErrorKind("ErrWrongNetwork")

	// ErrCorruptPeers indicates a serialized peers structure that is
	// structurally invalid, such as an impossible bucket count or a
	// record that fails validation.
	ErrCorruptPeers = ErrorKind("ErrCorruptPeers")

	// ErrMalformedEntry indicates an individual serialized address record
	// that could not be decoded.
	ErrMalformedEntry = ErrorKind("ErrMalformedEntry")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an address manager error.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason
// for the error by checking the underlying error.
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
