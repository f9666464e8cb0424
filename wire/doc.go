// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the low level primitives of the Bitgesell network
protocol that are shared by the rest of the module.

At a high level, this package provides the network magic numbers used to
identify which Bitgesell network a serialized structure belongs to, the
service flags advertised by peers, and the binary encoding helpers
(fixed-width integers in the protocol byte order and Bitcoin-style variable
length integers and byte arrays) that higher level packages build their own
serialization on top of.

# Errors

Errors returned by this package are either the raw underlying io errors for
premature end of stream conditions or of type wire.MessageError for protocol
violations such as non-canonical variable length integers.  The MessageError
type supports the standard errors.Is and errors.As mechanisms and wraps an
ErrorKind describing the specific violation.
*/
package wire
