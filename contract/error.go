// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package contract

import "fmt"

// ErrorCode identifies a kind of contract error.
type ErrorCode int

const (
	// ErrInvalidParticipantSet indicates that a contract was requested
	// with too few or missing signers for its cooperative path.
	ErrInvalidParticipantSet ErrorCode = iota

	// ErrMissingKeyPath indicates that a contract does not carry exactly
	// one key path.
	ErrMissingKeyPath

	// ErrDuplicatePath indicates that a contract carries more than one
	// hash path or more than one refund path.
	ErrDuplicatePath

	// ErrZeroTimelock indicates a refund path whose relative timelock is
	// not strictly positive.
	ErrZeroTimelock

	// ErrMissingHash indicates a hash path without a sha256 commitment.
	ErrMissingHash

	// ErrEmptyPathKeys indicates a spend path with no participant keys.
	ErrEmptyPathKeys

	// ErrBadAmount indicates a non-positive contract amount.
	ErrBadAmount

	// ErrUnknownPathKind indicates a spend path of an unrecognized kind.
	ErrUnknownPathKind

	// ErrScriptEncoding indicates that the contract could not be encoded
	// into a witness script.
	ErrScriptEncoding
)

// errorCodeStrings maps the error codes to human readable strings.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidParticipantSet: "ErrInvalidParticipantSet",
	ErrMissingKeyPath:        "ErrMissingKeyPath",
	ErrDuplicatePath:         "ErrDuplicatePath",
	ErrZeroTimelock:          "ErrZeroTimelock",
	ErrMissingHash:           "ErrMissingHash",
	ErrEmptyPathKeys:         "ErrEmptyPathKeys",
	ErrBadAmount:             "ErrBadAmount",
	ErrUnknownPathKind:       "ErrUnknownPathKind",
	ErrScriptEncoding:        "ErrScriptEncoding",
}

// String returns the ErrorCode as a human readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed contract error providing a code for callers that need
// to react programmatically and a description for everyone else.
type Error struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	return e.Description
}

// newError creates a new Error.
func newError(c ErrorCode, desc string) Error {
	return Error{ErrorCode: c, Description: desc}
}

// IsError returns whether the error is an Error with a matching code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(Error)
	return ok && e.ErrorCode == code
}
