// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import "errors"

var (
	// ErrInvalidUTXO is returned when a registered input reference is
	// malformed.  Inputs are never checked against chain state here;
	// that is the broadcaster's job.
	ErrInvalidUTXO = errors.New("malformed utxo reference")

	// ErrContractMismatch is returned when an independently rebuilt
	// contract differs from the one received.  It is always fatal to
	// the session: it may indicate tampering.
	ErrContractMismatch = errors.New(
		"rebuilt contract differs from received contract",
	)

	// ErrOrderingViolation is returned when a funding signature is
	// requested before the refund transaction for the same session is
	// finalized.
	ErrOrderingViolation = errors.New(
		"refund transaction not finalized before funding signature",
	)

	// ErrInsufficientSignatures is returned when combining a partial
	// signature bag that does not cover the spend path.
	ErrInsufficientSignatures = errors.New(
		"partial signatures do not cover spend path",
	)

	// ErrConflictingSignature is returned when a signer submits two
	// different signatures for the same transaction.
	ErrConflictingSignature = errors.New(
		"conflicting signature from same signer",
	)

	// ErrTxFinalized is returned when mutating a transaction after it
	// was frozen.
	ErrTxFinalized = errors.New("transaction already finalized")

	// ErrTxNotFinalized is returned when an operation requires a
	// finalized transaction.
	ErrTxNotFinalized = errors.New("transaction not finalized")

	// ErrUnexpectedMessage is returned when a message arrives in a
	// phase that cannot accept it.
	ErrUnexpectedMessage = errors.New("message unexpected in phase")

	// ErrSessionTerminal is returned for operations on a session that
	// already reached a terminal phase.
	ErrSessionTerminal = errors.New("session reached terminal phase")

	// ErrAlreadyReleased is returned when a secret release operation is
	// repeated.  Release is one way.
	ErrAlreadyReleased = errors.New("secret already released")

	// ErrBadPreimage is returned when a revealed preimage does not hash
	// to the session commitment.
	ErrBadPreimage = errors.New("preimage does not match commitment")

	// ErrKeyMismatch is returned when a released private key does not
	// correspond to the public key registered for its path.
	ErrKeyMismatch = errors.New(
		"released key does not match registered public key",
	)

	// ErrUnknownParticipant is returned for messages from identities
	// the session does not know.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrUnknownContract is returned when a transaction output
	// references a contract id missing from the session arena.
	ErrUnknownContract = errors.New("contract not found in session")

	// ErrDuplicateRegistration is returned when an identity registers
	// twice in the same phase.
	ErrDuplicateRegistration = errors.New("identity already registered")

	// ErrDeliveryTimeout is returned when an awaited delivery does not
	// arrive before its armed deadline.
	ErrDeliveryTimeout = errors.New("awaited delivery timed out")

	// ErrExcessiveFee is returned when a proposal advertises a fee
	// above the agent's acceptance threshold.
	ErrExcessiveFee = errors.New("advertised fee above threshold")
)
