// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrRoundExists is returned when arming a round whose tag is
	// already in use.
	ErrRoundExists = errors.New("release round already armed")

	// ErrUnknownRound is returned for operations on a tag that was
	// never armed.
	ErrUnknownRound = errors.New("unknown release round")

	// ErrUnknownHolder is returned when a submission arrives from an
	// identity the round does not expect.
	ErrUnknownHolder = errors.New("holder not expected in round")

	// ErrWrongGeneration is returned when a secret is submitted under
	// the wrong identity generation.
	ErrWrongGeneration = errors.New(
		"secret submitted under wrong identity generation",
	)

	// ErrKindMismatch is returned when the submitted secret is not of
	// the kind or path the round expects from that holder.
	ErrKindMismatch = errors.New("secret kind does not match expectation")

	// ErrRoundNotReady is returned by ReleaseAll while the batch is
	// incomplete and the deadline has not yet passed.
	ErrRoundNotReady = errors.New("release round batch incomplete")

	// ErrAlreadyReleased is returned when releasing a round twice.
	ErrAlreadyReleased = errors.New("release round already released")

	// ErrNoParticipants is returned when arming a round with an empty
	// expectation set.
	ErrNoParticipants = errors.New("release round has no participants")
)

// TimeoutError reports that a round missed its deadline and its batch was
// discarded with nothing released.  It is recoverable by design: the
// caller falls back to the refund or CSV path.
type TimeoutError struct {
	Round RoundTag
}

// Error satisfies the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("release round %s timed out", e.Round)
}

// IsTimeout reports whether the error is a round timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
