// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package exchange sequences the release of private key shares and hash
// preimages between the maker and the users.  Secrets submitted to a
// round are withheld until every expected participant has submitted, then
// handed out as one atomic batch; a round that misses its deadline is
// discarded with nothing released.  The engine is also where identity
// generation rules are enforced: a secret tagged for the OLD identity is
// rejected if submitted under a NEW one, and vice versa.
package exchange

import (
	"sync"
	"time"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/internal/zero"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Handle identifies a participant identity within a session.  OLD and NEW
// identities of the same participant use distinct handles; nothing in the
// engine links them.
type Handle string

// Generation tags which identity generation a secret must be submitted
// under.
type Generation uint8

const (
	// OldID is the identity generation under which inputs were
	// registered.
	OldID Generation = iota

	// NewID is the rotated, unlinkable identity generation under which
	// outputs are registered.
	NewID
)

// String returns a human readable identifier for the generation.
func (g Generation) String() string {
	switch g {
	case OldID:
		return "old"
	case NewID:
		return "new"
	default:
		return "unknown"
	}
}

// SecretKind distinguishes the two secret variants.
type SecretKind uint8

const (
	// PrivateKeyShare is a participant's private key for one spend path
	// of a contract.
	PrivateKeyShare SecretKind = iota

	// Preimage is the value hashed into a HashPath commitment.
	Preimage
)

// String returns a human readable identifier for the secret kind.
func (k SecretKind) String() string {
	switch k {
	case PrivateKeyShare:
		return "key share"
	case Preimage:
		return "preimage"
	default:
		return "unknown"
	}
}

// Secret is a tagged variant: either a private key share bound to a spend
// path, or a hash preimage.  A secret is owned by exactly one party until
// released; release is one way.
type Secret struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind SecretKind

	// Path is the spend path a PrivateKeyShare belongs to.
	Path contract.PathKind

	// Owner is the identity the secret belongs to.
	Owner Handle

	// Key holds the private key share.
	Key *btcec.PrivateKey

	// PreimageBytes holds the preimage.
	PreimageBytes *[32]byte
}

// destroy zeroes the secret's key material.  Used when a round is
// discarded so nothing submitted can leak afterwards.
func (s *Secret) destroy() {
	if s.Key != nil {
		s.Key.Zero()
		s.Key = nil
	}
	if s.PreimageBytes != nil {
		zero.Bytea32(s.PreimageBytes)
		s.PreimageBytes = nil
	}
}

// Expectation describes what one participant must release in a round,
// resolved once when the round is armed.
type Expectation struct {
	// Kind is the expected secret variant.
	Kind SecretKind

	// Path is the expected spend path for a PrivateKeyShare.
	Path contract.PathKind

	// MustUse is the identity generation the submission must arrive
	// under.  Sending a hash path key under a NEW identity would link
	// the two generations; the engine rejects it here.
	MustUse Generation
}

// RoundTag names one simultaneous-release round.
type RoundTag string

// PendingRelease acknowledges a submission held for batch release.
type PendingRelease struct {
	Round  RoundTag
	Holder Handle
}

// round is the bookkeeping for one simultaneous-release batch.
type round struct {
	expected  map[Handle]Expectation
	submitted map[Handle]*Secret
	deadline  time.Time
	released  bool
	discarded bool
}

// complete reports whether every expected participant has submitted.
func (r *round) complete() bool {
	return len(r.submitted) == len(r.expected)
}

// discard destroys every submitted secret and marks the round dead.
func (r *round) discard() {
	for _, s := range r.submitted {
		s.destroy()
	}
	r.submitted = nil
	r.discarded = true
}

// Engine holds the active release rounds of one session.
type Engine struct {
	mu     sync.Mutex
	clock  timeout.Clock
	rounds map[RoundTag]*round
}

// NewEngine creates an engine.  Passing a nil clock selects the system
// clock.
func NewEngine(clock timeout.Clock) *Engine {
	if clock == nil {
		clock = timeout.NewSystemClock()
	}
	return &Engine{
		clock:  clock,
		rounds: make(map[RoundTag]*round),
	}
}

// ArmRound registers a release round: who must release what, and by when.
// The expectation map is resolved here, once, not recomputed on each
// submission.
func (e *Engine) ArmRound(tag RoundTag, expected map[Handle]Expectation,
	deadline time.Time) error {

	if len(expected) == 0 {
		return ErrNoParticipants
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rounds[tag]; ok {
		return ErrRoundExists
	}

	exp := make(map[Handle]Expectation, len(expected))
	for h, want := range expected {
		exp[h] = want
	}
	e.rounds[tag] = &round{
		expected:  exp,
		submitted: make(map[Handle]*Secret),
		deadline:  deadline,
	}

	log.Debugf("Armed release round %s with %d participants, "+
		"deadline %v", tag, len(exp), deadline)

	return nil
}

// Submit hands a secret to the engine for batch release.  The secret is
// withheld until ReleaseAll observes the full batch.  Submissions under
// the wrong identity generation, of the wrong kind or path, from unknown
// holders, or after the round deadline are rejected.  Resubmitting the
// same holder's secret is a no-op.
func (e *Engine) Submit(tag RoundTag, holder Handle, secret *Secret,
	gen Generation) (*PendingRelease, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds[tag]
	if !ok {
		return nil, ErrUnknownRound
	}
	if r.discarded || r.released {
		return nil, &TimeoutError{Round: tag}
	}

	// A late submission discards the round: the batch predicate can no
	// longer be met in time and nothing already held may leak.
	if e.clock.Now().After(r.deadline) {
		r.discard()
		return nil, &TimeoutError{Round: tag}
	}

	want, ok := r.expected[holder]
	if !ok {
		return nil, ErrUnknownHolder
	}
	if gen != want.MustUse {
		log.Warnf("Round %s: %s submitted under %s identity, "+
			"want %s", tag, holder, gen, want.MustUse)
		return nil, ErrWrongGeneration
	}
	if secret == nil || secret.Kind != want.Kind {
		return nil, ErrKindMismatch
	}
	if secret.Kind == PrivateKeyShare &&
		(secret.Path != want.Path || secret.Key == nil) {

		return nil, ErrKindMismatch
	}
	if secret.Kind == Preimage && secret.PreimageBytes == nil {
		return nil, ErrKindMismatch
	}

	if _, ok := r.submitted[holder]; !ok {
		r.submitted[holder] = secret
		log.Debugf("Round %s: held secret from %s (%d/%d)", tag,
			holder, len(r.submitted), len(r.expected))
	}

	return &PendingRelease{Round: tag, Holder: holder}, nil
}

// ReleaseAll returns the full batch of a round as a single atomic event.
// If any expected participant has not submitted by the round deadline the
// batch is discarded, every held secret is destroyed and a TimeoutError
// is returned: partial delivery is equivalent to no delivery.  Before the
// deadline an incomplete round returns ErrRoundNotReady and keeps
// everything withheld.
func (e *Engine) ReleaseAll(tag RoundTag) (map[Handle]*Secret, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds[tag]
	if !ok {
		return nil, ErrUnknownRound
	}
	if r.discarded {
		return nil, &TimeoutError{Round: tag}
	}
	if r.released {
		return nil, ErrAlreadyReleased
	}

	if !r.complete() {
		if e.clock.Now().After(r.deadline) {
			log.Warnf("Round %s timed out with %d/%d secrets, "+
				"discarding batch", tag, len(r.submitted),
				len(r.expected))
			r.discard()
			return nil, &TimeoutError{Round: tag}
		}
		return nil, ErrRoundNotReady
	}

	r.released = true
	batch := make(map[Handle]*Secret, len(r.submitted))
	for h, s := range r.submitted {
		batch[h] = s
	}

	log.Infof("Round %s released %d secrets as one batch", tag,
		len(batch))

	return batch, nil
}

// Discard force-discards a round, destroying anything held.  Called when
// the owning phase falls back before the round resolves.
func (e *Engine) Discard(tag RoundTag) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.rounds[tag]; ok && !r.released && !r.discarded {
		r.discard()
	}
}
