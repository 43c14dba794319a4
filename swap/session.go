// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"sync"
	"time"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Phase is the global state of a swap session.
type Phase uint8

const (
	// CollectingRegistrations waits for enough valid OLD-identity
	// registrations.
	CollectingRegistrations Phase = iota

	// BuildingFunding constructs the funding contract plus funding and
	// refund transactions.
	BuildingFunding

	// AwaitingRefundSigs waits for every user's refund signature.
	AwaitingRefundSigs

	// AwaitingFundingSigs waits for every user's funding signature.
	// It is only entered after the fully signed refund transaction has
	// been released to the users.
	AwaitingFundingSigs

	// Funded means the funding transaction was handed to the
	// broadcaster; user coins are confined in the funding contract.
	Funded

	// Distributing builds and funds the per-identity distribution
	// contracts.
	Distributing

	// AwaitingHashPathSecrets waits for the simultaneous release of
	// every user's hash path key share under OLD identities.
	AwaitingHashPathSecrets

	// AwaitingUserKeySecrets waits for the maker's release of her
	// distribution key path secrets to the NEW identities.
	AwaitingUserKeySecrets

	// AwaitingMakerKeySecrets waits for the simultaneous release of the
	// users' funding key path shares under OLD identities.
	AwaitingMakerKeySecrets

	// Complete is the successful terminal phase: all key path secrets
	// are held by their counterparties.
	Complete

	// Refunded is the pre-funding fallback terminal phase: the session
	// aborted and the refund transaction is the users' recovery.
	Refunded

	// MakerOwnsAfterCSV is the post-funding fallback terminal phase:
	// unresolved distribution legs revert to the maker after their
	// relative timelocks.
	MakerOwnsAfterCSV

	// DegradedCompletion is the privacy-lossy terminal phase: the swap
	// completed via a preimage-revealing hash path spend.  It is a
	// valid completion, not an error.
	DegradedCompletion
)

// String returns a human readable phase name.
func (p Phase) String() string {
	switch p {
	case CollectingRegistrations:
		return "collecting_registrations"
	case BuildingFunding:
		return "building_funding"
	case AwaitingRefundSigs:
		return "awaiting_refund_sigs"
	case AwaitingFundingSigs:
		return "awaiting_funding_sigs"
	case Funded:
		return "funded"
	case Distributing:
		return "distributing"
	case AwaitingHashPathSecrets:
		return "awaiting_hashpath_secrets"
	case AwaitingUserKeySecrets:
		return "awaiting_userkey_secrets"
	case AwaitingMakerKeySecrets:
		return "awaiting_makerkey_secrets"
	case Complete:
		return "complete"
	case Refunded:
		return "refunded"
	case MakerOwnsAfterCSV:
		return "maker_owns_after_csv"
	case DegradedCompletion:
		return "degraded_completion"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	switch p {
	case Complete, Refunded, MakerOwnsAfterCSV, DegradedCompletion:
		return true
	default:
		return false
	}
}

// LegState is the independent sub-state of one distribution leg.
type LegState uint8

const (
	// LegPending means the leg's transaction was submitted but not yet
	// observed confirmed.
	LegPending LegState = iota

	// LegConfirmed means the broadcaster reported the leg's transaction
	// confirmed.
	LegConfirmed

	// LegComplete means the leg's user holds the maker key path secret.
	LegComplete

	// LegMakerOwnsAfterCSV means the leg timed out and reverts to the
	// maker after its relative timelock.
	LegMakerOwnsAfterCSV

	// LegDegraded means the leg completes via the hash path: the shared
	// preimage was revealed, so the leg's user redeems with it.
	LegDegraded
)

// String returns a human readable leg state name.
func (s LegState) String() string {
	switch s {
	case LegPending:
		return "pending"
	case LegConfirmed:
		return "confirmed"
	case LegComplete:
		return "complete"
	case LegMakerOwnsAfterCSV:
		return "maker_owns_after_csv"
	case LegDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// DistributionLeg tracks one distribution contract and its sub-state.
// Legs fail independently: one leg's timeout does not touch its
// siblings, except for the shared-preimage degradation.
type DistributionLeg struct {
	// Identity is the NEW identity the leg pays.
	Identity Handle

	// ContractID references the leg's contract in the session arena.
	ContractID chainhash.Hash

	// Tx is the maker-funded distribution transaction.
	Tx *Tx

	// BroadcastID is the id reported by the broadcaster.
	BroadcastID chainhash.Hash

	// State is the leg's independent sub-state.
	State LegState

	// Timer guards the leg's delivery deadline.
	Timer timeout.TimerHandle
}

// PhaseEvent is an explicit, user-visible phase transition.  Every
// fallback is communicated this way; there are no silent retries.
type PhaseEvent struct {
	// From and To are the global phases around the transition.
	From, To Phase

	// Leg names the distribution leg for per-leg events, or is empty
	// for session-wide transitions.
	Leg Handle

	// Reason is a short human readable cause.
	Reason string
}

// Session aggregates one funding contract, N distribution legs, the
// current phase and the deadline set guarding it.  Contracts live in an
// arena indexed by id; transactions reference contracts by id only.
type Session struct {
	// ID identifies the session.
	ID chainhash.Hash

	mu        sync.Mutex
	phase     Phase
	contracts map[chainhash.Hash]*contract.Contract

	// FundingContractID locates the funding contract in the arena.
	FundingContractID chainhash.Hash

	// FundingTx and RefundTx are owned exclusively by this session.
	FundingTx *Tx
	RefundTx  *Tx

	// Legs maps NEW identities to their distribution legs.
	Legs map[Handle]*DistributionLeg

	// Monitor is the session's own deadline tracker.
	Monitor *timeout.Monitor

	archived time.Time
}

// NewSession creates an empty session with its own timeout monitor.
func NewSession(id chainhash.Hash, clock timeout.Clock) *Session {
	return &Session{
		ID:        id,
		phase:     CollectingRegistrations,
		contracts: make(map[chainhash.Hash]*contract.Contract),
		Legs:      make(map[Handle]*DistributionLeg),
		Monitor:   timeout.NewMonitor(clock),
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase moves the session to the given phase.  Transitions out of a
// terminal phase are rejected.
func (s *Session) SetPhase(p Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return ErrSessionTerminal
	}
	log.Infof("Session %s: %s -> %s", s.ID, s.phase, p)
	s.phase = p

	return nil
}

// AddContract stores a contract in the session arena.
func (s *Session) AddContract(c *contract.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ID] = c
}

// Contract resolves a contract id against the arena.
func (s *Session) Contract(id chainhash.Hash) (*contract.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrUnknownContract
	}
	return c, nil
}

// FundingContract resolves the funding contract.
func (s *Session) FundingContract() (*contract.Contract, error) {
	return s.Contract(s.FundingContractID)
}

// Archive stops the session's monitor and records the archival time.
// Called once the session reaches a terminal phase.
func (s *Session) Archive(now time.Time) {
	s.mu.Lock()
	already := !s.archived.IsZero()
	s.archived = now
	s.mu.Unlock()

	if !already {
		s.Monitor.Stop()
		log.Debugf("Session %s archived at %v", s.ID, now)
	}
}
