// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"sync"
	"testing"
	"time"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/exchange"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const testPhaseTimeout = time.Minute

// mockBroadcaster records submissions and reports confirmations the test
// controls.
type mockBroadcaster struct {
	mu        sync.Mutex
	submitted map[chainhash.Hash]*Tx
	order     []chainhash.Hash
	confs     map[chainhash.Hash]int32
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		submitted: make(map[chainhash.Hash]*Tx),
		confs:     make(map[chainhash.Hash]int32),
	}
}

func (b *mockBroadcaster) Submit(tx *Tx) (chainhash.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := tx.TxID()
	if _, ok := b.submitted[id]; !ok {
		b.order = append(b.order, id)
	}
	b.submitted[id] = tx
	return id, nil
}

func (b *mockBroadcaster) Confirmations(id chainhash.Hash) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confs[id], nil
}

func (b *mockBroadcaster) confirmAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.submitted {
		b.confs[id] = 1
	}
}

func (b *mockBroadcaster) numSubmitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submitted)
}

// noopMsg is delivered as a synchronization barrier: once Deliver
// returns, the loop has finished everything queued before it.
type noopMsg struct{}

func (noopMsg) Type() string { return "noop" }

// testUser pairs an agent with the identities it runs.
type testUser struct {
	oldID Handle
	agent *ParticipantAgent
	plans []OutputPlan
}

type swapHarness struct {
	t *testing.T

	clock       *timeout.MockClock
	reg         *registrar.Registrar
	broadcaster *mockBroadcaster
	confirm     *ticker.Force
	coord       *Coordinator
	users       []*testUser
}

// newSwapHarness wires a coordinator with two users: alice pools 6 BTC
// across three planned outputs, bob pools 8 BTC across three more.
func newSwapHarness(t *testing.T, hold bool) *swapHarness {
	return newSwapHarnessFunding(t, hold, 6)
}

// newSwapHarnessFunding is newSwapHarness with a configurable number of
// maker funding outputs, for sessions that run out of leg capacity.
func newSwapHarnessFunding(t *testing.T, hold bool,
	numFunding int) *swapHarness {

	t.Helper()

	clock := timeout.NewMockClock(time.Unix(1700000000, 0))
	reg, err := registrar.New()
	require.NoError(t, err)

	broadcaster := newMockBroadcaster()
	confirm := ticker.NewForce(time.Hour)

	funding := make([]MakerUTXO, 0, numFunding)
	for i := 0; i < numFunding; i++ {
		utxo, key := testUTXO(
			t, btcutil.Amount(5*btcutil.SatoshiPerBitcoin),
		)
		funding = append(funding, MakerUTXO{Ref: utxo, Key: key})
	}

	coord, err := NewCoordinator(Config{
		NumParticipants:    2,
		PhaseTimeout:       testPhaseTimeout,
		MakerFunding:       funding,
		HoldUserKeySecrets: hold,
		Clock:              clock,
		Registrar:          reg,
		Broadcaster:        broadcaster,
		ConfirmTicker:      confirm,
		RequestTicker:      ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)
	coord.Start()
	t.Cleanup(coord.Stop)

	h := &swapHarness{
		t:           t,
		clock:       clock,
		reg:         reg,
		broadcaster: broadcaster,
		confirm:     confirm,
		coord:       coord,
	}

	h.addUser("alice", 6*btcutil.SatoshiPerBitcoin, []OutputPlan{
		{ID: "n1", Amount: btcutil.Amount(1 * btcutil.SatoshiPerBitcoin)},
		{ID: "n2", Amount: btcutil.Amount(2 * btcutil.SatoshiPerBitcoin)},
		{ID: "n3", Amount: btcutil.Amount(2.5 * btcutil.SatoshiPerBitcoin)},
	})
	h.addUser("bob", 8*btcutil.SatoshiPerBitcoin, []OutputPlan{
		{ID: "n4", Amount: btcutil.Amount(0.5 * btcutil.SatoshiPerBitcoin)},
		{ID: "n5", Amount: btcutil.Amount(3.5 * btcutil.SatoshiPerBitcoin)},
		{ID: "n6", Amount: btcutil.Amount(4.5 * btcutil.SatoshiPerBitcoin)},
	})

	return h
}

func (h *swapHarness) addUser(oldID Handle, amount btcutil.Amount,
	plans []OutputPlan) {

	h.t.Helper()

	utxo, utxoKey := testUTXO(h.t, amount)
	refundKey, err := btcec.NewPrivateKey()
	require.NoError(h.t, err)

	agent, err := NewAgent(AgentConfig{
		OldID:        oldID,
		UTXO:         utxo,
		UTXOKey:      utxoKey,
		RefundKey:    refundKey,
		Outputs:      plans,
		RegistrarKey: h.reg.PubKey(),
		Clock:        h.clock,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(agent.Stop)

	h.users = append(h.users, &testUser{
		oldID: oldID,
		agent: agent,
		plans: plans,
	})
}

// barrier guarantees the loop finished everything delivered before it.
func (h *swapHarness) barrier() {
	require.NoError(h.t, h.coord.Deliver("barrier", noopMsg{}))
}

// nextMsg reads the next outbound message for an identity.
func (h *swapHarness) nextMsg(id Handle) Message {
	h.t.Helper()

	var ch <-chan Message
	require.Eventually(h.t, func() bool {
		ch = h.coord.Outbound(id)
		return ch != nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		h.t.Fatalf("no outbound message for %s", id)
		return nil
	}
}

// expectNoMsg asserts an identity's queue is empty.
func (h *swapHarness) expectNoMsg(id Handle) {
	h.t.Helper()

	ch := h.coord.Outbound(id)
	if ch == nil {
		return
	}
	select {
	case msg := <-ch:
		h.t.Fatalf("unexpected %s for %s", msg.Type(), id)
	default:
	}
}

func (h *swapHarness) expectPhase(want Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.coord.Session().Phase() == want
	}, 5*time.Second, 10*time.Millisecond)
}

// registerAll runs input registration and certificate delivery for every
// user.
func (h *swapHarness) registerAll() {
	h.t.Helper()

	for _, u := range h.users {
		reg, err := u.agent.SubmitRegistration()
		require.NoError(h.t, err)
		require.NoError(h.t, h.coord.Deliver(u.oldID, reg))

		msg := h.nextMsg(u.oldID)
		certs, ok := msg.(*BlindCertificate)
		require.True(h.t, ok, "got %s", msg.Type())
		require.NoError(h.t, u.agent.HandleCertificates(certs))
	}
}

// signRefunds verifies the proposal on every agent and delivers the
// refund signatures.
func (h *swapHarness) signRefunds() {
	h.t.Helper()

	for _, u := range h.users {
		msg := h.nextMsg(u.oldID)
		prop, ok := msg.(*RefundContractProposal)
		require.True(h.t, ok, "got %s", msg.Type())

		sig, err := u.agent.VerifyAndSignRefund(prop)
		require.NoError(h.t, err)
		require.NoError(h.t, h.coord.Deliver(u.oldID, sig))
	}
}

// signFunding consumes the finalized refund and delivers the funding
// signatures.
func (h *swapHarness) signFunding() {
	h.t.Helper()

	for _, u := range h.users {
		msg := h.nextMsg(u.oldID)
		fin, ok := msg.(*RefundFinalized)
		require.True(h.t, ok, "got %s", msg.Type())
		require.NoError(h.t, u.agent.HandleRefundFinalized(fin))

		sig, err := u.agent.SignFunding()
		require.NoError(h.t, err)
		require.NoError(h.t, h.coord.Deliver(u.oldID, sig))
	}

	for _, u := range h.users {
		msg := h.nextMsg(u.oldID)
		_, ok := msg.(*FundingFinalized)
		require.True(h.t, ok, "got %s", msg.Type())
	}
}

// registerOutputs rotates every user to its NEW identities and verifies
// the delivered distribution contracts.
func (h *swapHarness) registerOutputs() {
	h.t.Helper()

	for _, u := range h.users {
		regs, err := u.agent.RegisterOutputs()
		require.NoError(h.t, err)
		require.Len(h.t, regs, len(u.plans))

		for i, reg := range regs {
			require.NoError(h.t,
				h.coord.Deliver(u.plans[i].ID, reg))
		}
	}

	for _, u := range h.users {
		for _, plan := range u.plans {
			msg := h.nextMsg(plan.ID)
			dc, ok := msg.(*DistributionContract)
			require.True(h.t, ok, "got %s", msg.Type())
			require.NoError(h.t,
				u.agent.VerifyDistribution(plan.ID, dc))
		}
		require.NoError(h.t, u.agent.AwaitDistribution(
			h.clock.Now().Add(time.Hour),
		))
	}
}

// confirmLegs confirms every broadcast transaction and forces a poll.
func (h *swapHarness) confirmLegs() {
	h.t.Helper()

	h.broadcaster.confirmAll()
	h.confirm.Force <- time.Now()
	h.expectPhase(AwaitingHashPathSecrets)
}

// releaseHashSecrets consumes the round request and delivers every
// user's hash path share.
func (h *swapHarness) releaseHashSecrets() {
	h.t.Helper()

	for _, u := range h.users {
		msg := h.nextMsg(u.oldID)
		req, ok := msg.(*SecretRequest)
		require.True(h.t, ok, "got %s", msg.Type())
		require.Equal(h.t, HashPathRound, req.Round)

		release, err := u.agent.ReleaseHashPathSecret()
		require.NoError(h.t, err)
		require.NoError(h.t, h.coord.Deliver(u.oldID, release))
	}
}

// handleMakerSecrets consumes the maker's per-leg release on every NEW
// identity.
func (h *swapHarness) handleMakerSecrets() {
	h.t.Helper()

	for _, u := range h.users {
		for _, plan := range u.plans {
			msg := h.nextMsg(plan.ID)
			secrets, ok := msg.(*MakerSecrets)
			require.True(h.t, ok, "got %s", msg.Type())
			require.NoError(h.t,
				u.agent.HandleMakerSecrets(plan.ID, secrets))
		}
	}
}

// releaseKeySecrets consumes the round request and delivers every user's
// funding key path share.
func (h *swapHarness) releaseKeySecrets() {
	h.t.Helper()

	for _, u := range h.users {
		msg := h.nextMsg(u.oldID)
		req, ok := msg.(*SecretRequest)
		require.True(h.t, ok, "got %s", msg.Type())
		require.Equal(h.t, MakerKeyRound, req.Round)

		release, err := u.agent.ReleaseKeyPathSecret()
		require.NoError(h.t, err)
		require.NoError(h.t, h.coord.Deliver(u.oldID, release))
	}
}

// TestSwapHappyPath drives a complete session: two users pool 6 and 8
// BTC, rotate to six NEW identities, and the session completes with six
// confirmed distribution legs.
func TestSwapHappyPath(t *testing.T) {
	h := newSwapHarness(t, false)

	h.registerAll()
	h.expectPhase(AwaitingRefundSigs)

	h.signRefunds()
	h.expectPhase(AwaitingFundingSigs)

	h.signFunding()
	h.expectPhase(Funded)

	// Funding is the only broadcast so far.
	require.Equal(t, 1, h.broadcaster.numSubmitted())

	h.registerOutputs()
	h.expectPhase(Distributing)

	// Funding plus six distribution legs.
	require.Equal(t, 7, h.broadcaster.numSubmitted())

	h.confirmLegs()
	h.releaseHashSecrets()

	h.expectPhase(AwaitingMakerKeySecrets)
	h.handleMakerSecrets()

	h.releaseKeySecrets()
	h.expectPhase(Complete)

	session := h.coord.Session()
	require.Len(t, session.Legs, 6)
	for _, leg := range session.Legs {
		require.Equal(t, LegComplete, leg.State)
	}
}

// TestSwapRefundTimeout verifies that a session where no refund
// signatures arrive falls back to Refunded without ever broadcasting.
func TestSwapRefundTimeout(t *testing.T) {
	h := newSwapHarness(t, false)

	h.registerAll()
	h.expectPhase(AwaitingRefundSigs)

	// Users received the proposal but stay silent.
	for _, u := range h.users {
		msg := h.nextMsg(u.oldID)
		_, ok := msg.(*RefundContractProposal)
		require.True(t, ok, "got %s", msg.Type())
	}

	h.barrier()
	h.clock.Advance(testPhaseTimeout + time.Second)

	h.expectPhase(Refunded)
	require.Equal(t, 0, h.broadcaster.numSubmitted())

	// The terminal phase rejects further progress.
	reg, err := h.users[0].agent.SubmitRegistration()
	require.NoError(t, err)
	require.NoError(t, h.coord.Deliver(h.users[0].oldID, reg))
	h.barrier()
	require.Equal(t, Refunded, h.coord.Session().Phase())
}

// TestSwapRegistrationTimeout verifies that a session that never fills
// its registration quota aborts cleanly instead of waiting forever.
func TestSwapRegistrationTimeout(t *testing.T) {
	h := newSwapHarness(t, false)

	// Only alice shows up.
	alice := h.users[0]
	reg, err := alice.agent.SubmitRegistration()
	require.NoError(t, err)
	require.NoError(t, h.coord.Deliver(alice.oldID, reg))

	h.barrier()
	h.clock.Advance(testPhaseTimeout + time.Second)

	h.expectPhase(Refunded)
	require.Equal(t, 0, h.broadcaster.numSubmitted())

	// Bob's late registration cannot revive the session.
	bob := h.users[1]
	reg, err = bob.agent.SubmitRegistration()
	require.NoError(t, err)
	require.NoError(t, h.coord.Deliver(bob.oldID, reg))
	h.barrier()
	require.Equal(t, Refunded, h.coord.Session().Phase())
}

// TestSwapOutputCapacityPreservesCertificate verifies that an output
// registration bounced for lack of maker funding does not burn its
// one-time certificate.
func TestSwapOutputCapacityPreservesCertificate(t *testing.T) {
	h := newSwapHarnessFunding(t, false, 5)

	h.registerAll()
	h.signRefunds()
	h.signFunding()
	h.expectPhase(Funded)

	// Six certificates were issued but only five legs can be funded.
	var bounced *RegisterOutput
	var bouncedID Handle
	delivered := 0
	for _, u := range h.users {
		regs, err := u.agent.RegisterOutputs()
		require.NoError(t, err)
		for i, reg := range regs {
			if delivered == 5 {
				bounced = reg
				bouncedID = u.plans[i].ID
				break
			}
			require.NoError(t, h.coord.Deliver(u.plans[i].ID, reg))
			delivered++
		}
	}
	require.NotNil(t, bounced)

	require.NoError(t, h.coord.Deliver(bouncedID, bounced))
	h.barrier()
	require.Equal(t, Funded, h.coord.Session().Phase())

	// The bounced certificate is still spendable.
	require.NoError(t, h.reg.Redeem(bounced.Cert, string(bouncedID)))
}

// TestSwapHollowSecretRejected verifies that a key share carrying no key
// material is rejected by the release round instead of crashing the
// event loop, and that the round still completes on the real shares.
func TestSwapHollowSecretRejected(t *testing.T) {
	h := newSwapHarness(t, false)

	h.registerAll()
	h.signRefunds()
	h.signFunding()
	h.registerOutputs()
	h.confirmLegs()

	alice := h.users[0]
	require.NoError(t, h.coord.Deliver(alice.oldID, &ReleaseSecret{
		Round: HashPathRound,
		Secret: &exchange.Secret{
			Kind:  exchange.PrivateKeyShare,
			Path:  contract.HashPath,
			Owner: alice.oldID,
		},
		Generation: exchange.OldID,
	}))

	// The loop survived and the hollow share was not held.
	h.barrier()
	require.Equal(t, AwaitingHashPathSecrets,
		h.coord.Session().Phase())

	h.releaseHashSecrets()
	h.expectPhase(AwaitingMakerKeySecrets)
}

// TestSwapFundingSignatureOrdering verifies the user never signs funding
// before holding the finalized refund.
func TestSwapFundingSignatureOrdering(t *testing.T) {
	h := newSwapHarness(t, false)

	h.registerAll()
	h.signRefunds()

	// Before RefundFinalized arrives the agent refuses to sign.
	_, err := h.users[0].agent.SignFunding()
	require.ErrorIs(t, err, ErrOrderingViolation)

	h.signFunding()
	h.expectPhase(Funded)
}

// TestSwapHashRoundWithheld verifies that one user withholding its hash
// path share resolves the whole session to the CSV fallback and that no
// maker secret is ever released.
func TestSwapHashRoundWithheld(t *testing.T) {
	h := newSwapHarness(t, false)

	h.registerAll()
	h.signRefunds()
	h.signFunding()
	h.registerOutputs()
	h.confirmLegs()

	// Only alice releases.
	alice := h.users[0]
	msg := h.nextMsg(alice.oldID)
	_, ok := msg.(*SecretRequest)
	require.True(t, ok, "got %s", msg.Type())

	release, err := alice.agent.ReleaseHashPathSecret()
	require.NoError(t, err)
	require.NoError(t, h.coord.Deliver(alice.oldID, release))

	h.barrier()
	h.clock.Advance(testPhaseTimeout + time.Second)

	h.expectPhase(MakerOwnsAfterCSV)
	for _, leg := range h.coord.Session().Legs {
		require.Equal(t, LegMakerOwnsAfterCSV, leg.State)
	}

	// Alice's share must not have bought anyone anything: no maker
	// secret was released to any NEW identity.
	for _, u := range h.users {
		for _, plan := range u.plans {
			h.expectNoMsg(plan.ID)
		}
	}
}

// TestSwapDegradedCompletion verifies that a maker withholding its user
// key secrets degrades every leg, with no path back to Complete.
func TestSwapDegradedCompletion(t *testing.T) {
	h := newSwapHarness(t, true)

	h.registerAll()
	h.signRefunds()
	h.signFunding()
	h.registerOutputs()
	h.confirmLegs()
	h.releaseHashSecrets()

	h.expectPhase(AwaitingUserKeySecrets)

	h.barrier()
	h.clock.Advance(testPhaseTimeout + time.Second)

	h.expectPhase(DegradedCompletion)
	for _, leg := range h.coord.Session().Legs {
		require.Equal(t, LegDegraded, leg.State)
	}

	// No maker secrets went out, and a late key release cannot pull
	// the session back to Complete.
	for _, u := range h.users {
		for _, plan := range u.plans {
			h.expectNoMsg(plan.ID)
		}
	}

	require.Equal(t, DegradedCompletion, h.coord.Session().Phase())
}

// TestSwapProposalTampering verifies the agent rejects a proposal whose
// contract does not match its parameters.
func TestSwapProposalTampering(t *testing.T) {
	h := newSwapHarness(t, false)

	h.registerAll()

	alice := h.users[0]
	msg := h.nextMsg(alice.oldID)
	prop, ok := msg.(*RefundContractProposal)
	require.True(t, ok, "got %s", msg.Type())

	// Swap in a contract with a different hash commitment.
	otherHash := chainhash.HashH([]byte("other"))
	badContract, err := contract.BuildFundingContract(
		prop.Params.KeyPathKeys, prop.Params.RefundPathKeys,
		prop.Params.HashPathKeys, &otherHash, prop.Params.Amount,
		prop.Params.RefundTimelock,
	)
	require.NoError(t, err)

	tampered := *prop
	tampered.Contract = badContract

	_, err = alice.agent.VerifyAndSignRefund(&tampered)
	require.ErrorIs(t, err, ErrContractMismatch)
}
