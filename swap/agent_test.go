// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func testAgent(t *testing.T) (*ParticipantAgent, *registrar.Registrar) {
	t.Helper()

	reg, err := registrar.New()
	require.NoError(t, err)

	utxo, utxoKey := testUTXO(t, 100_000)
	refundKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	agent, err := NewAgent(AgentConfig{
		OldID:     "user",
		UTXO:      utxo,
		UTXOKey:   utxoKey,
		RefundKey: refundKey,
		Outputs: []OutputPlan{
			{ID: "out-1", Amount: 40_000},
			{ID: "out-2", Amount: 50_000},
		},
		RegistrarKey: reg.PubKey(),
		Clock:        timeout.NewMockClock(time.Unix(1700000000, 0)),
	})
	require.NoError(t, err)
	t.Cleanup(agent.Stop)

	return agent, reg
}

// TestNewAgentValidation exercises the constructor's input checks.
func TestNewAgentValidation(t *testing.T) {
	t.Parallel()

	utxo, utxoKey := testUTXO(t, 100_000)
	refundKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	strangerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	base := AgentConfig{
		OldID:        "user",
		UTXO:         utxo,
		UTXOKey:      utxoKey,
		RefundKey:    refundKey,
		Outputs:      []OutputPlan{{ID: "out", Amount: 50_000}},
		RegistrarKey: refundKey.PubKey(),
	}

	// The spending key must match the input's owner.
	cfg := base
	cfg.UTXOKey = strangerKey
	_, err = NewAgent(cfg)
	require.ErrorIs(t, err, ErrInvalidUTXO)

	// At least one planned output.
	cfg = base
	cfg.Outputs = nil
	_, err = NewAgent(cfg)
	require.ErrorIs(t, err, ErrInvalidUTXO)

	// A zero-value input reference is rejected.
	cfg = base
	cfg.UTXO = UTXORef{}
	_, err = NewAgent(cfg)
	require.ErrorIs(t, err, ErrInvalidUTXO)
}

// TestAgentCertificateValidation verifies certificates are checked
// against the registrar key and the submitted tokens.
func TestAgentCertificateValidation(t *testing.T) {
	t.Parallel()

	agent, reg := testAgent(t)

	sub, err := agent.SubmitRegistration()
	require.NoError(t, err)
	require.Len(t, sub.Tokens, 2)

	certs := make([]*registrar.Certificate, 0, len(sub.Tokens))
	for _, token := range sub.Tokens {
		cert, err := reg.Register(token)
		require.NoError(t, err)
		certs = append(certs, cert)
	}

	// Wrong count.
	err = agent.HandleCertificates(&BlindCertificate{
		Certs: certs[:1],
	})
	require.ErrorIs(t, err, registrar.ErrCertificateInvalid)

	// Certificates out of token order.
	err = agent.HandleCertificates(&BlindCertificate{
		Certs: []*registrar.Certificate{certs[1], certs[0]},
	})
	require.ErrorIs(t, err, registrar.ErrCertificateInvalid)

	// A certificate signed by someone else.
	forger, err := registrar.New()
	require.NoError(t, err)
	forged, err := forger.Register(sub.Tokens[0])
	require.NoError(t, err)
	err = agent.HandleCertificates(&BlindCertificate{
		Certs: []*registrar.Certificate{forged, certs[1]},
	})
	require.ErrorIs(t, err, registrar.ErrCertificateInvalid)

	// The genuine set passes.
	err = agent.HandleCertificates(&BlindCertificate{Certs: certs})
	require.NoError(t, err)
}

// TestAgentReleaseOrdering verifies the one-way release discipline: hash
// path before key path, each at most once, and nothing before the
// distribution legs verified.
func TestAgentReleaseOrdering(t *testing.T) {
	t.Parallel()

	agent, _ := testAgent(t)

	// Nothing verified yet.
	_, err := agent.ReleaseHashPathSecret()
	require.ErrorIs(t, err, ErrOrderingViolation)

	_, err = agent.ReleaseKeyPathSecret()
	require.ErrorIs(t, err, ErrOrderingViolation)

	// Mark every leg verified.
	makerKeys := make([]*btcec.PrivateKey, len(agent.legs))
	for i, leg := range agent.legs {
		makerKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		makerKeys[i] = makerKey

		hash := chainhash.HashH([]byte("commitment"))
		dc, err := contract.BuildDistributionContract(
			leg.keyPath.PubKey(), makerKey.PubKey(),
			leg.hashPath.PubKey(), makerKey.PubKey(),
			&hash, leg.plan.Amount, 69,
		)
		require.NoError(t, err)
		leg.contract = dc
	}

	release, err := agent.ReleaseHashPathSecret()
	require.NoError(t, err)
	require.Equal(t, HashPathRound, release.Round)
	require.True(t, release.Secret.Key.PubKey().IsEqual(
		agent.hashPath.PubKey(),
	))

	_, err = agent.ReleaseHashPathSecret()
	require.ErrorIs(t, err, ErrAlreadyReleased)

	// Key path release still blocked until the maker's secrets are in.
	_, err = agent.ReleaseKeyPathSecret()
	require.ErrorIs(t, err, ErrOrderingViolation)

	for i, leg := range agent.legs {
		leg.makerKey = makerKeys[i]
	}

	release, err = agent.ReleaseKeyPathSecret()
	require.NoError(t, err)
	require.Equal(t, MakerKeyRound, release.Round)

	_, err = agent.ReleaseKeyPathSecret()
	require.ErrorIs(t, err, ErrAlreadyReleased)
}

// TestAgentRefundFinalizedForgery verifies that a refund whose finalized
// flag is not backed by verifiable key path signatures is rejected, and
// that the funding signature stays withheld.
func TestAgentRefundFinalizedForgery(t *testing.T) {
	t.Parallel()

	agent, _ := testAgent(t)
	backend := NewECDSABackend()

	makerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	hash := chainhash.HashH([]byte("commitment"))
	keyKeys := []*btcec.PublicKey{
		agent.keyPath.PubKey(), makerKey.PubKey(),
	}
	refundKeys := []*btcec.PublicKey{
		agent.refundPath.PubKey(), makerKey.PubKey(),
	}
	hashKeys := []*btcec.PublicKey{
		agent.hashPath.PubKey(), makerKey.PubKey(),
	}
	fc, err := contract.BuildFundingContract(
		keyKeys, refundKeys, hashKeys, &hash, 100_000, 48,
	)
	require.NoError(t, err)
	agent.contract = fc
	agent.params.KeyPathKeys = keyKeys

	refund := NewTx(RefundKind, []UTXORef{agent.cfg.UTXO}, []Output{{
		PkScript: []byte{0x51},
		Amount:   99_000,
	}})
	agent.refundTx = refund
	agent.fundingTx = NewTx(FundingKind, []UTXORef{agent.cfg.UTXO}, nil)

	// An unsigned copy marked final is refused.
	forged := NewTx(RefundKind, refund.Inputs, refund.Outputs)
	require.NoError(t, forged.Finalize(nil))
	err = agent.HandleRefundFinalized(&RefundFinalized{RefundTx: forged})
	require.ErrorIs(t, err, ErrInsufficientSignatures)

	_, err = agent.SignFunding()
	require.ErrorIs(t, err, ErrOrderingViolation)

	// Signatures from keys outside the key path do not count either.
	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	badTx := NewTx(RefundKind, refund.Inputs, refund.Outputs)
	sig, err := backend.PartialSign(badTx, contract.KeyPath, stranger)
	require.NoError(t, err)
	require.NoError(t, badTx.MergeSig(sig))
	require.NoError(t, badTx.Finalize(
		[]*btcec.PublicKey{stranger.PubKey()},
	))
	err = agent.HandleRefundFinalized(&RefundFinalized{RefundTx: badTx})
	require.ErrorIs(t, err, ErrInsufficientSignatures)
	require.False(t, agent.refundFinal)

	// The genuinely covered refund is accepted and unlocks funding.
	good := NewTx(RefundKind, refund.Inputs, refund.Outputs)
	for _, key := range []*btcec.PrivateKey{agent.keyPath, makerKey} {
		sig, err := backend.PartialSign(good, contract.KeyPath, key)
		require.NoError(t, err)
		require.NoError(t, good.MergeSig(sig))
	}
	require.NoError(t, good.Finalize(keyKeys))
	require.NoError(t, agent.HandleRefundFinalized(
		&RefundFinalized{RefundTx: good},
	))

	_, err = agent.SignFunding()
	require.NoError(t, err)
}

// TestAgentMakerSecretsValidation verifies the preimage and key checks
// on the maker's release.
func TestAgentMakerSecretsValidation(t *testing.T) {
	t.Parallel()

	agent, _ := testAgent(t)

	var preimage [32]byte
	copy(preimage[:], []byte("the session preimage, 32 bytes ok"))
	hash := chainhash.Hash(sha256.Sum256(preimage[:]))
	agent.params.Hash = hash

	makerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	leg := agent.legs[0]
	dc, err := contract.BuildDistributionContract(
		leg.keyPath.PubKey(), makerKey.PubKey(),
		leg.hashPath.PubKey(), makerKey.PubKey(),
		&hash, leg.plan.Amount, 69,
	)
	require.NoError(t, err)
	leg.contract = dc
	leg.params = DistributionParams{MakerKey: makerKey.PubKey()}

	// Unknown identity.
	err = agent.HandleMakerSecrets("nobody", &MakerSecrets{
		KeyPathKey: makerKey, Preimage: preimage,
	})
	require.ErrorIs(t, err, ErrUnknownParticipant)

	// Wrong preimage.
	var bad [32]byte
	err = agent.HandleMakerSecrets("out-1", &MakerSecrets{
		KeyPathKey: makerKey, Preimage: bad,
	})
	require.ErrorIs(t, err, ErrBadPreimage)

	// Key not matching the leg's maker key.
	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	err = agent.HandleMakerSecrets("out-1", &MakerSecrets{
		KeyPathKey: stranger, Preimage: preimage,
	})
	require.ErrorIs(t, err, ErrKeyMismatch)

	// The genuine release passes.
	err = agent.HandleMakerSecrets("out-1", &MakerSecrets{
		KeyPathKey: makerKey, Preimage: preimage,
	})
	require.NoError(t, err)
	require.NotNil(t, leg.preimage)
}

// TestAgentAwaitDistributionTimeout verifies the delivery wait gives up
// at its armed deadline.
func TestAgentAwaitDistributionTimeout(t *testing.T) {
	t.Parallel()

	clock := timeout.NewMockClock(time.Unix(1700000000, 0))

	reg, err := registrar.New()
	require.NoError(t, err)
	utxo, utxoKey := testUTXO(t, 100_000)
	refundKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	agent, err := NewAgent(AgentConfig{
		OldID:        "user",
		UTXO:         utxo,
		UTXOKey:      utxoKey,
		RefundKey:    refundKey,
		Outputs:      []OutputPlan{{ID: "out", Amount: 50_000}},
		RegistrarKey: reg.PubKey(),
		Clock:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(agent.Stop)

	errC := make(chan error, 1)
	go func() {
		errC <- agent.AwaitDistribution(clock.Now().Add(time.Minute))
	}()

	// Let the waiter arm, then push past the deadline.
	time.Sleep(20 * time.Millisecond)
	clock.Advance(2 * time.Minute)

	select {
	case err := <-errC:
		require.ErrorIs(t, err, ErrDeliveryTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not time out")
	}
}

// TestAgentExcessiveFeeRejected verifies the proposal fee threshold.
func TestAgentExcessiveFeeRejected(t *testing.T) {
	t.Parallel()

	agent, _ := testAgent(t)

	_, err := agent.VerifyAndSignRefund(&RefundContractProposal{
		Params: FundingParams{
			KeyPathKeys:    make([]*btcec.PublicKey, 3),
			RefundPathKeys: make([]*btcec.PublicKey, 3),
			HashPathKeys:   make([]*btcec.PublicKey, 3),
			FundingFee:     MaxAcceptableFundingFee,
		},
	})
	require.ErrorIs(t, err, ErrExcessiveFee)
}
