// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/exchange"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Handle identifies a participant identity.  It aliases the exchange
// package's handle so secrets and messages share one identity namespace.
type Handle = exchange.Handle

// Message is a protocol message exchanged between maker and users.  The
// transport carrying messages is external; the protocol only defines the
// payloads.
type Message interface {
	// Type returns the wire name of the message.
	Type() string
}

// Inbound is a message paired with its sender, as delivered to the
// coordinator's merged inbound stream.
type Inbound struct {
	From Handle
	Msg  Message
}

// RegisterInput registers a user's input under its OLD identity: one
// public key per funding contract path, the input being pooled, the
// refund key and the blinded certificate token for the later identity
// rotation.
type RegisterInput struct {
	// KeyPathKey signs the funding contract's cooperative path.
	KeyPathKey *btcec.PublicKey

	// RefundPathKey signs the timelocked refund path.
	RefundPathKey *btcec.PublicKey

	// HashPathKey signs the preimage-gated path.
	HashPathKey *btcec.PublicKey

	// UTXO is the input this user contributes to the pool.
	UTXO UTXORef

	// RefundPubKey receives this user's coins in the refund
	// transaction.
	RefundPubKey *btcec.PublicKey

	// Tokens are the blinded one-time tokens the maker certifies, one
	// per NEW identity this user will register after the rotation.
	Tokens []registrar.Token
}

func (*RegisterInput) Type() string { return "register_input" }

// BlindCertificate delivers the maker-signed certificates for a
// registration's tokens, in token order.
type BlindCertificate struct {
	Certs []*registrar.Certificate
}

func (*BlindCertificate) Type() string { return "blind_certificate" }

// FundingParams is the complete set of shared public parameters from
// which every participant independently rebuilds the funding contract.
// The ordering of the key slices is part of the parameters.
type FundingParams struct {
	KeyPathKeys    []*btcec.PublicKey
	RefundPathKeys []*btcec.PublicKey
	HashPathKeys   []*btcec.PublicKey
	Hash           chainhash.Hash
	Amount         btcutil.Amount
	RefundTimelock uint16

	// FundingFee and RefundFee are the advertised fees, needed by the
	// users to verify the refund amounts.
	FundingFee btcutil.Amount
	RefundFee  btcutil.Amount
}

// RefundContractProposal carries the funding contract and the unsigned
// funding and refund transactions, together with the parameters to
// rebuild and verify all three.
type RefundContractProposal struct {
	Params    FundingParams
	Contract  *contract.Contract
	FundingTx *Tx
	RefundTx  *Tx
}

func (*RefundContractProposal) Type() string { return "refund_proposal" }

// RefundSignature is a user's partial signature on the refund
// transaction.
type RefundSignature struct {
	Sig *PartialSig
}

func (*RefundSignature) Type() string { return "refund_signature" }

// RefundFinalized releases the fully signed refund transaction to the
// users.  Only after receiving it is it safe for a user to sign funding.
type RefundFinalized struct {
	RefundTx *Tx
}

func (*RefundFinalized) Type() string { return "refund_finalized" }

// FundingSignature is a user's partial signature on the funding
// transaction.
type FundingSignature struct {
	Sig *PartialSig
}

func (*FundingSignature) Type() string { return "funding_signature" }

// FundingFinalized announces the fully signed funding transaction.
type FundingFinalized struct {
	FundingTx *Tx
}

func (*FundingFinalized) Type() string { return "funding_finalized" }

// RegisterOutput registers a rotated NEW identity for one distribution
// leg, proving prior participation with a redeemed certificate.
type RegisterOutput struct {
	// KeyPathKey signs the distribution contract's cooperative path.
	KeyPathKey *btcec.PublicKey

	// HashPathKey signs the distribution contract's hash path.
	HashPathKey *btcec.PublicKey

	// Cert proves a valid input set was registered in this session,
	// without revealing which.
	Cert *registrar.Certificate

	// Amount is the distribution value requested for this identity.
	Amount btcutil.Amount
}

func (*RegisterOutput) Type() string { return "register_output" }

// DistributionParams is the shared parameter set for rebuilding one
// distribution contract.
type DistributionParams struct {
	UserKey        *btcec.PublicKey
	MakerKey       *btcec.PublicKey
	UserHashKey    *btcec.PublicKey
	MakerRefundKey *btcec.PublicKey
	Hash           chainhash.Hash
	Amount         btcutil.Amount
	Timelock       uint16
}

// DistributionContract delivers one distribution contract and its
// maker-funded transaction to a NEW identity.
type DistributionContract struct {
	Params   DistributionParams
	Contract *contract.Contract
	Tx       *Tx
}

func (*DistributionContract) Type() string { return "distribution_contract" }

// ReleaseSecret submits one secret for a simultaneous-release round,
// tagged with the identity generation it is sent under.
type ReleaseSecret struct {
	Round      exchange.RoundTag
	Secret     *exchange.Secret
	Generation exchange.Generation
}

func (*ReleaseSecret) Type() string { return "release_secret" }

// SecretRequest asks a participant to submit its secret for a round.
// Sent when a round opens and at most once more as a re-request before
// the round deadline.
type SecretRequest struct {
	Round exchange.RoundTag
}

func (*SecretRequest) Type() string { return "secret_request" }

// MakerSecrets releases the maker's key path secret for one distribution
// contract, plus the session preimage, to a NEW identity.
type MakerSecrets struct {
	// KeyPathKey is the maker's private key for the distribution
	// contract's cooperative path.
	KeyPathKey *btcec.PrivateKey

	// Preimage is the session preimage.
	Preimage [32]byte
}

func (*MakerSecrets) Type() string { return "maker_secrets" }
