// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Broadcaster is the external collaborator that submits finalized
// transactions to the network and reports confirmations.  The protocol
// itself never talks to a chain.
type Broadcaster interface {
	// Submit hands a finalized transaction to the network and returns
	// its id.
	Submit(tx *Tx) (chainhash.Hash, error)

	// Confirmations returns the number of confirmations the given
	// transaction has accumulated.
	Confirmations(txid chainhash.Hash) (int32, error)
}

// ScriptEngine encodes contracts into spendable output descriptors.  The
// default engine lives in the contract package; tests and alternative
// script policies can substitute their own.
type ScriptEngine interface {
	Encode(c *contract.Contract) (*contract.OutputDescriptor, error)
}

// SignatureBackend produces and combines partial signatures.  The
// protocol treats signatures as opaque: it only needs partial signing,
// deterministic verification and a combine step that fails below
// threshold.
type SignatureBackend interface {
	// PartialSign signs the transaction's digest for the given spend
	// path with the given key.
	PartialSign(tx *Tx, path contract.PathKind,
		key *btcec.PrivateKey) (*PartialSig, error)

	// VerifySig checks a partial signature against the transaction
	// digest and its claimed signer.
	VerifySig(tx *Tx, sig *PartialSig) bool

	// Combine assembles the bag into a final signature in the path's
	// key order.  It fails with ErrInsufficientSignatures when any path
	// key has no valid signature in the bag.
	Combine(tx *Tx, path *contract.SpendPath) (*FinalSig, error)
}

// defaultScriptEngine adapts the contract package's encoder to the
// ScriptEngine interface.
type defaultScriptEngine struct{}

// NewScriptEngine returns the default witness script engine.
func NewScriptEngine() ScriptEngine {
	return defaultScriptEngine{}
}

func (defaultScriptEngine) Encode(
	c *contract.Contract) (*contract.OutputDescriptor, error) {

	return contract.Encode(c)
}

// ECDSABackend is the default SignatureBackend, signing transaction
// digests with plain compact ECDSA.
type ECDSABackend struct{}

// NewECDSABackend returns the default signature backend.
func NewECDSABackend() *ECDSABackend {
	return &ECDSABackend{}
}

// PartialSign signs the path digest of the transaction.
func (*ECDSABackend) PartialSign(tx *Tx, path contract.PathKind,
	key *btcec.PrivateKey) (*PartialSig, error) {

	digest := tx.SigHash(path)
	sig := ecdsa.Sign(key, digest[:])

	return &PartialSig{
		SignerKey: key.PubKey(),
		Path:      path,
		SigBytes:  sig.Serialize(),
	}, nil
}

// VerifySig checks the partial signature against the transaction digest.
func (*ECDSABackend) VerifySig(tx *Tx, sig *PartialSig) bool {
	if sig == nil || sig.SignerKey == nil {
		return false
	}

	parsed, err := ecdsa.ParseDERSignature(sig.SigBytes)
	if err != nil {
		return false
	}

	digest := tx.SigHash(sig.Path)
	return parsed.Verify(digest[:], sig.SignerKey)
}

// Combine collects one valid signature per path key, in path key order.
func (b *ECDSABackend) Combine(tx *Tx,
	path *contract.SpendPath) (*FinalSig, error) {

	final := &FinalSig{Path: path.Kind}
	for _, key := range path.Keys {
		sig, ok := tx.Sig(key)
		if !ok || sig.Path != path.Kind || !b.VerifySig(tx, sig) {
			return nil, ErrInsufficientSignatures
		}
		final.Sigs = append(final.Sigs, sig.SigBytes)
	}
	return final, nil
}
