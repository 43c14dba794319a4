// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// UTXORef is an opaque reference to a participant-supplied unspent
// output.  It is never mutated after registration.
type UTXORef struct {
	// OutPoint is the transaction output being spent.
	OutPoint wire.OutPoint

	// Amount is the value of the referenced output.
	Amount btcutil.Amount

	// OwnerPubKey is the key that must sign to spend the output.
	OwnerPubKey *btcec.PublicKey
}

// Valid performs the structural checks applied at registration: a
// non-zero source transaction, a positive amount and an owner key.
// Chain-state validity is the broadcaster's concern, not ours.
func (u *UTXORef) Valid() bool {
	return u.OutPoint.Hash != (chainhash.Hash{}) &&
		u.Amount > 0 &&
		u.OwnerPubKey != nil
}

// TxKind distinguishes the three transaction roles in a session.
type TxKind uint8

const (
	// FundingKind confines the pooled user coins into the funding
	// contract.
	FundingKind TxKind = iota

	// RefundKind returns the pooled coins to their owners through the
	// timelocked path.
	RefundKind

	// DistributionKind pays a maker-funded distribution contract to one
	// rotated identity.
	DistributionKind
)

// String returns a human readable identifier for the transaction kind.
func (k TxKind) String() string {
	switch k {
	case FundingKind:
		return "funding"
	case RefundKind:
		return "refund"
	case DistributionKind:
		return "distribution"
	default:
		return "unknown"
	}
}

// Output is one transaction output: either a contract output referencing
// the session arena by id, or a plain script output.  Exactly one of
// ContractID and PkScript is set.
type Output struct {
	// ContractID references a contract held in the session arena.
	// Transactions hold the id rather than the contract itself so that
	// the contract/transaction reference cycle is broken at the arena.
	ContractID *chainhash.Hash

	// PkScript is the output script of a plain (non-contract) output.
	PkScript []byte

	// Amount is the output value.
	Amount btcutil.Amount
}

// PartialSig is a single signer's contribution to a transaction's
// signature bag.
type PartialSig struct {
	// SignerKey identifies the signer.
	SignerKey *btcec.PublicKey

	// Path is the spend path the signature commits to.
	Path contract.PathKind

	// SigBytes is the serialized signature.
	SigBytes []byte
}

// FinalSig is a combined signature covering a spend path, with the
// individual signatures ordered to match the path's key order.
type FinalSig struct {
	Path contract.PathKind
	Sigs [][]byte
}

// Tx is a swap transaction under construction.  Inputs and outputs are
// fixed at creation; the only permitted mutation is merging partial
// signatures, which is commutative and idempotent.  Once signature
// coverage satisfies the spend path the transaction is finalized and
// frozen.
type Tx struct {
	// Kind is the transaction role.
	Kind TxKind

	// Inputs is the ordered input sequence.
	Inputs []UTXORef

	// Outputs is the ordered output sequence.
	Outputs []Output

	mu        sync.Mutex
	sigs      map[[33]byte]*PartialSig
	finalized bool
}

// NewTx creates a transaction skeleton with an empty signature bag.
func NewTx(kind TxKind, inputs []UTXORef, outputs []Output) *Tx {
	return &Tx{
		Kind:    kind,
		Inputs:  inputs,
		Outputs: outputs,
		sigs:    make(map[[33]byte]*PartialSig),
	}
}

// TxID returns the transaction identifier: the hash of the canonical
// serialization of kind, inputs and outputs.  Signatures are not part of
// the identity, so the id is stable across signing.
func (t *Tx) TxID() chainhash.Hash {
	var buf bytes.Buffer

	buf.WriteByte(byte(t.Kind))

	writeUint16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	writeUint64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	writeUint16(uint16(len(t.Inputs)))
	for i := range t.Inputs {
		in := &t.Inputs[i]
		buf.Write(in.OutPoint.Hash[:])
		var vout [4]byte
		binary.LittleEndian.PutUint32(vout[:], in.OutPoint.Index)
		buf.Write(vout[:])
		writeUint64(uint64(in.Amount))
		if in.OwnerPubKey != nil {
			buf.Write(in.OwnerPubKey.SerializeCompressed())
		}
	}

	writeUint16(uint16(len(t.Outputs)))
	for i := range t.Outputs {
		out := &t.Outputs[i]
		if out.ContractID != nil {
			buf.WriteByte(1)
			buf.Write(out.ContractID[:])
		} else {
			buf.WriteByte(0)
			writeUint16(uint16(len(out.PkScript)))
			buf.Write(out.PkScript)
		}
		writeUint64(uint64(out.Amount))
	}

	return chainhash.HashH(buf.Bytes())
}

// SigHash returns the digest a partial signature for the given spend
// path commits to.
func (t *Tx) SigHash(path contract.PathKind) chainhash.Hash {
	txid := t.TxID()
	return chainhash.HashH(append(txid[:], byte(path)))
}

// MergeSig merges one partial signature into the bag.  Merging is
// commutative and idempotent: the same signer's identical signature is a
// no-op, while a conflicting signature from the same signer is rejected.
// A finalized transaction accepts no further signatures.
func (t *Tx) MergeSig(sig *PartialSig) error {
	if sig == nil || sig.SignerKey == nil {
		return ErrConflictingSignature
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return ErrTxFinalized
	}

	var key [33]byte
	copy(key[:], sig.SignerKey.SerializeCompressed())

	if existing, ok := t.sigs[key]; ok {
		if existing.Path == sig.Path &&
			bytes.Equal(existing.SigBytes, sig.SigBytes) {

			return nil
		}
		return ErrConflictingSignature
	}

	t.sigs[key] = sig

	return nil
}

// Sig returns the partial signature contributed by the given signer, if
// any.
func (t *Tx) Sig(signer *btcec.PublicKey) (*PartialSig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var key [33]byte
	copy(key[:], signer.SerializeCompressed())
	sig, ok := t.sigs[key]
	return sig, ok
}

// NumSigs returns the number of distinct signers in the bag.
func (t *Tx) NumSigs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sigs)
}

// Covered reports whether every one of the given keys has contributed a
// signature.
func (t *Tx) Covered(keys []*btcec.PublicKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pub := range keys {
		var key [33]byte
		copy(key[:], pub.SerializeCompressed())
		if _, ok := t.sigs[key]; !ok {
			return false
		}
	}
	return true
}

// Finalize freezes the transaction once its signature bag covers all of
// the given spend path keys.  Further merges are rejected.  Finalizing
// an already finalized transaction is a no-op.
func (t *Tx) Finalize(keys []*btcec.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return nil
	}

	for _, pub := range keys {
		var key [33]byte
		copy(key[:], pub.SerializeCompressed())
		if _, ok := t.sigs[key]; !ok {
			return ErrInsufficientSignatures
		}
	}

	t.finalized = true

	return nil
}

// Finalized reports whether the transaction has been frozen.
func (t *Tx) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// Sigs returns a snapshot of the signature bag.  Used when serializing a
// transaction for transport.
func (t *Tx) Sigs() []*PartialSig {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PartialSig, 0, len(t.sigs))
	for _, sig := range t.sigs {
		out = append(out, sig)
	}
	return out
}

// RestoreTx rebuilds a transaction received over the wire, merging the
// carried signatures and restoring the finalized flag.  An empty bag
// cannot be marked final; whether the carried signatures actually cover
// the spend path is the receiver's check, since only the receiver knows
// the required key set.
func RestoreTx(kind TxKind, inputs []UTXORef, outputs []Output,
	sigs []*PartialSig, finalized bool) (*Tx, error) {

	if finalized && len(sigs) == 0 {
		return nil, ErrInsufficientSignatures
	}

	t := NewTx(kind, inputs, outputs)
	signers := make([]*btcec.PublicKey, 0, len(sigs))
	for _, sig := range sigs {
		if err := t.MergeSig(sig); err != nil {
			return nil, err
		}
		signers = append(signers, sig.SignerKey)
	}

	if finalized {
		if err := t.Finalize(signers); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// PayToPubKeyScript builds the script paying a refund output directly to
// a public key.
func PayToPubKeyScript(pub *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(pub.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}
