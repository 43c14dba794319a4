// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package contract implements the immutable multi-path spending contract
// model used by both sides of a swap.  Contracts are pure data: both the
// maker and every user independently rebuild the same contract from shared
// public parameters and compare the results bit for bit before signing
// anything that spends into or out of it.
package contract

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PathKind identifies one of the alternative spending conditions a contract
// output can carry.
type PathKind uint8

const (
	// KeyPath is the cooperative multisignature path.  Spending through
	// it is indistinguishable from any other multisig spend, which is
	// what preserves privacy on successful swaps.
	KeyPath PathKind = iota

	// HashPath gates a multisig behind a sha256 preimage reveal.
	// Spending through it publishes the preimage on-chain, linking every
	// contract sharing the same commitment.
	HashPath

	// RefundPath is the unilateral recovery path, valid only after a
	// relative timelock.
	RefundPath
)

// String returns a human readable identifier for the path kind.
func (k PathKind) String() string {
	switch k {
	case KeyPath:
		return "keypath"
	case HashPath:
		return "hashpath"
	case RefundPath:
		return "refundpath"
	default:
		return "unknown"
	}
}

// SpendPath is a single spending condition.  The fields which are relevant
// depend on Kind: Hash is set only for HashPath and Timelock only for
// RefundPath.
type SpendPath struct {
	// Kind is the type of spending condition.
	Kind PathKind

	// Keys is the ordered set of public keys that must all sign to
	// spend through this path.  Order matters: it is part of the
	// canonical serialization and therefore of the contract identity.
	Keys []*btcec.PublicKey

	// Hash is the sha256 commitment whose preimage must be revealed to
	// spend through a HashPath.
	Hash *chainhash.Hash

	// Timelock is the relative timelock, in blocks, after which a
	// RefundPath becomes valid.
	Timelock uint16
}

// Contract is an immutable description of a multi-path spending contract
// and the amount confined in it.  The ID is derived from the canonical
// serialization of the paths and amount, so two parties building from the
// same public parameters always derive the same ID.
type Contract struct {
	// ID uniquely identifies the contract.  Transactions reference
	// contracts by ID rather than by pointer.
	ID chainhash.Hash

	// Paths holds the alternative spending conditions.  There is always
	// exactly one KeyPath and at most one HashPath and one RefundPath.
	Paths []SpendPath

	// FundingAmount is the value confined in the contract output.
	FundingAmount btcutil.Amount
}

// Path returns the spend path of the given kind, or nil if the contract
// does not carry one.
func (c *Contract) Path(kind PathKind) *SpendPath {
	for i := range c.Paths {
		if c.Paths[i].Kind == kind {
			return &c.Paths[i]
		}
	}
	return nil
}

// New assembles a contract from an explicit path set, validates it and
// derives its canonical ID.  It is primarily used when reconstructing a
// contract received over the wire; the Build* helpers are the ordinary
// entry points.
func New(paths []SpendPath, amount btcutil.Amount) (*Contract, error) {
	c := &Contract{
		ID:            computeID(paths, amount),
		Paths:         paths,
		FundingAmount: amount,
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// BuildFundingContract builds the contract that confines the pooled user
// coins.  keyKeys sign the cooperative path, refundKeys sign the
// timelocked recovery path, and hashKeys sign the preimage-gated path
// bound to the shared commitment.  Every user contributes one key per
// path, plus one maker key per path.
//
// The construction is deterministic: given identical inputs, independent
// callers obtain bit-identical contracts.
func BuildFundingContract(keyKeys, refundKeys,
	hashKeys []*btcec.PublicKey, hash *chainhash.Hash,
	amount btcutil.Amount, refundTimelock uint16) (*Contract, error) {

	if len(keyKeys) < 2 {
		return nil, newError(ErrInvalidParticipantSet,
			"funding contract requires at least 2 key path signers")
	}
	if hash == nil {
		return nil, newError(ErrMissingHash,
			"funding contract requires a hash commitment")
	}

	paths := []SpendPath{
		{Kind: KeyPath, Keys: copyKeys(keyKeys)},
		{
			Kind:     RefundPath,
			Keys:     copyKeys(refundKeys),
			Timelock: refundTimelock,
		},
		{Kind: HashPath, Keys: copyKeys(hashKeys), Hash: copyHash(hash)},
	}

	return New(paths, amount)
}

// BuildDistributionContract builds one maker-to-user contract.  The key
// path is a 2-of-2 between the user's fresh key and a maker key, the hash
// path is gated on the session-wide commitment and signed by the user
// alone, and the refund path returns the coins to the maker after the
// relative timelock.
func BuildDistributionContract(userKey, makerKey, userHashKey,
	makerRefundKey *btcec.PublicKey, hash *chainhash.Hash,
	amount btcutil.Amount, timelock uint16) (*Contract, error) {

	if userKey == nil || makerKey == nil {
		return nil, newError(ErrInvalidParticipantSet,
			"distribution contract requires a user and a maker key")
	}
	if hash == nil {
		return nil, newError(ErrMissingHash,
			"distribution contract requires a hash commitment")
	}

	paths := []SpendPath{
		{
			Kind: KeyPath,
			Keys: []*btcec.PublicKey{userKey, makerKey},
		},
		{
			Kind:     RefundPath,
			Keys:     []*btcec.PublicKey{makerRefundKey},
			Timelock: timelock,
		},
		{
			Kind: HashPath,
			Keys: []*btcec.PublicKey{userHashKey},
			Hash: copyHash(hash),
		},
	}

	return New(paths, amount)
}

// Validate checks the structural invariants of a contract: exactly one
// key path, at most one hash path and one refund path, strictly positive
// timelocks, non-empty key sets, a commitment on every hash path and a
// positive confined amount.
func Validate(c *Contract) error {
	if c.FundingAmount <= 0 {
		return newError(ErrBadAmount,
			"contract amount must be strictly positive")
	}

	var counts [3]int
	for i := range c.Paths {
		p := &c.Paths[i]
		if p.Kind > RefundPath {
			return newError(ErrUnknownPathKind,
				"unknown spend path kind")
		}
		counts[p.Kind]++

		if len(p.Keys) == 0 {
			return newError(ErrEmptyPathKeys,
				p.Kind.String()+" has no participant keys")
		}
		for _, key := range p.Keys {
			if key == nil {
				return newError(ErrEmptyPathKeys,
					p.Kind.String()+" has a nil key")
			}
		}

		switch p.Kind {
		case HashPath:
			if p.Hash == nil {
				return newError(ErrMissingHash,
					"hash path has no commitment")
			}

		case RefundPath:
			if p.Timelock == 0 {
				return newError(ErrZeroTimelock,
					"refund path timelock must be "+
						"strictly positive")
			}
		}
	}

	if counts[KeyPath] != 1 {
		return newError(ErrMissingKeyPath,
			"contract must have exactly one key path")
	}
	if counts[HashPath] > 1 || counts[RefundPath] > 1 {
		return newError(ErrDuplicatePath,
			"contract may carry at most one hash path and one "+
				"refund path")
	}

	return nil
}

// computeID derives the canonical contract identifier by hashing the
// serialized paths and amount.  The serialization is unambiguous: every
// variable-length field is length-prefixed.
func computeID(paths []SpendPath, amount btcutil.Amount) chainhash.Hash {
	var buf bytes.Buffer

	writeUint16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}

	writeUint16(uint16(len(paths)))
	for i := range paths {
		p := &paths[i]
		buf.WriteByte(byte(p.Kind))

		writeUint16(uint16(len(p.Keys)))
		for _, key := range p.Keys {
			buf.Write(key.SerializeCompressed())
		}

		if p.Hash != nil {
			buf.WriteByte(1)
			buf.Write(p.Hash[:])
		} else {
			buf.WriteByte(0)
		}

		writeUint16(p.Timelock)
	}

	var amt [8]byte
	binary.LittleEndian.PutUint64(amt[:], uint64(amount))
	buf.Write(amt[:])

	return chainhash.HashH(buf.Bytes())
}

func copyKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(keys))
	copy(out, keys)
	return out
}

func copyHash(h *chainhash.Hash) *chainhash.Hash {
	cp := *h
	return &cp
}
