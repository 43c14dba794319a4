// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package contract

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// OutputDescriptor is the spendable encoding of a contract: the witness
// script realizing its spend paths, the v0 witness program committing to
// that script and the amount the output confines.
type OutputDescriptor struct {
	ContractID chainhash.Hash
	Script     []byte
	Program    [sha256.Size]byte
	Amount     btcutil.Amount
}

// Encode turns a contract into an output descriptor.  The encoding is
// deterministic, so independent parties derive identical scripts from
// identical contracts.
func Encode(c *Contract) (*OutputDescriptor, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}

	script, err := encodeScript(c)
	if err != nil {
		return nil, err
	}

	return &OutputDescriptor{
		ContractID: c.ID,
		Script:     script,
		Program:    sha256.Sum256(script),
		Amount:     c.FundingAmount,
	}, nil
}

// encodeScript builds the witness script for the contract.  The layout
// mirrors a thresh(1, ...) policy: the outer branch selects the
// cooperative multisig, the inner branch selects between the
// preimage-gated multisig and the CSV-guarded refund multisig.
//
//	OP_IF
//	    <n> <keypath keys> <n> OP_CHECKMULTISIG
//	OP_ELSE
//	    OP_IF
//	        OP_SIZE 32 OP_EQUALVERIFY
//	        OP_SHA256 <hash> OP_EQUALVERIFY
//	        <n> <hashpath keys> <n> OP_CHECKMULTISIG
//	    OP_ELSE
//	        <timelock> OP_CHECKSEQUENCEVERIFY OP_DROP
//	        <n> <refundpath keys> <n> OP_CHECKMULTISIG
//	    OP_ENDIF
//	OP_ENDIF
//
// Absent optional paths collapse their branch to OP_RETURN so that the
// branch can never be satisfied.
func encodeScript(c *Contract) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	addMultisig(builder, c.Path(KeyPath))

	builder.AddOp(txscript.OP_ELSE)

	hashPath := c.Path(HashPath)
	refundPath := c.Path(RefundPath)

	switch {
	case hashPath != nil && refundPath != nil:
		builder.AddOp(txscript.OP_IF)
		addHashGuard(builder, hashPath)
		addMultisig(builder, hashPath)
		builder.AddOp(txscript.OP_ELSE)
		addTimelockGuard(builder, refundPath)
		addMultisig(builder, refundPath)
		builder.AddOp(txscript.OP_ENDIF)

	case hashPath != nil:
		addHashGuard(builder, hashPath)
		addMultisig(builder, hashPath)

	case refundPath != nil:
		addTimelockGuard(builder, refundPath)
		addMultisig(builder, refundPath)

	default:
		builder.AddOp(txscript.OP_RETURN)
	}

	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, newError(ErrScriptEncoding, err.Error())
	}
	return script, nil
}

// addMultisig appends an n-of-n CHECKMULTISIG fragment for the path's
// keys.  Every participant of a path must sign; partial thresholds are
// not part of the protocol.
func addMultisig(builder *txscript.ScriptBuilder, p *SpendPath) {
	n := int64(len(p.Keys))
	builder.AddInt64(n)
	for _, key := range p.Keys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(n)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
}

// addHashGuard appends the preimage check for a hash path.
func addHashGuard(builder *txscript.ScriptBuilder, p *SpendPath) {
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(p.Hash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
}

// addTimelockGuard appends the relative timelock check for a refund path.
func addTimelockGuard(builder *txscript.ScriptBuilder, p *SpendPath) {
	builder.AddInt64(int64(p.Timelock))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
}
