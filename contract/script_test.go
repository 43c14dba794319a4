// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package contract

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// TestEncodeDeterministic checks that encoding the same contract twice
// yields byte-identical scripts and programs.
func TestEncodeDeterministic(t *testing.T) {
	require := require.New(t)

	c, err := BuildFundingContract(
		testKeys(t, 3), testKeys(t, 3), testKeys(t, 3), testHash(),
		btcutil.SatoshiPerBitcoin, 48,
	)
	require.NoError(err)

	first, err := Encode(c)
	require.NoError(err)
	second, err := Encode(c)
	require.NoError(err)

	require.True(bytes.Equal(first.Script, second.Script))
	require.Equal(first.Program, second.Program)
	require.Equal(c.ID, first.ContractID)
	require.Equal(c.FundingAmount, first.Amount)
	require.Equal(sha256.Sum256(first.Script), first.Program)
}

// TestEncodeScriptOpcodes checks that all three spend conditions are
// realized in the witness script.
func TestEncodeScriptOpcodes(t *testing.T) {
	require := require.New(t)

	c, err := BuildDistributionContract(
		testKeys(t, 1)[0], testKeys(t, 1)[0], testKeys(t, 1)[0],
		testKeys(t, 1)[0], testHash(), 45000, 69,
	)
	require.NoError(err)

	desc, err := Encode(c)
	require.NoError(err)

	counts := make(map[byte]int)
	tokenizer := txscript.MakeScriptTokenizer(0, desc.Script)
	for tokenizer.Next() {
		counts[tokenizer.Opcode()]++
	}
	require.NoError(tokenizer.Err())

	// One multisig per spend path.
	require.Equal(3, counts[txscript.OP_CHECKMULTISIG])
	require.Equal(1, counts[txscript.OP_SHA256])
	require.Equal(1, counts[txscript.OP_CHECKSEQUENCEVERIFY])
}

// TestEncodeKeyPathOnly checks a contract without optional paths still
// encodes, with an unspendable alternate branch.
func TestEncodeKeyPathOnly(t *testing.T) {
	require := require.New(t)

	c, err := New(
		[]SpendPath{{Kind: KeyPath, Keys: testKeys(t, 2)}}, 1000,
	)
	require.NoError(err)

	desc, err := Encode(c)
	require.NoError(err)

	tokenizer := txscript.MakeScriptTokenizer(0, desc.Script)
	sawReturn := false
	for tokenizer.Next() {
		if tokenizer.Opcode() == txscript.OP_RETURN {
			sawReturn = true
		}
	}
	require.NoError(tokenizer.Err())
	require.True(sawReturn)
}

// TestEncodeInvalidContract ensures malformed contracts are rejected
// before any script is produced.
func TestEncodeInvalidContract(t *testing.T) {
	c := &Contract{FundingAmount: 1000}
	_, err := Encode(c)
	require.Error(t, err)
	require.True(t, IsError(err, ErrMissingKeyPath))
}
