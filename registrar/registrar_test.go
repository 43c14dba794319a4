// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registrar

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// TestRegisterRedeem checks that a certificate redeems successfully
// exactly once.
func TestRegisterRedeem(t *testing.T) {
	require := require.New(t)

	r, err := New()
	require.NoError(err)

	token, err := NewToken(chainhash.HashH([]byte("inputs")))
	require.NoError(err)

	cert, err := r.Register(token)
	require.NoError(err)
	require.True(cert.Verify(r.PubKey()))

	require.NoError(r.Redeem(cert, "new-id"))
	require.ErrorIs(r.Redeem(cert, "new-id"), ErrCertificateReused)
}

// TestRedeemUnissued ensures a forged certificate never redeems.
func TestRedeemUnissued(t *testing.T) {
	require := require.New(t)

	r, err := New()
	require.NoError(err)

	other, err := New()
	require.NoError(err)

	token, err := NewToken(chainhash.HashH([]byte("inputs")))
	require.NoError(err)

	// Signed by a different key entirely.
	cert, err := other.Register(token)
	require.NoError(err)
	require.ErrorIs(r.Redeem(cert, "x"), ErrCertificateInvalid)

	require.ErrorIs(r.Redeem(nil, "x"), ErrCertificateInvalid)

	// Tampering with the token invalidates the signature.
	cert, err = r.Register(token)
	require.NoError(err)
	cert.Token[0] ^= 0x01
	require.ErrorIs(r.Redeem(cert, "x"), ErrCertificateInvalid)
}

// TestTokenUnlinkability checks that the same commitment yields distinct
// tokens, so a token reveals nothing about the commitment it blinds.
func TestTokenUnlinkability(t *testing.T) {
	commitment := chainhash.HashH([]byte("same inputs"))

	first, err := NewToken(commitment)
	require.NoError(t, err)
	second, err := NewToken(commitment)
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

// TestConcurrentRedeem exercises the exactly-once guarantee under
// concurrent redemption of the same certificate, and checks that two
// register/redeem pairs succeed regardless of interleaving: nothing about
// redemption depends on issuance order.
func TestConcurrentRedeem(t *testing.T) {
	require := require.New(t)

	r, err := New()
	require.NoError(err)

	token, err := NewToken(chainhash.HashH([]byte("inputs")))
	require.NoError(err)
	cert, err := r.Register(token)
	require.NoError(err)

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Redeem(cert, "racer")
		}()
	}
	wg.Wait()
	close(results)

	var ok, reused int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case err == ErrCertificateReused:
			reused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(1, ok)
	require.Equal(attempts-1, reused)

	// Two pairs, redeemed in reverse order of issuance: both succeed.
	tokenA, err := NewToken(chainhash.HashH([]byte("a")))
	require.NoError(err)
	tokenB, err := NewToken(chainhash.HashH([]byte("b")))
	require.NoError(err)

	certA, err := r.Register(tokenA)
	require.NoError(err)
	certB, err := r.Register(tokenB)
	require.NoError(err)

	require.NoError(r.Redeem(certB, "b-new"))
	require.NoError(r.Redeem(certA, "a-new"))
}
