// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package registrar implements the blind certificate service that lets a
// participant prove, under a rotated identity, that some valid input set
// was registered earlier, without the service being able to tell which
// registration the proof corresponds to.
//
// The registrant blinds a one-time token from its input commitment plus
// fresh entropy before presenting it, so the token the registrar signs
// carries no information about the registrant.  Crucially, the registrar
// never materializes a mapping from certificate to registrant: issuance
// keeps no record at all, and validity is checkable from the signature
// alone.
package registrar

import (
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TokenSize is the size of a one-time registration token in bytes.
const TokenSize = 32

// Token is the blinded one-time value a certificate attests to.
type Token [TokenSize]byte

// Certificate blindly attests that a valid registration took place.  It
// is usable exactly once.
type Certificate struct {
	// Token is the blinded one-time token the certificate covers.
	Token Token

	// Sig is the registrar's signature over the token.
	Sig *schnorr.Signature
}

// Verify reports whether the certificate carries a valid registrar
// signature for the given registrar public key.
func (c *Certificate) Verify(registrarKey *btcec.PublicKey) bool {
	if c.Sig == nil {
		return false
	}
	digest := sha256.Sum256(c.Token[:])
	return c.Sig.Verify(digest[:], registrarKey)
}

// Registrar issues and redeems blind certificates.  The redeemed-token
// set is guarded by a single lock so that double redemption is detected
// exactly even under concurrent attempts.
type Registrar struct {
	mu       sync.Mutex
	key      *btcec.PrivateKey
	redeemed map[Token]struct{}
}

// New creates a registrar with a fresh signing key.
func New() (*Registrar, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Registrar{
		key:      key,
		redeemed: make(map[Token]struct{}),
	}, nil
}

// PubKey returns the registrar's certificate verification key.
func (r *Registrar) PubKey() *btcec.PublicKey {
	return r.key.PubKey()
}

// Register issues a certificate over the caller-blinded token.  No
// record of the issuance is kept: the certificate itself is the only
// proof, and its validity is checkable by anyone holding the registrar's
// public key.
func (r *Registrar) Register(token Token) (*Certificate, error) {
	digest := sha256.Sum256(token[:])

	sig, err := schnorr.Sign(r.key, digest[:])
	if err != nil {
		return nil, err
	}

	return &Certificate{Token: token, Sig: sig}, nil
}

// Redeem validates a certificate presented by a rotated identity and
// burns its token.  It fails with ErrCertificateInvalid if the signature
// does not verify and with ErrCertificateReused if the token was already
// redeemed.  The identity handle is only used for logging; it is never
// associated with the token.
func (r *Registrar) Redeem(cert *Certificate, newIdentity string) error {
	if cert == nil || !cert.Verify(r.key.PubKey()) {
		return ErrCertificateInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.redeemed[cert.Token]; ok {
		return ErrCertificateReused
	}
	r.redeemed[cert.Token] = struct{}{}

	log.Debugf("Certificate redeemed by identity %s", newIdentity)

	return nil
}

// NewToken derives a one-time blinded token from an input commitment.
// The fresh entropy makes the token unlinkable to the commitment, and
// therefore to the identity that registered the inputs.
func NewToken(commitment chainhash.Hash) (Token, error) {
	var blinding [TokenSize]byte
	if _, err := rand.Read(blinding[:]); err != nil {
		return Token{}, err
	}

	h := sha256.New()
	h.Write(commitment[:])
	h.Write(blinding[:])

	var token Token
	copy(token[:], h.Sum(nil))

	return token, nil
}
