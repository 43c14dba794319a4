// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registrar

import "errors"

var (
	// ErrCertificateInvalid is returned when a certificate's blind
	// signature does not verify under the registrar's key.
	ErrCertificateInvalid = errors.New("certificate signature invalid")

	// ErrCertificateReused is returned when a certificate's token was
	// already redeemed.  Certificates are usable exactly once.
	ErrCertificateReused = errors.New("certificate already redeemed")
)
