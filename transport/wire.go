// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/hex"
	"encoding/json"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/exchange"
	"github.com/JoseSK999/JoinSwap/internal/zero"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/swap"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Wire DTOs.  Keys, hashes and signatures travel as hex strings; amounts
// as satoshis.  Contracts travel as their spend paths and are rebuilt
// through the contract constructor on decode, so a frame whose paths do
// not form a valid contract never enters the session.

type wireUTXO struct {
	TxID   string         `json:"txid"`
	Vout   uint32         `json:"vout"`
	Amount btcutil.Amount `json:"amount"`
	Owner  string         `json:"owner"`
}

type wireOutput struct {
	ContractID string         `json:"contract_id,omitempty"`
	PkScript   string         `json:"pk_script,omitempty"`
	Amount     btcutil.Amount `json:"amount"`
}

type wirePartialSig struct {
	Signer string `json:"signer"`
	Path   string `json:"path"`
	Sig    string `json:"sig"`
}

type wireTx struct {
	Kind      string           `json:"kind"`
	Inputs    []wireUTXO       `json:"inputs"`
	Outputs   []wireOutput     `json:"outputs"`
	Sigs      []wirePartialSig `json:"sigs,omitempty"`
	Finalized bool             `json:"finalized,omitempty"`
}

type wirePath struct {
	Kind     string   `json:"kind"`
	Keys     []string `json:"keys"`
	Hash     string   `json:"hash,omitempty"`
	Timelock uint16   `json:"timelock,omitempty"`
}

type wireContract struct {
	Paths  []wirePath     `json:"paths"`
	Amount btcutil.Amount `json:"amount"`
}

type wireCertificate struct {
	Token string `json:"token"`
	Sig   string `json:"sig"`
}

type wireRegisterInput struct {
	KeyPathKey    string   `json:"key_path_key"`
	RefundPathKey string   `json:"refund_path_key"`
	HashPathKey   string   `json:"hash_path_key"`
	UTXO          wireUTXO `json:"utxo"`
	RefundPubKey  string   `json:"refund_pub_key"`
	Tokens        []string `json:"tokens"`
}

type wireBlindCertificate struct {
	Certs []wireCertificate `json:"certs"`
}

type wireFundingParams struct {
	KeyPathKeys    []string       `json:"key_path_keys"`
	RefundPathKeys []string       `json:"refund_path_keys"`
	HashPathKeys   []string       `json:"hash_path_keys"`
	Hash           string         `json:"hash"`
	Amount         btcutil.Amount `json:"amount"`
	RefundTimelock uint16         `json:"refund_timelock"`
	FundingFee     btcutil.Amount `json:"funding_fee"`
	RefundFee      btcutil.Amount `json:"refund_fee"`
}

type wireRefundProposal struct {
	Params    wireFundingParams `json:"params"`
	Contract  wireContract      `json:"contract"`
	FundingTx wireTx            `json:"funding_tx"`
	RefundTx  wireTx            `json:"refund_tx"`
}

type wireSignature struct {
	Sig wirePartialSig `json:"sig"`
}

type wireFinalizedTx struct {
	Tx wireTx `json:"tx"`
}

type wireRegisterOutput struct {
	KeyPathKey  string          `json:"key_path_key"`
	HashPathKey string          `json:"hash_path_key"`
	Cert        wireCertificate `json:"cert"`
	Amount      btcutil.Amount  `json:"amount"`
}

type wireDistributionParams struct {
	UserKey        string         `json:"user_key"`
	MakerKey       string         `json:"maker_key"`
	UserHashKey    string         `json:"user_hash_key"`
	MakerRefundKey string         `json:"maker_refund_key"`
	Hash           string         `json:"hash"`
	Amount         btcutil.Amount `json:"amount"`
	Timelock       uint16         `json:"timelock"`
}

type wireDistributionContract struct {
	Params   wireDistributionParams `json:"params"`
	Contract wireContract           `json:"contract"`
	Tx       wireTx                 `json:"tx"`
}

type wireSecret struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	Owner    string `json:"owner"`
	Key      string `json:"key,omitempty"`
	Preimage string `json:"preimage,omitempty"`
}

type wireReleaseSecret struct {
	Round      string     `json:"round"`
	Secret     wireSecret `json:"secret"`
	Generation string     `json:"generation"`
}

type wireSecretRequest struct {
	Round string `json:"round"`
}

type wireMakerSecrets struct {
	KeyPathKey string `json:"key_path_key"`
	Preimage   string `json:"preimage"`
}

// Hex field helpers.

func encodeKey(key *btcec.PublicKey) string {
	if key == nil {
		return ""
	}
	return hex.EncodeToString(key.SerializeCompressed())
}

func decodeKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func encodeKeys(keys []*btcec.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, encodeKey(key))
	}
	return out
}

func decodeKeys(ss []string) ([]*btcec.PublicKey, error) {
	out := make([]*btcec.PublicKey, 0, len(ss))
	for _, s := range ss {
		key, err := decodeKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func encodePriv(key *btcec.PrivateKey) string {
	if key == nil {
		return ""
	}
	return hex.EncodeToString(key.Serialize())
}

func decodePriv(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, ErrBadFrame
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	zero.Bytes(raw)
	return priv, nil
}

func decodeHash(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, ErrBadFrame
	}
	copy(out[:], raw)
	return out, nil
}

// Path and kind names.

func decodePathKind(s string) (contract.PathKind, error) {
	switch s {
	case contract.KeyPath.String():
		return contract.KeyPath, nil
	case contract.HashPath.String():
		return contract.HashPath, nil
	case contract.RefundPath.String():
		return contract.RefundPath, nil
	}
	return 0, ErrBadFrame
}

func decodeTxKind(s string) (swap.TxKind, error) {
	switch s {
	case swap.FundingKind.String():
		return swap.FundingKind, nil
	case swap.RefundKind.String():
		return swap.RefundKind, nil
	case swap.DistributionKind.String():
		return swap.DistributionKind, nil
	}
	return 0, ErrBadFrame
}

func decodeGeneration(s string) (exchange.Generation, error) {
	switch s {
	case exchange.OldID.String():
		return exchange.OldID, nil
	case exchange.NewID.String():
		return exchange.NewID, nil
	}
	return 0, ErrBadFrame
}

// UTXO, output, transaction.

func encodeUTXO(u swap.UTXORef) wireUTXO {
	return wireUTXO{
		TxID:   u.OutPoint.Hash.String(),
		Vout:   u.OutPoint.Index,
		Amount: u.Amount,
		Owner:  encodeKey(u.OwnerPubKey),
	}
}

func decodeUTXO(w wireUTXO) (swap.UTXORef, error) {
	hash, err := decodeHash(w.TxID)
	if err != nil {
		return swap.UTXORef{}, err
	}
	var owner *btcec.PublicKey
	if w.Owner != "" {
		if owner, err = decodeKey(w.Owner); err != nil {
			return swap.UTXORef{}, err
		}
	}
	return swap.UTXORef{
		OutPoint:    wire.OutPoint{Hash: hash, Index: w.Vout},
		Amount:      w.Amount,
		OwnerPubKey: owner,
	}, nil
}

func encodeOutput(o swap.Output) wireOutput {
	w := wireOutput{Amount: o.Amount}
	if o.ContractID != nil {
		w.ContractID = o.ContractID.String()
	}
	if len(o.PkScript) > 0 {
		w.PkScript = hex.EncodeToString(o.PkScript)
	}
	return w
}

func decodeOutput(w wireOutput) (swap.Output, error) {
	out := swap.Output{Amount: w.Amount}
	if w.ContractID != "" {
		id, err := decodeHash(w.ContractID)
		if err != nil {
			return swap.Output{}, err
		}
		out.ContractID = &id
	}
	if w.PkScript != "" {
		script, err := hex.DecodeString(w.PkScript)
		if err != nil {
			return swap.Output{}, err
		}
		out.PkScript = script
	}
	return out, nil
}

func encodeSig(sig *swap.PartialSig) wirePartialSig {
	if sig == nil {
		return wirePartialSig{}
	}
	return wirePartialSig{
		Signer: encodeKey(sig.SignerKey),
		Path:   sig.Path.String(),
		Sig:    hex.EncodeToString(sig.SigBytes),
	}
}

func decodeSig(w wirePartialSig) (*swap.PartialSig, error) {
	signer, err := decodeKey(w.Signer)
	if err != nil {
		return nil, err
	}
	path, err := decodePathKind(w.Path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(w.Sig)
	if err != nil {
		return nil, err
	}
	return &swap.PartialSig{
		SignerKey: signer,
		Path:      path,
		SigBytes:  raw,
	}, nil
}

func encodeTx(tx *swap.Tx) wireTx {
	w := wireTx{
		Kind:      tx.Kind.String(),
		Finalized: tx.Finalized(),
	}
	for _, in := range tx.Inputs {
		w.Inputs = append(w.Inputs, encodeUTXO(in))
	}
	for _, out := range tx.Outputs {
		w.Outputs = append(w.Outputs, encodeOutput(out))
	}
	for _, sig := range tx.Sigs() {
		w.Sigs = append(w.Sigs, encodeSig(sig))
	}
	return w
}

func decodeTx(w wireTx) (*swap.Tx, error) {
	kind, err := decodeTxKind(w.Kind)
	if err != nil {
		return nil, err
	}
	inputs := make([]swap.UTXORef, 0, len(w.Inputs))
	for _, in := range w.Inputs {
		utxo, err := decodeUTXO(in)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, utxo)
	}
	outputs := make([]swap.Output, 0, len(w.Outputs))
	for _, out := range w.Outputs {
		o, err := decodeOutput(out)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	sigs := make([]*swap.PartialSig, 0, len(w.Sigs))
	for _, sig := range w.Sigs {
		s, err := decodeSig(sig)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, s)
	}
	return swap.RestoreTx(kind, inputs, outputs, sigs, w.Finalized)
}

// Contracts.

func encodeContract(c *contract.Contract) wireContract {
	w := wireContract{Amount: c.FundingAmount}
	for _, p := range c.Paths {
		wp := wirePath{
			Kind:     p.Kind.String(),
			Keys:     encodeKeys(p.Keys),
			Timelock: p.Timelock,
		}
		if p.Hash != nil {
			wp.Hash = p.Hash.String()
		}
		w.Paths = append(w.Paths, wp)
	}
	return w
}

func decodeContract(w wireContract) (*contract.Contract, error) {
	paths := make([]contract.SpendPath, 0, len(w.Paths))
	for _, wp := range w.Paths {
		kind, err := decodePathKind(wp.Kind)
		if err != nil {
			return nil, err
		}
		keys, err := decodeKeys(wp.Keys)
		if err != nil {
			return nil, err
		}
		p := contract.SpendPath{
			Kind:     kind,
			Keys:     keys,
			Timelock: wp.Timelock,
		}
		if wp.Hash != "" {
			hash, err := decodeHash(wp.Hash)
			if err != nil {
				return nil, err
			}
			p.Hash = &hash
		}
		paths = append(paths, p)
	}
	return contract.New(paths, w.Amount)
}

// Certificates.

func encodeCert(c *registrar.Certificate) wireCertificate {
	if c == nil {
		return wireCertificate{}
	}
	w := wireCertificate{
		Token: hex.EncodeToString(c.Token[:]),
	}
	if c.Sig != nil {
		w.Sig = hex.EncodeToString(c.Sig.Serialize())
	}
	return w
}

func decodeCert(w wireCertificate) (*registrar.Certificate, error) {
	raw, err := decode32(w.Token)
	if err != nil {
		return nil, err
	}
	sigRaw, err := hex.DecodeString(w.Sig)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return nil, err
	}
	return &registrar.Certificate{
		Token: registrar.Token(raw),
		Sig:   sig,
	}, nil
}

// Params.

func encodeFundingParams(p swap.FundingParams) wireFundingParams {
	return wireFundingParams{
		KeyPathKeys:    encodeKeys(p.KeyPathKeys),
		RefundPathKeys: encodeKeys(p.RefundPathKeys),
		HashPathKeys:   encodeKeys(p.HashPathKeys),
		Hash:           p.Hash.String(),
		Amount:         p.Amount,
		RefundTimelock: p.RefundTimelock,
		FundingFee:     p.FundingFee,
		RefundFee:      p.RefundFee,
	}
}

func decodeFundingParams(w wireFundingParams) (swap.FundingParams, error) {
	var p swap.FundingParams
	var err error
	if p.KeyPathKeys, err = decodeKeys(w.KeyPathKeys); err != nil {
		return p, err
	}
	if p.RefundPathKeys, err = decodeKeys(w.RefundPathKeys); err != nil {
		return p, err
	}
	if p.HashPathKeys, err = decodeKeys(w.HashPathKeys); err != nil {
		return p, err
	}
	if p.Hash, err = decodeHash(w.Hash); err != nil {
		return p, err
	}
	p.Amount = w.Amount
	p.RefundTimelock = w.RefundTimelock
	p.FundingFee = w.FundingFee
	p.RefundFee = w.RefundFee
	return p, nil
}

func encodeDistParams(p swap.DistributionParams) wireDistributionParams {
	return wireDistributionParams{
		UserKey:        encodeKey(p.UserKey),
		MakerKey:       encodeKey(p.MakerKey),
		UserHashKey:    encodeKey(p.UserHashKey),
		MakerRefundKey: encodeKey(p.MakerRefundKey),
		Hash:           p.Hash.String(),
		Amount:         p.Amount,
		Timelock:       p.Timelock,
	}
}

func decodeDistParams(
	w wireDistributionParams) (swap.DistributionParams, error) {

	var p swap.DistributionParams
	var err error
	if p.UserKey, err = decodeKey(w.UserKey); err != nil {
		return p, err
	}
	if p.MakerKey, err = decodeKey(w.MakerKey); err != nil {
		return p, err
	}
	if p.UserHashKey, err = decodeKey(w.UserHashKey); err != nil {
		return p, err
	}
	if p.MakerRefundKey, err = decodeKey(w.MakerRefundKey); err != nil {
		return p, err
	}
	if p.Hash, err = decodeHash(w.Hash); err != nil {
		return p, err
	}
	p.Amount = w.Amount
	p.Timelock = w.Timelock
	return p, nil
}

// Secrets.

func encodeSecret(s *exchange.Secret) wireSecret {
	if s == nil {
		return wireSecret{}
	}
	w := wireSecret{
		Kind:  s.Kind.String(),
		Path:  s.Path.String(),
		Owner: string(s.Owner),
		Key:   encodePriv(s.Key),
	}
	if s.PreimageBytes != nil {
		w.Preimage = hex.EncodeToString(s.PreimageBytes[:])
	}
	return w
}

func decodeSecret(w wireSecret) (*exchange.Secret, error) {
	path, err := decodePathKind(w.Path)
	if err != nil {
		return nil, err
	}

	s := &exchange.Secret{
		Path:  path,
		Owner: exchange.Handle(w.Owner),
	}

	switch w.Kind {
	case exchange.PrivateKeyShare.String():
		s.Kind = exchange.PrivateKeyShare
		if s.Key, err = decodePriv(w.Key); err != nil {
			return nil, err
		}
	case exchange.Preimage.String():
		s.Kind = exchange.Preimage
		preimage, err := decode32(w.Preimage)
		if err != nil {
			return nil, err
		}
		s.PreimageBytes = &preimage
	default:
		return nil, ErrBadFrame
	}
	return s, nil
}

// marshalPayload converts a protocol message into its wire DTO and
// marshals it.
func marshalPayload(msg swap.Message) (json.RawMessage, error) {
	var dto any

	switch m := msg.(type) {
	case *swap.RegisterInput:
		tokens := make([]string, 0, len(m.Tokens))
		for _, token := range m.Tokens {
			tokens = append(tokens,
				hex.EncodeToString(token[:]))
		}
		dto = wireRegisterInput{
			KeyPathKey:    encodeKey(m.KeyPathKey),
			RefundPathKey: encodeKey(m.RefundPathKey),
			HashPathKey:   encodeKey(m.HashPathKey),
			UTXO:          encodeUTXO(m.UTXO),
			RefundPubKey:  encodeKey(m.RefundPubKey),
			Tokens:        tokens,
		}

	case *swap.BlindCertificate:
		certs := make([]wireCertificate, 0, len(m.Certs))
		for _, cert := range m.Certs {
			certs = append(certs, encodeCert(cert))
		}
		dto = wireBlindCertificate{Certs: certs}

	case *swap.RefundContractProposal:
		dto = wireRefundProposal{
			Params:    encodeFundingParams(m.Params),
			Contract:  encodeContract(m.Contract),
			FundingTx: encodeTx(m.FundingTx),
			RefundTx:  encodeTx(m.RefundTx),
		}

	case *swap.RefundSignature:
		dto = wireSignature{Sig: encodeSig(m.Sig)}

	case *swap.FundingSignature:
		dto = wireSignature{Sig: encodeSig(m.Sig)}

	case *swap.RefundFinalized:
		dto = wireFinalizedTx{Tx: encodeTx(m.RefundTx)}

	case *swap.FundingFinalized:
		dto = wireFinalizedTx{Tx: encodeTx(m.FundingTx)}

	case *swap.RegisterOutput:
		dto = wireRegisterOutput{
			KeyPathKey:  encodeKey(m.KeyPathKey),
			HashPathKey: encodeKey(m.HashPathKey),
			Cert:        encodeCert(m.Cert),
			Amount:      m.Amount,
		}

	case *swap.DistributionContract:
		dto = wireDistributionContract{
			Params:   encodeDistParams(m.Params),
			Contract: encodeContract(m.Contract),
			Tx:       encodeTx(m.Tx),
		}

	case *swap.ReleaseSecret:
		dto = wireReleaseSecret{
			Round:      string(m.Round),
			Secret:     encodeSecret(m.Secret),
			Generation: m.Generation.String(),
		}

	case *swap.SecretRequest:
		dto = wireSecretRequest{Round: string(m.Round)}

	case *swap.MakerSecrets:
		dto = wireMakerSecrets{
			KeyPathKey: encodePriv(m.KeyPathKey),
			Preimage:   hex.EncodeToString(m.Preimage[:]),
		}

	default:
		return nil, ErrUnknownType
	}

	return json.Marshal(dto)
}

// unmarshalPayload reconstructs a protocol message from its wire DTO.
func unmarshalPayload(msgType string,
	payload json.RawMessage) (swap.Message, error) {

	switch msgType {
	case "register_input":
		var w wireRegisterInput
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		msg := &swap.RegisterInput{}
		var err error
		if msg.KeyPathKey, err = decodeKey(w.KeyPathKey); err != nil {
			return nil, err
		}
		if msg.RefundPathKey, err = decodeKey(w.RefundPathKey); err != nil {
			return nil, err
		}
		if msg.HashPathKey, err = decodeKey(w.HashPathKey); err != nil {
			return nil, err
		}
		if msg.UTXO, err = decodeUTXO(w.UTXO); err != nil {
			return nil, err
		}
		if msg.RefundPubKey, err = decodeKey(w.RefundPubKey); err != nil {
			return nil, err
		}
		for _, s := range w.Tokens {
			raw, err := decode32(s)
			if err != nil {
				return nil, err
			}
			msg.Tokens = append(msg.Tokens,
				registrar.Token(raw))
		}
		return msg, nil

	case "blind_certificate":
		var w wireBlindCertificate
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		msg := &swap.BlindCertificate{}
		for _, wc := range w.Certs {
			cert, err := decodeCert(wc)
			if err != nil {
				return nil, err
			}
			msg.Certs = append(msg.Certs, cert)
		}
		return msg, nil

	case "refund_proposal":
		var w wireRefundProposal
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		params, err := decodeFundingParams(w.Params)
		if err != nil {
			return nil, err
		}
		c, err := decodeContract(w.Contract)
		if err != nil {
			return nil, err
		}
		fundingTx, err := decodeTx(w.FundingTx)
		if err != nil {
			return nil, err
		}
		refundTx, err := decodeTx(w.RefundTx)
		if err != nil {
			return nil, err
		}
		return &swap.RefundContractProposal{
			Params:    params,
			Contract:  c,
			FundingTx: fundingTx,
			RefundTx:  refundTx,
		}, nil

	case "refund_signature":
		var w wireSignature
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		sig, err := decodeSig(w.Sig)
		if err != nil {
			return nil, err
		}
		return &swap.RefundSignature{Sig: sig}, nil

	case "funding_signature":
		var w wireSignature
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		sig, err := decodeSig(w.Sig)
		if err != nil {
			return nil, err
		}
		return &swap.FundingSignature{Sig: sig}, nil

	case "refund_finalized":
		var w wireFinalizedTx
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		tx, err := decodeTx(w.Tx)
		if err != nil {
			return nil, err
		}
		return &swap.RefundFinalized{RefundTx: tx}, nil

	case "funding_finalized":
		var w wireFinalizedTx
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		tx, err := decodeTx(w.Tx)
		if err != nil {
			return nil, err
		}
		return &swap.FundingFinalized{FundingTx: tx}, nil

	case "register_output":
		var w wireRegisterOutput
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		msg := &swap.RegisterOutput{Amount: w.Amount}
		var err error
		if msg.KeyPathKey, err = decodeKey(w.KeyPathKey); err != nil {
			return nil, err
		}
		if msg.HashPathKey, err = decodeKey(w.HashPathKey); err != nil {
			return nil, err
		}
		if msg.Cert, err = decodeCert(w.Cert); err != nil {
			return nil, err
		}
		return msg, nil

	case "distribution_contract":
		var w wireDistributionContract
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		params, err := decodeDistParams(w.Params)
		if err != nil {
			return nil, err
		}
		c, err := decodeContract(w.Contract)
		if err != nil {
			return nil, err
		}
		tx, err := decodeTx(w.Tx)
		if err != nil {
			return nil, err
		}
		return &swap.DistributionContract{
			Params:   params,
			Contract: c,
			Tx:       tx,
		}, nil

	case "release_secret":
		var w wireReleaseSecret
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		secret, err := decodeSecret(w.Secret)
		if err != nil {
			return nil, err
		}
		gen, err := decodeGeneration(w.Generation)
		if err != nil {
			return nil, err
		}
		return &swap.ReleaseSecret{
			Round:      exchange.RoundTag(w.Round),
			Secret:     secret,
			Generation: gen,
		}, nil

	case "secret_request":
		var w wireSecretRequest
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return &swap.SecretRequest{
			Round: exchange.RoundTag(w.Round),
		}, nil

	case "maker_secrets":
		var w wireMakerSecrets
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		key, err := decodePriv(w.KeyPathKey)
		if err != nil {
			return nil, err
		}
		preimage, err := decode32(w.Preimage)
		if err != nil {
			return nil, err
		}
		return &swap.MakerSecrets{
			KeyPathKey: key,
			Preimage:   preimage,
		}, nil
	}

	return nil, ErrUnknownType
}
