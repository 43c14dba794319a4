// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/exchange"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
)

// MaxAcceptableFundingFee is the highest advertised funding fee an agent
// accepts in a proposal.
const MaxAcceptableFundingFee btcutil.Amount = 420

// OutputPlan describes one NEW identity the agent will register after
// the rotation, and the distribution value it requests.
type OutputPlan struct {
	ID     Handle
	Amount btcutil.Amount
}

// AgentConfig parameterizes a ParticipantAgent.
type AgentConfig struct {
	// OldID is the identity the agent registers its input under.
	OldID Handle

	// UTXO is the input contributed to the pool, and UTXOKey the key
	// that spends it.
	UTXO    UTXORef
	UTXOKey *btcec.PrivateKey

	// RefundKey receives the agent's coins in the refund transaction.
	RefundKey *btcec.PrivateKey

	// Outputs are the NEW identities to register after the rotation.
	Outputs []OutputPlan

	// RegistrarKey verifies blind certificates.
	RegistrarKey *btcec.PublicKey

	// MaxFundingFee overrides MaxAcceptableFundingFee when non-zero.
	MaxFundingFee btcutil.Amount

	// Clock drives the distribution delivery deadline.  Nil selects
	// the system clock.
	Clock timeout.Clock

	// Backend signs and verifies partial signatures.  Nil selects the
	// ECDSA backend.
	Backend SignatureBackend

	// ScriptEngine encodes contracts.  Nil selects the default witness
	// script engine.
	ScriptEngine ScriptEngine
}

// legView is the agent's view of one of its own distribution legs.
type legView struct {
	plan OutputPlan

	// Fresh keys for the leg's contract paths.
	keyPath  *btcec.PrivateKey
	hashPath *btcec.PrivateKey

	cert     *registrar.Certificate
	contract *contract.Contract
	params   DistributionParams

	// makerKey and preimage arrive with the maker's release.
	makerKey *btcec.PrivateKey
	preimage *[32]byte
}

// ParticipantAgent is the user-side protocol state.  It trusts nothing
// it receives: contracts are rebuilt from parameters and compared,
// transactions are checked against the prior phase, and the funding
// signature is withheld until the finalized refund is in hand.
type ParticipantAgent struct {
	cfg AgentConfig

	mu sync.Mutex

	// Fresh keys for the funding contract paths.
	keyPath    *btcec.PrivateKey
	refundPath *btcec.PrivateKey
	hashPath   *btcec.PrivateKey

	tokens []registrar.Token
	legs   []*legView

	params      FundingParams
	contract    *contract.Contract
	fundingTx   *Tx
	refundTx    *Tx
	refundFinal bool

	hashReleased bool
	keyReleased  bool

	monitor   *timeout.Monitor
	delivered chan struct{}
}

// NewAgent creates an agent with fresh path keys for the funding
// contract and each planned output.
func NewAgent(cfg AgentConfig) (*ParticipantAgent, error) {
	if cfg.UTXOKey == nil || !cfg.UTXO.Valid() ||
		!cfg.UTXO.OwnerPubKey.IsEqual(cfg.UTXOKey.PubKey()) {

		return nil, ErrInvalidUTXO
	}
	if len(cfg.Outputs) == 0 || cfg.RefundKey == nil ||
		cfg.RegistrarKey == nil {

		return nil, ErrInvalidUTXO
	}
	if cfg.MaxFundingFee == 0 {
		cfg.MaxFundingFee = MaxAcceptableFundingFee
	}
	if cfg.Clock == nil {
		cfg.Clock = timeout.NewSystemClock()
	}
	if cfg.Backend == nil {
		cfg.Backend = NewECDSABackend()
	}
	if cfg.ScriptEngine == nil {
		cfg.ScriptEngine = NewScriptEngine()
	}

	a := &ParticipantAgent{
		cfg:       cfg,
		monitor:   timeout.NewMonitor(cfg.Clock),
		delivered: make(chan struct{}),
	}

	var err error
	if a.keyPath, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}
	if a.refundPath, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}
	if a.hashPath, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}

	for _, plan := range cfg.Outputs {
		leg := &legView{plan: plan}
		if leg.keyPath, err = btcec.NewPrivateKey(); err != nil {
			return nil, err
		}
		if leg.hashPath, err = btcec.NewPrivateKey(); err != nil {
			return nil, err
		}
		a.legs = append(a.legs, leg)
	}

	return a, nil
}

// Stop releases the agent's timers.
func (a *ParticipantAgent) Stop() {
	a.monitor.Stop()
}

// SubmitRegistration builds the OLD-identity registration: the funding
// path keys, the pooled input, the refund key and one blinded token per
// planned output.
func (a *ParticipantAgent) SubmitRegistration() (*RegisterInput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tokens := make([]registrar.Token, 0, len(a.legs))
	for _, leg := range a.legs {
		// The token commits to the NEW identity's key so the later
		// redemption is bound to it, while the registrar learns
		// nothing linking token to identity.
		commitment := chainhash.HashH(
			leg.keyPath.PubKey().SerializeCompressed(),
		)
		token, err := registrar.NewToken(commitment)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	a.tokens = tokens

	return &RegisterInput{
		KeyPathKey:    a.keyPath.PubKey(),
		RefundPathKey: a.refundPath.PubKey(),
		HashPathKey:   a.hashPath.PubKey(),
		UTXO:          a.cfg.UTXO,
		RefundPubKey:  a.cfg.RefundKey.PubKey(),
		Tokens:        tokens,
	}, nil
}

// HandleCertificates verifies and stores the maker-signed certificates,
// one per submitted token.
func (a *ParticipantAgent) HandleCertificates(msg *BlindCertificate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(msg.Certs) != len(a.tokens) {
		return registrar.ErrCertificateInvalid
	}
	for i, cert := range msg.Certs {
		if cert == nil || cert.Token != a.tokens[i] ||
			!cert.Verify(a.cfg.RegistrarKey) {

			return registrar.ErrCertificateInvalid
		}
		a.legs[i].cert = cert
	}
	return nil
}

// VerifyAndSignRefund rebuilds the funding contract from the proposal's
// parameters, checks both transactions against the agent's own stake,
// and only then signs the refund.  The funding transaction is not signed
// here.
func (a *ParticipantAgent) VerifyAndSignRefund(
	prop *RefundContractProposal) (*RefundSignature, error) {

	a.mu.Lock()
	defer a.mu.Unlock()

	params := prop.Params
	n := len(params.KeyPathKeys) - 1
	if n < 1 || len(params.RefundPathKeys) != n+1 ||
		len(params.HashPathKeys) != n+1 {

		return nil, ErrContractMismatch
	}
	if params.FundingFee >= a.cfg.MaxFundingFee {
		return nil, ErrExcessiveFee
	}

	// Own keys must appear exactly once per path, all at the same user
	// index.
	idx := keyIndex(params.KeyPathKeys[:n], a.keyPath.PubKey())
	if idx < 0 ||
		keyIndex(params.RefundPathKeys[:n], a.refundPath.PubKey()) != idx ||
		keyIndex(params.HashPathKeys[:n], a.hashPath.PubKey()) != idx {

		return nil, ErrContractMismatch
	}

	rebuilt, err := contract.BuildFundingContract(
		params.KeyPathKeys, params.RefundPathKeys,
		params.HashPathKeys, &params.Hash, params.Amount,
		params.RefundTimelock,
	)
	if err != nil {
		return nil, err
	}
	if prop.Contract == nil || rebuilt.ID != prop.Contract.ID {
		log.Debugf("Contract mismatch: %v", spew.Sdump(prop.Contract))
		return nil, ErrContractMismatch
	}
	if _, err := a.cfg.ScriptEngine.Encode(rebuilt); err != nil {
		return nil, err
	}

	// Funding: our input appears exactly once, and the single output
	// pays the advertised amount into the contract.
	fundingTx := prop.FundingTx
	if fundingTx == nil || fundingTx.Kind != FundingKind {
		return nil, ErrContractMismatch
	}
	seen := 0
	var totalIn btcutil.Amount
	for _, in := range fundingTx.Inputs {
		totalIn += in.Amount
		if in.OutPoint == a.cfg.UTXO.OutPoint {
			seen++
		}
	}
	if seen != 1 || len(fundingTx.Outputs) != 1 {
		return nil, ErrContractMismatch
	}
	out := fundingTx.Outputs[0]
	if out.ContractID == nil || *out.ContractID != rebuilt.ID ||
		out.Amount != params.Amount ||
		out.Amount != totalIn-params.FundingFee {

		return nil, ErrContractMismatch
	}

	// Refund: spends only the funding output, and pays us back our
	// contribution minus an equal fee share.
	refundTx := prop.RefundTx
	if refundTx == nil || refundTx.Kind != RefundKind ||
		len(refundTx.Inputs) != 1 {

		return nil, ErrContractMismatch
	}
	fundingPoint := refundTx.Inputs[0].OutPoint
	if fundingPoint.Hash != fundingTx.TxID() || fundingPoint.Index != 0 {
		return nil, ErrContractMismatch
	}

	refundScript, err := PayToPubKeyScript(a.cfg.RefundKey.PubKey())
	if err != nil {
		return nil, err
	}
	feeShare := (params.FundingFee + params.RefundFee) /
		btcutil.Amount(n)
	wantAmount := a.cfg.UTXO.Amount - feeShare
	found := false
	for _, out := range refundTx.Outputs {
		if string(out.PkScript) == string(refundScript) {
			if out.Amount != wantAmount {
				return nil, ErrContractMismatch
			}
			found = true
		}
	}
	if !found {
		return nil, ErrContractMismatch
	}

	a.params = params
	a.contract = rebuilt
	a.fundingTx = fundingTx
	a.refundTx = refundTx

	sig, err := a.cfg.Backend.PartialSign(
		refundTx, contract.KeyPath, a.keyPath,
	)
	if err != nil {
		return nil, err
	}
	return &RefundSignature{Sig: sig}, nil
}

// HandleRefundFinalized records the fully signed refund transaction.
// The finalized flag arriving over the wire proves nothing; the refund
// counts as final only once every key path signer's signature verifies
// against the digest.  The funding signature stays withheld until this
// succeeds.
func (a *ParticipantAgent) HandleRefundFinalized(
	msg *RefundFinalized) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refundTx == nil {
		return ErrUnexpectedMessage
	}
	tx := msg.RefundTx
	if tx == nil || tx.TxID() != a.refundTx.TxID() {
		return ErrContractMismatch
	}
	if !tx.Finalized() {
		return ErrTxNotFinalized
	}

	keyPath := a.contract.Path(contract.KeyPath)
	if keyPath == nil {
		return ErrContractMismatch
	}
	if _, err := a.cfg.Backend.Combine(tx, keyPath); err != nil {
		return err
	}

	a.refundTx = tx
	a.refundFinal = true
	return nil
}

// SignFunding produces the agent's funding signature.  It fails with
// ErrOrderingViolation unless the finalized refund for this session was
// received first.
func (a *ParticipantAgent) SignFunding() (*FundingSignature, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.refundFinal {
		return nil, ErrOrderingViolation
	}

	sig, err := a.cfg.Backend.PartialSign(
		a.fundingTx, contract.KeyPath, a.cfg.UTXOKey,
	)
	if err != nil {
		return nil, err
	}
	return &FundingSignature{Sig: sig}, nil
}

// RegisterOutputs builds one NEW-identity registration per planned
// output, each carrying its redeemed certificate.  The returned slice is
// indexed like the agent's output plans; each entry must be sent under
// its own NEW identity over a fresh connection.
func (a *ParticipantAgent) RegisterOutputs() ([]*RegisterOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.refundFinal {
		return nil, ErrOrderingViolation
	}

	regs := make([]*RegisterOutput, 0, len(a.legs))
	for _, leg := range a.legs {
		if leg.cert == nil {
			return nil, registrar.ErrCertificateInvalid
		}
		regs = append(regs, &RegisterOutput{
			KeyPathKey:  leg.keyPath.PubKey(),
			HashPathKey: leg.hashPath.PubKey(),
			Cert:        leg.cert,
			Amount:      leg.plan.Amount,
		})
	}
	return regs, nil
}

// AwaitDistribution blocks until every planned leg's distribution
// contract was delivered and verified, or the deadline elapses.
func (a *ParticipantAgent) AwaitDistribution(deadline time.Time) error {
	h := a.monitor.Arm(deadline, "distribution_delivery")
	defer a.monitor.Cancel(h)

	select {
	case <-a.delivered:
		return nil
	case <-a.monitor.Expired():
		return ErrDeliveryTimeout
	}
}

// VerifyDistribution checks one delivered distribution contract for the
// given NEW identity: the contract is rebuilt from the parameters and
// compared, the hash commitment must equal the funding contract's, and
// the funding output must pay the contract the planned amount.
func (a *ParticipantAgent) VerifyDistribution(newID Handle,
	msg *DistributionContract) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	leg := a.leg(newID)
	if leg == nil {
		return ErrUnknownParticipant
	}

	params := msg.Params
	if !params.UserKey.IsEqual(leg.keyPath.PubKey()) ||
		!params.UserHashKey.IsEqual(leg.hashPath.PubKey()) {

		return ErrContractMismatch
	}
	if params.Hash != a.params.Hash {
		return ErrContractMismatch
	}
	if params.Amount != leg.plan.Amount {
		return ErrContractMismatch
	}

	rebuilt, err := contract.BuildDistributionContract(
		params.UserKey, params.MakerKey, params.UserHashKey,
		params.MakerRefundKey, &params.Hash, params.Amount,
		params.Timelock,
	)
	if err != nil {
		return err
	}
	if msg.Contract == nil || rebuilt.ID != msg.Contract.ID {
		log.Debugf("Contract mismatch: %v", spew.Sdump(msg.Contract))
		return ErrContractMismatch
	}

	tx := msg.Tx
	if tx == nil || tx.Kind != DistributionKind || !tx.Finalized() {
		return ErrContractMismatch
	}
	paid := false
	for _, out := range tx.Outputs {
		if out.ContractID != nil && *out.ContractID == rebuilt.ID &&
			out.Amount == leg.plan.Amount {

			paid = true
		}
	}
	if !paid {
		return ErrContractMismatch
	}

	leg.contract = rebuilt
	leg.params = params

	if a.allLegsVerified() {
		select {
		case <-a.delivered:
		default:
			close(a.delivered)
		}
	}
	return nil
}

// ReleaseHashPathSecret hands over the agent's hash path key share under
// the OLD identity.  Release is one way: a second call fails.
func (a *ParticipantAgent) ReleaseHashPathSecret() (*ReleaseSecret, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hashReleased {
		return nil, ErrAlreadyReleased
	}
	if !a.allLegsVerified() {
		return nil, ErrOrderingViolation
	}
	a.hashReleased = true

	return &ReleaseSecret{
		Round: HashPathRound,
		Secret: &exchange.Secret{
			Kind:  exchange.PrivateKeyShare,
			Path:  contract.HashPath,
			Owner: a.cfg.OldID,
			Key:   a.hashPath,
		},
		Generation: exchange.OldID,
	}, nil
}

// HandleMakerSecrets verifies the maker's release for one leg: the
// preimage must hash to the session commitment and the key must match
// the leg's maker key.
func (a *ParticipantAgent) HandleMakerSecrets(newID Handle,
	msg *MakerSecrets) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	leg := a.leg(newID)
	if leg == nil {
		return ErrUnknownParticipant
	}
	if leg.contract == nil {
		return ErrUnexpectedMessage
	}

	digest := chainhash.Hash(sha256.Sum256(msg.Preimage[:]))
	if digest != a.params.Hash {
		return ErrBadPreimage
	}
	if msg.KeyPathKey == nil ||
		!msg.KeyPathKey.PubKey().IsEqual(leg.params.MakerKey) {

		return ErrKeyMismatch
	}

	preimage := msg.Preimage
	leg.makerKey = msg.KeyPathKey
	leg.preimage = &preimage
	return nil
}

// ReleaseKeyPathSecret hands over the agent's funding key path share
// under the OLD identity.  It requires the maker's secrets for every leg
// first, and a prior hash path release; release is one way.
func (a *ParticipantAgent) ReleaseKeyPathSecret() (*ReleaseSecret, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.keyReleased {
		return nil, ErrAlreadyReleased
	}
	if !a.hashReleased {
		return nil, ErrOrderingViolation
	}
	for _, leg := range a.legs {
		if leg.makerKey == nil {
			return nil, ErrOrderingViolation
		}
	}
	a.keyReleased = true

	return &ReleaseSecret{
		Round: MakerKeyRound,
		Secret: &exchange.Secret{
			Kind:  exchange.PrivateKeyShare,
			Path:  contract.KeyPath,
			Owner: a.cfg.OldID,
			Key:   a.keyPath,
		},
		Generation: exchange.OldID,
	}, nil
}

// leg returns the agent's leg for a NEW identity, or nil.
func (a *ParticipantAgent) leg(id Handle) *legView {
	for _, leg := range a.legs {
		if leg.plan.ID == id {
			return leg
		}
	}
	return nil
}

// allLegsVerified reports whether every planned distribution contract
// arrived and verified.
func (a *ParticipantAgent) allLegsVerified() bool {
	for _, leg := range a.legs {
		if leg.contract == nil {
			return false
		}
	}
	return true
}

// keyIndex returns the index of key in keys, or -1.  A key appearing
// more than once also yields -1.
func keyIndex(keys []*btcec.PublicKey, key *btcec.PublicKey) int {
	idx := -1
	for i, k := range keys {
		if k.IsEqual(key) {
			if idx >= 0 {
				return -1
			}
			idx = i
		}
	}
	return idx
}
