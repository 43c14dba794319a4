// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/JoseSK999/JoinSwap/contract"
	"github.com/JoseSK999/JoinSwap/exchange"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRefundTimelock is the relative timelock, in blocks, of the
	// funding contract's refund path.
	DefaultRefundTimelock = 48

	// DefaultDistributionTimelock is the relative timelock, in blocks,
	// of each distribution contract's maker refund path.
	DefaultDistributionTimelock = 69

	// DefaultFundingFee is the fee budgeted for the funding
	// transaction.
	DefaultFundingFee btcutil.Amount = 400

	// DefaultRefundFee is the fee budgeted for the refund transaction.
	DefaultRefundFee btcutil.Amount = 1000

	// DefaultPhaseTimeout bounds every wait on counterparty messages.
	DefaultPhaseTimeout = 2 * time.Minute

	// DefaultConfirmInterval is how often the broadcaster is polled for
	// distribution confirmations.
	DefaultConfirmInterval = 10 * time.Second

	// DefaultMaxRequests is how many times a missing message is
	// re-requested before the armed timeout is the only resolution.
	DefaultMaxRequests = 1
)

// Round tags for the secret-release rounds.
const (
	// HashPathRound releases the users' hash path key shares.
	HashPathRound exchange.RoundTag = "hashpath"

	// MakerKeyRound releases the users' funding key path shares.
	MakerKeyRound exchange.RoundTag = "makerkey"
)

// Phase tags armed on the monitor.
const (
	tagRegistrations timeout.PhaseTag = "collecting_registrations"

	tagRefundSigs  timeout.PhaseTag = "awaiting_refund_sigs"
	tagFundingSigs timeout.PhaseTag = "awaiting_funding_sigs"
	tagOutputRegs  timeout.PhaseTag = "funded"
	tagHashSecrets timeout.PhaseTag = "awaiting_hashpath_secrets"
	tagUserKeys    timeout.PhaseTag = "awaiting_userkey_secrets"
	tagMakerKeys   timeout.PhaseTag = "awaiting_makerkey_secrets"

	legTagPrefix = "leg:"
)

// MakerUTXO is a maker-owned output used to fund one distribution
// contract, together with the key that can spend it.
type MakerUTXO struct {
	Ref UTXORef
	Key *btcec.PrivateKey
}

// Config parameterizes a Coordinator.
type Config struct {
	// NumParticipants is the number of OLD-identity registrations the
	// session waits for.  At least 2.
	NumParticipants int

	// RefundTimelock and DistributionTimelock are the relative
	// timelocks of the two contract families.
	RefundTimelock       uint16
	DistributionTimelock uint16

	// FundingFee and RefundFee are the advertised fee budgets.
	FundingFee btcutil.Amount
	RefundFee  btcutil.Amount

	// PhaseTimeout bounds every phase that waits on counterparty
	// messages.
	PhaseTimeout time.Duration

	// MaxRequests is the number of re-requests of a missing message
	// before only the timeout can resolve the phase.
	MaxRequests int

	// MakerFunding are the outputs the maker spends to fund
	// distribution contracts, one per leg.
	MakerFunding []MakerUTXO

	// HoldUserKeySecrets gates the automatic release of the maker's
	// user-key-path secrets.  When set, the phase can only resolve
	// through its timeout fallback; used by operators that require a
	// manual release step.
	HoldUserKeySecrets bool

	// Clock drives all deadlines.  Nil selects the system clock.
	Clock timeout.Clock

	// Backend signs and verifies partial signatures.  Nil selects the
	// ECDSA backend.
	Backend SignatureBackend

	// ScriptEngine encodes contracts.  Nil selects the default witness
	// script engine.
	ScriptEngine ScriptEngine

	// Registrar issues and redeems blind certificates.  Required.
	Registrar *registrar.Registrar

	// Broadcaster submits finalized transactions.  Required.
	Broadcaster Broadcaster

	// ConfirmTicker paces distribution confirmation polls.  Nil
	// selects a DefaultConfirmInterval ticker.
	ConfirmTicker ticker.Ticker

	// RequestTicker paces message re-requests.  Nil selects a
	// PhaseTimeout/2 ticker.
	RequestTicker ticker.Ticker
}

// participant is the coordinator's view of one OLD identity.
type participant struct {
	handle Handle
	reg    *RegisterInput
	out    chan Message
}

// outputReg is the coordinator's view of one NEW identity.
type outputReg struct {
	handle Handle
	reg    *RegisterOutput
	out    chan Message

	// makerKey and makerRefundKey are the maker's fresh keys for this
	// leg's contract.
	makerKey       *btcec.PrivateKey
	makerRefundKey *btcec.PrivateKey
}

// Coordinator is the maker-side swap state machine.  It runs as a single
// threaded event loop over a merged inbound stream plus the session
// monitor's expiries, so batch predicates are evaluated without shared
// mutable state.
type Coordinator struct {
	cfg     Config
	session *Session
	engine  *exchange.Engine

	// Maker keys for the funding contract, one per spend path.
	makerKeyPath    *btcec.PrivateKey
	makerRefundPath *btcec.PrivateKey
	makerHashPath   *btcec.PrivateKey

	// preimage and hash are the session-wide commitment pair.  The
	// preimage never leaves the coordinator until the user-key release
	// or a degraded completion.
	preimage [32]byte
	hash     chainhash.Hash

	// identityMu guards the identity maps, which the transport reads
	// through Outbound while the loop inserts into them.
	identityMu   sync.Mutex
	participants map[Handle]*participant
	order        []Handle

	outputs     map[Handle]*outputReg
	outputOrder []Handle
	issuedCerts int

	phaseTimer timeout.TimerHandle
	expiredC   <-chan timeout.PhaseTag

	// repeatRequest resends the current phase's outstanding request;
	// requestsLeft bounds how often.
	repeatRequest func()
	requestsLeft  int

	inbound chan Inbound
	events  chan PhaseEvent
	quit    chan struct{}
	done    chan struct{}
}

// NewCoordinator creates a coordinator with a fresh session, maker key
// set and preimage commitment.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.NumParticipants < 2 {
		return nil, contract.Error{
			ErrorCode: contract.ErrInvalidParticipantSet,
			Description: "coordinator requires at least 2 " +
				"participants",
		}
	}
	if cfg.Registrar == nil || cfg.Broadcaster == nil {
		return nil, ErrUnexpectedMessage
	}

	if cfg.RefundTimelock == 0 {
		cfg.RefundTimelock = DefaultRefundTimelock
	}
	if cfg.DistributionTimelock == 0 {
		cfg.DistributionTimelock = DefaultDistributionTimelock
	}
	if cfg.FundingFee == 0 {
		cfg.FundingFee = DefaultFundingFee
	}
	if cfg.RefundFee == 0 {
		cfg.RefundFee = DefaultRefundFee
	}
	if cfg.PhaseTimeout == 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultMaxRequests
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
	if cfg.ConfirmTicker == nil {
		cfg.ConfirmTicker = ticker.New(DefaultConfirmInterval)
	}
	if cfg.RequestTicker == nil {
		cfg.RequestTicker = ticker.New(cfg.PhaseTimeout / 2)
	}

	keyPath, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	refundPath, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	hashPath, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, err
	}

	var sessionSeed [32]byte
	if _, err := rand.Read(sessionSeed[:]); err != nil {
		return nil, err
	}

	session := NewSession(chainhash.HashH(sessionSeed[:]), cfg.Clock)

	c := &Coordinator{
		cfg:             cfg,
		session:         session,
		engine:          exchange.NewEngine(cfg.Clock),
		makerKeyPath:    keyPath,
		makerRefundPath: refundPath,
		makerHashPath:   hashPath,
		preimage:        preimage,
		hash:            chainhash.Hash(sha256.Sum256(preimage[:])),
		participants:    make(map[Handle]*participant),
		outputs:         make(map[Handle]*outputReg),
		expiredC:        session.Monitor.Expired(),
		inbound:         make(chan Inbound),
		events:          make(chan PhaseEvent, 32),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	return c, nil
}

// Session returns the coordinator's session.
func (c *Coordinator) Session() *Session {
	return c.session
}

// Hash returns the session's preimage commitment.
func (c *Coordinator) Hash() chainhash.Hash {
	return c.hash
}

// Events returns the stream of explicit phase transitions.
func (c *Coordinator) Events() <-chan PhaseEvent {
	return c.events
}

// Outbound returns the outbound message queue for an identity, creating
// the identity on first use.  The transport drains this channel.
func (c *Coordinator) Outbound(h Handle) <-chan Message {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()

	if p, ok := c.participants[h]; ok {
		return p.out
	}
	if o, ok := c.outputs[h]; ok {
		return o.out
	}
	return nil
}

// Start launches the event loop.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop terminates the event loop and archives the session.
func (c *Coordinator) Stop() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.done
}

// Deliver pushes one participant message into the merged inbound stream.
func (c *Coordinator) Deliver(from Handle, msg Message) error {
	select {
	case c.inbound <- Inbound{From: from, Msg: msg}:
		return nil
	case <-c.quit:
		return ErrSessionTerminal
	}
}

// run is the single-threaded event loop.  All state mutation happens
// here.
func (c *Coordinator) run() {
	defer close(c.done)
	defer c.cfg.ConfirmTicker.Stop()
	defer c.cfg.RequestTicker.Stop()

	// The registration window is bounded like every other wait;
	// sessions that never fill abort cleanly instead of idling.
	c.armPhase(tagRegistrations, nil)

	for {
		select {
		case in := <-c.inbound:
			c.handleMessage(in)

		case tag, ok := <-c.expiredC:
			if !ok {
				c.expiredC = nil
				continue
			}
			c.handleExpiry(tag)

		case <-c.cfg.ConfirmTicker.Ticks():
			c.pollConfirmations()

		case <-c.cfg.RequestTicker.Ticks():
			c.reRequest()

		case <-c.quit:
			c.session.Archive(c.cfg.Clock.Now())
			return
		}

		if c.session.Phase().Terminal() {
			c.session.Archive(c.cfg.Clock.Now())
		}
	}
}

// handleMessage dispatches one inbound message against the current
// phase.
func (c *Coordinator) handleMessage(in Inbound) {
	if c.session.Phase().Terminal() {
		log.Debugf("Ignoring %s from %s: session is terminal",
			in.Msg.Type(), in.From)
		return
	}

	switch msg := in.Msg.(type) {
	case *RegisterInput:
		c.handleRegisterInput(in.From, msg)

	case *RefundSignature:
		c.handleRefundSignature(in.From, msg)

	case *FundingSignature:
		c.handleFundingSignature(in.From, msg)

	case *RegisterOutput:
		c.handleRegisterOutput(in.From, msg)

	case *ReleaseSecret:
		c.handleReleaseSecret(in.From, msg)

	default:
		log.Warnf("Unexpected %s from %s in phase %s",
			in.Msg.Type(), in.From, c.session.Phase())
	}
}

// handleRegisterInput validates and records one OLD-identity
// registration, issuing a blind certificate per submitted token.
func (c *Coordinator) handleRegisterInput(from Handle, msg *RegisterInput) {
	if c.session.Phase() != CollectingRegistrations {
		log.Warnf("Registration from %s outside collection phase",
			from)
		return
	}
	if _, ok := c.participants[from]; ok {
		log.Warnf("Duplicate registration from %s", from)
		return
	}

	// Structural input validation only.  Chain state is the
	// broadcaster's business.
	if !msg.UTXO.Valid() || msg.KeyPathKey == nil ||
		msg.RefundPathKey == nil || msg.HashPathKey == nil ||
		msg.RefundPubKey == nil || len(msg.Tokens) == 0 {

		log.Errorf("Rejecting registration from %s: %v", from,
			ErrInvalidUTXO)
		return
	}

	p := &participant{
		handle: from,
		reg:    msg,
		out:    make(chan Message, 16),
	}
	c.identityMu.Lock()
	c.participants[from] = p
	c.order = append(c.order, from)
	c.identityMu.Unlock()

	certs := make([]*registrar.Certificate, 0, len(msg.Tokens))
	for _, token := range msg.Tokens {
		cert, err := c.cfg.Registrar.Register(token)
		if err != nil {
			log.Errorf("Certificate issuance for %s failed: %v",
				from, err)
			return
		}
		certs = append(certs, cert)
	}
	c.issuedCerts += len(certs)
	c.send(p.out, &BlindCertificate{Certs: certs})

	log.Infof("Registered %d of %d %s", len(c.participants),
		c.cfg.NumParticipants,
		pickNoun(c.cfg.NumParticipants, "participant", "participants"))

	if len(c.participants) == c.cfg.NumParticipants {
		c.buildFunding()
	}
}

// buildFunding constructs the funding contract, funding transaction and
// refund transaction, and proposes them to every participant.
func (c *Coordinator) buildFunding() {
	c.disarmPhase()
	c.transition(BuildingFunding, "", "all registrations collected")

	n := len(c.order)
	keyKeys := make([]*btcec.PublicKey, 0, n+1)
	refundKeys := make([]*btcec.PublicKey, 0, n+1)
	hashKeys := make([]*btcec.PublicKey, 0, n+1)
	inputs := make([]UTXORef, 0, n)
	var totalIn btcutil.Amount

	for _, h := range c.order {
		reg := c.participants[h].reg
		keyKeys = append(keyKeys, reg.KeyPathKey)
		refundKeys = append(refundKeys, reg.RefundPathKey)
		hashKeys = append(hashKeys, reg.HashPathKey)
		inputs = append(inputs, reg.UTXO)
		totalIn += reg.UTXO.Amount
	}
	keyKeys = append(keyKeys, c.makerKeyPath.PubKey())
	refundKeys = append(refundKeys, c.makerRefundPath.PubKey())
	hashKeys = append(hashKeys, c.makerHashPath.PubKey())

	amount := totalIn - c.cfg.FundingFee

	fc, err := contract.BuildFundingContract(
		keyKeys, refundKeys, hashKeys, &c.hash, amount,
		c.cfg.RefundTimelock,
	)
	if err != nil {
		log.Errorf("Funding contract build failed: %v", err)
		c.abortPreFunding("funding contract build failed")
		return
	}
	if _, err := c.cfg.ScriptEngine.Encode(fc); err != nil {
		log.Errorf("Funding contract encoding failed: %v", err)
		c.abortPreFunding("funding contract encoding failed")
		return
	}
	c.session.AddContract(fc)
	c.session.FundingContractID = fc.ID

	fundingTx := NewTx(FundingKind, inputs, []Output{{
		ContractID: &fc.ID,
		Amount:     amount,
	}})

	// The refund spends the single funding output back to the users,
	// each receiving their contribution minus an equal fee share.
	feeShare := (c.cfg.FundingFee + c.cfg.RefundFee) /
		btcutil.Amount(n)
	refundOutputs := make([]Output, 0, n)
	for _, h := range c.order {
		reg := c.participants[h].reg
		script, err := PayToPubKeyScript(reg.RefundPubKey)
		if err != nil {
			log.Errorf("Refund script for %s failed: %v", h, err)
			c.abortPreFunding("refund script build failed")
			return
		}
		refundOutputs = append(refundOutputs, Output{
			PkScript: script,
			Amount:   reg.UTXO.Amount - feeShare,
		})
	}

	refundTx := NewTx(RefundKind, []UTXORef{{
		OutPoint: wire.OutPoint{Hash: fundingTx.TxID(), Index: 0},
		Amount:   amount,
	}}, refundOutputs)

	c.session.FundingTx = fundingTx
	c.session.RefundTx = refundTx

	params := FundingParams{
		KeyPathKeys:    keyKeys,
		RefundPathKeys: refundKeys,
		HashPathKeys:   hashKeys,
		Hash:           c.hash,
		Amount:         amount,
		RefundTimelock: c.cfg.RefundTimelock,
		FundingFee:     c.cfg.FundingFee,
		RefundFee:      c.cfg.RefundFee,
	}
	proposal := &RefundContractProposal{
		Params:    params,
		Contract:  fc,
		FundingTx: fundingTx,
		RefundTx:  refundTx,
	}
	c.broadcast(proposal)

	c.transition(AwaitingRefundSigs, "", "refund proposal distributed")
	c.armPhase(tagRefundSigs, func() { c.broadcast(proposal) })
}

// handleRefundSignature merges one refund signature and advances once the
// bag covers every user.
func (c *Coordinator) handleRefundSignature(from Handle,
	msg *RefundSignature) {

	if c.session.Phase() != AwaitingRefundSigs {
		log.Warnf("Refund signature from %s outside signing phase",
			from)
		return
	}
	p, ok := c.participants[from]
	if !ok {
		log.Warnf("Refund signature from unknown %s", from)
		return
	}

	refundTx := c.session.RefundTx
	sig := msg.Sig
	if sig == nil || sig.Path != contract.KeyPath ||
		!sig.SignerKey.IsEqual(p.reg.KeyPathKey) ||
		!c.cfg.Backend.VerifySig(refundTx, sig) {

		log.Errorf("Invalid refund signature from %s", from)
		return
	}
	if err := refundTx.MergeSig(sig); err != nil {
		log.Errorf("Refund signature merge from %s: %v", from, err)
		return
	}

	if !refundTx.Covered(c.userKeyPathKeys()) {
		return
	}

	// Every user signed.  The maker countersigns, finalizes and only
	// then releases the refund so users can safely sign funding.
	makerSig, err := c.cfg.Backend.PartialSign(
		refundTx, contract.KeyPath, c.makerKeyPath,
	)
	if err != nil {
		log.Errorf("Maker refund signature failed: %v", err)
		c.abortPreFunding("maker refund signature failed")
		return
	}
	if err := refundTx.MergeSig(makerSig); err != nil {
		log.Errorf("Maker refund merge failed: %v", err)
		c.abortPreFunding("maker refund merge failed")
		return
	}

	fc, err := c.session.FundingContract()
	if err != nil {
		log.Errorf("Funding contract lookup failed: %v", err)
		c.abortPreFunding("funding contract missing")
		return
	}
	if err := refundTx.Finalize(fc.Path(contract.KeyPath).Keys); err != nil {
		log.Errorf("Refund finalize failed: %v", err)
		c.abortPreFunding("refund finalize failed")
		return
	}

	c.disarmPhase()

	release := &RefundFinalized{RefundTx: refundTx}
	c.broadcast(release)

	c.transition(AwaitingFundingSigs, "", "refund fully signed")
	c.armPhase(tagFundingSigs, func() { c.broadcast(release) })
}

// handleFundingSignature merges one funding signature and, once every
// input is signed, finalizes and hands the transaction to the
// broadcaster.
func (c *Coordinator) handleFundingSignature(from Handle,
	msg *FundingSignature) {

	if c.session.Phase() != AwaitingFundingSigs {
		log.Warnf("Funding signature from %s outside signing phase",
			from)
		return
	}
	p, ok := c.participants[from]
	if !ok {
		log.Warnf("Funding signature from unknown %s", from)
		return
	}

	fundingTx := c.session.FundingTx
	sig := msg.Sig
	if sig == nil || sig.Path != contract.KeyPath ||
		!sig.SignerKey.IsEqual(p.reg.UTXO.OwnerPubKey) ||
		!c.cfg.Backend.VerifySig(fundingTx, sig) {

		log.Errorf("Invalid funding signature from %s", from)
		return
	}
	if err := fundingTx.MergeSig(sig); err != nil {
		log.Errorf("Funding signature merge from %s: %v", from, err)
		return
	}

	owners := c.inputOwnerKeys()
	if !fundingTx.Covered(owners) {
		return
	}

	if err := fundingTx.Finalize(owners); err != nil {
		log.Errorf("Funding finalize failed: %v", err)
		c.abortPreFunding("funding signatures never reached threshold")
		return
	}

	c.disarmPhase()

	txid, err := c.cfg.Broadcaster.Submit(fundingTx)
	if err != nil {
		log.Errorf("Funding broadcast failed: %v", err)
		c.abortPreFunding("funding broadcast failed")
		return
	}
	log.Infof("Funding transaction %s submitted", txid)

	c.broadcast(&FundingFinalized{FundingTx: fundingTx})

	c.transition(Funded, "", "funding transaction broadcast")
	c.armPhase(tagOutputRegs, nil)
}

// handleRegisterOutput validates one NEW-identity registration by
// redeeming its certificate.
func (c *Coordinator) handleRegisterOutput(from Handle,
	msg *RegisterOutput) {

	if c.session.Phase() != Funded {
		log.Warnf("Output registration from %s outside funded phase",
			from)
		return
	}
	if _, ok := c.outputs[from]; ok {
		log.Warnf("Duplicate output registration from %s", from)
		return
	}
	if msg.KeyPathKey == nil || msg.HashPathKey == nil ||
		msg.Amount <= 0 {

		log.Errorf("Malformed output registration from %s", from)
		return
	}

	// Everything that can fail for maker-side reasons runs before the
	// certificate is redeemed: redemption burns the one-time
	// certificate, and a registration bounced for lack of maker funding
	// must leave the certificate spendable on a retry.
	if len(c.outputs) == len(c.cfg.MakerFunding) {
		log.Errorf("No maker funding left for %s", from)
		return
	}

	makerKey, err := btcec.NewPrivateKey()
	if err != nil {
		log.Errorf("Maker leg key generation failed: %v", err)
		return
	}
	makerRefundKey, err := btcec.NewPrivateKey()
	if err != nil {
		log.Errorf("Maker leg key generation failed: %v", err)
		return
	}

	// Certificate failures are fatal to this registration only; the
	// registrar cannot tell us, and must not be able to tell us, which
	// input registration the certificate came from.
	if err := c.cfg.Registrar.Redeem(msg.Cert, string(from)); err != nil {
		log.Errorf("Certificate redemption for %s failed: %v", from,
			err)
		return
	}

	c.identityMu.Lock()
	c.outputs[from] = &outputReg{
		handle:         from,
		reg:            msg,
		out:            make(chan Message, 16),
		makerKey:       makerKey,
		makerRefundKey: makerRefundKey,
	}
	c.outputOrder = append(c.outputOrder, from)
	c.identityMu.Unlock()

	log.Infof("Output registration %d of %d certificates redeemed",
		len(c.outputs), c.issuedCerts)

	if len(c.outputs) == c.issuedCerts {
		c.disarmPhase()
		c.buildDistribution()
	}
}

// buildDistribution builds, funds and delivers one distribution contract
// per registered NEW identity, then waits for confirmations.
func (c *Coordinator) buildDistribution() {
	c.transition(Distributing, "", "all certificates redeemed")

	for i, h := range c.outputOrder {
		o := c.outputs[h]
		funding := c.cfg.MakerFunding[i]

		dc, err := contract.BuildDistributionContract(
			o.reg.KeyPathKey, o.makerKey.PubKey(),
			o.reg.HashPathKey, o.makerRefundKey.PubKey(),
			&c.hash, o.reg.Amount,
			c.cfg.DistributionTimelock,
		)
		if err != nil {
			log.Errorf("Distribution contract for %s: %v", h, err)
			c.failLeg(h, "distribution contract build failed")
			continue
		}
		if _, err := c.cfg.ScriptEngine.Encode(dc); err != nil {
			log.Errorf("Distribution encoding for %s: %v", h, err)
			c.failLeg(h, "distribution contract encoding failed")
			continue
		}
		c.session.AddContract(dc)

		tx := NewTx(DistributionKind, []UTXORef{funding.Ref},
			[]Output{{ContractID: &dc.ID, Amount: o.reg.Amount}})

		// The maker funds the leg alone, so it signs and finalizes
		// alone.
		sig, err := c.cfg.Backend.PartialSign(
			tx, contract.KeyPath, funding.Key,
		)
		if err == nil {
			err = tx.MergeSig(sig)
		}
		if err == nil {
			err = tx.Finalize(
				[]*btcec.PublicKey{funding.Ref.OwnerPubKey},
			)
		}
		if err != nil {
			log.Errorf("Distribution signing for %s: %v", h, err)
			c.failLeg(h, "distribution signing failed")
			continue
		}

		txid, err := c.cfg.Broadcaster.Submit(tx)
		if err != nil {
			log.Errorf("Distribution broadcast for %s: %v", h, err)
			c.failLeg(h, "distribution broadcast failed")
			continue
		}

		leg := &DistributionLeg{
			Identity:    h,
			ContractID:  dc.ID,
			Tx:          tx,
			BroadcastID: txid,
			State:       LegPending,
		}
		leg.Timer = c.session.Monitor.Arm(
			c.cfg.Clock.Now().Add(c.cfg.PhaseTimeout),
			timeout.PhaseTag(legTagPrefix+string(h)),
		)
		c.session.Legs[h] = leg

		c.send(o.out, &DistributionContract{
			Params: DistributionParams{
				UserKey:        o.reg.KeyPathKey,
				MakerKey:       o.makerKey.PubKey(),
				UserHashKey:    o.reg.HashPathKey,
				MakerRefundKey: o.makerRefundKey.PubKey(),
				Hash:           c.hash,
				Amount:         o.reg.Amount,
				Timelock:       c.cfg.DistributionTimelock,
			},
			Contract: dc,
			Tx:       tx,
		})
	}

	c.cfg.ConfirmTicker.Resume()
}

// pollConfirmations asks the broadcaster about pending distribution legs
// and opens the hash path round once every live leg is confirmed.
func (c *Coordinator) pollConfirmations() {
	if c.session.Phase() != Distributing {
		return
	}

	pending := 0
	confirmed := 0
	for _, leg := range c.session.Legs {
		switch leg.State {
		case LegPending:
			conf, err := c.cfg.Broadcaster.Confirmations(
				leg.BroadcastID,
			)
			if err != nil {
				log.Warnf("Confirmation poll for %s: %v",
					leg.Identity, err)
				pending++
				continue
			}
			if conf > 0 {
				log.Debugf("Leg %s confirmed", leg.Identity)
				leg.State = LegConfirmed
				c.session.Monitor.Cancel(leg.Timer)
				confirmed++
				continue
			}
			pending++

		case LegConfirmed:
			confirmed++
		}
	}

	if pending > 0 {
		return
	}
	c.cfg.ConfirmTicker.Pause()
	if confirmed == 0 {
		c.failPostFunding("no distribution leg confirmed")
		return
	}
	c.openHashPathRound()
}

// openHashPathRound arms the simultaneous release of every user's hash
// path key share, under OLD identities only.
func (c *Coordinator) openHashPathRound() {
	expected := make(map[Handle]exchange.Expectation,
		len(c.participants))
	for h := range c.participants {
		expected[h] = exchange.Expectation{
			Kind:    exchange.PrivateKeyShare,
			Path:    contract.HashPath,
			MustUse: exchange.OldID,
		}
	}

	deadline := c.cfg.Clock.Now().Add(c.cfg.PhaseTimeout)
	if err := c.engine.ArmRound(HashPathRound, expected, deadline); err != nil {
		log.Errorf("Arming hash path round: %v", err)
	}

	c.transition(AwaitingHashPathSecrets, "",
		"all distribution legs confirmed")

	request := &SecretRequest{Round: HashPathRound}
	c.broadcast(request)
	c.armPhase(tagHashSecrets, func() { c.broadcast(request) })
}

// handleReleaseSecret feeds one secret submission into the engine and
// advances when the round's batch predicate holds.
func (c *Coordinator) handleReleaseSecret(from Handle, msg *ReleaseSecret) {
	phase := c.session.Phase()

	var round exchange.RoundTag
	switch phase {
	case AwaitingHashPathSecrets:
		round = HashPathRound
	case AwaitingMakerKeySecrets:
		round = MakerKeyRound
	default:
		log.Warnf("Secret from %s outside a release phase", from)
		return
	}
	if msg.Round != round {
		log.Warnf("Secret from %s for round %s, want %s", from,
			msg.Round, round)
		return
	}

	_, err := c.engine.Submit(round, from, msg.Secret, msg.Generation)
	if err != nil {
		log.Errorf("Secret submission from %s rejected: %v", from,
			err)
		if exchange.IsTimeout(err) {
			c.roundTimedOut(round)
		}
		return
	}

	batch, err := c.engine.ReleaseAll(round)
	switch {
	case errors.Is(err, exchange.ErrRoundNotReady):
		return
	case exchange.IsTimeout(err):
		c.roundTimedOut(round)
		return
	case err != nil:
		log.Errorf("Release of round %s: %v", round, err)
		return
	}

	c.disarmPhase()

	switch round {
	case HashPathRound:
		c.completeHashPathRound(batch)
	case MakerKeyRound:
		c.completeMakerKeyRound(batch)
	}
}

// completeHashPathRound verifies the released hash path shares and
// releases the maker's user-key secrets in turn.
func (c *Coordinator) completeHashPathRound(
	batch map[Handle]*exchange.Secret) {

	for h, secret := range batch {
		want := c.participants[h].reg.HashPathKey
		if !secret.Key.PubKey().IsEqual(want) {
			log.Errorf("Hash path share from %s: %v", h,
				ErrKeyMismatch)
			c.failPostFunding("hash path share key mismatch")
			return
		}
	}
	log.Infof("Hash path round complete: %d shares verified",
		len(batch))

	c.transition(AwaitingUserKeySecrets, "", "hash path round complete")

	if c.cfg.HoldUserKeySecrets {
		// Operator gate: the phase now resolves only via fallback.
		c.armPhase(tagUserKeys, nil)
		return
	}

	c.releaseUserKeySecrets()
}

// releaseUserKeySecrets hands each NEW identity the maker's key path
// secret for its leg, plus the preimage, then opens the maker key round.
func (c *Coordinator) releaseUserKeySecrets() {
	for h, leg := range c.session.Legs {
		if leg.State != LegConfirmed {
			continue
		}
		o := c.outputs[h]
		c.send(o.out, &MakerSecrets{
			KeyPathKey: o.makerKey,
			Preimage:   c.preimage,
		})
	}

	expected := make(map[Handle]exchange.Expectation,
		len(c.participants))
	for h := range c.participants {
		expected[h] = exchange.Expectation{
			Kind:    exchange.PrivateKeyShare,
			Path:    contract.KeyPath,
			MustUse: exchange.OldID,
		}
	}
	deadline := c.cfg.Clock.Now().Add(c.cfg.PhaseTimeout)
	if err := c.engine.ArmRound(MakerKeyRound, expected, deadline); err != nil {
		log.Errorf("Arming maker key round: %v", err)
	}

	c.transition(AwaitingMakerKeySecrets, "", "user key secrets released")

	request := &SecretRequest{Round: MakerKeyRound}
	c.broadcast(request)
	c.armPhase(tagMakerKeys, func() { c.broadcast(request) })
}

// completeMakerKeyRound verifies the released funding key path shares and
// completes the session.
func (c *Coordinator) completeMakerKeyRound(
	batch map[Handle]*exchange.Secret) {

	for h, secret := range batch {
		want := c.participants[h].reg.KeyPathKey
		if !secret.Key.PubKey().IsEqual(want) {
			log.Errorf("Key path share from %s: %v", h,
				ErrKeyMismatch)
			c.failPostFunding("key path share key mismatch")
			return
		}
	}

	for _, leg := range c.session.Legs {
		if leg.State == LegConfirmed {
			leg.State = LegComplete
		}
	}

	c.transition(Complete, "", "all key path secrets exchanged")
}

// handleExpiry maps an elapsed deadline to its fallback transition.  An
// expired timer is the sole trigger for fallbacks.
func (c *Coordinator) handleExpiry(tag timeout.PhaseTag) {
	if c.session.Phase().Terminal() {
		return
	}

	if leg, ok := parseLegTag(tag); ok {
		c.failLeg(leg, "distribution leg delivery timed out")
		return
	}

	switch tag {
	case tagRegistrations:
		c.abortPreFunding("registrations not collected in time")

	case tagRefundSigs:
		c.abortPreFunding("refund signatures not collected in time")

	case tagFundingSigs:
		c.abortPreFunding("funding signatures not collected in time")

	case tagOutputRegs:
		if len(c.outputs) > 0 {
			log.Warnf("Output registration window closed with "+
				"%d of %d certificates redeemed",
				len(c.outputs), c.issuedCerts)
			c.buildDistribution()
			return
		}
		c.failPostFunding("no output registrations received")

	case tagHashSecrets:
		c.engine.Discard(HashPathRound)
		c.failPostFunding("hash path round timed out")

	case tagUserKeys:
		c.degrade("maker did not release user key secrets")

	case tagMakerKeys:
		c.engine.Discard(MakerKeyRound)
		c.degrade("maker key round timed out; maker completes via " +
			"hash path")

	default:
		log.Warnf("Expiry for unknown tag %s", tag)
	}
}

// roundTimedOut handles an engine-detected round timeout, which mirrors
// the monitor expiry for the same phase.
func (c *Coordinator) roundTimedOut(round exchange.RoundTag) {
	c.disarmPhase()

	switch round {
	case HashPathRound:
		c.failPostFunding("hash path round timed out")
	case MakerKeyRound:
		c.degrade("maker key round timed out; maker completes via " +
			"hash path")
	}
}

// abortPreFunding cancels the whole session before any coins moved.  The
// refund transaction, if finalized, becomes broadcast-eligible after its
// timelock; nothing is sent now.
func (c *Coordinator) abortPreFunding(reason string) {
	c.disarmPhase()
	c.transition(Refunded, "", reason)
}

// failPostFunding resolves the session to the CSV fallback: unresolved
// legs revert to the maker after their timelocks, users recover through
// the refund path.
func (c *Coordinator) failPostFunding(reason string) {
	c.disarmPhase()
	for _, leg := range c.session.Legs {
		if leg.State == LegPending || leg.State == LegConfirmed {
			leg.State = LegMakerOwnsAfterCSV
			c.session.Monitor.Cancel(leg.Timer)
		}
	}
	c.transition(MakerOwnsAfterCSV, "", reason)
}

// failLeg resolves a single distribution leg to its CSV fallback without
// touching its siblings.
func (c *Coordinator) failLeg(h Handle, reason string) {
	if leg, ok := c.session.Legs[h]; ok {
		if leg.State != LegPending {
			return
		}
		leg.State = LegMakerOwnsAfterCSV
		c.session.Monitor.Cancel(leg.Timer)
	}

	from := c.session.Phase()
	c.emit(PhaseEvent{
		From: from, To: from, Leg: h, Reason: reason,
	})
	log.Warnf("Leg %s fell back to CSV: %s", h, reason)
}

// degrade records a degraded completion: the maker's remaining valid
// completion is the preimage-revealing hash path spend.  The preimage is
// shared across every distribution contract, so degradation propagates
// to all sibling legs; there is no retry back into Complete.
func (c *Coordinator) degrade(reason string) {
	c.disarmPhase()
	for _, leg := range c.session.Legs {
		if leg.State == LegPending || leg.State == LegConfirmed {
			leg.State = LegDegraded
			c.session.Monitor.Cancel(leg.Timer)
			c.emit(PhaseEvent{
				From:   c.session.Phase(),
				To:     DegradedCompletion,
				Leg:    leg.Identity,
				Reason: "shared preimage revealed",
			})
		}
	}
	c.transition(DegradedCompletion, "", reason)
}

// transition moves the session phase and emits the explicit event.
func (c *Coordinator) transition(to Phase, leg Handle, reason string) {
	from := c.session.Phase()
	if err := c.session.SetPhase(to); err != nil {
		log.Errorf("Transition %s -> %s: %v", from, to, err)
		return
	}
	c.emit(PhaseEvent{From: from, To: to, Leg: leg, Reason: reason})
}

// armPhase arms the monitor for the current phase and installs the
// re-request hook.
func (c *Coordinator) armPhase(tag timeout.PhaseTag, repeat func()) {
	deadline := c.cfg.Clock.Now().Add(c.cfg.PhaseTimeout)
	c.phaseTimer = c.session.Monitor.Arm(deadline, tag)
	c.repeatRequest = repeat
	c.requestsLeft = c.cfg.MaxRequests
	if repeat != nil {
		c.cfg.RequestTicker.Resume()
	}
}

// disarmPhase cancels the phase timer and the re-request hook.
func (c *Coordinator) disarmPhase() {
	c.session.Monitor.Cancel(c.phaseTimer)
	c.repeatRequest = nil
	c.cfg.RequestTicker.Pause()
}

// reRequest resends the current phase's outstanding request at most
// MaxRequests times.  The armed timeout remains the real safety
// boundary.
func (c *Coordinator) reRequest() {
	if c.repeatRequest == nil || c.requestsLeft == 0 {
		return
	}
	c.requestsLeft--
	log.Debugf("Re-requesting missing messages (%d left)",
		c.requestsLeft)
	c.repeatRequest()
}

// broadcast sends a message to every OLD-identity participant.
func (c *Coordinator) broadcast(msg Message) {
	for _, h := range c.order {
		c.send(c.participants[h].out, msg)
	}
}

// send enqueues one outbound message, dropping with a warning when the
// transport is not draining.
func (c *Coordinator) send(out chan Message, msg Message) {
	select {
	case out <- msg:
	default:
		log.Warnf("Outbound queue full, dropping %s", msg.Type())
	}
}

// userKeyPathKeys returns the users' funding key path keys in
// registration order.
func (c *Coordinator) userKeyPathKeys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, 0, len(c.order))
	for _, h := range c.order {
		keys = append(keys, c.participants[h].reg.KeyPathKey)
	}
	return keys
}

// inputOwnerKeys returns the funding input owner keys in registration
// order.
func (c *Coordinator) inputOwnerKeys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, 0, len(c.order))
	for _, h := range c.order {
		keys = append(keys, c.participants[h].reg.UTXO.OwnerPubKey)
	}
	return keys
}

// emit delivers one event without ever blocking the loop.
func (c *Coordinator) emit(ev PhaseEvent) {
	select {
	case c.events <- ev:
	default:
		log.Warnf("Event queue full, dropping %s -> %s", ev.From,
			ev.To)
	}
}

// parseLegTag extracts the identity from a per-leg phase tag.
func parseLegTag(tag timeout.PhaseTag) (Handle, bool) {
	s := string(tag)
	if len(s) > len(legTagPrefix) && s[:len(legTagPrefix)] == legTagPrefix {
		return Handle(s[len(legTagPrefix):]), true
	}
	return "", false
}
