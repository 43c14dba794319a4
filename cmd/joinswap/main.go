// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/swap"
	"github.com/JoseSK999/JoinSwap/transport"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

const semverString = "0.1.0"

func main() {
	if err := realMain(); err != nil {
		os.Exit(1)
	}
}

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("joinswap version %s\n", semverString)
		return nil
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if cfg.Maker {
		return runMaker(ctx, cfg)
	}
	return runUser(ctx, cfg)
}

// loggingBroadcaster accepts finalized transactions and reports them as
// confirmed immediately.
//
// TODO(joinswap): wire to a bitcoind RPC backend so funding and
// distribution transactions actually hit a chain.
type loggingBroadcaster struct {
	mu        sync.Mutex
	submitted map[chainhash.Hash]*swap.Tx
}

func newLoggingBroadcaster() *loggingBroadcaster {
	return &loggingBroadcaster{
		submitted: make(map[chainhash.Hash]*swap.Tx),
	}
}

func (b *loggingBroadcaster) Submit(tx *swap.Tx) (chainhash.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := tx.TxID()
	b.submitted[id] = tx
	log.Infof("Accepted %s transaction %s", tx.Kind, id)
	return id, nil
}

func (b *loggingBroadcaster) Confirmations(
	id chainhash.Hash) (int32, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.submitted[id]; !ok {
		return 0, fmt.Errorf("unknown transaction %s", id)
	}
	return 1, nil
}

// runMaker serves one swap session over TCP.
func runMaker(ctx context.Context, cfg *config) error {
	reg, err := registrar.New()
	if err != nil {
		return err
	}

	// Maker-side funding for the distribution legs.  One output per
	// certificate the session can issue.
	funding := make([]swap.MakerUTXO, 0, 32)
	for i := 0; i < 32; i++ {
		utxo, key, err := generateStake(
			btcutil.Amount(21_000_000_00),
		)
		if err != nil {
			return err
		}
		funding = append(funding, swap.MakerUTXO{Ref: utxo, Key: key})
	}

	coord, err := swap.NewCoordinator(swap.Config{
		NumParticipants: cfg.NumParticipants,
		PhaseTimeout:    cfg.PhaseTimeout,
		MakerFunding:    funding,
		Registrar:       reg,
		Broadcaster:     newLoggingBroadcaster(),
	})
	if err != nil {
		return err
	}
	coord.Start()
	defer coord.Stop()

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Infof("Maker listening on %s, registrar key %x", cfg.Listen,
		reg.PubKey().SerializeCompressed())

	g, ctx := errgroup.WithContext(ctx)

	// Close the listener when the session ends or on interrupt.
	g.Go(func() error {
		defer listener.Close()

		for {
			select {
			case ev := <-coord.Events():
				log.Infof("Session %s -> %s: %s", ev.From,
					ev.To, ev.Reason)
				if ev.To.Terminal() {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go serveConn(ctx, coord, conn)
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveConn pumps one participant connection: inbound frames into the
// coordinator, and the identity's outbound queue back out.
func serveConn(ctx context.Context, coord *swap.Coordinator,
	conn net.Conn) {

	defer conn.Close()

	codec := transport.NewCodec(conn)
	var pumpOnce sync.Once

	for {
		in, err := codec.Receive()
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, transport.ErrBadFrame),
			errors.Is(err, transport.ErrUnknownType):
			log.Warnf("Dropping frame from %s: %v",
				conn.RemoteAddr(), err)
			continue
		case err != nil:
			log.Debugf("Connection %s closed: %v",
				conn.RemoteAddr(), err)
			return
		}

		if err := coord.Deliver(in.From, in.Msg); err != nil {
			return
		}

		// The first frame names the identity this connection
		// serves; everything queued for it flows back here.
		from := in.From
		pumpOnce.Do(func() {
			go pumpOutbound(ctx, coord, codec, from)
		})
	}
}

func pumpOutbound(ctx context.Context, coord *swap.Coordinator,
	codec *transport.Codec, id swap.Handle) {

	// The queue appears once the coordinator accepts the identity's
	// registration.
	var out <-chan swap.Message
	for out == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
			out = coord.Outbound(id)
		}
	}

	for {
		select {
		case msg := <-out:
			if err := codec.Send("maker", msg); err != nil {
				log.Debugf("Send to %s failed: %v", id, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// generateStake fabricates a spendable input for demo runs without a
// chain backend.
func generateStake(amount btcutil.Amount) (swap.UTXORef,
	*btcec.PrivateKey, error) {

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return swap.UTXORef{}, nil, err
	}
	return swap.UTXORef{
		OutPoint: wire.OutPoint{
			Hash: chainhash.HashH(
				key.PubKey().SerializeCompressed(),
			),
		},
		Amount:      amount,
		OwnerPubKey: key.PubKey(),
	}, key, nil
}

// runUser drives the full user-side protocol against a maker.
func runUser(ctx context.Context, cfg *config) error {
	conn, err := net.Dial("tcp", cfg.Connect)
	if err != nil {
		return err
	}
	defer conn.Close()
	codec := transport.NewCodec(conn)

	utxo, utxoKey, err := generateStake(btcutil.Amount(cfg.Amount))
	if err != nil {
		return err
	}
	refundKey, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}

	plans := make([]swap.OutputPlan, 0, len(cfg.Outputs))
	for i, amount := range cfg.Outputs {
		plans = append(plans, swap.OutputPlan{
			ID:     swap.Handle(fmt.Sprintf("%s-%d", cfg.Identity, i)),
			Amount: btcutil.Amount(amount),
		})
	}

	// The registrar key is learned out of band: the maker prints it on
	// startup and the user pins it with --registrarkey.
	registrarRaw, err := hex.DecodeString(cfg.RegistrarKey)
	if err != nil {
		return err
	}
	registrarKey, err := btcec.ParsePubKey(registrarRaw)
	if err != nil {
		return err
	}

	agent, err := swap.NewAgent(swap.AgentConfig{
		OldID:        swap.Handle(cfg.Identity),
		UTXO:         utxo,
		UTXOKey:      utxoKey,
		RefundKey:    refundKey,
		Outputs:      plans,
		RegistrarKey: registrarKey,
	})
	if err != nil {
		return err
	}
	defer agent.Stop()

	oldID := swap.Handle(cfg.Identity)
	regMsg, err := agent.SubmitRegistration()
	if err != nil {
		return err
	}
	if err := codec.Send(oldID, regMsg); err != nil {
		return err
	}
	log.Infof("Registered input of %v under %s",
		btcutil.Amount(cfg.Amount), oldID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return userOldLoop(ctx, cfg, agent, codec, oldID)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// userOldLoop handles the OLD-identity connection until the swap
// resolves, spawning the NEW-identity connections after funding.
func userOldLoop(ctx context.Context, cfg *config,
	agent *swap.ParticipantAgent, codec *transport.Codec,
	oldID swap.Handle) error {

	var legs sync.WaitGroup
	defer legs.Wait()

	for {
		in, err := codec.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch msg := in.Msg.(type) {
		case *swap.BlindCertificate:
			if err := agent.HandleCertificates(msg); err != nil {
				return err
			}
			log.Infof("Received %d blind certificates",
				len(msg.Certs))

		case *swap.RefundContractProposal:
			sig, err := agent.VerifyAndSignRefund(msg)
			if err != nil {
				return err
			}
			if err := codec.Send(oldID, sig); err != nil {
				return err
			}
			log.Info("Refund proposal verified and signed")

		case *swap.RefundFinalized:
			if err := agent.HandleRefundFinalized(msg); err != nil {
				return err
			}
			sig, err := agent.SignFunding()
			if err != nil {
				return err
			}
			if err := codec.Send(oldID, sig); err != nil {
				return err
			}
			log.Info("Refund finalized, funding signed")

		case *swap.FundingFinalized:
			// Rotate: one fresh connection per NEW identity.
			regs, err := agent.RegisterOutputs()
			if err != nil {
				return err
			}
			for i, reg := range regs {
				id := swap.Handle(fmt.Sprintf("%s-%d",
					cfg.Identity, i))
				legs.Add(1)
				go func(id swap.Handle,
					reg *swap.RegisterOutput) {

					defer legs.Done()
					err := runLeg(ctx, cfg, agent, id, reg)
					if err != nil {
						log.Errorf("Leg %s: %v", id,
							err)
					}
				}(id, reg)
			}
			log.Infof("Funding finalized, rotated to %d new "+
				"identities", len(regs))

		case *swap.SecretRequest:
			release, err := answerSecretRequest(
				ctx, cfg, agent, msg,
			)
			if err != nil {
				return err
			}
			if err := codec.Send(oldID, release); err != nil {
				return err
			}
			log.Infof("Released secret for round %s", msg.Round)
			if msg.Round == swap.MakerKeyRound {
				return nil
			}

		default:
			log.Warnf("Unexpected %s from maker", in.Msg.Type())
		}
	}
}

// answerSecretRequest produces the requested release, waiting for its
// preconditions when necessary.
func answerSecretRequest(ctx context.Context, cfg *config,
	agent *swap.ParticipantAgent,
	req *swap.SecretRequest) (*swap.ReleaseSecret, error) {

	deadline := time.Now().Add(cfg.PhaseTimeout)

	switch req.Round {
	case swap.HashPathRound:
		// Every leg must hold a verified distribution contract
		// before the hash share leaves this process.
		if err := agent.AwaitDistribution(deadline); err != nil {
			return nil, err
		}
		return agent.ReleaseHashPathSecret()

	case swap.MakerKeyRound:
		// The maker's secrets arrive on the leg connections and may
		// race this request.
		for {
			release, err := agent.ReleaseKeyPathSecret()
			if !errors.Is(err, swap.ErrOrderingViolation) {
				return release, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			if time.Now().After(deadline) {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("unknown round %s", req.Round)
}

// runLeg registers one NEW identity over its own connection and consumes
// its distribution contract and the maker's secrets.
func runLeg(ctx context.Context, cfg *config,
	agent *swap.ParticipantAgent, id swap.Handle,
	reg *swap.RegisterOutput) error {

	conn, err := net.Dial("tcp", cfg.Connect)
	if err != nil {
		return err
	}
	defer conn.Close()
	codec := transport.NewCodec(conn)

	if err := codec.Send(id, reg); err != nil {
		return err
	}

	for {
		in, err := codec.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch msg := in.Msg.(type) {
		case *swap.DistributionContract:
			if err := agent.VerifyDistribution(id, msg); err != nil {
				return err
			}
			log.Infof("Distribution contract for %s verified "+
				"(%v)", id, msg.Params.Amount)

		case *swap.MakerSecrets:
			if err := agent.HandleMakerSecrets(id, msg); err != nil {
				return err
			}
			log.Infof("Maker secrets for %s verified", id)
			return nil

		default:
			log.Warnf("Unexpected %s on leg %s", in.Msg.Type(), id)
		}
	}
}
