// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultListenAddr      = "localhost:7742"
	defaultLogLevel        = "info"
	defaultNumParticipants = 2
	defaultPhaseTimeout    = 2 * time.Minute
)

// config defines the configuration options for joinswap.
type config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	// Mode selection.
	Maker   bool   `long:"maker" description:"Run as the session maker"`
	Connect string `short:"c" long:"connect" description:"Maker address to connect to in user mode"`

	// Maker options.
	Listen          string        `long:"listen" description:"Address to listen on in maker mode"`
	NumParticipants int           `long:"participants" description:"Number of input registrations the session waits for"`
	PhaseTimeout    time.Duration `long:"phasetimeout" description:"Upper bound on every wait for counterparty messages"`

	// User options.
	Identity     string  `long:"identity" description:"Identity handle to register the input under"`
	Amount       int64   `long:"amount" description:"Value of the pooled input, in satoshis"`
	Outputs      []int64 `long:"output" description:"Planned distribution amount in satoshis; may be given multiple times"`
	RegistrarKey string  `long:"registrarkey" description:"Maker registrar public key, hex encoded"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{
		Listen:          defaultListenAddr,
		NumParticipants: defaultNumParticipants,
		PhaseTimeout:    defaultPhaseTimeout,
		DebugLevel:      defaultLogLevel,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.ShowVersion {
		return &cfg, nil
	}

	if !validLogLevel(cfg.DebugLevel) {
		return nil, fmt.Errorf("invalid debuglevel %q", cfg.DebugLevel)
	}
	setLogLevels(cfg.DebugLevel)

	if cfg.Maker == (cfg.Connect != "") {
		return nil, fmt.Errorf("exactly one of --maker and " +
			"--connect must be given")
	}

	if cfg.Maker {
		if cfg.NumParticipants < 2 {
			return nil, fmt.Errorf("--participants must be at " +
				"least 2")
		}
		return &cfg, nil
	}

	if cfg.Identity == "" {
		return nil, fmt.Errorf("user mode requires --identity")
	}
	if cfg.Amount <= 0 {
		return nil, fmt.Errorf("user mode requires a positive " +
			"--amount")
	}
	if len(cfg.Outputs) == 0 {
		return nil, fmt.Errorf("user mode requires at least one " +
			"--output")
	}
	if cfg.RegistrarKey == "" {
		return nil, fmt.Errorf("user mode requires --registrarkey")
	}
	var total btcutil.Amount
	for _, out := range cfg.Outputs {
		if out <= 0 {
			return nil, fmt.Errorf("--output values must be " +
				"positive")
		}
		total += btcutil.Amount(out)
	}
	if total > btcutil.Amount(cfg.Amount) {
		return nil, fmt.Errorf("planned outputs (%v) exceed the "+
			"pooled amount (%v)", total,
			btcutil.Amount(cfg.Amount))
	}

	return &cfg, nil
}
