// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/JoseSK999/JoinSwap/exchange"
	"github.com/JoseSK999/JoinSwap/registrar"
	"github.com/JoseSK999/JoinSwap/swap"
	"github.com/JoseSK999/JoinSwap/timeout"
	"github.com/JoseSK999/JoinSwap/transport"
	"github.com/btcsuite/btclog"
)

// Loggers per subsystem.  All subsystem loggers route their output
// through backendLog.  When adding a new subsystem, add a reference here
// and to the subsystemLoggers map.
var (
	backendLog = btclog.NewBackend(os.Stdout)

	log     = backendLog.Logger("JOIN")
	swapLog = backendLog.Logger("SWAP")
	xchgLog = backendLog.Logger("XCHG")
	rgstLog = backendLog.Logger("RGST")
	timeLog = backendLog.Logger("TIME")
	trnsLog = backendLog.Logger("TRNS")
)

// Initialize package-global logger variables.
func init() {
	swap.UseLogger(swapLog)
	exchange.UseLogger(xchgLog)
	registrar.UseLogger(rgstLog)
	timeout.UseLogger(timeLog)
	transport.UseLogger(trnsLog)
}

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]btclog.Logger{
	"JOIN": log,
	"SWAP": swapLog,
	"XCHG": xchgLog,
	"RGST": rgstLog,
	"TIME": timeLog,
	"TRNS": trnsLog,
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level.
func setLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
