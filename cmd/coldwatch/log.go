// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/coldwatch/coldwatch/chain"
	"github.com/coldwatch/coldwatch/ledger"
	"github.com/coldwatch/coldwatch/txbuilder"
	"github.com/coldwatch/coldwatch/wallet"
)

// logWriter duplicates log output to stderr and, when configured, to the
// rotated log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stderr.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the logging backend all subsystem loggers hang off.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is nil until initLogRotator configures a log file.
	logRotator *rotator.Rotator

	cwatLog = backendLog.Logger("CWAT")
	chioLog = backendLog.Logger("CHIO")
	ledgLog = backendLog.Logger("LEDG")
	bldrLog = backendLog.Logger("BLDR")
)

// wireSubsystems hands each package its logger.
func init() {
	wallet.UseLogger(cwatLog)
	chain.UseLogger(chioLog)
	ledger.UseLogger(ledgLog)
	txbuilder.UseLogger(bldrLog)
}

// setLogLevel applies the same level to every subsystem.
func setLogLevel(levelName string) error {
	level, ok := btclog.LevelFromString(levelName)
	if !ok {
		return fmt.Errorf("invalid log level %q", levelName)
	}

	for _, logger := range []btclog.Logger{
		cwatLog, chioLog, ledgLog, bldrLog,
	} {
		logger.SetLevel(level)
	}

	return nil
}

// initLogRotator starts rotating log output into logFile.
func initLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}
	logRotator = r

	return nil
}
