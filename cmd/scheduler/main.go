package main

import (
	"fmt"
	"os"

	"AirShare/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting scheduler node",
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"round_interval", cfg.RoundInterval.String(),
	)
}
