package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"
)

// Config holds the scheduler node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC report ingest listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey signs the ingest listener's TLS certificate.
	PrivateKey ed25519.PrivateKey

	// RoundSalt seeds the per-round service duration draw. The same
	// salt reproduces the same durations across runs.
	RoundSalt string

	// RoundInterval drives automatic rounds. Zero means rounds are
	// advanced only via POST /round/advance.
	RoundInterval time.Duration

	// RestorePath is an optional snapshot file to restore at boot.
	RestorePath string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC report ingest address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.RoundSalt, "salt", "", "Round duration salt")
	flag.DurationVar(&cfg.RoundInterval, "round-interval", 0, "Automatic round interval (0 = manual)")
	flag.StringVar(&cfg.RestorePath, "restore", "", "Snapshot file to restore at boot")
	flag.Parse()

	return cfg
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
