package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"AirShare/internal/api"
	"AirShare/internal/event"
	"AirShare/internal/ledger"
	"AirShare/internal/logger"
	"AirShare/internal/metrics"
	"AirShare/internal/network"
	"AirShare/internal/registry"
	"AirShare/internal/round"
	"AirShare/internal/sched"
	"AirShare/internal/settle"
	"AirShare/internal/snap"
	"AirShare/internal/storage"
)

// Node represents a running scheduler node.
type Node struct {
	cfg        *Config
	storage    *storage.Storage
	registry   *registry.Service
	collector  *metrics.Collector
	ledger     *ledger.Ledger
	sched      *sched.Engine
	settle     *settle.Engine
	controller *round.Controller
	api        *api.Server
	ingest     *network.Ingest

	stopRounds chan struct{} // stopRounds ends the automatic round loop
	closeOnce  sync.Once     // closeOnce guards double shutdown
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, stopRounds: make(chan struct{})}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initPipeline(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.restoreSnapshot(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initIngest(); err != nil {
		n.Close()
		return nil, err
	}

	n.initAPI()

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initPipeline wires the scheduling pipeline: registry, ledger,
// scheduler, settlement and the round barrier on top.
func (n *Node) initPipeline() error {
	reg, err := registry.New(n.storage)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	n.registry = reg

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics:\n%w", err)
	}

	n.collector = collector

	sink := event.Multi{collector}

	n.ledger = ledger.New(n.storage, sink)
	n.sched = sched.New(n.ledger, n.storage, sink, sched.HashDurations([]byte(n.cfg.RoundSalt)))
	n.settle = settle.New(n.sched, n.storage, sink, nil)

	controller, err := round.New(n.storage, n.registry, n.ledger, n.sched, n.settle)
	if err != nil {
		return fmt.Errorf("init round controller:\n%w", err)
	}

	n.controller = controller

	return nil
}

// restoreSnapshot loads state from a snapshot file when configured.
func (n *Node) restoreSnapshot() error {
	if n.cfg.RestorePath == "" {
		return nil
	}

	blob, err := os.ReadFile(n.cfg.RestorePath)
	if err != nil {
		return fmt.Errorf("read snapshot:\n%w", err)
	}

	restored, err := snap.Restore(blob, n.registry, n.ledger, n.sched, n.settle)
	if err != nil {
		return fmt.Errorf("restore snapshot:\n%w", err)
	}

	logger.Info("snapshot restored", "path", n.cfg.RestorePath, "round", restored)

	return nil
}

// initIngest initializes the QUIC report ingest listener.
func (n *Node) initIngest() error {
	ingest, err := network.NewIngest(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		Submitter:  n.controller,
		Status:     n.controller,
		OnInvalid:  n.collector.IncInvalidReport,
	})
	if err != nil {
		return fmt.Errorf("init ingest:\n%w", err)
	}

	n.ingest = ingest

	return nil
}

// initAPI initializes the HTTP API server.
func (n *Node) initAPI() {
	n.api = api.New(api.Config{
		Addr:      n.cfg.HTTPAddress,
		Reports:   n.controller,
		Registry:  n.registry,
		Rates:     n.settle,
		Rounds:    n.controller,
		Snapshot:  n,
		Metrics:   n.collector.Handler(),
		OnInvalid: n.collector.IncInvalidReport,
		OnRound:   n.collector.ObserveRound,
	})
}

// Snapshot exports the current scheduler state for GET /snapshot.
func (n *Node) Snapshot() ([]byte, error) {
	return snap.Create(n.controller.Round(), n.registry, n.ledger, n.sched, n.settle)
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.ingest.Start(); err != nil {
		return fmt.Errorf("start ingest:\n%w", err)
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if n.cfg.RoundInterval > 0 {
		go n.roundLoop()
	}

	return n.waitForShutdown()
}

// roundLoop advances rounds on a fixed interval until shutdown.
func (n *Node) roundLoop() {
	ticker := time.NewTicker(n.cfg.RoundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()

			result, err := n.controller.AdvanceRound()
			if err != nil {
				logger.Error("automatic round failed", "error", err)
				continue
			}

			n.collector.ObserveRound(time.Since(start))

			logger.Debug("automatic round advanced",
				"round", result.Round,
				"settlements", len(result.Settlements),
			)
		case <-n.stopRounds:
			return
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, then shuts down.
func (n *Node) waitForShutdown() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")

	return n.Close()
}

// Close releases node resources in reverse start order.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.stopRounds) })

	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			logger.Warn("api shutdown error", "error", err)
		}
	}

	if n.ingest != nil {
		if err := n.ingest.Close(); err != nil {
			logger.Warn("ingest shutdown error", "error", err)
		}
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
