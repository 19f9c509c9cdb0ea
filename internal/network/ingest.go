// Package network exposes the scheduler's QUIC ingest surface. Radios
// open unidirectional streams carrying length-prefixed report envelopes
// and bidirectional streams for status queries. Transport encryption
// comes from a self-signed certificate; identity is not verified here,
// the registry decides who may report.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"AirShare/internal/logger"
	"AirShare/internal/registry"
	"AirShare/internal/wire"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "airshare/1"
)

// Submitter accepts decoded channel reports. Implemented by round.Controller.
type Submitter interface {
	SubmitReport(user, operator registry.ID, report []byte) (uint64, error)
}

// StatusProvider answers status queries. Implemented by round.Controller.
type StatusProvider interface {
	Round() uint64
}

// Config holds the configuration for an Ingest listener.
type Config struct {
	PrivateKey ed25519.PrivateKey // PrivateKey signs the self-signed TLS certificate
	ListenAddr string             // ListenAddr is the address to listen on (e.g., ":9000")
	Submitter  Submitter          // Submitter receives decoded reports
	Status     StatusProvider     // Status answers bidirectional queries
	OnInvalid  func()             // OnInvalid is called for each rejected frame (optional)
}

// Ingest accepts QUIC connections from radios and feeds their reports
// into the scheduling pipeline.
type Ingest struct {
	submitter Submitter      // submitter receives decoded reports
	status    StatusProvider // status answers bidirectional queries
	onInvalid func()         // onInvalid counts rejected frames

	listenAddr string       // listenAddr is the address to listen on
	tlsConfig  *tls.Config  // tlsConfig is the TLS configuration
	quicConfig *quic.Config // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	dedup *Dedup // dedup drops retransmitted report frames

	ctx    context.Context    // ctx is the listener's context
	cancel context.CancelFunc // cancel cancels the listener's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewIngest creates a new ingest listener.
func NewIngest(cfg Config) (*Ingest, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Ingest{
		submitter:  cfg.Submitter,
		status:     cfg.Status,
		onInvalid:  cfg.OnInvalid,
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		dedup:      NewDedup(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Addr returns the listener's address. Returns empty string if not started.
func (in *Ingest) Addr() string {
	if in.listener == nil {
		return ""
	}

	return in.listener.Addr().String()
}

// Start starts the listener and begins accepting connections.
func (in *Ingest) Start() error {
	listener, err := quic.ListenAddr(in.listenAddr, in.tlsConfig, in.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	in.listener = listener

	in.wg.Add(1)
	go in.acceptLoop()

	return nil
}

// Close stops the listener and closes all connections.
func (in *Ingest) Close() error {
	in.cancel()

	if in.listener != nil {
		in.listener.Close()
	}

	in.dedup.Close()
	in.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (in *Ingest) acceptLoop() {
	defer in.wg.Done()

	for {
		conn, err := in.listener.Accept(in.ctx)
		if err != nil {
			return // Listener closed
		}

		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			in.serveConn(conn)
		}()
	}
}

// serveConn processes streams from a single radio connection.
func (in *Ingest) serveConn(conn *quic.Conn) {
	addr := conn.RemoteAddr().String()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.acceptBidiStreams(conn, addr)
	}()

	for {
		stream, err := conn.AcceptUniStream(in.ctx)
		if err != nil {
			logger.Debug("connection ended", "remote", addr, "error", err)
			return
		}

		go in.handleReportStream(stream, addr)
	}
}

// acceptBidiStreams accepts bidirectional streams for status queries.
func (in *Ingest) acceptBidiStreams(conn *quic.Conn, addr string) {
	for {
		stream, err := conn.AcceptStream(in.ctx)
		if err != nil {
			return
		}

		go in.handleStatusStream(stream, addr)
	}
}

// handleStatusStream answers a status query with the current round index.
func (in *Ingest) handleStatusStream(stream *quic.Stream, addr string) {
	defer stream.Close()

	if _, err := readFrame(stream); err != nil {
		logger.Debug("status read error", "remote", addr, "error", err)
		return
	}

	var round uint64
	if in.status != nil {
		round = in.status.Round()
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)

	writeFrame(stream, buf[:])
}

// handleReportStream reads one report envelope from a unidirectional stream
// and submits it to the pipeline.
func (in *Ingest) handleReportStream(stream *quic.ReceiveStream, addr string) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "remote", addr, "error", err)
		in.countInvalid()
		return
	}

	// Drop retransmissions before touching the pipeline
	if !in.dedup.Check(data) {
		logger.Debug("dedup filtered", "remote", addr, "bytes", len(data))
		return
	}

	env, ok := wire.DecodeReportEnvelope(data)
	if !ok {
		logger.Debug("malformed envelope", "remote", addr, "bytes", len(data))
		in.countInvalid()
		return
	}

	rate, err := in.submitter.SubmitReport(env.User, env.Operator, env.Payload)
	if err != nil {
		logger.Debug("report rejected", "remote", addr, "user", string(env.User), "operator", string(env.Operator), "error", err)
		in.countInvalid()
		return
	}

	logger.Debug("report ingested", "remote", addr, "user", string(env.User), "operator", string(env.Operator), "rate", rate)
}

// countInvalid calls the invalid-frame hook if set.
func (in *Ingest) countInvalid() {
	if in.onInvalid != nil {
		in.onInvalid()
	}
}
