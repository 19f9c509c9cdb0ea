package network

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"AirShare/internal/wire"
)

const (
	// defaultStatusTimeout bounds a status round trip when the caller's
	// context has no deadline.
	defaultStatusTimeout = 10 * time.Second
)

// Conn is a radio-side connection to an ingest listener.
type Conn struct {
	conn *quic.Conn // conn is the underlying QUIC connection
	mu   sync.Mutex // mu protects send operations
}

// Dial connects to an ingest listener at the given address.
// The server presents a self-signed certificate, so verification is
// skipped; the transport is encrypted but the endpoint is trusted by
// address.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Conn{conn: conn}, nil
}

// SendReport sends one report envelope on a new unidirectional stream.
func (c *Conn) SendReport(env wire.ReportEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, err := c.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, wire.EncodeReportEnvelope(env)); err != nil {
		stream.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	return stream.Close()
}

// Status queries the listener's current round index via a bidirectional
// stream.
func (c *Conn) Status(ctx context.Context) (uint64, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultStatusTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, nil); err != nil {
		return 0, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return 0, fmt.Errorf("read response:\n%w", err)
	}

	if len(response) != 8 {
		return 0, fmt.Errorf("malformed status response: %d bytes", len(response))
	}

	return binary.BigEndian.Uint64(response), nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}
