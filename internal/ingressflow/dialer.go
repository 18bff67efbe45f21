package ingressflow

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"tunnelcannon/internal/quicconf"
)

// PersistentDialer maintains one long-lived QUIC connection to the
// egress peer and opens a new bidi stream per tunneled TCP connection,
// transparently redialing if the connection has failed. Adapted from
// the teacher's single-long-lived-connection bridge design.
type PersistentDialer struct {
	Addr   string
	TLS    *tls.Config
	QUIC   *quic.Config
	DialFn func(ctx context.Context, addr string, tlsCfg *tls.Config, qCfg *quic.Config) (*quic.Conn, error)

	mu   sync.Mutex
	conn *quic.Conn
	down bool
}

// NewPersistentDialer returns a dialer using the shared tunnel QUIC/TLS
// defaults and quic.DialAddr.
func NewPersistentDialer(addr string, tlsCfg *tls.Config) *PersistentDialer {
	return &PersistentDialer{
		Addr:   addr,
		TLS:    tlsCfg,
		QUIC:   quicconf.Config(),
		DialFn: quic.DialAddr,
		down:   true,
	}
}

func (d *PersistentDialer) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil && !d.down {
		return nil
	}
	if d.conn != nil {
		_ = d.conn.CloseWithError(0, "reconnecting")
		d.conn = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := d.DialFn(dialCtx, d.Addr, d.TLS, d.QUIC)
	if err != nil {
		return fmt.Errorf("ingress: dial QUIC %s: %w", d.Addr, err)
	}
	d.conn = conn
	d.down = false
	log.Printf("ingress: connected to egress peer %s", d.Addr)
	return nil
}

// OpenStream implements QuicDialer.
func (d *PersistentDialer) OpenStream(ctx context.Context) (*quic.Stream, error) {
	if err := d.ensureConnected(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		d.mu.Lock()
		d.down = true
		d.mu.Unlock()

		if err := d.ensureConnected(ctx); err != nil {
			return nil, fmt.Errorf("ingress: reconnect after failed open-stream: %w", err)
		}
		d.mu.Lock()
		conn = d.conn
		d.mu.Unlock()
		return conn.OpenStreamSync(ctx)
	}
	return stream, nil
}
