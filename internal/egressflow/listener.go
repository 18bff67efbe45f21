package egressflow

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"

	"tunnelcannon/internal/quicconf"
)

// quicListener adapts *quic.EarlyListener-free *quic.Listener to the
// Acceptor's narrow Listener interface.
type quicListener struct {
	ln *quic.Listener
}

func (q *quicListener) Accept(ctx context.Context) (*quic.Conn, error) {
	return q.ln.Accept(ctx)
}

// Listen binds a QUIC listener on addr using the shared tunnel
// transport defaults and the given server certificate.
func Listen(addr string, cert tls.Certificate) (Listener, func() error, error) {
	ln, err := quic.ListenAddr(addr, quicconf.ServerTLSConfig(cert), quicconf.Config())
	if err != nil {
		return nil, nil, fmt.Errorf("egress: listen QUIC %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, ln.Close, nil
}
