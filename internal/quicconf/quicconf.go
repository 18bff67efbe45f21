// Package quicconf builds the shared QUIC and TLS configuration used
// by both the ingress dialer and the egress listener, so the two sides
// of the tunnel agree on transport parameters without either owning
// the other's config.
package quicconf

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application-layer protocol negotiated on every tunnel
// connection.
const ALPN = "hq-29"

// KeepAlivePeriod is how often a QUIC connection sends keep-alive
// frames to hold the path open between bursts of stream traffic.
const KeepAlivePeriod = 5 * time.Second

// MaxIdleTimeout governs how long a connection may sit idle before the
// transport tears it down.
const MaxIdleTimeout = 5 * time.Minute

// MaxIncomingStreams caps the number of concurrently open bidi streams
// an egress connection will accept from one peer, a local guard
// against unbounded fan-out rather than a negotiated protocol limit.
const MaxIncomingStreams = 500

// Config returns the quic.Config shared by dialer and listener. Only
// bidirectional streams are used by this tunnel (see package session),
// so the unidirectional stream window is held at zero. quic-go reads a
// zero MaxIncomingUniStreams as "use the default", so a negative value
// is what allows no unidirectional streams at all.
func Config() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 MaxIdleTimeout,
		KeepAlivePeriod:                KeepAlivePeriod,
		MaxIncomingStreams:             MaxIncomingStreams,
		MaxIncomingUniStreams:          -1,
		InitialStreamReceiveWindow:     1 << 20,
		MaxStreamReceiveWindow:         16 << 20,
		InitialConnectionReceiveWindow: 2 << 20,
		MaxConnectionReceiveWindow:     32 << 20,
		EnableDatagrams:                false,
	}
}

// ClientTLSConfig builds the tls.Config an ingress process uses to
// dial an egress peer, trusting the given root CA pool and verifying
// against serverName.
func ClientTLSConfig(roots *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:    roots,
		ServerName: serverName,
		NextProtos: []string{ALPN},
	}
}

// ServerTLSConfig builds the tls.Config an egress process listens
// with, presenting cert for every incoming connection.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}
}
