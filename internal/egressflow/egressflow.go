// Package egressflow runs the egress-side acceptor: it accepts QUIC
// connections, and for each inbound bidi stream reads the TCP-CONNECT
// handshake, dials the named destination, and hands the session to the
// bridge.
package egressflow

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/quic-go/quic-go"

	"tunnelcannon/internal/session"
	"tunnelcannon/internal/shutdown"
	"tunnelcannon/internal/tlv"
)

// SessionMonitor receives session and bridge-worker lifecycle events
// for status reporting. Satisfied by *monitor.SessionMonitor; may be
// left nil on Acceptor to skip reporting entirely.
type SessionMonitor interface {
	SessionStarted()
	SessionEnded()
	session.Monitor
}

// Dialer dials the TCP destination named in a TCP_CONNECT message.
// Abstracted so tests can substitute a fake.
type Dialer interface {
	DialTCP(dest tlv.TCPDestination) (net.Conn, error)
}

// NetDialer dials with the standard library.
type NetDialer struct{}

func (NetDialer) DialTCP(dest tlv.TCPDestination) (net.Conn, error) {
	return net.Dial("tcp", dest.String())
}

// Allowlist optionally restricts which destinations egress will dial.
// A nil or empty Allowlist permits everything, matching spec.md (which
// is silent on destination filtering).
type Allowlist struct {
	hosts map[string]struct{}
	nets  []*net.IPNet
}

// NewAllowlist builds an allowlist from a set of comma-separated-style
// entries (exact hosts/IPs, or CIDR ranges like "10.0.0.0/24"). An
// empty slice means "allow everything."
func NewAllowlist(hosts []string) *Allowlist {
	if len(hosts) == 0 {
		return nil
	}
	a := &Allowlist{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if _, ipnet, err := net.ParseCIDR(h); err == nil {
			a.nets = append(a.nets, ipnet)
			continue
		}
		a.hosts[h] = struct{}{}
	}
	return a
}

func (a *Allowlist) permits(dest tlv.TCPDestination) bool {
	if a == nil {
		return true
	}
	if _, ok := a.hosts[dest.IP.String()]; ok {
		return true
	}
	for _, ipnet := range a.nets {
		if ipnet.Contains(dest.IP) {
			return true
		}
	}
	return false
}

// Listener is the subset of *quic.Listener the acceptor uses.
type Listener interface {
	Accept(ctx context.Context) (*quic.Conn, error)
}

// Acceptor is the egress-side acceptor described in spec.md §4.3.
type Acceptor struct {
	Listener  Listener
	Dialer    Dialer
	Allowlist *Allowlist
	Scope     *shutdown.Scope
	Monitor   SessionMonitor
}

// Run accepts QUIC connections forever until the scope closes.
func (a *Acceptor) Run() error {
	for {
		conn, err := a.acceptOne()
		if err != nil {
			if isShutdown(a.Scope) {
				return nil
			}
			log.Printf("egress: accept QUIC connection error: %v", err)
			continue
		}

		connScope := a.Scope.NewChild()
		a.Scope.Go(func() {
			a.handleConnection(connScope, conn)
		})
	}
}

func (a *Acceptor) acceptOne() (*quic.Conn, error) {
	type result struct {
		conn *quic.Conn
		err  error
	}
	ch := make(chan result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c, err := a.Listener.Accept(ctx)
		ch <- result{c, err}
	}()
	select {
	case <-a.Scope.Done():
		return nil, fmt.Errorf("egress: shutting down")
	case r := <-ch:
		return r.conn, r.err
	}
}

// handleConnection owns one QUIC connection's incoming-stream
// iterator, spawning a StreamSession per accepted bidi stream until the
// source is exhausted, the peer closes cleanly, or shutdown fires.
func (a *Acceptor) handleConnection(scope *shutdown.Scope, conn *quic.Conn) {
	defer scope.Close()
	defer conn.CloseWithError(0, "connection handler done")

	for {
		stream, err := a.acceptStream(scope, conn)
		if err != nil {
			if isShutdown(scope) {
				return
			}
			var appErr *quic.ApplicationError
			if asApplicationError(err, &appErr) && appErr.ErrorCode == 0 {
				return // clean peer close
			}
			log.Printf("egress: accept stream error: %v", err)
			return
		}

		scope.Go(func() {
			a.handleStream(scope, stream)
		})
	}
}

func (a *Acceptor) acceptStream(scope *shutdown.Scope, conn *quic.Conn) (*quic.Stream, error) {
	type result struct {
		stream *quic.Stream
		err    error
	}
	ch := make(chan result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		s, err := conn.AcceptStream(ctx)
		ch <- result{s, err}
	}()
	select {
	case <-scope.Done():
		return nil, fmt.Errorf("egress: connection handler shutting down")
	case r := <-ch:
		return r.stream, r.err
	}
}

// handleStream runs the egress side of the TCP-CONNECT handshake for
// one accepted stream, then hands off to the bridge on success.
func (a *Acceptor) handleStream(scope *shutdown.Scope, stream *quic.Stream) {
	dest, ok := a.handshake(stream)
	if !ok {
		stream.Close()
		return
	}

	tcp, err := a.Dialer.DialTCP(dest)
	if err != nil {
		log.Printf("egress: dial %s: %v", dest, err)
		writeError(stream, tlv.ErrNetworkFailure)
		stream.Close()
		return
	}

	if _, err := writeOK(stream); err != nil {
		tcp.Close()
		stream.Close()
		return
	}

	if a.Monitor != nil {
		a.Monitor.SessionStarted()
		defer a.Monitor.SessionEnded()
	}
	session.New(scope, tcp, stream, a.Monitor).Run()
}

// handshake reads and decodes the TCP-CONNECT message. On EOF it
// terminates silently (no message was ever started); on any other
// decode failure it replies ERROR(malformed-tlv).
func (a *Acceptor) handshake(stream *quic.Stream) (tlv.TCPDestination, bool) {
	buf := make([]byte, tlv.LenTCPConnect)
	n, err := readFull(stream, buf[:1])
	if err != nil || n == 0 {
		return tlv.TCPDestination{}, false // EOF before any byte: silent terminal condition
	}
	typ, err := tlv.PeekType(buf[:1])
	if err != nil || typ != tlv.TypeTCPConnect {
		writeError(stream, tlv.ErrMalformedTLV)
		return tlv.TCPDestination{}, false
	}
	if _, err := readFull(stream, buf[1:tlv.LenTCPConnect]); err != nil {
		writeError(stream, tlv.ErrMalformedTLV)
		return tlv.TCPDestination{}, false
	}

	dest, err := tlv.DecodeTCPConnect(buf)
	if err != nil {
		writeError(stream, tlv.ErrMalformedTLV)
		return tlv.TCPDestination{}, false
	}
	if !a.Allowlist.permits(dest) {
		log.Printf("egress: destination %s not in allowlist", dest)
		writeError(stream, tlv.ErrNetworkFailure)
		return tlv.TCPDestination{}, false
	}
	return dest, true
}

func writeOK(stream *quic.Stream) (int, error) {
	buf := make([]byte, tlv.LenTCPConnectOK)
	n, err := tlv.EncodeOK(buf)
	if err != nil {
		return 0, err
	}
	return stream.Write(buf[:n])
}

func writeError(stream *quic.Stream, code tlv.ErrorCode) {
	buf := make([]byte, tlv.LenError)
	n, err := tlv.EncodeError(code, buf)
	if err != nil {
		return
	}
	_, _ = stream.Write(buf[:n])
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isShutdown(scope *shutdown.Scope) bool {
	select {
	case <-scope.Done():
		return true
	default:
		return false
	}
}

func asApplicationError(err error, target **quic.ApplicationError) bool {
	appErr, ok := err.(*quic.ApplicationError)
	if ok {
		*target = appErr
	}
	return ok
}
