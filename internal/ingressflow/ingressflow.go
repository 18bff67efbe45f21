// Package ingressflow runs the ingress-side acceptor: it accepts local
// TCP connections and, for each one, opens a QUIC stream toward the
// egress peer and drives the TCP-CONNECT handshake before handing the
// session to the bridge.
package ingressflow

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

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

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 64 * time.Second
)

// QuicDialer opens a long-lived QUIC connection to the egress peer
// once; Acceptor opens one new bidi stream per accepted TCP connection
// on top of it.
type QuicDialer interface {
	OpenStream(ctx context.Context) (*quic.Stream, error)
}

// Acceptor is the ingress-side acceptor described in spec.md §4.2.
type Acceptor struct {
	Listener net.Listener
	Dialer   QuicDialer
	Dest     tlv.TCPDestination
	Scope    *shutdown.Scope
	Monitor  SessionMonitor
}

// Run accepts connections forever until the scope closes or the
// accept-failure backoff exceeds its cap, in which case it returns an
// error that the caller should treat as fatal.
func (a *Acceptor) Run() error {
	backoff := initialBackoff
	for {
		select {
		case <-a.Scope.Done():
			return nil
		default:
		}

		conn, err := a.acceptOne()
		if err != nil {
			if isShutdown(a.Scope) {
				return nil
			}
			log.Printf("ingress: accept error: %v", err)
			if backoff > maxBackoff {
				return fmt.Errorf("ingress: accept backoff exceeded cap: %w", err)
			}
			if !sleepCancellable(a.Scope, backoff) {
				return nil
			}
			backoff *= 2
			continue
		}
		backoff = initialBackoff

		a.Scope.Go(func() {
			a.handle(conn)
		})
	}
}

func (a *Acceptor) acceptOne() (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := a.Listener.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-a.Scope.Done():
		return nil, fmt.Errorf("ingress: shutting down")
	case r := <-ch:
		return r.conn, r.err
	}
}

func (a *Acceptor) handle(tcp net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := a.Dialer.OpenStream(ctx)
	if err != nil {
		log.Printf("ingress: open QUIC stream: %v", err)
		tcp.Close()
		return
	}

	if !handshake(stream, a.Dest) {
		tcp.Close()
		stream.CancelRead(0)
		stream.Close()
		return
	}

	if a.Monitor != nil {
		a.Monitor.SessionStarted()
		defer a.Monitor.SessionEnded()
	}
	session.New(a.Scope, tcp, stream, a.Monitor).Run()
}

// handshake runs the ingress side of the TCP-CONNECT handshake. Any
// reply other than TCP_CONNECT_OK, or any read error/EOF, is treated
// as a silent failure per spec.md §4.4 (an observed ERROR code is
// additionally logged, per the open question in §9).
func handshake(stream *quic.Stream, dest tlv.TCPDestination) bool {
	buf := make([]byte, tlv.LenTCPConnect)
	n, err := tlv.EncodeTCPConnect(dest, buf)
	if err != nil {
		log.Printf("ingress: encode TCP_CONNECT: %v", err)
		return false
	}
	if _, err := stream.Write(buf[:n]); err != nil {
		log.Printf("ingress: write TCP_CONNECT: %v", err)
		return false
	}

	reply := make([]byte, tlv.MaxMessageLen)
	typ, err := readTLV(stream, reply)
	if err != nil {
		return false
	}

	switch typ {
	case tlv.TypeTCPConnectOK:
		return true
	case tlv.TypeError:
		if code, err := tlv.DecodeError(reply[:tlv.LenError]); err == nil {
			log.Printf("ingress: peer returned ERROR code %d", code)
		}
		return false
	default:
		return false
	}
}

// readTLV reads exactly one fixed-length TLV message into buf, looping
// on readFull against the length implied by the peeked type rather
// than trusting a single Read to deliver the whole message.
func readTLV(r interface{ Read([]byte) (int, error) }, buf []byte) (tlv.MsgType, error) {
	if _, err := readFull(r, buf[:1]); err != nil {
		return 0, err
	}
	typ, err := tlv.PeekType(buf[:1])
	if err != nil {
		return 0, err
	}
	msgLen, err := tlv.MessageLen(typ)
	if err != nil {
		return 0, err
	}
	if _, err := readFull(r, buf[1:msgLen]); err != nil {
		return 0, err
	}
	return typ, nil
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

// sleepCancellable sleeps for d, returning false early if scope closes.
func sleepCancellable(scope *shutdown.Scope, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-scope.Done():
		return false
	}
}
