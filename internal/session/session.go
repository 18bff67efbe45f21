// Package session implements the per-tunneled-connection state machine:
// a StreamSession owns one TCP socket and one bidirectional QUIC
// stream, and runs two independent bridge workers that copy bytes in
// each direction until both have terminated.
package session

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"tunnelcannon/internal/shutdown"
)

// bufferSize approximates an Ethernet MTU (1500) minus IPv4 overhead:
// large enough to amortize syscalls, small enough to avoid oversized
// per-worker allocations. Not negotiated with the peer.
const bufferSize = 1480

// halfCloser is satisfied by *net.TCPConn; a TCP socket whose write
// half can be closed (FIN) independently of its read half.
type halfCloser interface {
	net.Conn
	CloseWrite() error
}

// Monitor receives bridge-worker lifecycle events for status
// reporting. Declared narrowly so callers can pass nil.
type Monitor interface {
	WorkerStarted()
	WorkerEnded()
}

type noopMonitor struct{}

func (noopMonitor) WorkerStarted() {}
func (noopMonitor) WorkerEnded()   {}

// quicStream is the subset of *quic.Stream the bridge workers use,
// declared narrowly so tests can fake it.
type quicStream interface {
	io.Reader
	io.Writer
	Close() error
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
}

// StreamSession is the per-tunneled-connection entity: it owns the TCP
// socket and the QUIC stream moved into it at construction, and runs
// both BridgeWorkers until both directions have ended.
type StreamSession struct {
	id     int64
	tcp    net.Conn
	stream quicStream
	scope  *shutdown.Scope
	mon    Monitor
}

var nextSessionID atomic.Int64

// New constructs a session owning tcp and stream, nested under parent.
// mon may be nil, in which case lifecycle events are simply not
// reported. The caller must call Run to start bridging.
func New(parent *shutdown.Scope, tcp net.Conn, stream quicStream, mon Monitor) *StreamSession {
	if mon == nil {
		mon = noopMonitor{}
	}
	return &StreamSession{
		id:     nextSessionID.Add(1),
		tcp:    tcp,
		stream: stream,
		scope:  parent.NewChild(),
		mon:    mon,
	}
}

// ID returns the session's log-correlation identifier.
func (s *StreamSession) ID() int64 { return s.id }

// Run starts both bridge workers and blocks until both have returned,
// then closes the session's own shutdown scope. Safe to call from a
// fire-and-forget goroutine per spec.md's acceptor contract.
func (s *StreamSession) Run() {
	defer s.scope.Close()
	defer s.tcp.Close()

	done := make(chan struct{}, 2)
	s.scope.Go(func() {
		s.mon.WorkerStarted()
		defer s.mon.WorkerEnded()
		tcpToQUIC(s.scope, s.tcp, s.stream)
		done <- struct{}{}
	})
	s.scope.Go(func() {
		s.mon.WorkerStarted()
		defer s.mon.WorkerEnded()
		quicToTCP(s.scope, s.tcp, s.stream)
		done <- struct{}{}
	})
	<-done
	<-done
}

// tcpToQUIC copies bytes read from tcp into stream's send half. Unless
// a write to stream fails (the peer is gone, and the worker just
// returns), exactly one of finish/reset is issued on stream by the
// time this returns. A
// watcher goroutine forces a read blocked on an idle connection to
// return as soon as scope is done, rather than waiting on it between
// reads, where it would never be reached until the peer sends or hangs
// up on its own.
func tcpToQUIC(scope *shutdown.Scope, tcp net.Conn, stream quicStream) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-scope.Done():
			_ = tcp.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	buf := make([]byte, bufferSize)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				// Peer gone; no recovery possible on this direction.
				return
			}
		}
		if err != nil {
			if err == io.EOF || isShutdown(scope) {
				// TCP peer half-closed its write side, or the session
				// is shutting down: mirror with a graceful QUIC finish.
				_ = stream.Close()
				return
			}
			// TCP RST or other read error: tell the peer we're done
			// abnormally rather than pretending a clean finish.
			stream.CancelWrite(0)
			return
		}
	}
}

// quicToTCP copies bytes read from stream's recv half into tcp's write
// half. Unless a write to tcp fails (then the recv half is stopped and
// the worker returns without a half-close), exactly one
// shutdown/CloseWrite is issued on tcp's write half by the time this
// returns. As in tcpToQUIC, a watcher goroutine
// interrupts a read blocked on an idle stream as soon as scope is
// done.
func quicToTCP(scope *shutdown.Scope, tcp net.Conn, stream quicStream) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-scope.Done():
			stream.CancelRead(0) // tell the peer to stop sending
		case <-stop:
		}
	}()

	buf := make([]byte, bufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := writeAll(tcp, buf[:n]); werr != nil {
				stream.CancelRead(0)
				return
			}
		}
		if err != nil {
			closeTCPWrite(tcp)
			return
		}
	}
}

// isShutdown reports whether scope has already been closed.
func isShutdown(scope *shutdown.Scope) bool {
	select {
	case <-scope.Done():
		return true
	default:
		return false
	}
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// closeTCPWrite issues the TCP-side half-close, falling back to a full
// close when the concrete connection doesn't support CloseWrite (e.g.
// in unit tests against net.Pipe).
func closeTCPWrite(tcp net.Conn) {
	if hc, ok := tcp.(halfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			log.Printf("session: tcp CloseWrite: %v", err)
		}
		return
	}
	_ = tcp.Close()
}

// String is used only for log correlation.
func (s *StreamSession) String() string {
	return fmt.Sprintf("session[%d]", s.id)
}
