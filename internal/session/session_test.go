package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"tunnelcannon/internal/shutdown"
)

// fakeStream is a minimal quicStream backed by an in-memory pipe, with
// instrumentation for which close action was taken.
type fakeStream struct {
	r io.Reader
	w io.Writer

	mu         sync.Mutex
	closed     bool
	canceledRd bool
	canceledWr bool
}

func newFakeStreamPair() (*fakeStream, *fakeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := &fakeStream{r: r1, w: w2}
	b := &fakeStream{r: r2, w: w1}
	return a, b
}

func (f *fakeStream) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeStream) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if pw, ok := f.w.(*io.PipeWriter); ok {
		pw.Close()
	}
	return nil
}

func (f *fakeStream) CancelRead(quic.StreamErrorCode) {
	f.mu.Lock()
	f.canceledRd = true
	f.mu.Unlock()
	if pr, ok := f.r.(*io.PipeReader); ok {
		pr.CloseWithError(errors.New("canceled"))
	}
}

func (f *fakeStream) CancelWrite(quic.StreamErrorCode) {
	f.mu.Lock()
	f.canceledWr = true
	f.mu.Unlock()
	if pw, ok := f.w.(*io.PipeWriter); ok {
		pw.CloseWithError(errors.New("canceled"))
	}
}

func (f *fakeStream) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSession_TCPHalfCloseFinishesQUICSend(t *testing.T) {
	peer, tcp := net.Pipe() // peer is the remote TCP side, tcp is the session's socket
	defer peer.Close()

	near, far := newFakeStreamPair()

	root := shutdown.NewRoot(context.Background())
	defer root.Close()

	done := make(chan struct{})
	go func() {
		New(root, tcp, near, nil).Run()
		close(done)
	}()

	peer.Close() // remote TCP peer half-closes: tcp.Read observes io.EOF

	deadline := time.After(2 * time.Second)
	for !near.wasClosed() {
		select {
		case <-deadline:
			t.Fatal("expected QUIC send half to be finished (Close) on TCP EOF")
		case <-time.After(10 * time.Millisecond):
		}
	}

	far.Close() // unblock the session's still-pending read off the QUIC recv half

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after TCP close")
	}
}

func TestSession_PayloadFlowsTCPToQUIC(t *testing.T) {
	clientTCP, originTCP := net.Pipe()
	ingressStream, egressStream := newFakeStreamPair()

	root := shutdown.NewRoot(context.Background())
	defer root.Close()

	ingressDone := make(chan struct{})
	go func() {
		New(root, clientTCP, ingressStream, nil).Run()
		close(ingressDone)
	}()

	egressReadDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := egressStream.Read(buf)
		egressReadDone <- append([]byte(nil), buf[:n]...)
	}()

	go func() {
		_, _ = originTCP.Write([]byte("PING"))
	}()

	select {
	case got := <-egressReadDone:
		if !bytes.Equal(got, []byte("PING")) {
			t.Fatalf("expected egress side to see PING, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload to cross the bridge")
	}

	originTCP.Close()     // peer half-close: clientTCP.Read observes io.EOF
	egressStream.Close() // egress side done sending: unblocks the recv-half read

	select {
	case <-ingressDone:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after both ends closed")
	}
}

func TestSession_QUICStreamFinishClosesTCP(t *testing.T) {
	srv, cli := net.Pipe()
	near, far := newFakeStreamPair()

	root := shutdown.NewRoot(context.Background())
	defer root.Close()

	done := make(chan struct{})
	go func() {
		New(root, srv, near, nil).Run()
		close(done)
	}()

	// Closing far's write half finishes near's read half, the
	// "stream finished" condition that should half-close the TCP side.
	far.Close()

	buf := make([]byte, 1)
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := cli.Read(buf)
	if err == nil {
		t.Error("expected the TCP peer to observe the session's close")
	}

	cli.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after QUIC stream finish")
	}
}

// TestSession_IdleSessionTerminatesOnScopeClose guards against a
// session hanging process shutdown forever: neither side has sent
// anything, so both bridge workers are parked in a blocking read when
// the scope closes.
func TestSession_IdleSessionTerminatesOnScopeClose(t *testing.T) {
	tcp, peer := net.Pipe()
	defer peer.Close()

	near, far := newFakeStreamPair()
	defer far.Close()

	root := shutdown.NewRoot(context.Background())
	child := root.NewChild()

	done := make(chan struct{})
	go func() {
		New(child, tcp, near, nil).Run()
		close(done)
	}()

	// Give both bridge workers a chance to actually block in their
	// reads before shutdown fires.
	time.Sleep(20 * time.Millisecond)
	child.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle session did not terminate promptly on scope close")
	}
}
