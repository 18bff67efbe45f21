package ingressflow

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"tunnelcannon/internal/shutdown"
	"tunnelcannon/internal/tlv"
)

func TestReadTLV_TCPConnectOK(t *testing.T) {
	buf := make([]byte, tlv.LenTCPConnectOK)
	if _, err := tlv.EncodeOK(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	r := bytes.NewReader(buf)

	scratch := make([]byte, tlv.MaxMessageLen)
	typ, err := readTLV(r, scratch)
	if err != nil {
		t.Fatalf("readTLV: %v", err)
	}
	if typ != tlv.TypeTCPConnectOK {
		t.Fatalf("want TypeTCPConnectOK, got %d", typ)
	}
}

func TestReadTLV_ShortReadLoops(t *testing.T) {
	dest := tlv.TCPDestination{IP: []byte{10, 0, 0, 1}, Port: 8080}
	buf := make([]byte, tlv.LenTCPConnect)
	if _, err := tlv.EncodeTCPConnect(dest, buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	pr, pw := io.Pipe()
	go func() {
		for _, b := range buf {
			pw.Write([]byte{b}) // one byte per Write, forcing readFull to loop
		}
		pw.Close()
	}()

	scratch := make([]byte, tlv.MaxMessageLen)
	typ, err := readTLV(pr, scratch)
	if err != nil {
		t.Fatalf("readTLV: %v", err)
	}
	if typ != tlv.TypeTCPConnect {
		t.Fatalf("want TypeTCPConnect, got %d", typ)
	}
	got, err := tlv.DecodeTCPConnect(scratch[:tlv.LenTCPConnect])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Port != dest.Port {
		t.Fatalf("want port %d, got %d", dest.Port, got.Port)
	}
}

func TestReadTLV_EOFBeforeType(t *testing.T) {
	r := bytes.NewReader(nil)
	scratch := make([]byte, tlv.MaxMessageLen)
	if _, err := readTLV(r, scratch); err == nil {
		t.Fatal("expected error on empty reader, got nil")
	}
}

func TestSleepCancellable_ReturnsFalseOnScopeClose(t *testing.T) {
	root := shutdown.NewRoot(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		root.Close()
	}()
	if sleepCancellable(root, 5*time.Second) {
		t.Fatal("expected sleepCancellable to return false when scope closes first")
	}
}

func TestSleepCancellable_ReturnsTrueOnTimerFire(t *testing.T) {
	root := shutdown.NewRoot(context.Background())
	defer root.Close()
	if !sleepCancellable(root, 5*time.Millisecond) {
		t.Fatal("expected sleepCancellable to return true when the timer fires first")
	}
}

func TestIsShutdown(t *testing.T) {
	root := shutdown.NewRoot(context.Background())
	if isShutdown(root) {
		t.Fatal("expected isShutdown false before Close")
	}
	root.Close()
	if !isShutdown(root) {
		t.Fatal("expected isShutdown true after Close")
	}
}
