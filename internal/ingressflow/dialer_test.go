package ingressflow

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"github.com/quic-go/quic-go"
)

func TestPersistentDialer_OpenStream_DialFailurePropagates(t *testing.T) {
	wantErr := errors.New("network unreachable")
	d := &PersistentDialer{
		Addr: "127.0.0.1:0",
		TLS:  &tls.Config{},
		QUIC: nil,
		DialFn: func(ctx context.Context, addr string, tlsCfg *tls.Config, qCfg *quic.Config) (*quic.Conn, error) {
			return nil, wantErr
		},
		down: true,
	}

	_, err := d.OpenStream(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
