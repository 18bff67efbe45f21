package quicconf

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestConfig_DisablesUnidirectionalStreams(t *testing.T) {
	cfg := Config()
	if cfg.MaxIncomingUniStreams >= 0 {
		t.Fatalf("want a negative MaxIncomingUniStreams (unidirectional stream window 0), got %d", cfg.MaxIncomingUniStreams)
	}
	if cfg.KeepAlivePeriod != KeepAlivePeriod {
		t.Fatalf("want keep-alive %v, got %v", KeepAlivePeriod, cfg.KeepAlivePeriod)
	}
}

func TestClientTLSConfig_SetsALPNAndServerName(t *testing.T) {
	pool := x509.NewCertPool()
	cfg := ClientTLSConfig(pool, "egress.example")
	if cfg.ServerName != "egress.example" {
		t.Fatalf("want ServerName egress.example, got %s", cfg.ServerName)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPN {
		t.Fatalf("want NextProtos [%s], got %v", ALPN, cfg.NextProtos)
	}
}

func TestServerTLSConfig_CarriesCertificate(t *testing.T) {
	cert := tls.Certificate{Certificate: [][]byte{{1, 2, 3}}}
	cfg := ServerTLSConfig(cert)
	if len(cfg.Certificates) != 1 {
		t.Fatalf("want 1 certificate, got %d", len(cfg.Certificates))
	}
}
