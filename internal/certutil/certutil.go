// Package certutil loads and generates the certificates the tunnel's
// QUIC/TLS transport needs: a trusted CA for the ingress dialer, and a
// served certificate (loaded or self-signed) for the egress listener.
package certutil

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
	"unicode"
)

// isPEM reports whether data looks like PEM text: PEM is plain ASCII,
// DER is binary, so a simple printable-byte scan tells them apart
// without needing to fully parse either encoding first.
func isPEM(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if b > unicode.MaxASCII || !unicode.IsPrint(rune(b)) {
			return false
		}
	}
	return bytes.Contains(data, []byte("-----BEGIN"))
}

// LoadCAPool reads a CA certificate from path, autodetecting PEM vs
// DER encoding by inspecting the raw bytes, and returns a pool
// containing it.
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certutil: read CA %s: %w", path, err)
	}

	pool := x509.NewCertPool()
	if isPEM(data) {
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("certutil: no certificates found in PEM file %s", path)
		}
		return pool, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("certutil: parse DER CA %s: %w", path, err)
	}
	pool.AddCert(cert)
	return pool, nil
}

// LoadKeyPair reads a certificate and private key from disk,
// autodetecting PEM vs DER for each file independently.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: read cert %s: %w", certPath, err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: read key %s: %w", keyPath, err)
	}

	if !isPEM(certData) {
		certData = pemEncode("CERTIFICATE", certData)
	}
	if !isPEM(keyData) {
		keyData = pemEncode("RSA PRIVATE KEY", keyData)
	}

	cert, err := tls.X509KeyPair(certData, keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: parse key pair: %w", err)
	}
	return cert, nil
}

// GenerateSelfSigned creates a self-signed certificate for "localhost"
// and writes the raw DER cert and key to certOutPath/keyOutPath.
func GenerateSelfSigned(certOutPath, keyOutPath string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: create certificate: %w", err)
	}
	keyBytes := x509.MarshalPKCS1PrivateKey(priv)

	if err := os.WriteFile(certOutPath, derBytes, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: write cert %s: %w", certOutPath, err)
	}
	if err := os.WriteFile(keyOutPath, keyBytes, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: write key %s: %w", keyOutPath, err)
	}

	cert, err := tls.X509KeyPair(pemEncode("CERTIFICATE", derBytes), pemEncode("RSA PRIVATE KEY", keyBytes))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: build tls.Certificate: %w", err)
	}
	return cert, nil
}

// LoadOrGenerate loads a cert/key pair from disk, falling back to a
// freshly generated self-signed certificate (written to
// "./cert/public_cert.der" and "./cert/private_key.der") when loading
// fails for any reason.
func LoadOrGenerate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := LoadKeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if mkErr := os.MkdirAll("./cert", 0o755); mkErr != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: create ./cert: %w", mkErr)
	}
	return GenerateSelfSigned("./cert/public_cert.der", "./cert/private_key.der")
}

func pemEncode(typ string, data []byte) []byte {
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: typ, Bytes: data})
	return buf.Bytes()
}
