// Command egress terminates QUIC connections from ingress peers and,
// for each inbound bidi stream, dials the TCP destination named in the
// stream's opening handshake and bridges the two directions of bytes.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tunnelcannon/internal/certutil"
	"tunnelcannon/internal/egressflow"
	"tunnelcannon/internal/logconf"
	"tunnelcannon/internal/monitor"
	"tunnelcannon/internal/shutdown"
)

func main() {
	quicServPort := flag.Int("quic_serv_port", 4433, "local UDP port to bind the QUIC listener on 127.0.0.1")
	quicServCertPath := flag.String("quic_serv_cert_path", "./cert/cert.pem", "server certificate, PEM or DER")
	quicServKeyPath := flag.String("quic_serv_key_path", "./cert/key.pem", "server private key, PEM or DER")
	allowedDestinations := flag.String("allowed-destinations", "", "optional comma-separated allowlist of dial targets")
	logConfigPath := flag.String("log-config", "", "optional YAML log-rotation config")
	statusInterval := flag.Duration("status-interval", 15*time.Second, "interval between periodic status log lines")
	flag.Parse()

	if err := logconf.Load(*logConfigPath); err != nil {
		log.Fatalf("egress: %v", err)
	}

	cert, err := certutil.LoadOrGenerate(*quicServCertPath, *quicServKeyPath)
	if err != nil {
		log.Fatalf("egress: certificate setup: %v", err)
	}

	listenAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(*quicServPort))
	listener, closeListener, err := egressflow.Listen(listenAddr, cert)
	if err != nil {
		log.Fatalf("egress: %v", err)
	}
	defer closeListener()

	root := shutdown.NewRoot(context.Background())
	mon := monitor.New()
	root.Go(func() {
		logCtx, stopLogging := context.WithCancel(context.Background())
		defer stopLogging()
		go func() {
			<-root.Done()
			stopLogging()
		}()
		mon.RunPeriodicLogging(logCtx, *statusInterval)
	})

	acceptor := &egressflow.Acceptor{
		Listener:  listener,
		Dialer:    egressflow.NetDialer{},
		Allowlist: egressflow.NewAllowlist(splitCSV(*allowedDestinations)),
		Scope:     root,
		Monitor:   mon,
	}

	notifyCtx, stopNotify := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopNotify()
	go func() {
		<-notifyCtx.Done()
		log.Print("egress: interrupt received, shutting down")
		root.Close()
	}()

	log.Printf("egress: listening on %s", listenAddr)
	if err := acceptor.Run(); err != nil {
		log.Fatalf("egress: fatal acceptor error: %v", err)
	}
	root.Close()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
