// Command ingress listens on a local TCP port and tunnels every
// accepted connection to a fixed destination through a QUIC stream
// opened against a trusted egress peer.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tunnelcannon/internal/certutil"
	"tunnelcannon/internal/ingressflow"
	"tunnelcannon/internal/logconf"
	"tunnelcannon/internal/monitor"
	"tunnelcannon/internal/quicconf"
	"tunnelcannon/internal/shutdown"
	"tunnelcannon/internal/tlv"
)

func main() {
	tcpSourcePort := flag.Int("tcp_source_port", 0, "local TCP port to bind on 127.0.0.1 (required)")
	quicServAddr := flag.String("quic_serv_addr", "", "host:port of the egress peer to dial (required)")
	tcpDestAddr := flag.String("tcp_dest_addr", "", "host:port sent to the egress peer in TCP_CONNECT (required)")
	quicServCertPath := flag.String("quic_serv_cert_path", "", "CA certificate to trust, PEM or DER (required)")
	quicServName := flag.String("quic_serv_name", "", "server name for TLS verification (required)")
	logConfigPath := flag.String("log-config", "", "optional YAML log-rotation config")
	statusInterval := flag.Duration("status-interval", 15*time.Second, "interval between periodic status log lines")
	flag.Parse()

	if err := logconf.Load(*logConfigPath); err != nil {
		log.Fatalf("ingress: %v", err)
	}

	if *tcpSourcePort == 0 || *quicServAddr == "" || *tcpDestAddr == "" || *quicServCertPath == "" || *quicServName == "" {
		log.Fatal("ingress: tcp_source_port, quic_serv_addr, tcp_dest_addr, quic_serv_cert_path and quic_serv_name are all required")
	}

	destHost, destPortStr, err := net.SplitHostPort(*tcpDestAddr)
	if err != nil {
		log.Fatalf("ingress: invalid tcp_dest_addr %q: %v", *tcpDestAddr, err)
	}
	destPort, err := strconv.ParseUint(destPortStr, 10, 16)
	if err != nil || destPort == 0 {
		log.Fatalf("ingress: invalid destination port in %q", *tcpDestAddr)
	}
	destIP := net.ParseIP(destHost)
	if destIP == nil {
		resolved, err := net.ResolveIPAddr("ip", destHost)
		if err != nil {
			log.Fatalf("ingress: cannot resolve tcp_dest_addr host %q: %v", destHost, err)
		}
		destIP = resolved.IP
	}
	dest := tlv.TCPDestination{IP: destIP, Port: uint16(destPort)}

	roots, err := certutil.LoadCAPool(*quicServCertPath)
	if err != nil {
		log.Fatalf("ingress: %v", err)
	}
	clientTLS := quicconf.ClientTLSConfig(roots, *quicServName)

	listenAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(*tcpSourcePort))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("ingress: bind %s: %v", listenAddr, err)
	}
	defer listener.Close()

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

	dialer := ingressflow.NewPersistentDialer(*quicServAddr, clientTLS)
	acceptor := &ingressflow.Acceptor{
		Listener: listener,
		Dialer:   dialer,
		Dest:     dest,
		Scope:    root,
		Monitor:  mon,
	}

	notifyCtx, stopNotify := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopNotify()
	go func() {
		<-notifyCtx.Done()
		log.Print("ingress: interrupt received, shutting down")
		root.Close()
	}()

	log.Printf("ingress: listening on %s, tunneling to %s via %s", listenAddr, dest, *quicServAddr)
	if err := acceptor.Run(); err != nil {
		log.Fatalf("ingress: fatal acceptor error: %v", err)
	}
	root.Close()
}
