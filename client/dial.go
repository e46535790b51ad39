package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// dial opens the TCP stream and, when enabled, completes the TLS handshake
// before handing the connection to the transport.
func dial(ctx context.Context, address string, o *options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: o.connectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !o.tls.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := clientTLSConfig(address, o.tls)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, o.handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return conn, nil
}

// clientTLSConfig trusts only the chain CA when one is given and presents the
// SDK certificate when a pair is configured.
//
// Node certificates usually carry nothing but a CN, so with a CA and no
// explicit ServerName the peer chain is verified against the CA without a
// hostname check. An explicit ServerName restores the hostname check.
func clientTLSConfig(address string, c TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		cfg.ServerName = host
	} else {
		cfg.ServerName = serverName
	}

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("client: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
		if serverName == "" && !c.InsecureSkipVerify {
			cfg.InsecureSkipVerify = true
			cfg.VerifyConnection = verifyChain(pool)
		}
	}

	if strings.TrimSpace(c.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// verifyChain checks the presented chain against roots and ignores the
// certificate's names.
func verifyChain(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("client: node presented no certificate")
		}
		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		if err != nil {
			return fmt.Errorf("client: verify node certificate: %w", err)
		}
		return nil
	}
}
