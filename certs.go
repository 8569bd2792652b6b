package rvi

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// loadNodeTLSConfig builds the mutual-auth TLS 1.3 config
// both sides of a node link use: our device cert/key as the
// presented identity, the CA pool for verifying whoever is
// on the other end, client certs required.
func loadNodeTLSConfig(caCertPath, certPath, keyPath string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read device certificate '%v': %v",
			ErrNoConfig, certPath, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: '%v' holds no PEM certificate", ErrNoConfig, certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read device key '%v': %v",
			ErrNoConfig, keyPath, err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: device keypair '%v'/'%v': %v",
			ErrNoConfig, certPath, keyPath, err)
	}

	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read CA certificate '%v': %v",
			ErrNoConfig, caCertPath, err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: failed to parse CA PEM '%v' into cert pool",
			ErrNoConfig, caCertPath)
	}

	cfg := &tls.Config{
		RootCAs: certPool,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
		},
		MinVersion: tls.VersionTLS13,
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  certPool,

		Certificates: []tls.Certificate{pair},
	}
	return cfg, nil
}
