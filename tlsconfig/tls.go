// Package tlsconfig builds TLS settings for the admin listener and for
// STARTTLS on outbound SMTP connections.
package tlsconfig

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

// ErrTLSDisabled is returned when no certificate pair is configured.
var ErrTLSDisabled = errors.New("tls disabled")

// LoadServerConfig loads a certificate pair for a listener. Both paths
// empty yields ErrTLSDisabled; only one of them set is an error.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	certFile = strings.TrimSpace(certFile)
	keyFile = strings.TrimSpace(keyFile)
	if certFile == "" && keyFile == "" {
		return nil, ErrTLSDisabled
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tls: both certificate and key paths are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns the settings used when upgrading an outbound SMTP
// session with STARTTLS.
func ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}
