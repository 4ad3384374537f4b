package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles names the PEM files for a mutual-TLS client connection.
type TLSFiles struct {
	Cert       string
	Key        string
	CA         string
	ServerName string
}

// ClientConfig builds a client *tls.Config, or returns nil, nil when no
// certificate is configured. name labels errors.
func (f TLSFiles) ClientConfig(name string) (*tls.Config, error) {
	if f.Cert == "" && f.Key == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, fmt.Errorf("load %s client cert: %w", name, err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   f.ServerName,
		MinVersion:   tls.VersionTLS12,
	}

	if f.CA != "" {
		caPEM, err := os.ReadFile(f.CA)
		if err != nil {
			return nil, fmt.Errorf("read %s CA cert: %w", name, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse %s CA cert", name)
		}
		out.RootCAs = pool
	}
	return out, nil
}
