// Package tls builds the server TLS configuration for the HTTP API, either
// from certificate files or from a self-signed pair generated on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Options selects the certificate source. CertFile/KeyFile win over Dir.
type Options struct {
	CertFile     string
	KeyFile      string
	Dir          string
	AutoGenerate bool
	MinVersion   string // "1.2" or "1.3" (default)
	CommonName   string
	Hosts        []string // DNS names or IP addresses
	ValidDays    int
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch ver {
	case "", "default", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Setup returns a server tls.Config. Certificates are re-read on each
// handshake so a renewed pair is picked up without a restart.
func Setup(o Options) (*tls.Config, error) {
	minVer, err := parseTLSVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}

	if o.CertFile != "" && o.KeyFile != "" {
		return createTLSConfig(o.CertFile, o.KeyFile, minVer), nil
	}

	if o.Dir != "" {
		keyPath := filepath.Join(o.Dir, tlsKey)
		certPath := filepath.Join(o.Dir, tlsCrt)
		if !certificatesExist(certPath, keyPath) {
			if !o.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", o.Dir)
			}
			if err := generateCertificate(o); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer), nil
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func createTLSConfig(certPath, keyPath string, minVer uint16) *tls.Config {
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &c, nil
		},
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(o Options) error {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	cn := o.CommonName
	if cn == "" {
		cn = "localhost"
	}
	hosts := o.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	validDays := o.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "routerctl",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(o.Dir, tlsCrt),
		KeyPath:      filepath.Join(o.Dir, tlsKey),
		CACertPath:   filepath.Join(o.Dir, tlsCaCrt),
	})
}
