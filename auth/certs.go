// Package auth holds the client TLS configuration: trusted roots loaded from PEM files,
// and a small CA used by tests and local servers.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// ParseRoots parses all CERTIFICATE blocks in rootCertPEM.
func ParseRoots(rootCertPEM []byte) ([]*x509.Certificate, error) {
	block, rest := pem.Decode(rootCertPEM)
	var blockBytes []byte
	for block != nil {
		if block.Type == "CERTIFICATE" {
			blockBytes = append(blockBytes, block.Bytes...)
		}
		block, rest = pem.Decode(rest)
	}
	if len(blockBytes) == 0 {
		return nil, errors.New("auth: no certificates")
	}
	return x509.ParseCertificates(blockBytes)
}

// LoadRoots returns the system roots plus the certificates in the PEM file at path.
// An empty path returns the system pool.
func LoadRoots(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if path == "" {
		return pool, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "auth: roots")
	}
	certs, err := ParseRoots(b)
	if err != nil {
		return nil, errors.Wrapf(err, "auth: roots %s", path)
	}
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// ClientTLSConfig returns the base client config. ServerName and NextProtos are set per
// connection by the caller.
func ClientTLSConfig(roots *x509.CertPool, insecure bool) *tls.Config {
	return &tls.Config{
		RootCAs:            roots,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}
}
