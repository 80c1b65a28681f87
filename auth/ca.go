package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// CA is a self-signed certificate authority for tests and local development servers.
type CA struct {
	Private crypto.Signer
	CACert  *x509.Certificate
	Org     string

	certPEM []byte
}

// NewCA creates a CA with a fresh P-256 key.
func NewCA(org string) *CA {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	caCert, der := rootCert(org, "rootCA", key, key)
	return &CA{Private: key, CACert: caCert, Org: org,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// CertPEM returns the root certificate, PEM encoded.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// CertPool returns a pool trusting only this CA.
func (ca *CA) CertPool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.CACert)
	return p
}

// Save writes the root certificate as ca.pem in dir.
func (ca *CA) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(dir, "ca.pem")
	return p, os.WriteFile(p, ca.certPEM, 0o644)
}

// NewServerCert issues a server certificate for hosts. IP literals become IP SANs, anything
// else a DNS SAN.
func (ca *CA) NewServerCert(hosts ...string) (*tls.Certificate, error) {
	if len(hosts) == 0 {
		return nil, errors.New("auth: no hosts")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return newTLSCertAndKey(CertTemplate(ca.Org, hosts...), key, ca.Private, ca.CACert)
}

// ServerConfig returns a server TLS config presenting a certificate for hosts and
// advertising protos with ALPN.
func (ca *CA) ServerConfig(protos []string, hosts ...string) (*tls.Config, error) {
	crt, err := ca.NewServerCert(hosts...)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*crt},
		NextProtos:   protos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns a client TLS config trusting this CA.
func (ca *CA) ClientConfig() *tls.Config {
	return &tls.Config{RootCAs: ca.CertPool(), MinVersion: tls.VersionTLS12}
}

// SignCertDER uses caPrivate to sign a cert, returns the DER format.
func SignCertDER(template *x509.Certificate, pub crypto.PublicKey, caPrivate crypto.PrivateKey, parent *x509.Certificate) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, parent, pub, caPrivate)
}

func PublicKey(key crypto.PrivateKey) crypto.PublicKey {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k.Public()
	case *ecdsa.PrivateKey:
		return k.Public()
	case *rsa.PrivateKey:
		return k.Public()
	}
	return nil
}

// CertTemplate returns a leaf template valid for a year, for server and client auth.
func CertTemplate(org string, hosts ...string) *x509.Certificate {
	notBefore := time.Now().Add(-1 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, _ := rand.Int(rand.Reader, serialNumberLimit)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   hosts[0],
			Organization: []string{org},
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return &template
}

func rootCert(org, cn string, priv crypto.PrivateKey, ca crypto.PrivateKey) (*x509.Certificate, []byte) {
	notBefore := time.Now().Add(-1 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, _ := rand.Int(rand.Reader, serialNumberLimit)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{org},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, PublicKey(priv), ca)
	if err != nil {
		panic(err)
	}
	rootCA, _ := x509.ParseCertificates(certDER)
	return rootCA[0], certDER
}

func newTLSCertAndKey(template *x509.Certificate, priv crypto.PrivateKey, ca crypto.PrivateKey, parent *x509.Certificate) (*tls.Certificate, error) {
	certDER, err := SignCertDER(template, PublicKey(priv), ca, parent)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	pk, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pk})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tlsCert, nil
}
