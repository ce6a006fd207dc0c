package tlsio

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/oasisprotocol/ed25519"
	"golang.org/x/crypto/blake2b"
)

// maxSerialNumber bounds certificate serials; any unsigned integer up to
// 20 bytes is allowed.
var maxSerialNumber = new(big.Int).Lsh(big.NewInt(1), 128)

const identityValidity = 365 * 24 * time.Hour

// Identity is a self-signed ed25519 TLS identity for one process: the
// listening side presents it, the dialing side pins it. Meant for tests,
// tools, and meshes where both ends share the certificate out of band.
type Identity struct {
	Certificate tls.Certificate

	// Fingerprint is the hex BLAKE2b-256 digest of the DER certificate.
	Fingerprint string

	pool *x509.CertPool
}

// NewIdentity generates a fresh key pair and a certificate valid for the
// given hosts (DNS names or IP addresses).
func NewIdentity(name string, hosts ...string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, maxSerialNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to pick serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   name,
			Organization: []string{"spray"},
		},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(identityValidity),
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, host)
		}
	}

	// crypto/x509 recognizes the standard library key types only.
	stdPub := stded25519.PublicKey(pub)
	stdPriv := stded25519.PrivateKey(priv)

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, stdPub, stdPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	sum := blake2b.Sum256(raw)

	return &Identity{
		Certificate: tls.Certificate{
			Certificate: [][]byte{raw},
			PrivateKey:  stdPriv,
			Leaf:        leaf,
		},
		Fingerprint: hex.EncodeToString(sum[:]),
		pool:        pool,
	}, nil
}

// ServerConfig returns the configuration the listening side runs with.
func (id *Identity) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a configuration trusting exactly this identity.
func (id *Identity) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:    id.pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
}
