package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phoebewiki/phoebe/internal/config"
)

const (
	rsaBits       = 2048
	certDaysValid = 365
)

// loadHostCertificate loads the configured keypair for a host, or falls back
// to a self-signed certificate persisted under <wiki-dir>/config so restarts
// keep presenting the same certificate (Gemini clients pin by TOFU).
func loadHostCertificate(dataDir string, h config.Host) (*tls.Certificate, error) {
	if h.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(h.CertFile, h.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load x509 keypair: %w", err)
		}
		return &cert, nil
	}

	certPath := filepath.Join(dataDir, "config", h.Name+".crt")
	keyPath := filepath.Join(dataDir, "config", h.Name+".key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return &cert, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load x509 keypair: %w", err)
	}

	log.Infof("generating self-signed certificate for %s", h.Name)
	cert, err = genX509KeyPair(h.Name, certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// genX509KeyPair generates a self-signed keypair for the host and writes the
// PEM files next to the wiki data.
func genX509KeyPair(host, certPath, keyPath string) (tls.Certificate, error) {
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.Unix()),
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{host},
		},
		DNSNames:              []string{host},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, certDaysValid),
		BasicConstraintsValid: true,
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage: x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err = os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return tls.Certificate{}, fmt.Errorf("create config directory: %w", err)
	}
	if err = os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write certificate: %w", err)
	}
	if err = os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("assemble keypair: %w", err)
	}
	return cert, nil
}
