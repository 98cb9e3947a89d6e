// Package keys provisions the service provider's signing keypair. The
// keypair is generated lazily on first use, persisted as PEM files keyed by
// the deployment hostname, and reused on every subsequent start, so a
// deployment keeps exactly one SP identity.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// KeyPair is the SP's private key and self-signed certificate.
type KeyPair struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
}

// TLSCertificate adapts the pair for APIs that take a tls.Certificate,
// such as the XML signature key store.
func (kp *KeyPair) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{kp.Certificate.Raw},
		PrivateKey:  kp.PrivateKey,
	}
}

// Provider loads or creates keypairs under a certificate directory. The
// mutex makes concurrent first use idempotent: two requests racing on a
// fresh deployment end up with the same keypair, never two competing ones.
type Provider struct {
	dir   string
	mu    sync.Mutex
	cache map[string]*KeyPair
}

// NewProvider creates a Provider rooted at dir.
func NewProvider(dir string) *Provider {
	return &Provider{
		dir:   dir,
		cache: make(map[string]*KeyPair),
	}
}

// LoadOrCreate returns the keypair for hostname, generating and persisting
// one if the deployment has none yet.
func (p *Provider) LoadOrCreate(hostname string) (*KeyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kp, ok := p.cache[hostname]; ok {
		return kp, nil
	}

	keyPath := filepath.Join(p.dir, hostname+".key")
	certPath := filepath.Join(p.dir, hostname+".crt")

	kp, err := loadKeyPair(keyPath, certPath)
	if os.IsNotExist(err) {
		kp, err = generateKeyPair(hostname, keyPath, certPath)
	}
	if err != nil {
		return nil, err
	}

	p.cache[hostname] = kp
	return kp, nil
}

func loadKeyPair(keyPath, certPath string) (*KeyPair, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM data in %s", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM data in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", certPath, err)
	}

	return &KeyPair{PrivateKey: key, Certificate: cert}, nil
}

func generateKeyPair(hostname, keyPath, certPath string) (*KeyPair, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{hostname},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})

	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}

	return &KeyPair{PrivateKey: key, Certificate: cert}, nil
}
