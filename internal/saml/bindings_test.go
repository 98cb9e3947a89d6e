package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"

	"github.com/identitylabs/samlgate/internal/keys"
)

func testSigningKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return &keys.KeyPair{PrivateKey: key, Certificate: cert}
}

func TestPostBindingEncodeUnsigned(t *testing.T) {
	req := NewAuthnRequest("https://sp.example.com/saml/metadata", "https://idp.example.org/sso", "https://sp.example.com/saml/acs", false)

	encoded, err := (&PostBinding{}).Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	raw, err := (&PostBinding{}).Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		t.Fatalf("decoded message is not XML: %v", err)
	}
	if hasSignature(doc.Root()) {
		t.Error("unsigned encode produced a signature")
	}
}

func TestPostBindingEncodeSigned(t *testing.T) {
	kp := testSigningKeyPair(t)
	pb := &PostBinding{Signer: SignerForKeyPair(kp)}

	req := NewAuthnRequest("https://sp.example.com/saml/metadata", "https://idp.example.org/sso", "https://sp.example.com/saml/acs", false)
	encoded, err := pb.Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	raw, err := (&PostBinding{}).Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		t.Fatalf("decoded message is not XML: %v", err)
	}
	if !hasSignature(doc.Root()) {
		t.Fatal("signed encode carries no signature")
	}

	validator := NewSignatureValidator([]*x509.Certificate{kp.Certificate})
	if _, err := validator.Validate(doc.Root()); err != nil {
		t.Errorf("signature does not verify against the signing certificate: %v", err)
	}
}
