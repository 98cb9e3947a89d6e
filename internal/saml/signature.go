package saml

import (
	"crypto/x509"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// ============================================================================
// XML Signature Validation (XML-DSig over etree documents)
// ============================================================================

// SignatureValidator verifies enveloped XML signatures against the signing
// certificates published in an IdP's metadata.
type SignatureValidator struct {
	certs []*x509.Certificate
}

// NewSignatureValidator creates a validator trusting exactly the given
// certificates.
func NewSignatureValidator(certs []*x509.Certificate) *SignatureValidator {
	return &SignatureValidator{certs: certs}
}

// Validate checks the enveloped signature on el and returns the portion of
// the document that the signature actually covers. Callers must continue
// with the RETURNED element only; the input may contain unsigned content
// spliced around the signed part (signature wrapping).
func (v *SignatureValidator) Validate(el *etree.Element) (*etree.Element, error) {
	store := &dsig.MemoryX509CertificateStore{Roots: v.certs}
	ctx := dsig.NewDefaultValidationContext(store)

	validated, err := ctx.Validate(el)
	if err != nil {
		return nil, protocolErrorf(ErrCodeInvalidSignature, "signature validation failed", "%v", err)
	}
	return validated, nil
}

// hasSignature reports whether el has a direct ds:Signature child.
func hasSignature(el *etree.Element) bool {
	for _, child := range el.ChildElements() {
		if child.Tag == "Signature" && child.NamespaceURI() == NamespaceDS {
			return true
		}
	}
	return false
}

// findChild returns the first direct child of el with the given local tag in
// the SAML assertion or protocol namespaces.
func findChild(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag != tag {
			continue
		}
		ns := child.NamespaceURI()
		if ns == NamespaceSAML || ns == NamespaceSAMLp {
			return child
		}
	}
	return nil
}

// serializeElement renders an etree element back to bytes so the validated
// subtree can be re-parsed with encoding/xml.
func serializeElement(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	return doc.WriteToBytes()
}

// ============================================================================
// XML Signing
// ============================================================================

// Signer produces enveloped RSA-SHA256 signatures. The engine uses it for
// POST-bound messages when request signing is enabled; the redirect binding
// carries a detached query signature instead.
type Signer struct {
	keyStore dsig.X509KeyStore
}

// NewSigner creates a Signer from an X509 key store, typically
// dsig.TLSCertKeyStore around the SP keypair.
func NewSigner(keyStore dsig.X509KeyStore) *Signer {
	return &Signer{keyStore: keyStore}
}

// SignEnveloped signs el and returns a copy with the ds:Signature element
// inserted as the last child, per the SAML enveloped signature profile.
func (s *Signer) SignEnveloped(el *etree.Element) (*etree.Element, error) {
	ctx := dsig.NewDefaultSigningContext(s.keyStore)
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, err
	}
	return ctx.SignEnveloped(el)
}

// SignEnvelopedXML parses raw XML, signs its root element, and serializes
// the signed document. The returned bytes are what the signature covers and
// must go out unmodified.
func (s *Signer) SignEnvelopedXML(raw []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}
	signed, err := s.SignEnveloped(doc.Root())
	if err != nil {
		return nil, err
	}
	out := etree.NewDocument()
	out.SetRoot(signed)
	return out.WriteToBytes()
}
