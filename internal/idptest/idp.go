// Package idptest provides a minimal signing identity provider for tests:
// it produces metadata documents and signed (or deliberately broken)
// Responses without any network I/O.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math/big"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/identitylabs/samlgate/internal/saml"
)

// IdP is an in-memory identity provider with its own signing keypair.
type IdP struct {
	EntityID string
	SSOURL   string
	SLOURL   string

	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// New creates an IdP with a fresh RSA keypair and self-signed certificate.
func New(entityID, ssoURL, sloURL string) (*IdP, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: entityID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &IdP{
		EntityID: entityID,
		SSOURL:   ssoURL,
		SLOURL:   sloURL,
		key:      key,
		cert:     cert,
	}, nil
}

// Certificate returns the IdP's signing certificate.
func (i *IdP) Certificate() *x509.Certificate { return i.cert }

// Metadata renders the IdP's metadata document.
func (i *IdP) Metadata() []byte {
	desc := saml.EntityDescriptor{
		EntityID: i.EntityID,
		IDPSSODescriptor: &saml.IDPSSODescriptor{
			ProtocolSupportEnumeration: saml.NamespaceSAMLp,
			KeyDescriptors: []saml.KeyDescriptor{
				{
					Use: "signing",
					KeyInfo: saml.KeyInfo{
						X509Data: &saml.X509Data{
							X509Certificate: base64.StdEncoding.EncodeToString(i.cert.Raw),
						},
					},
				},
			},
			SingleSignOnServices: []saml.EndpointDescriptor{
				{Binding: saml.BindingHTTPRedirect, Location: i.SSOURL},
			},
		},
	}
	if i.SLOURL != "" {
		desc.IDPSSODescriptor.SingleLogoutServices = []saml.EndpointDescriptor{
			{Binding: saml.BindingHTTPRedirect, Location: i.SLOURL},
		}
	}
	out, _ := xml.MarshalIndent(&desc, "", "  ")
	return []byte(xml.Header + string(out))
}

// ResponseOptions shapes a generated Response. Zero values produce a valid
// success response signed on the assertion.
type ResponseOptions struct {
	InResponseTo string
	Destination  string
	Audience     string
	Recipient    string

	NameID       string
	NameIDFormat string
	SessionIndex string
	Attributes   map[string][]string

	// Now anchors all timestamps; zero means time.Now().
	Now          time.Time
	NotBefore    time.Time
	NotOnOrAfter time.Time

	// StatusCode overrides the Success status.
	StatusCode string
	// IssuerOverride replaces the IdP entity ID in both issuer elements.
	IssuerOverride string

	// SignResponse signs the Response root instead of the assertion;
	// SignAssertion additionally signs the assertion. Unsigned produces no
	// signature at all.
	SignResponse  bool
	SignAssertion bool
	Unsigned      bool

	// TamperAfterSigning flips a NameID character after signing so the
	// digest no longer matches.
	TamperAfterSigning bool
}

// MakeResponse builds, signs, and serializes a Response per opts.
func (i *IdP) MakeResponse(opts ResponseOptions) ([]byte, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = now.Add(-time.Minute)
	}
	notOnOrAfter := opts.NotOnOrAfter
	if notOnOrAfter.IsZero() {
		notOnOrAfter = now.Add(5 * time.Minute)
	}
	nameIDFormat := opts.NameIDFormat
	if nameIDFormat == "" {
		nameIDFormat = saml.NameIDFormatUnspecified
	}
	statusCode := opts.StatusCode
	if statusCode == "" {
		statusCode = saml.StatusSuccess
	}
	issuer := i.EntityID
	if opts.IssuerOverride != "" {
		issuer = opts.IssuerOverride
	}

	assertion := &saml.Assertion{
		ID:           saml.GenerateID(),
		Version:      "2.0",
		IssueInstant: saml.FormatTime(now),
		Issuer:       &saml.Issuer{Value: issuer},
		Subject: &saml.Subject{
			NameID: &saml.NameID{Format: nameIDFormat, Value: opts.NameID},
			SubjectConfirmation: &saml.SubjectConfirmation{
				Method: "urn:oasis:names:tc:SAML:2.0:cm:bearer",
				SubjectConfirmationData: &saml.SubjectConfirmationData{
					NotOnOrAfter: saml.FormatTime(notOnOrAfter),
					Recipient:    opts.Recipient,
					InResponseTo: opts.InResponseTo,
				},
			},
		},
		Conditions: &saml.Conditions{
			NotBefore:    saml.FormatTime(notBefore),
			NotOnOrAfter: saml.FormatTime(notOnOrAfter),
		},
		AuthnStatement: &saml.AuthnStatement{
			AuthnInstant: saml.FormatTime(now),
			SessionIndex: opts.SessionIndex,
			AuthnContext: &saml.AuthnContext{
				AuthnContextClassRef: "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport",
			},
		},
	}
	if opts.Audience != "" {
		assertion.Conditions.AudienceRestriction = &saml.AudienceRestriction{
			Audience: []string{opts.Audience},
		}
	}
	if len(opts.Attributes) > 0 {
		statement := &saml.AttributeStatement{}
		for name, values := range opts.Attributes {
			attr := saml.Attribute{Name: name}
			for _, v := range values {
				attr.AttributeValues = append(attr.AttributeValues, saml.AttributeValue{Value: v})
			}
			statement.Attributes = append(statement.Attributes, attr)
		}
		assertion.AttributeStatement = statement
	}

	response := &saml.Response{
		ID:           saml.GenerateID(),
		Version:      "2.0",
		IssueInstant: saml.FormatTime(now),
		Destination:  opts.Destination,
		InResponseTo: opts.InResponseTo,
		Issuer:       &saml.Issuer{Value: issuer},
		Status:       &saml.Status{StatusCode: saml.StatusCode{Value: statusCode}},
		Assertions:   []*saml.Assertion{assertion},
	}

	serialized, err := xml.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(serialized); err != nil {
		return nil, fmt.Errorf("failed to re-parse response: %w", err)
	}
	root := doc.Root()

	if !opts.Unsigned {
		signer := i.signer()
		if opts.SignAssertion || !opts.SignResponse {
			if err := i.signChildAssertion(signer, root); err != nil {
				return nil, err
			}
		}
		if opts.SignResponse {
			signed, err := signer.SignEnveloped(root)
			if err != nil {
				return nil, fmt.Errorf("failed to sign response: %w", err)
			}
			doc.SetRoot(signed)
			root = signed
		}
	}

	if opts.TamperAfterSigning {
		if nameID := root.FindElement("//NameID"); nameID != nil {
			nameID.SetText(nameID.Text() + "x")
		}
	}

	return doc.WriteToBytes()
}

func (i *IdP) signer() *saml.Signer {
	return saml.NewSigner(dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{i.cert.Raw},
		PrivateKey:  i.key,
	}))
}

func (i *IdP) signChildAssertion(signer *saml.Signer, root *etree.Element) error {
	var assertionEl *etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag == "Assertion" {
			assertionEl = child
			break
		}
	}
	if assertionEl == nil {
		return fmt.Errorf("response has no assertion to sign")
	}
	signed, err := signer.SignEnveloped(assertionEl)
	if err != nil {
		return fmt.Errorf("failed to sign assertion: %w", err)
	}
	root.RemoveChild(assertionEl)
	root.AddChild(signed)
	return nil
}

// MakeLogoutResponse builds a signed-free LogoutResponse answering the
// given request ID.
func (i *IdP) MakeLogoutResponse(inResponseTo, statusCode string) ([]byte, error) {
	if statusCode == "" {
		statusCode = saml.StatusSuccess
	}
	resp := &saml.LogoutResponse{
		ID:           saml.GenerateID(),
		Version:      "2.0",
		IssueInstant: saml.FormatTime(time.Now()),
		InResponseTo: inResponseTo,
		Issuer:       &saml.Issuer{Value: i.EntityID},
		Status:       &saml.Status{StatusCode: saml.StatusCode{Value: statusCode}},
	}
	return xml.Marshal(resp)
}

// MakeLogoutRequest builds an IdP-initiated LogoutRequest.
func (i *IdP) MakeLogoutRequest(nameID, sessionIndex string) ([]byte, error) {
	req := &saml.LogoutRequest{
		ID:           saml.GenerateID(),
		Version:      "2.0",
		IssueInstant: saml.FormatTime(time.Now()),
		Issuer:       &saml.Issuer{Value: i.EntityID},
		NameID:       &saml.NameID{Format: saml.NameIDFormatUnspecified, Value: nameID},
	}
	if sessionIndex != "" {
		req.SessionIndex = []string{sessionIndex}
	}
	return xml.Marshal(req)
}
