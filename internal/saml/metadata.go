package saml

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/identitylabs/samlgate/internal/keys"
)

// ============================================================================
// Metadata document schema (SAML 2.0 Metadata)
// ============================================================================

// EntityDescriptor represents a SAML metadata EntityDescriptor
type EntityDescriptor struct {
	XMLName          xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID         string            `xml:"entityID,attr"`
	ValidUntil       string            `xml:"validUntil,attr,omitempty"`
	SPSSODescriptor  *SPSSODescriptor  `xml:"SPSSODescriptor,omitempty"`
	IDPSSODescriptor *IDPSSODescriptor `xml:"IDPSSODescriptor,omitempty"`
}

// SPSSODescriptor represents the Service Provider SSO Descriptor
type SPSSODescriptor struct {
	XMLName                    xml.Name                   `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	ProtocolSupportEnumeration string                     `xml:"protocolSupportEnumeration,attr"`
	AuthnRequestsSigned        bool                       `xml:"AuthnRequestsSigned,attr,omitempty"`
	WantAssertionsSigned       bool                       `xml:"WantAssertionsSigned,attr,omitempty"`
	KeyDescriptors             []KeyDescriptor            `xml:"KeyDescriptor,omitempty"`
	SingleLogoutServices       []EndpointDescriptor       `xml:"SingleLogoutService,omitempty"`
	NameIDFormats              []string                   `xml:"NameIDFormat,omitempty"`
	AssertionConsumerServices  []IndexedEndpointDescriptor `xml:"AssertionConsumerService"`
}

// IDPSSODescriptor represents the Identity Provider SSO Descriptor
type IDPSSODescriptor struct {
	XMLName                    xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	ProtocolSupportEnumeration string               `xml:"protocolSupportEnumeration,attr"`
	WantAuthnRequestsSigned    bool                 `xml:"WantAuthnRequestsSigned,attr,omitempty"`
	KeyDescriptors             []KeyDescriptor      `xml:"KeyDescriptor,omitempty"`
	SingleLogoutServices       []EndpointDescriptor `xml:"SingleLogoutService,omitempty"`
	NameIDFormats              []string             `xml:"NameIDFormat,omitempty"`
	SingleSignOnServices       []EndpointDescriptor `xml:"SingleSignOnService"`
}

// KeyDescriptor represents a key descriptor in metadata
type KeyDescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	Use     string   `xml:"use,attr,omitempty"` // "signing" or "encryption"
	KeyInfo KeyInfo  `xml:"KeyInfo"`
}

// KeyInfo represents the ds:KeyInfo element in a key descriptor
type KeyInfo struct {
	XMLName  xml.Name  `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	X509Data *X509Data `xml:"X509Data,omitempty"`
}

// X509Data carries the base64-encoded DER certificate (not PEM)
type X509Data struct {
	XMLName         xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# X509Data"`
	X509Certificate string   `xml:"X509Certificate"`
}

// EndpointDescriptor represents an SSO or SLO endpoint
type EndpointDescriptor struct {
	Binding          string `xml:"Binding,attr"`
	Location         string `xml:"Location,attr"`
	ResponseLocation string `xml:"ResponseLocation,attr,omitempty"`
}

// IndexedEndpointDescriptor represents an indexed endpoint (ACS)
type IndexedEndpointDescriptor struct {
	Binding   string `xml:"Binding,attr"`
	Location  string `xml:"Location,attr"`
	Index     int    `xml:"index,attr"`
	IsDefault bool   `xml:"isDefault,attr,omitempty"`
}

// ============================================================================
// IdP metadata
// ============================================================================

// IdPMetadata is the parsed, immutable view of one identity provider's
// metadata document. It is never mutated after ParseIdPMetadata returns;
// re-configuration produces a fresh value.
type IdPMetadata struct {
	EntityID     string
	SSOURL       string
	SSOBinding   string
	SLOURL       string
	SLOBinding   string
	Certificates []*x509.Certificate
}

// ParseIdPMetadata parses an IdP metadata XML document and extracts what
// the protocol engine needs: entity ID, SSO/SLO endpoints and the signing
// certificates. The HTTP-Redirect binding is preferred for both endpoints,
// falling back to HTTP-POST.
func ParseIdPMetadata(data []byte) (*IdPMetadata, error) {
	var doc EntityDescriptor
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigurationError{Setting: "idp metadata", Reason: fmt.Sprintf("unparseable XML: %v", err)}
	}
	if doc.EntityID == "" {
		return nil, &ConfigurationError{Setting: "idp metadata", Reason: "missing entityID"}
	}
	if doc.IDPSSODescriptor == nil {
		return nil, &ConfigurationError{Setting: "idp metadata", Reason: "document has no IDPSSODescriptor"}
	}

	md := &IdPMetadata{EntityID: doc.EntityID}

	md.SSOURL, md.SSOBinding = pickEndpoint(doc.IDPSSODescriptor.SingleSignOnServices)
	if md.SSOURL == "" {
		return nil, &ConfigurationError{Setting: "idp metadata", Reason: "no usable SingleSignOnService endpoint"}
	}
	md.SLOURL, md.SLOBinding = pickEndpoint(doc.IDPSSODescriptor.SingleLogoutServices)

	for _, kd := range doc.IDPSSODescriptor.KeyDescriptors {
		// An absent use attribute means the key serves both purposes.
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		if kd.KeyInfo.X509Data == nil {
			continue
		}
		cert, err := parseMetadataCertificate(kd.KeyInfo.X509Data.X509Certificate)
		if err != nil {
			return nil, &ConfigurationError{Setting: "idp metadata", Reason: fmt.Sprintf("bad signing certificate: %v", err)}
		}
		md.Certificates = append(md.Certificates, cert)
	}
	if len(md.Certificates) == 0 {
		return nil, &ConfigurationError{Setting: "idp metadata", Reason: "no signing certificate"}
	}

	return md, nil
}

func pickEndpoint(endpoints []EndpointDescriptor) (location, binding string) {
	for _, ep := range endpoints {
		if ep.Binding == BindingHTTPRedirect {
			return ep.Location, ep.Binding
		}
	}
	for _, ep := range endpoints {
		if ep.Binding == BindingHTTPPost {
			return ep.Location, ep.Binding
		}
	}
	return "", ""
}

func parseMetadataCertificate(b64 string) (*x509.Certificate, error) {
	// Metadata documents routinely wrap the base64 across lines.
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, b64)
	der, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return x509.ParseCertificate(der)
}

// MetadataStore holds the parsed metadata for every configured IdP. Reads
// vastly outnumber writes; a write replaces a complete snapshot under the
// write lock so concurrent readers see either the old or the new metadata,
// never a mix. A failed Load keeps the previous snapshot active: a broken
// admin update must not take a working trust relationship offline.
type MetadataStore struct {
	mu   sync.RWMutex
	idps map[string]*IdPMetadata
}

// NewMetadataStore creates an empty MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{idps: make(map[string]*IdPMetadata)}
}

// Load parses and installs metadata for the named IdP. On parse failure
// the previously installed metadata, if any, remains in effect and the
// ConfigurationError is returned to the caller.
func (s *MetadataStore) Load(name string, data []byte) error {
	md, err := ParseIdPMetadata(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.idps[name] = md
	s.mu.Unlock()
	return nil
}

// LoadDir loads every "*.xml" document in dir, keyed by base filename.
func (s *MetadataStore) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".xml")
		if err := s.Load(name, data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// Get returns the metadata for the named IdP.
func (s *MetadataStore) Get(name string) (*IdPMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.idps[name]
	return md, ok
}

// Names returns the configured IdP names in no particular order.
func (s *MetadataStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.idps))
	for name := range s.idps {
		names = append(names, name)
	}
	return names
}

// ============================================================================
// SP metadata
// ============================================================================

// SPMetadata describes this service provider: its entity ID (derived from
// the deployment's canonical hostname), endpoints, and signing keypair.
type SPMetadata struct {
	EntityID     string
	ACSURL       string
	SLOURL       string
	SignRequests bool
	KeyPair      *keys.KeyPair
}

// Document renders the SP metadata XML that administrators register at the
// IdP. The certificate is embedded as base64 DER per SAML Metadata.
func (sp *SPMetadata) Document() ([]byte, error) {
	desc := &EntityDescriptor{
		EntityID: sp.EntityID,
		SPSSODescriptor: &SPSSODescriptor{
			ProtocolSupportEnumeration: NamespaceSAMLp,
			AuthnRequestsSigned:        sp.SignRequests,
			WantAssertionsSigned:       true,
			NameIDFormats: []string{
				NameIDFormatEmail,
				NameIDFormatPersistent,
				NameIDFormatTransient,
				NameIDFormatUnspecified,
			},
			AssertionConsumerServices: []IndexedEndpointDescriptor{
				{Binding: BindingHTTPPost, Location: sp.ACSURL, Index: 0, IsDefault: true},
			},
		},
	}
	if sp.SLOURL != "" {
		desc.SPSSODescriptor.SingleLogoutServices = []EndpointDescriptor{
			{Binding: BindingHTTPRedirect, Location: sp.SLOURL},
			{Binding: BindingHTTPPost, Location: sp.SLOURL},
		}
	}
	if sp.KeyPair != nil {
		certB64 := base64.StdEncoding.EncodeToString(sp.KeyPair.Certificate.Raw)
		desc.SPSSODescriptor.KeyDescriptors = []KeyDescriptor{
			{Use: "signing", KeyInfo: KeyInfo{X509Data: &X509Data{X509Certificate: certB64}}},
		}
	}

	out, err := xml.MarshalIndent(desc, "", "  ")
	if err != nil {
		return nil, err
	}
	return []byte(xml.Header + string(out)), nil
}
