package saml

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SAML 2.0 XML namespaces
const (
	NamespaceSAML     = "urn:oasis:names:tc:SAML:2.0:assertion"
	NamespaceSAMLp    = "urn:oasis:names:tc:SAML:2.0:protocol"
	NamespaceMetadata = "urn:oasis:names:tc:SAML:2.0:metadata"
	NamespaceDS       = "http://www.w3.org/2000/09/xmldsig#"
)

// SAML 2.0 NameID formats
const (
	NameIDFormatUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDFormatEmail       = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersistent  = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatTransient   = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
)

// SAML 2.0 bindings
const (
	BindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// SAML 2.0 status codes
const (
	StatusSuccess       = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester     = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder     = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusAuthnFailed   = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
	StatusPartialLogout = "urn:oasis:names:tc:SAML:2.0:status:PartialLogout"
)

// ============================================================================
// Core assertion types
// ============================================================================

// Issuer represents the SAML Issuer element
type Issuer struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Format  string   `xml:"Format,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// NameID represents the SAML NameID element
type NameID struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	Format          string   `xml:"Format,attr,omitempty"`
	NameQualifier   string   `xml:"NameQualifier,attr,omitempty"`
	SPNameQualifier string   `xml:"SPNameQualifier,attr,omitempty"`
	Value           string   `xml:",chardata"`
}

// Subject represents the SAML Subject element
type Subject struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`
	NameID              *NameID              `xml:"NameID,omitempty"`
	SubjectConfirmation *SubjectConfirmation `xml:"SubjectConfirmation,omitempty"`
}

// SubjectConfirmation represents the SAML SubjectConfirmation element
type SubjectConfirmation struct {
	XMLName                 xml.Name                 `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmation"`
	Method                  string                   `xml:"Method,attr"`
	SubjectConfirmationData *SubjectConfirmationData `xml:"SubjectConfirmationData,omitempty"`
}

// SubjectConfirmationData represents the SAML SubjectConfirmationData element
type SubjectConfirmationData struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmationData"`
	NotOnOrAfter string   `xml:"NotOnOrAfter,attr,omitempty"`
	Recipient    string   `xml:"Recipient,attr,omitempty"`
	InResponseTo string   `xml:"InResponseTo,attr,omitempty"`
}

// Conditions represents the SAML Conditions element
type Conditions struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Conditions"`
	NotBefore           string               `xml:"NotBefore,attr,omitempty"`
	NotOnOrAfter        string               `xml:"NotOnOrAfter,attr,omitempty"`
	AudienceRestriction *AudienceRestriction `xml:"AudienceRestriction,omitempty"`
}

// AudienceRestriction represents the SAML AudienceRestriction element
type AudienceRestriction struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AudienceRestriction"`
	Audience []string `xml:"Audience"`
}

// AuthnStatement represents the SAML AuthnStatement element
type AuthnStatement struct {
	XMLName             xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnStatement"`
	AuthnInstant        string        `xml:"AuthnInstant,attr"`
	SessionIndex        string        `xml:"SessionIndex,attr,omitempty"`
	SessionNotOnOrAfter string        `xml:"SessionNotOnOrAfter,attr,omitempty"`
	AuthnContext        *AuthnContext `xml:"AuthnContext"`
}

// AuthnContext represents the SAML AuthnContext element
type AuthnContext struct {
	XMLName              xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContext"`
	AuthnContextClassRef string   `xml:"AuthnContextClassRef"`
}

// AttributeStatement represents the SAML AttributeStatement element
type AttributeStatement struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeStatement"`
	Attributes []Attribute `xml:"Attribute"`
}

// Attribute represents the SAML Attribute element
type Attribute struct {
	XMLName         xml.Name         `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
	Name            string           `xml:"Name,attr"`
	NameFormat      string           `xml:"NameFormat,attr,omitempty"`
	FriendlyName    string           `xml:"FriendlyName,attr,omitempty"`
	AttributeValues []AttributeValue `xml:"AttributeValue"`
}

// AttributeValue represents the SAML AttributeValue element
type AttributeValue struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`
	Value   string   `xml:",chardata"`
}

// Assertion represents a SAML Assertion. The Signature element, if present,
// is processed out of band by the signature validator and is deliberately
// not modeled here.
type Assertion struct {
	XMLName            xml.Name            `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	ID                 string              `xml:"ID,attr"`
	Version            string              `xml:"Version,attr"`
	IssueInstant       string              `xml:"IssueInstant,attr"`
	Issuer             *Issuer             `xml:"Issuer"`
	Subject            *Subject            `xml:"Subject,omitempty"`
	Conditions         *Conditions         `xml:"Conditions,omitempty"`
	AuthnStatement     *AuthnStatement     `xml:"AuthnStatement,omitempty"`
	AttributeStatement *AttributeStatement `xml:"AttributeStatement,omitempty"`
}

// ============================================================================
// Protocol types
// ============================================================================

// AuthnRequest represents a SAML AuthnRequest message
type AuthnRequest struct {
	XMLName                     xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID                          string        `xml:"ID,attr"`
	Version                     string        `xml:"Version,attr"`
	IssueInstant                string        `xml:"IssueInstant,attr"`
	Destination                 string        `xml:"Destination,attr,omitempty"`
	ProtocolBinding             string        `xml:"ProtocolBinding,attr,omitempty"`
	AssertionConsumerServiceURL string        `xml:"AssertionConsumerServiceURL,attr,omitempty"`
	ForceAuthn                  bool          `xml:"ForceAuthn,attr,omitempty"`
	Issuer                      *Issuer       `xml:"Issuer,omitempty"`
	NameIDPolicy                *NameIDPolicy `xml:"NameIDPolicy,omitempty"`
}

// NameIDPolicy represents the SAML NameIDPolicy element
type NameIDPolicy struct {
	XMLName     xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`
	Format      string   `xml:"Format,attr,omitempty"`
	AllowCreate bool     `xml:"AllowCreate,attr,omitempty"`
}

// Response represents a SAML Response message
type Response struct {
	XMLName      xml.Name     `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	ID           string       `xml:"ID,attr"`
	Version      string       `xml:"Version,attr"`
	IssueInstant string       `xml:"IssueInstant,attr"`
	Destination  string       `xml:"Destination,attr,omitempty"`
	InResponseTo string       `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer      `xml:"Issuer,omitempty"`
	Status       *Status      `xml:"Status"`
	Assertions   []*Assertion `xml:"Assertion,omitempty"`
}

// Status represents the SAML Status element
type Status struct {
	XMLName       xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
	StatusCode    StatusCode `xml:"StatusCode"`
	StatusMessage string     `xml:"StatusMessage,omitempty"`
}

// StatusCode represents the SAML StatusCode element
type StatusCode struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`
	Value      string      `xml:"Value,attr"`
	StatusCode *StatusCode `xml:"StatusCode,omitempty"`
}

// LogoutRequest represents a SAML LogoutRequest message
type LogoutRequest struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutRequest"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Destination  string   `xml:"Destination,attr,omitempty"`
	NotOnOrAfter string   `xml:"NotOnOrAfter,attr,omitempty"`
	Reason       string   `xml:"Reason,attr,omitempty"`
	Issuer       *Issuer  `xml:"Issuer,omitempty"`
	NameID       *NameID  `xml:"NameID,omitempty"`
	SessionIndex []string `xml:"SessionIndex,omitempty"`
}

// LogoutResponse represents a SAML LogoutResponse message
type LogoutResponse struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutResponse"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Destination  string   `xml:"Destination,attr,omitempty"`
	InResponseTo string   `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer  `xml:"Issuer,omitempty"`
	Status       *Status  `xml:"Status"`
}

// ============================================================================
// Helpers
// ============================================================================

// GenerateID generates a unique SAML message ID. SAML IDs are of type
// xs:ID and must not start with a digit, hence the underscore prefix.
func GenerateID() string {
	return "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TimeFormat is the xs:dateTime layout required by SAML 2.0 Core Section
// 1.3.3: UTC with a 'Z' timezone indicator.
const TimeFormat = "2006-01-02T15:04:05Z"

// FormatTime renders t in SAML wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a SAML wire-format timestamp. Fractional seconds are
// accepted because several IdP products emit them.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.999999999Z", s)
	}
	return t, err
}

// NewAuthnRequest creates an AuthnRequest with required fields populated.
func NewAuthnRequest(issuer, destination, acsURL string, forceAuthn bool) *AuthnRequest {
	return &AuthnRequest{
		ID:                          GenerateID(),
		Version:                     "2.0",
		IssueInstant:                FormatTime(time.Now()),
		Destination:                 destination,
		ProtocolBinding:             BindingHTTPPost,
		AssertionConsumerServiceURL: acsURL,
		ForceAuthn:                  forceAuthn,
		Issuer:                      &Issuer{Value: issuer},
		NameIDPolicy: &NameIDPolicy{
			Format:      NameIDFormatUnspecified,
			AllowCreate: true,
		},
	}
}

// NewLogoutRequest creates a LogoutRequest for the given principal.
func NewLogoutRequest(issuer, destination, nameID, nameIDFormat string, sessionIndexes []string) *LogoutRequest {
	return &LogoutRequest{
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: FormatTime(time.Now()),
		Destination:  destination,
		NotOnOrAfter: FormatTime(time.Now().Add(5 * time.Minute)),
		Issuer:       &Issuer{Value: issuer},
		NameID: &NameID{
			Format: nameIDFormat,
			Value:  nameID,
		},
		SessionIndex: sessionIndexes,
	}
}
