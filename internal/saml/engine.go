// Package saml implements the service-provider side of the SAML 2.0 Web
// Browser SSO and Single Logout profiles: building AuthnRequests and
// LogoutRequests, and validating the responses an identity provider sends
// back. It never touches application sessions or user records; callers act
// on the AssertionInfo it returns.
package saml

import (
	"crypto/rsa"
	"encoding/xml"
	"log"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/identitylabs/samlgate/internal/keys"
)

// ClockSkew is the tolerance applied to every NotBefore / NotOnOrAfter
// comparison. Ninety seconds absorbs the drift seen on real IdP fleets
// without stretching the assertion's validity window meaningfully.
const ClockSkew = 90 * time.Second

// RequestTTL is how long an issued AuthnRequest ID remains redeemable.
const RequestTTL = 5 * time.Minute

// Config carries the SP-side settings the engine needs. The engine itself
// is immutable; a configuration change builds a new engine around the same
// metadata store and binder.
type Config struct {
	// EntityID is this SP's entity ID, conventionally the metadata URL.
	EntityID string
	// ACSURL receives Responses over HTTP-POST.
	ACSURL string
	// SLOURL receives logout messages.
	SLOURL string
	// SignRequests adds a query signature to redirect-bound requests.
	SignRequests bool
	// AllowUnsolicited accepts IdP-initiated Responses that carry no
	// InResponseTo. Off by default; unsolicited responses defeat the
	// single-use request binding.
	AllowUnsolicited bool
	// KeyPair signs outbound messages when SignRequests is set.
	KeyPair *keys.KeyPair
	// Clock defaults to the wall clock.
	Clock clockwork.Clock
	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// Engine drives the SAML message exchange for one service provider against
// any number of configured identity providers.
type Engine struct {
	cfg      Config
	metadata *MetadataStore
	binder   *Binder
	clock    clockwork.Clock
	logger   *log.Logger
}

// NewEngine creates an Engine over the given metadata store and binder.
func NewEngine(cfg Config, metadata *MetadataStore, binder *Binder) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg:      cfg,
		metadata: metadata,
		binder:   binder,
		clock:    clock,
		logger:   logger,
	}
}

// Binder exposes the request binder, mainly for tests and diagnostics.
func (e *Engine) Binder() *Binder { return e.binder }

// ============================================================================
// Outbound: AuthnRequest
// ============================================================================

// RequestArtifact is a built outbound message ready for the browser. Either
// RedirectURL or PostForm is set, depending on the IdP endpoint's binding.
type RequestArtifact struct {
	RequestID   string
	Binding     string
	RedirectURL string
	PostForm    string
}

// BuildAuthnRequest creates an AuthnRequest for the named IdP, registers
// its ID for single-use redemption, and encodes it for the IdP's SSO
// binding. relayState is returned verbatim by ValidateResponse when the
// matching Response is redeemed.
func (e *Engine) BuildAuthnRequest(idpName, relayState string, forceAuthn bool) (*RequestArtifact, error) {
	md, ok := e.metadata.Get(idpName)
	if !ok {
		return nil, &ConfigurationError{Setting: "idp", Reason: "unknown identity provider: " + idpName}
	}

	req := NewAuthnRequest(e.cfg.EntityID, md.SSOURL, e.cfg.ACSURL, forceAuthn)
	req.IssueInstant = FormatTime(e.clock.Now())

	artifact, err := e.encodeOutbound(md.SSOURL, md.SSOBinding, req, relayState, true)
	if err != nil {
		return nil, err
	}
	artifact.RequestID = req.ID

	e.binder.Register(req.ID, relayState, RequestTTL)
	e.binder.Sweep(e.clock.Now())

	e.logger.Printf("saml: issued AuthnRequest %s to %s via %s", req.ID, idpName, md.SSOBinding)
	return artifact, nil
}

func (e *Engine) encodeOutbound(destination, binding string, message interface{}, relayState string, isRequest bool) (*RequestArtifact, error) {
	artifact := &RequestArtifact{Binding: binding}
	switch binding {
	case BindingHTTPRedirect:
		var signingKey *rsa.PrivateKey
		if e.cfg.SignRequests && e.cfg.KeyPair != nil {
			signingKey = e.cfg.KeyPair.PrivateKey
		}
		redirectURL, err := NewRedirectBinding(signingKey).BuildRedirectURL(destination, message, relayState, isRequest)
		if err != nil {
			return nil, err
		}
		artifact.RedirectURL = redirectURL
	case BindingHTTPPost:
		pb := &PostBinding{}
		if e.cfg.SignRequests && e.cfg.KeyPair != nil {
			pb.Signer = SignerForKeyPair(e.cfg.KeyPair)
		}
		form, err := pb.GeneratePostForm(destination, message, relayState, isRequest)
		if err != nil {
			return nil, err
		}
		artifact.PostForm = form
	default:
		return nil, &ConfigurationError{Setting: "idp", Reason: "unsupported binding: " + binding}
	}
	return artifact, nil
}

// ============================================================================
// Inbound: Response validation
// ============================================================================

// AssertionInfo is the distilled outcome of a successfully validated
// Response. Everything in it came from under a verified signature.
type AssertionInfo struct {
	Issuer       string
	NameID       string
	NameIDFormat string
	SessionIndex string
	Attributes   map[string][]string
	InResponseTo string
	RelayState   string
}

// ValidateResponse runs the full acceptance pipeline on a Response received
// at the ACS: status, version, issuer, destination, signature, single-use
// InResponseTo redemption, Conditions timing with ClockSkew tolerance, and
// audience restriction. Any failure aborts the login with a ProtocolError;
// there are no advisory results.
func (e *Engine) ValidateResponse(idpName string, rawXML []byte, relayState string) (*AssertionInfo, error) {
	md, ok := e.metadata.Get(idpName)
	if !ok {
		return nil, &ConfigurationError{Setting: "idp", Reason: "unknown identity provider: " + idpName}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rawXML); err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "unparseable response XML", "%v", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" || root.NamespaceURI() != NamespaceSAMLp {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "document is not a samlp:Response", "root element %q", elementName(root))
	}

	// The unsigned envelope is only trusted for routing decisions: status,
	// version, issuer, destination, InResponseTo. Everything identity
	// bearing comes from the signed subtree below.
	var envelope Response
	if err := xml.Unmarshal(rawXML, &envelope); err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "unparseable response envelope", "%v", err)
	}

	if envelope.Version != "2.0" {
		return nil, protocolErrorf(ErrCodeUnsupportedVersion, "unsupported SAML version", "got %q", envelope.Version)
	}
	if envelope.Status == nil || envelope.Status.StatusCode.Value != StatusSuccess {
		code := "(missing)"
		if envelope.Status != nil {
			code = envelope.Status.StatusCode.Value
		}
		return nil, protocolErrorf(ErrCodeAuthnFailed, "identity provider reported failure", "status %s", code)
	}
	if envelope.Issuer != nil && envelope.Issuer.Value != md.EntityID {
		return nil, protocolErrorf(ErrCodeIssuerMismatch, "response issuer does not match metadata", "got %q, want %q", envelope.Issuer.Value, md.EntityID)
	}
	if envelope.Destination != "" && envelope.Destination != e.cfg.ACSURL {
		return nil, protocolErrorf(ErrCodeAudienceMismatch, "response destination is not this ACS", "got %q, want %q", envelope.Destination, e.cfg.ACSURL)
	}

	assertion, err := e.extractSignedAssertion(root, md)
	if err != nil {
		return nil, err
	}

	if assertion.Issuer == nil || assertion.Issuer.Value != md.EntityID {
		got := "(missing)"
		if assertion.Issuer != nil {
			got = assertion.Issuer.Value
		}
		return nil, protocolErrorf(ErrCodeIssuerMismatch, "assertion issuer does not match metadata", "got %q, want %q", got, md.EntityID)
	}

	// Single-use redemption. Per SAML 2.0 Profiles Section 4.1.4.5 a
	// Response may be accepted at most once; a second presentation of the
	// same InResponseTo is a replay regardless of how valid the rest is.
	inResponseTo := envelope.InResponseTo
	finalRelayState := relayState
	if inResponseTo == "" {
		if !e.cfg.AllowUnsolicited {
			return nil, protocolErrorf(ErrCodeReplayOrUnknownRequest, "unsolicited response rejected", "response carries no InResponseTo and unsolicited responses are disabled")
		}
	} else {
		registered, err := e.binder.Consume(inResponseTo)
		if err != nil {
			return nil, protocolErrorf(ErrCodeReplayOrUnknownRequest, "response does not match an outstanding request", "InResponseTo %s: %v", inResponseTo, err)
		}
		finalRelayState = registered
	}

	if err := e.checkSubjectConfirmation(assertion, inResponseTo); err != nil {
		return nil, err
	}
	if err := e.checkConditions(assertion.Conditions); err != nil {
		return nil, err
	}

	if assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "assertion has no subject NameID", "Subject or NameID element missing")
	}

	info := &AssertionInfo{
		Issuer:       md.EntityID,
		NameID:       assertion.Subject.NameID.Value,
		NameIDFormat: assertion.Subject.NameID.Format,
		Attributes:   extractAttributes(assertion),
		InResponseTo: inResponseTo,
		RelayState:   finalRelayState,
	}
	if assertion.AuthnStatement != nil {
		info.SessionIndex = assertion.AuthnStatement.SessionIndex
	}

	e.logger.Printf("saml: validated response from %s for subject format %s", idpName, info.NameIDFormat)
	return info, nil
}

// extractSignedAssertion locates the assertion under a verified signature.
// Per SAML 2.0 Profiles Section 4.1.4.3 either the Response or the
// Assertion must be signed; this accepts either, and when both are signed
// both must verify. The returned Assertion is re-parsed from the validated
// etree subtree, so signature-wrapped content spliced outside the signed
// region never reaches the caller.
func (e *Engine) extractSignedAssertion(root *etree.Element, md *IdPMetadata) (*Assertion, error) {
	validator := NewSignatureValidator(md.Certificates)

	assertionEl := findChild(root, "Assertion")
	responseSigned := hasSignature(root)

	if !responseSigned {
		if assertionEl == nil {
			return nil, protocolErrorf(ErrCodeMalformedResponse, "response contains no assertion", "no saml:Assertion child")
		}
		if !hasSignature(assertionEl) {
			return nil, protocolErrorf(ErrCodeInvalidSignature, "response is unsigned", "neither the response nor the assertion carries a signature")
		}
	} else {
		validatedRoot, err := validator.Validate(root)
		if err != nil {
			return nil, err
		}
		assertionEl = findChild(validatedRoot, "Assertion")
		if assertionEl == nil {
			return nil, protocolErrorf(ErrCodeMalformedResponse, "signed response contains no assertion", "no saml:Assertion inside the signed document")
		}
	}

	if hasSignature(assertionEl) {
		validated, err := validator.Validate(assertionEl)
		if err != nil {
			return nil, err
		}
		assertionEl = validated
	}

	serialized, err := serializeElement(assertionEl)
	if err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "failed to re-serialize assertion", "%v", err)
	}
	var assertion Assertion
	if err := xml.Unmarshal(serialized, &assertion); err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "unparseable assertion", "%v", err)
	}
	return &assertion, nil
}

// checkSubjectConfirmation validates the bearer confirmation data when the
// assertion carries it: recipient, expiry, and InResponseTo agreement with
// the envelope.
func (e *Engine) checkSubjectConfirmation(assertion *Assertion, inResponseTo string) error {
	if assertion.Subject == nil || assertion.Subject.SubjectConfirmation == nil {
		return nil
	}
	data := assertion.Subject.SubjectConfirmation.SubjectConfirmationData
	if data == nil {
		return nil
	}
	if data.Recipient != "" && data.Recipient != e.cfg.ACSURL {
		return protocolErrorf(ErrCodeAudienceMismatch, "confirmation recipient is not this ACS", "got %q, want %q", data.Recipient, e.cfg.ACSURL)
	}
	if data.InResponseTo != "" && data.InResponseTo != inResponseTo {
		return protocolErrorf(ErrCodeReplayOrUnknownRequest, "confirmation data disagrees with response", "SubjectConfirmationData.InResponseTo %q, Response.InResponseTo %q", data.InResponseTo, inResponseTo)
	}
	if data.NotOnOrAfter != "" {
		expiry, err := ParseTime(data.NotOnOrAfter)
		if err != nil {
			return protocolErrorf(ErrCodeMalformedResponse, "bad confirmation NotOnOrAfter", "%v", err)
		}
		if !e.clock.Now().Add(-ClockSkew).Before(expiry) {
			return protocolErrorf(ErrCodeAssertionExpired, "subject confirmation expired", "NotOnOrAfter %s", data.NotOnOrAfter)
		}
	}
	return nil
}

// checkConditions enforces the assertion validity window with ClockSkew
// tolerance on both edges. A missing Conditions element is accepted; a
// present but unparseable timestamp is not.
func (e *Engine) checkConditions(conditions *Conditions) error {
	if conditions == nil {
		return nil
	}
	now := e.clock.Now()

	if conditions.NotBefore != "" {
		notBefore, err := ParseTime(conditions.NotBefore)
		if err != nil {
			return protocolErrorf(ErrCodeMalformedResponse, "bad NotBefore", "%v", err)
		}
		if now.Add(ClockSkew).Before(notBefore) {
			return protocolErrorf(ErrCodeAssertionNotYetValid, "assertion not yet valid", "NotBefore %s, now %s", conditions.NotBefore, FormatTime(now))
		}
	}
	if conditions.NotOnOrAfter != "" {
		notOnOrAfter, err := ParseTime(conditions.NotOnOrAfter)
		if err != nil {
			return protocolErrorf(ErrCodeMalformedResponse, "bad NotOnOrAfter", "%v", err)
		}
		if !now.Add(-ClockSkew).Before(notOnOrAfter) {
			return protocolErrorf(ErrCodeAssertionExpired, "assertion expired", "NotOnOrAfter %s, now %s", conditions.NotOnOrAfter, FormatTime(now))
		}
	}

	if conditions.AudienceRestriction != nil {
		found := false
		for _, audience := range conditions.AudienceRestriction.Audience {
			if audience == e.cfg.EntityID {
				found = true
				break
			}
		}
		if !found {
			return protocolErrorf(ErrCodeAudienceMismatch, "assertion audience does not include this SP", "want %q in %v", e.cfg.EntityID, conditions.AudienceRestriction.Audience)
		}
	}
	return nil
}

// extractAttributes flattens the attribute statement into a multimap keyed
// by both Name and FriendlyName, since administrators configure mappings
// against whichever one their IdP documents.
func extractAttributes(assertion *Assertion) map[string][]string {
	attrs := make(map[string][]string)
	if assertion.AttributeStatement == nil {
		return attrs
	}
	for _, attr := range assertion.AttributeStatement.Attributes {
		values := make([]string, 0, len(attr.AttributeValues))
		for _, v := range attr.AttributeValues {
			values = append(values, v.Value)
		}
		if attr.Name != "" {
			attrs[attr.Name] = append(attrs[attr.Name], values...)
		}
		if attr.FriendlyName != "" && attr.FriendlyName != attr.Name {
			attrs[attr.FriendlyName] = append(attrs[attr.FriendlyName], values...)
		}
	}
	return attrs
}

// ============================================================================
// Single Logout
// ============================================================================

// BuildLogoutRequest creates a LogoutRequest for the named IdP's SLO
// endpoint and registers its ID so the LogoutResponse can be correlated.
// Returns a ConfigurationError when the IdP publishes no SLO endpoint.
func (e *Engine) BuildLogoutRequest(idpName, nameID, nameIDFormat, sessionIndex string) (*RequestArtifact, error) {
	md, ok := e.metadata.Get(idpName)
	if !ok {
		return nil, &ConfigurationError{Setting: "idp", Reason: "unknown identity provider: " + idpName}
	}
	if md.SLOURL == "" {
		return nil, &ConfigurationError{Setting: "idp", Reason: "identity provider publishes no SingleLogoutService endpoint"}
	}

	var indexes []string
	if sessionIndex != "" {
		indexes = []string{sessionIndex}
	}
	req := NewLogoutRequest(e.cfg.EntityID, md.SLOURL, nameID, nameIDFormat, indexes)
	req.IssueInstant = FormatTime(e.clock.Now())
	req.NotOnOrAfter = FormatTime(e.clock.Now().Add(RequestTTL))

	artifact, err := e.encodeOutbound(md.SLOURL, md.SLOBinding, req, "", true)
	if err != nil {
		return nil, err
	}
	artifact.RequestID = req.ID

	e.binder.Register(req.ID, "", RequestTTL)

	e.logger.Printf("saml: issued LogoutRequest %s to %s", req.ID, idpName)
	return artifact, nil
}

// ValidateLogoutResponse checks a LogoutResponse received at the SLO
// endpoint. Callers terminate the local session whether or not this
// succeeds; the error only determines what gets logged.
func (e *Engine) ValidateLogoutResponse(idpName string, rawXML []byte) error {
	md, ok := e.metadata.Get(idpName)
	if !ok {
		return &ConfigurationError{Setting: "idp", Reason: "unknown identity provider: " + idpName}
	}

	var resp LogoutResponse
	if err := xml.Unmarshal(rawXML, &resp); err != nil {
		return protocolErrorf(ErrCodeMalformedResponse, "unparseable logout response", "%v", err)
	}
	if resp.Issuer != nil && resp.Issuer.Value != md.EntityID {
		return protocolErrorf(ErrCodeIssuerMismatch, "logout response issuer does not match metadata", "got %q, want %q", resp.Issuer.Value, md.EntityID)
	}
	if resp.InResponseTo != "" {
		if _, err := e.binder.Consume(resp.InResponseTo); err != nil {
			return protocolErrorf(ErrCodeReplayOrUnknownRequest, "logout response does not match an outstanding request", "InResponseTo %s: %v", resp.InResponseTo, err)
		}
	}
	if resp.Status == nil || resp.Status.StatusCode.Value != StatusSuccess {
		code := "(missing)"
		if resp.Status != nil {
			code = resp.Status.StatusCode.Value
		}
		// PartialLogout means some other session at the IdP survived.
		// The local session is gone either way.
		return protocolErrorf(ErrCodeAuthnFailed, "identity provider reported logout failure", "status %s", code)
	}
	return nil
}

// ParseLogoutRequest parses an IdP-initiated LogoutRequest. When the XML
// carries an enveloped signature it must verify against the IdP's
// certificates; an unsigned request is returned as-is and the caller
// decides, since the redirect binding moves the signature into the query
// string where this layer cannot see it.
func (e *Engine) ParseLogoutRequest(idpName string, rawXML []byte) (*LogoutRequest, error) {
	md, ok := e.metadata.Get(idpName)
	if !ok {
		return nil, &ConfigurationError{Setting: "idp", Reason: "unknown identity provider: " + idpName}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rawXML); err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "unparseable logout request XML", "%v", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "LogoutRequest" || root.NamespaceURI() != NamespaceSAMLp {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "document is not a samlp:LogoutRequest", "root element %q", elementName(root))
	}

	payload := rawXML
	if hasSignature(root) {
		validated, err := NewSignatureValidator(md.Certificates).Validate(root)
		if err != nil {
			return nil, err
		}
		payload, err = serializeElement(validated)
		if err != nil {
			return nil, protocolErrorf(ErrCodeMalformedResponse, "failed to re-serialize logout request", "%v", err)
		}
	}

	var req LogoutRequest
	if err := xml.Unmarshal(payload, &req); err != nil {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "unparseable logout request", "%v", err)
	}
	if req.Issuer != nil && req.Issuer.Value != md.EntityID {
		return nil, protocolErrorf(ErrCodeIssuerMismatch, "logout request issuer does not match metadata", "got %q, want %q", req.Issuer.Value, md.EntityID)
	}
	if req.NameID == nil || req.NameID.Value == "" {
		return nil, protocolErrorf(ErrCodeMalformedResponse, "logout request has no NameID", "NameID element missing")
	}
	return &req, nil
}

// BuildLogoutResponse answers an IdP-initiated LogoutRequest.
func (e *Engine) BuildLogoutResponse(idpName, inResponseTo string, partial bool) (*RequestArtifact, error) {
	md, ok := e.metadata.Get(idpName)
	if !ok {
		return nil, &ConfigurationError{Setting: "idp", Reason: "unknown identity provider: " + idpName}
	}
	if md.SLOURL == "" {
		return nil, &ConfigurationError{Setting: "idp", Reason: "identity provider publishes no SingleLogoutService endpoint"}
	}

	status := StatusSuccess
	if partial {
		status = StatusPartialLogout
	}
	resp := &LogoutResponse{
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: FormatTime(e.clock.Now()),
		Destination:  md.SLOURL,
		InResponseTo: inResponseTo,
		Issuer:       &Issuer{Value: e.cfg.EntityID},
		Status:       &Status{StatusCode: StatusCode{Value: status}},
	}
	return e.encodeOutbound(md.SLOURL, md.SLOBinding, resp, "", false)
}

func elementName(el *etree.Element) string {
	if el == nil {
		return "(none)"
	}
	return el.Tag
}

// SignerForKeyPair builds a Signer from the SP keypair.
func SignerForKeyPair(kp *keys.KeyPair) *Signer {
	return NewSigner(dsig.TLSCertKeyStore(kp.TLSCertificate()))
}
