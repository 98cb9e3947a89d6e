package saml_test

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/identitylabs/samlgate/internal/idptest"
	"github.com/identitylabs/samlgate/internal/saml"
)

const (
	testEntityID = "https://sp.example.com/saml/metadata"
	testACSURL   = "https://sp.example.com/saml/acs"
	testSLOURL   = "https://sp.example.com/saml/slo"
)

type engineFixture struct {
	idp    *idptest.IdP
	engine *saml.Engine
	clock  *clockwork.FakeClock
}

func newEngineFixture(t *testing.T, allowUnsolicited bool) *engineFixture {
	t.Helper()

	idp, err := idptest.New("https://idp.example.org/saml", "https://idp.example.org/sso", "https://idp.example.org/slo")
	if err != nil {
		t.Fatalf("failed to create test IdP: %v", err)
	}

	metadata := saml.NewMetadataStore()
	if err := metadata.Load("test", idp.Metadata()); err != nil {
		t.Fatalf("failed to load IdP metadata: %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	engine := saml.NewEngine(saml.Config{
		EntityID:         testEntityID,
		ACSURL:           testACSURL,
		SLOURL:           testSLOURL,
		AllowUnsolicited: allowUnsolicited,
		Clock:            clock,
	}, metadata, saml.NewBinderWithClock(clock))

	return &engineFixture{idp: idp, engine: engine, clock: clock}
}

// register plants a request ID in the binder the way BuildAuthnRequest
// would, without needing the IdP round trip.
func (f *engineFixture) register(requestID, relayState string) {
	f.engine.Binder().Register(requestID, relayState, saml.RequestTTL)
}

func (f *engineFixture) validOptions(requestID string) idptest.ResponseOptions {
	return idptest.ResponseOptions{
		InResponseTo: requestID,
		Destination:  testACSURL,
		Recipient:    testACSURL,
		Audience:     testEntityID,
		NameID:       "jdoe@example.com",
		NameIDFormat: saml.NameIDFormatEmail,
		SessionIndex: "_session-42",
		Attributes: map[string][]string{
			"uid":    {"jdoe"},
			"groups": {"staff", "admins"},
		},
		Now: f.clock.Now(),
	}
}

func TestValidateResponseSuccess(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "/reports")

	raw, err := f.idp.MakeResponse(f.validOptions("_req-1"))
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	info, err := f.engine.ValidateResponse("test", raw, "")
	if err != nil {
		t.Fatalf("ValidateResponse failed: %v", err)
	}
	if info.NameID != "jdoe@example.com" {
		t.Errorf("NameID = %q, want %q", info.NameID, "jdoe@example.com")
	}
	if info.SessionIndex != "_session-42" {
		t.Errorf("SessionIndex = %q, want %q", info.SessionIndex, "_session-42")
	}
	if info.RelayState != "/reports" {
		t.Errorf("RelayState = %q, want registered %q", info.RelayState, "/reports")
	}
	if got := info.Attributes["groups"]; len(got) != 2 || got[0] != "staff" {
		t.Errorf("groups attribute = %v, want [staff admins]", got)
	}
}

func TestValidateResponseReplay(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	raw, err := f.idp.MakeResponse(f.validOptions("_req-1"))
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	if _, err := f.engine.ValidateResponse("test", raw, ""); err != nil {
		t.Fatalf("first validation failed: %v", err)
	}
	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeReplayOrUnknownRequest) {
		t.Errorf("replayed response error = %v, want %s", err, saml.ErrCodeReplayOrUnknownRequest)
	}
}

func TestValidateResponseUnknownRequest(t *testing.T) {
	f := newEngineFixture(t, false)

	raw, err := f.idp.MakeResponse(f.validOptions("_never-issued"))
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeReplayOrUnknownRequest) {
		t.Errorf("error = %v, want %s", err, saml.ErrCodeReplayOrUnknownRequest)
	}
}

func TestValidateResponseUnsolicited(t *testing.T) {
	f := newEngineFixture(t, false)
	opts := f.validOptions("")
	opts.InResponseTo = ""

	raw, err := f.idp.MakeResponse(opts)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeReplayOrUnknownRequest) {
		t.Errorf("unsolicited error = %v, want %s", err, saml.ErrCodeReplayOrUnknownRequest)
	}

	// The same shape of response passes once unsolicited responses are
	// allowed, and the relay state passes through untouched.
	allowed := newEngineFixture(t, true)
	raw2, err := allowed.idp.MakeResponse(engineOptsUnsolicited(allowed))
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}
	info, err := allowed.engine.ValidateResponse("test", raw2, "/relay-through")
	if err != nil {
		t.Fatalf("unsolicited validation failed with AllowUnsolicited: %v", err)
	}
	if info.RelayState != "/relay-through" {
		t.Errorf("RelayState = %q, want pass-through %q", info.RelayState, "/relay-through")
	}
}

func engineOptsUnsolicited(f *engineFixture) idptest.ResponseOptions {
	opts := f.validOptions("")
	opts.InResponseTo = ""
	return opts
}

func TestValidateResponseUnsigned(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	opts := f.validOptions("_req-1")
	opts.Unsigned = true
	raw, err := f.idp.MakeResponse(opts)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeInvalidSignature) {
		t.Errorf("unsigned response error = %v, want %s", err, saml.ErrCodeInvalidSignature)
	}
}

func TestValidateResponseTampered(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	opts := f.validOptions("_req-1")
	opts.TamperAfterSigning = true
	raw, err := f.idp.MakeResponse(opts)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeInvalidSignature) {
		t.Errorf("tampered response error = %v, want %s", err, saml.ErrCodeInvalidSignature)
	}
}

func TestValidateResponseWrongSigner(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	// A response signed by a different IdP's key must not verify.
	rogue, err := idptest.New("https://idp.example.org/saml", "https://idp.example.org/sso", "")
	if err != nil {
		t.Fatalf("failed to create rogue IdP: %v", err)
	}
	raw, err := rogue.MakeResponse(f.validOptions("_req-1"))
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeInvalidSignature) {
		t.Errorf("wrong-signer error = %v, want %s", err, saml.ErrCodeInvalidSignature)
	}
}

func TestValidateResponseTiming(t *testing.T) {
	tests := []struct {
		name         string
		notBefore    time.Duration // offset from now
		notOnOrAfter time.Duration
		wantCode     string
	}{
		{"well within window", -time.Minute, 5 * time.Minute, ""},
		{"expired within skew", -10 * time.Minute, -30 * time.Second, ""},
		{"expired beyond skew", -10 * time.Minute, -3 * time.Minute, saml.ErrCodeAssertionExpired},
		{"not yet valid within skew", 30 * time.Second, 10 * time.Minute, ""},
		{"not yet valid beyond skew", 3 * time.Minute, 10 * time.Minute, saml.ErrCodeAssertionNotYetValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, false)
			f.register("_req-1", "")

			opts := f.validOptions("_req-1")
			opts.NotBefore = f.clock.Now().Add(tt.notBefore)
			opts.NotOnOrAfter = f.clock.Now().Add(tt.notOnOrAfter)
			// Keep the bearer confirmation window from masking the
			// Conditions case under test.
			opts.Recipient = testACSURL
			raw, err := f.idp.MakeResponse(opts)
			if err != nil {
				t.Fatalf("failed to build response: %v", err)
			}

			_, err = f.engine.ValidateResponse("test", raw, "")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("ValidateResponse failed: %v", err)
				}
				return
			}
			if !saml.IsProtocolError(err, tt.wantCode) {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestValidateResponseAudienceMismatch(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	opts := f.validOptions("_req-1")
	opts.Audience = "https://other-sp.example.net/metadata"
	raw, err := f.idp.MakeResponse(opts)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeAudienceMismatch) {
		t.Errorf("error = %v, want %s", err, saml.ErrCodeAudienceMismatch)
	}
}

func TestValidateResponseFailureStatus(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	opts := f.validOptions("_req-1")
	opts.StatusCode = saml.StatusAuthnFailed
	raw, err := f.idp.MakeResponse(opts)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeAuthnFailed) {
		t.Errorf("error = %v, want %s", err, saml.ErrCodeAuthnFailed)
	}
}

func TestValidateResponseIssuerMismatch(t *testing.T) {
	f := newEngineFixture(t, false)
	f.register("_req-1", "")

	opts := f.validOptions("_req-1")
	opts.IssuerOverride = "https://impostor.example.net"
	raw, err := f.idp.MakeResponse(opts)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}

	_, err = f.engine.ValidateResponse("test", raw, "")
	if !saml.IsProtocolError(err, saml.ErrCodeIssuerMismatch) {
		t.Errorf("error = %v, want %s", err, saml.ErrCodeIssuerMismatch)
	}
}

func TestBuildAuthnRequestRedirect(t *testing.T) {
	f := newEngineFixture(t, false)

	artifact, err := f.engine.BuildAuthnRequest("test", "/dest", false)
	if err != nil {
		t.Fatalf("BuildAuthnRequest failed: %v", err)
	}
	if artifact.RequestID == "" {
		t.Error("artifact has no request ID")
	}
	if !strings.HasPrefix(artifact.RedirectURL, "https://idp.example.org/sso?") {
		t.Errorf("redirect URL = %q, want IdP SSO endpoint", artifact.RedirectURL)
	}
	if !strings.Contains(artifact.RedirectURL, "SAMLRequest=") {
		t.Errorf("redirect URL missing SAMLRequest parameter: %q", artifact.RedirectURL)
	}
	if f.engine.Binder().Outstanding() != 1 {
		t.Errorf("outstanding requests = %d, want 1", f.engine.Binder().Outstanding())
	}
}

func TestBuildAuthnRequestUnknownIdP(t *testing.T) {
	f := newEngineFixture(t, false)
	if _, err := f.engine.BuildAuthnRequest("nonexistent", "", false); err == nil {
		t.Error("expected error for unknown IdP")
	}
}

func TestLogoutRoundTrip(t *testing.T) {
	f := newEngineFixture(t, false)

	artifact, err := f.engine.BuildLogoutRequest("test", "jdoe@example.com", saml.NameIDFormatEmail, "_session-42")
	if err != nil {
		t.Fatalf("BuildLogoutRequest failed: %v", err)
	}

	raw, err := f.idp.MakeLogoutResponse(artifact.RequestID, "")
	if err != nil {
		t.Fatalf("failed to build logout response: %v", err)
	}
	if err := f.engine.ValidateLogoutResponse("test", raw); err != nil {
		t.Fatalf("ValidateLogoutResponse failed: %v", err)
	}
}

func TestLogoutResponseFailureStatus(t *testing.T) {
	f := newEngineFixture(t, false)

	artifact, err := f.engine.BuildLogoutRequest("test", "jdoe@example.com", saml.NameIDFormatEmail, "")
	if err != nil {
		t.Fatalf("BuildLogoutRequest failed: %v", err)
	}

	raw, err := f.idp.MakeLogoutResponse(artifact.RequestID, saml.StatusResponder)
	if err != nil {
		t.Fatalf("failed to build logout response: %v", err)
	}
	if err := f.engine.ValidateLogoutResponse("test", raw); err == nil {
		t.Error("expected error for Responder status")
	}
}

func TestParseLogoutRequest(t *testing.T) {
	f := newEngineFixture(t, false)

	raw, err := f.idp.MakeLogoutRequest("jdoe@example.com", "_session-42")
	if err != nil {
		t.Fatalf("failed to build logout request: %v", err)
	}

	req, err := f.engine.ParseLogoutRequest("test", raw)
	if err != nil {
		t.Fatalf("ParseLogoutRequest failed: %v", err)
	}
	if req.NameID.Value != "jdoe@example.com" {
		t.Errorf("NameID = %q, want %q", req.NameID.Value, "jdoe@example.com")
	}
	if len(req.SessionIndex) != 1 || req.SessionIndex[0] != "_session-42" {
		t.Errorf("SessionIndex = %v, want [_session-42]", req.SessionIndex)
	}
}
