package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/identitylabs/samlgate/internal/identity"
	"github.com/identitylabs/samlgate/internal/keys"
	"github.com/identitylabs/samlgate/internal/policy"
	"github.com/identitylabs/samlgate/internal/saml"
	"github.com/identitylabs/samlgate/pkg/models"
)

// ConfigNamespace is the configuration namespace all login settings live
// under.
const ConfigNamespace = "saml"

// ============================================================================
// Login attempt state machine
// ============================================================================

// State is a login attempt's position in its lifecycle. An attempt only
// ever moves forward; Rejected and Admitted are terminal, and a new attempt
// always starts at Idle with a fresh AuthnRequest ID.
type State string

const (
	StateIdle            State = "idle"
	StateRequestSent     State = "request_sent"
	StateResponsePending State = "response_pending"
	StateValidated       State = "validated"
	StateAdmitted        State = "admitted"
	StateRejected        State = "rejected"
)

var transitions = map[State][]State{
	StateIdle:            {StateRequestSent},
	StateRequestSent:     {StateResponsePending},
	StateResponsePending: {StateValidated, StateRejected},
	StateValidated:       {StateAdmitted, StateRejected},
}

// Attempt tracks one login attempt through the state machine. It lives for
// a single request-response cycle on each side of the browser redirect hop;
// the request binder carries the correlation across the hop.
type Attempt struct {
	IdPName string
	state   State
	logger  *log.Logger
}

// NewAttempt starts an attempt at Idle.
func NewAttempt(idpName string, logger *log.Logger) *Attempt {
	if logger == nil {
		logger = log.Default()
	}
	return &Attempt{IdPName: idpName, state: StateIdle, logger: logger}
}

// State returns the attempt's current state.
func (a *Attempt) State() State { return a.state }

// transition moves the attempt forward, or errors on an illegal move.
func (a *Attempt) transition(to State) error {
	for _, allowed := range transitions[a.state] {
		if allowed == to {
			a.logger.Printf("login: %s -> %s (idp=%s)", a.state, to, a.IdPName)
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal login state transition %s -> %s", a.state, to)
}

// resumed creates an attempt already at ResponsePending, for the request
// cycle that receives the IdP's Response.
func resumed(idpName string, logger *log.Logger) *Attempt {
	if logger == nil {
		logger = log.Default()
	}
	return &Attempt{IdPName: idpName, state: StateResponsePending, logger: logger}
}

// ============================================================================
// Orchestrator
// ============================================================================

// Settings is the per-request-cycle snapshot of everything configurable:
// the access policy plus the attribute mapping and SP behavior flags. It is
// loaded once at the start of a cycle and read-only after.
type Settings struct {
	Policy *policy.AccessPolicy
	Mapper identity.MapperConfig
	// LookupAttribute is the local user field the mapped key matches
	// against, "username" or "email".
	LookupAttribute string
	// SignRequests signs outbound redirect-bound messages.
	SignRequests bool
	// AutoProvision creates a local account on NotProvisioned instead of
	// rejecting, when the user store supports it.
	AutoProvision bool
	// SessionLifetime for established sessions; zero means the session
	// manager default.
	SessionLifetime time.Duration
	// DefaultIdP is used when a login attempt names no IdP.
	DefaultIdP string
}

// LoadSettings reads and parses the configuration namespace.
func LoadSettings(ctx context.Context, configs ConfigStore) (*Settings, error) {
	raw, err := configs.GetConfig(ctx, ConfigNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return ParseSettings(raw)
}

// ParseSettings builds a Settings snapshot from raw configuration.
func ParseSettings(raw map[string]string) (*Settings, error) {
	p, err := policy.Parse(raw)
	if err != nil {
		return nil, &saml.ConfigurationError{Setting: "policy", Reason: err.Error()}
	}

	s := &Settings{
		Policy: p,
		Mapper: identity.MapperConfig{
			IdentityAttribute: raw["identityattribute"],
			Lowercase:         policy.ParseBool(raw["lowercase"]),
			GroupAttribute:    p.GroupAttribute,
		},
		LookupAttribute: raw["lookupattribute"],
		SignRequests:    policy.ParseBool(raw["signrequests"]),
		AutoProvision:   policy.ParseBool(raw["autoprovision"]),
		DefaultIdP:      raw["defaultidp"],
	}
	if s.LookupAttribute == "" {
		s.LookupAttribute = "username"
	}
	if v := raw["sessionlifetime"]; v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return nil, &saml.ConfigurationError{Setting: "sessionlifetime", Reason: "must be a positive number of minutes"}
		}
		s.SessionLifetime = time.Duration(minutes) * time.Minute
	}
	return s, nil
}

// Orchestrator drives login and logout end to end: it owns the protocol
// engine wiring and calls out to the host through the bridge interfaces.
type Orchestrator struct {
	entityID string
	acsURL   string
	sloURL   string
	keyPair  *keys.KeyPair

	metadata *saml.MetadataStore
	binder   *saml.Binder

	users    UserStore
	sessions SessionManager
	configs  ConfigStore
	mdstore  MetadataPersister

	idpDisplayNames map[string]string
	logger          *log.Logger
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	EntityID string
	ACSURL   string
	SLOURL   string
	KeyPair  *keys.KeyPair

	Metadata *saml.MetadataStore
	Binder   *saml.Binder

	Users    UserStore
	Sessions SessionManager
	Configs  ConfigStore
	// MetadataPersister is optional; without it IdP metadata lives only in
	// memory.
	MetadataPersister MetadataPersister

	// IdPDisplayNames maps IdP names to the labels shown on the login
	// page. Unlisted IdPs fall back to their name.
	IdPDisplayNames map[string]string

	Logger *log.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		entityID:        cfg.EntityID,
		acsURL:          cfg.ACSURL,
		sloURL:          cfg.SLOURL,
		keyPair:         cfg.KeyPair,
		metadata:        cfg.Metadata,
		binder:          cfg.Binder,
		users:           cfg.Users,
		sessions:        cfg.Sessions,
		configs:         cfg.Configs,
		mdstore:         cfg.MetadataPersister,
		idpDisplayNames: cfg.IdPDisplayNames,
		logger:          logger,
	}
}

// engine builds the protocol engine for one request cycle's settings.
func (o *Orchestrator) engine(settings *Settings) *saml.Engine {
	return saml.NewEngine(saml.Config{
		EntityID:         o.entityID,
		ACSURL:           o.acsURL,
		SLOURL:           o.sloURL,
		SignRequests:     settings.SignRequests,
		AllowUnsolicited: settings.Policy.AllowIdPInitiated,
		KeyPair:          o.keyPair,
		Logger:           o.logger,
	}, o.metadata, o.binder)
}

// ============================================================================
// Login
// ============================================================================

// LoginOutcome is what a completed ACS cycle hands back to the HTTP layer.
type LoginOutcome struct {
	Token       string
	Session     *models.SessionRecord
	User        *models.UserRecord
	Destination string
}

// BeginLogin starts a login attempt against the named IdP (or the default
// when empty) and returns the outbound artifact the HTTP layer sends to the
// browser. relayState carries the user's intended destination.
func (o *Orchestrator) BeginLogin(ctx context.Context, idpName, relayState string, forceAuthn bool) (*saml.RequestArtifact, error) {
	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		return nil, err
	}
	if settings.Policy.DualLogin == policy.DualLoginOff {
		return nil, &saml.ConfigurationError{Setting: "duallogin", Reason: "single sign-on is disabled"}
	}
	idpName = o.resolveIdP(idpName, settings)
	if idpName == "" {
		return nil, &saml.ConfigurationError{Setting: "idp", Reason: "no identity provider configured"}
	}

	attempt := NewAttempt(idpName, o.logger)
	if err := attempt.transition(StateRequestSent); err != nil {
		return nil, err
	}

	artifact, err := o.engine(settings).BuildAuthnRequest(idpName, relayState, forceAuthn)
	if err != nil {
		return nil, err
	}

	// Control returns to the browser here; the attempt resumes at the ACS.
	if err := attempt.transition(StateResponsePending); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (o *Orchestrator) resolveIdP(idpName string, settings *Settings) string {
	if idpName != "" {
		return idpName
	}
	if settings.DefaultIdP != "" {
		return settings.DefaultIdP
	}
	names := o.metadata.Names()
	if len(names) == 1 {
		return names[0]
	}
	return ""
}

// CompleteLogin runs the ACS side of the attempt: validate the Response,
// map the identity, apply policy, and establish the local session. Every
// error is terminal for the attempt; the caller renders it and the user
// starts over with a fresh AuthnRequest.
func (o *Orchestrator) CompleteLogin(ctx context.Context, idpName string, rawResponse []byte, relayState string) (*LoginOutcome, error) {
	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		return nil, err
	}
	idpName = o.resolveIdP(idpName, settings)
	attempt := resumed(idpName, o.logger)

	info, err := o.engine(settings).ValidateResponse(idpName, rawResponse, relayState)
	if err != nil {
		attempt.transition(StateRejected)
		return nil, err
	}
	if err := attempt.transition(StateValidated); err != nil {
		return nil, err
	}

	mapped, err := identity.Map(info.Attributes, info.NameID, settings.Mapper)
	if err != nil {
		attempt.transition(StateRejected)
		var missing *identity.MissingAttributeError
		if errors.As(err, &missing) {
			return nil, &saml.ProtocolError{
				Code:    saml.ErrCodeMissingAttribute,
				Message: "assertion lacks the configured identity attribute",
				Details: missing.Attribute,
			}
		}
		return nil, err
	}

	user, err := o.lookupUser(ctx, settings, mapped)
	if err != nil {
		attempt.transition(StateRejected)
		return nil, err
	}

	decision := policy.Decide(userInfo(user), mapped.Groups, settings.Policy)
	if decision.Verdict == policy.NotProvisioned {
		if user = o.autoProvision(ctx, settings, mapped); user == nil {
			attempt.transition(StateRejected)
			o.logger.Printf("login: rejected, no account for %q (idp=%s)", mapped.Key, idpName)
			return nil, &ProvisioningGap{Key: mapped.Key}
		}
		// A freshly provisioned account is subject to the same group rules
		// as an existing one.
		decision = policy.Decide(userInfo(user), mapped.Groups, settings.Policy)
	}
	if decision.Verdict == policy.Deny {
		attempt.transition(StateRejected)
		o.logger.Printf("login: denied %q reason=%s group=%q (idp=%s)", mapped.Key, decision.Reason, decision.Group, idpName)
		return nil, policy.DenialFor(decision, settings.Policy)
	}

	token, record, err := o.sessions.Establish(user.Username, info.NameID, info.NameIDFormat, info.SessionIndex, idpName, settings.SessionLifetime)
	if err != nil {
		attempt.transition(StateRejected)
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}
	if err := attempt.transition(StateAdmitted); err != nil {
		return nil, err
	}

	return &LoginOutcome{
		Token:       token,
		Session:     record,
		User:        user,
		Destination: safeDestination(info.RelayState),
	}, nil
}

func (o *Orchestrator) lookupUser(ctx context.Context, settings *Settings, mapped *identity.Identity) (*models.UserRecord, error) {
	user, err := o.users.FindUserByAttribute(ctx, settings.LookupAttribute, mapped.Key)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return user, nil
}

func (o *Orchestrator) autoProvision(ctx context.Context, settings *Settings, mapped *identity.Identity) *models.UserRecord {
	if !settings.AutoProvision {
		return nil
	}
	provisioner, ok := o.users.(UserProvisioner)
	if !ok {
		return nil
	}
	email := ""
	if settings.LookupAttribute == "email" {
		email = mapped.Key
	}
	user, err := provisioner.CreateUser(ctx, mapped.Key, email, policy.AuthMethodSSO)
	if err != nil {
		o.logger.Printf("login: auto-provisioning %q failed: %v", mapped.Key, err)
		return nil
	}
	o.logger.Printf("login: auto-provisioned account %q", mapped.Key)
	return user
}

func userInfo(user *models.UserRecord) policy.UserInfo {
	if user == nil {
		return policy.UserInfo{}
	}
	return policy.UserInfo{Exists: true, AuthMethod: user.AuthMethod}
}

// safeDestination confines the post-login redirect to a local path so the
// relay state cannot become an open redirect, and avoids bouncing back into
// the login flow itself.
func safeDestination(relayState string) string {
	if relayState == "" {
		return "/"
	}
	parsed, err := url.Parse(relayState)
	if err != nil || parsed.Host != "" || parsed.Scheme != "" {
		return "/"
	}
	if !strings.HasPrefix(parsed.Path, "/") || strings.HasPrefix(parsed.Path, "//") {
		return "/"
	}
	if strings.HasPrefix(parsed.Path, "/saml/") {
		return "/"
	}
	return parsed.String()
}

// ============================================================================
// Pre-login hook
// ============================================================================

// PreLoginAction tells the host what to do before rendering its login page.
type PreLoginAction int

const (
	// Continue renders the host login page as usual.
	Continue PreLoginAction = iota
	// Redirect sends the browser straight to the IdP.
	Redirect
)

// PreLoginDecision is the hook's outcome; Artifact is set for Redirect.
type PreLoginDecision struct {
	Action   PreLoginAction
	Artifact *saml.RequestArtifact
}

// PreLoginHook decides whether a login attempt bypasses the local login
// page. In enforce mode every unauthenticated request is redirected to the
// IdP; in passive mode the host page renders with IdP links; off defers to
// local auth entirely. destination becomes the relay state on redirect.
func (o *Orchestrator) PreLoginHook(ctx context.Context, destination string) (*PreLoginDecision, error) {
	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		return nil, err
	}
	if settings.Policy.DualLogin != policy.DualLoginEnforce {
		return &PreLoginDecision{Action: Continue}, nil
	}
	idpName := o.resolveIdP("", settings)
	if idpName == "" {
		// Enforce mode with no usable IdP would lock everyone out.
		o.logger.Printf("login: duallogin=enforce but no identity provider resolvable, falling back to local login")
		return &PreLoginDecision{Action: Continue}, nil
	}
	artifact, err := o.BeginLogin(ctx, idpName, destination, false)
	if err != nil {
		return nil, err
	}
	return &PreLoginDecision{Action: Redirect, Artifact: artifact}, nil
}

// IdentityProviderLinks lists the configured IdPs for the host login page.
func (o *Orchestrator) IdentityProviderLinks() []models.IdPLink {
	names := o.metadata.Names()
	links := make([]models.IdPLink, 0, len(names))
	for _, name := range names {
		display := o.idpDisplayNames[name]
		if display == "" {
			display = name
		}
		links = append(links, models.IdPLink{
			Name:        name,
			DisplayName: display,
			URL:         "/saml/login?idp=" + url.QueryEscape(name),
		})
	}
	return links
}

// ============================================================================
// Logout
// ============================================================================

// LogoutOutcome reports what the logout cycle did. Artifact, when non-nil,
// carries the IdP-bound LogoutRequest; the local session is already gone
// either way.
type LogoutOutcome struct {
	Session  *models.SessionRecord
	Artifact *saml.RequestArtifact
}

// LogoutHook terminates the local session and, when the session came from
// an IdP that publishes an SLO endpoint, builds the LogoutRequest to send
// along. Failures on the IdP side are logged and swallowed: local logout
// must never be blocked by IdP-side issues.
func (o *Orchestrator) LogoutHook(ctx context.Context, sessionID string) *LogoutOutcome {
	record := o.sessions.Terminate(sessionID)
	outcome := &LogoutOutcome{Session: record}
	if record == nil || record.IdPName == "" {
		return outcome
	}

	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		o.logger.Printf("logout: skipping IdP logout, configuration unavailable: %v", err)
		return outcome
	}
	artifact, err := o.engine(settings).BuildLogoutRequest(record.IdPName, record.NameID, record.NameIDFormat, record.SessionIndex)
	if err != nil {
		o.logger.Printf("logout: could not build LogoutRequest for %s: %v", record.IdPName, err)
		return outcome
	}
	outcome.Artifact = artifact
	return outcome
}

// HandleLogoutResponse processes the IdP's answer to our LogoutRequest.
// The local session is long gone; a validation failure only changes the
// log line, never the user-visible outcome.
func (o *Orchestrator) HandleLogoutResponse(ctx context.Context, idpName string, rawXML []byte) {
	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		o.logger.Printf("logout: configuration unavailable while validating logout response: %v", err)
		return
	}
	idpName = o.resolveIdP(idpName, settings)
	if err := o.engine(settings).ValidateLogoutResponse(idpName, rawXML); err != nil {
		o.logger.Printf("logout: logout response validation failed (ignored): %v", err)
		return
	}
	o.logger.Printf("logout: identity provider %s confirmed logout", idpName)
}

// HandleLogoutRequest processes an IdP-initiated LogoutRequest: terminate
// the matching local session and answer with a LogoutResponse. partial is
// reported when no matching session was found.
func (o *Orchestrator) HandleLogoutRequest(ctx context.Context, idpName string, rawXML []byte) (*saml.RequestArtifact, error) {
	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		return nil, err
	}
	idpName = o.resolveIdP(idpName, settings)
	engine := o.engine(settings)

	req, err := engine.ParseLogoutRequest(idpName, rawXML)
	if err != nil {
		return nil, err
	}

	var record *models.SessionRecord
	for _, idx := range req.SessionIndex {
		if record = o.sessions.TerminateBySAMLIndex(idx); record != nil {
			break
		}
	}
	if record == nil {
		record = o.sessions.TerminateByNameID(req.NameID.Value)
	}
	if record != nil {
		o.logger.Printf("logout: terminated session for %q at identity provider request", record.UserKey)
	}

	return engine.BuildLogoutResponse(idpName, req.ID, record == nil)
}

// ============================================================================
// Administration
// ============================================================================

// SaveIdPMetadata validates, persists, and activates a metadata document
// for the named IdP. On a validation failure the previously active
// metadata, in memory and on disk, stays untouched.
func (o *Orchestrator) SaveIdPMetadata(ctx context.Context, name string, document []byte) error {
	if _, err := saml.ParseIdPMetadata(document); err != nil {
		return err
	}
	if o.mdstore != nil {
		if err := o.mdstore.SaveIdPMetadata(ctx, name, document); err != nil {
			return err
		}
	}
	return o.metadata.Load(name, document)
}

// RestoreIdPMetadata repopulates the metadata store from persisted
// documents at startup. A document that no longer parses is skipped with a
// log line rather than failing startup, since the remaining IdPs still
// work.
func (o *Orchestrator) RestoreIdPMetadata(ctx context.Context) error {
	if o.mdstore == nil {
		return nil
	}
	docs, err := o.mdstore.LoadIdPMetadata(ctx)
	if err != nil {
		return err
	}
	for name, document := range docs {
		if err := o.metadata.Load(name, document); err != nil {
			o.logger.Printf("metadata: skipping persisted document for %s: %v", name, err)
		}
	}
	return nil
}

// SaveSettings validates and persists the configuration namespace. The
// previous settings stay active for in-flight request cycles; new cycles
// load the saved ones.
func (o *Orchestrator) SaveSettings(ctx context.Context, raw map[string]string) error {
	if _, err := ParseSettings(raw); err != nil {
		return err
	}
	return o.configs.SetConfig(ctx, ConfigNamespace, raw)
}

// SPMetadataDocument renders this SP's metadata XML.
func (o *Orchestrator) SPMetadataDocument(ctx context.Context) ([]byte, error) {
	settings, err := LoadSettings(ctx, o.configs)
	if err != nil {
		return nil, err
	}
	sp := &saml.SPMetadata{
		EntityID:     o.entityID,
		ACSURL:       o.acsURL,
		SLOURL:       o.sloURL,
		SignRequests: settings.SignRequests,
		KeyPair:      o.keyPair,
	}
	return sp.Document()
}

// ValidateSession exposes session validation to the HTTP layer.
func (o *Orchestrator) ValidateSession(token string) (*models.SessionRecord, error) {
	return o.sessions.Validate(token)
}
