// Package policy is the access decision unit: it turns a validated
// identity, the matching local user record, and the configured access
// policy into exactly one of Admit, Deny, or NotProvisioned. Decide is
// pure, so the whole decision table is testable without I/O.
package policy

import (
	"fmt"
	"strings"
)

// DualLoginMode controls whether local password login coexists with SSO.
type DualLoginMode string

const (
	// DualLoginOff disables the SSO flow entirely.
	DualLoginOff DualLoginMode = "off"
	// DualLoginPassive offers SSO alongside local login; users pick.
	DualLoginPassive DualLoginMode = "passive"
	// DualLoginEnforce redirects every login attempt to the IdP.
	DualLoginEnforce DualLoginMode = "enforce"
)

// BlockAction selects what a denied user sees.
type BlockAction string

const (
	// BlockSilent shows the generic authentication-failure page.
	BlockSilent BlockAction = "silent"
	// BlockMessage shows the administrator-configured denial message.
	BlockMessage BlockAction = "message"
)

// AccessPolicy is the admin-configured policy, loaded once per request
// cycle and read-only thereafter.
type AccessPolicy struct {
	DualLogin DualLoginMode
	// AnyAuth accepts local accounts whose recorded auth method is not
	// SSO. When false, only accounts provisioned for SSO may log in.
	AnyAuth bool
	// GroupAttribute names the assertion attribute carrying groups. Empty
	// disables all group checks.
	GroupAttribute string
	AllowedGroups  map[string]bool
	BlockedGroups  map[string]bool
	BlockAction    BlockAction
	// BlockMessage is shown when BlockAction is "message".
	BlockMessageText string
	// AllowIdPInitiated accepts responses with no InResponseTo.
	AllowIdPInitiated bool
}

// AuthMethodSSO is the auth method recorded on accounts provisioned
// through the SSO flow.
const AuthMethodSSO = "sso"

// Parse builds an AccessPolicy from the flat key/value configuration
// namespace. Unknown keys are ignored; bad values for known keys are
// configuration errors.
func Parse(settings map[string]string) (*AccessPolicy, error) {
	p := &AccessPolicy{
		DualLogin:     DualLoginPassive,
		BlockAction:   BlockSilent,
		AllowedGroups: make(map[string]bool),
		BlockedGroups: make(map[string]bool),
	}

	if v, ok := settings["duallogin"]; ok {
		switch DualLoginMode(v) {
		case DualLoginOff, DualLoginPassive, DualLoginEnforce:
			p.DualLogin = DualLoginMode(v)
		default:
			return nil, fmt.Errorf("duallogin: unknown mode %q", v)
		}
	}
	if v, ok := settings["anyauth"]; ok {
		p.AnyAuth = ParseBool(v)
	}
	p.GroupAttribute = settings["groupattribute"]
	for group := range parseSet(settings["allowedgroups"]) {
		p.AllowedGroups[group] = true
	}
	for group := range parseSet(settings["blockedgroups"]) {
		p.BlockedGroups[group] = true
	}
	if v, ok := settings["blockaction"]; ok {
		switch BlockAction(v) {
		case BlockSilent, BlockMessage:
			p.BlockAction = BlockAction(v)
		default:
			return nil, fmt.Errorf("blockaction: unknown action %q", v)
		}
	}
	p.BlockMessageText = settings["blockmessage"]
	if v, ok := settings["allowidpinitiated"]; ok {
		p.AllowIdPInitiated = ParseBool(v)
	}

	return p, nil
}

// ParseBool interprets a configuration flag value. Anything other than the
// recognized truthy spellings is false.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseSet(v string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = true
		}
	}
	return set
}

// ============================================================================
// Decision
// ============================================================================

// Verdict is the outcome of Decide.
type Verdict int

const (
	// Admit grants access; the caller establishes the local session.
	Admit Verdict = iota
	// Deny refuses access for a policy reason carried in Decision.Reason.
	Deny
	// NotProvisioned means no local user record matched. Distinct from
	// Deny so the host can choose to auto-create an account instead.
	NotProvisioned
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case Deny:
		return "deny"
	case NotProvisioned:
		return "not-provisioned"
	}
	return "unknown"
}

// DenyReason identifies which policy rule refused access.
type DenyReason string

const (
	ReasonWrongAuthType DenyReason = "WrongAuthType"
	ReasonGroupBlocked  DenyReason = "GroupBlocked"
)

// Decision is the full outcome: the verdict plus, for Deny, the reason and
// the group that triggered it.
type Decision struct {
	Verdict Verdict
	Reason  DenyReason
	// Group is the blocked group that matched, for the denial log line.
	Group string
}

// UserInfo is the slice of the local user record the decision needs.
type UserInfo struct {
	Exists     bool
	AuthMethod string
}

// Decide applies the access policy to a validated identity. Rules, in
// order:
//
//  1. No local user record: NotProvisioned.
//  2. anyauth unset and the account's auth method is not SSO:
//     Deny(WrongAuthType).
//  3. Group checks run only when groupattribute is configured. A match in
//     allowedgroups always overrides a match in blockedgroups; a blocked
//     match with no allowed match is Deny(GroupBlocked). No memberships,
//     or memberships matching neither set, admit.
func Decide(user UserInfo, groups []string, p *AccessPolicy) Decision {
	if !user.Exists {
		return Decision{Verdict: NotProvisioned}
	}

	if !p.AnyAuth && user.AuthMethod != AuthMethodSSO {
		return Decision{Verdict: Deny, Reason: ReasonWrongAuthType}
	}

	if p.GroupAttribute != "" {
		allowed := false
		blockedGroup := ""
		for _, group := range groups {
			if p.AllowedGroups[group] {
				allowed = true
			}
			if p.BlockedGroups[group] && blockedGroup == "" {
				blockedGroup = group
			}
		}
		if blockedGroup != "" && !allowed {
			return Decision{Verdict: Deny, Reason: ReasonGroupBlocked, Group: blockedGroup}
		}
	}

	return Decision{Verdict: Admit}
}

// Denial is the error surfaced to the login flow when Decide returns Deny.
// Message is the end-user text chosen by BlockAction; Reason feeds the log.
type Denial struct {
	Reason  DenyReason
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("access denied: %s", d.Reason)
}

// DenialFor packages a Deny decision per the policy's block action.
func DenialFor(decision Decision, p *AccessPolicy) *Denial {
	message := "Authentication failed."
	if p.BlockAction == BlockMessage && p.BlockMessageText != "" {
		message = p.BlockMessageText
	}
	return &Denial{Reason: decision.Reason, Message: message}
}
