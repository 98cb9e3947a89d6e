package models

import "time"

// UserRecord is a local account as the host application stores it.
type UserRecord struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Email      string            `json:"email"`
	AuthMethod string            `json:"auth_method"` // "sso", "password", "ldap", ...
	Claims     map[string]string `json:"claims,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SessionRecord is a local authenticated session bound to both a local user
// and the SAML session it was established from, so a logout can be correlated
// back to the IdP's single-logout flow.
type SessionRecord struct {
	ID           string    `json:"id"`
	UserKey      string    `json:"user_key"`
	NameID       string    `json:"name_id"`
	NameIDFormat string    `json:"name_id_format"`
	SessionIndex string    `json:"session_index"`
	IdPName      string    `json:"idp_name"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdPLink is one entry on the host's login page when several identity
// providers are configured.
type IdPLink struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}
