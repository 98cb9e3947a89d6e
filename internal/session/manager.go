// Package session issues and revokes the local authenticated sessions that
// a successful SSO login establishes. Sessions are RS256 session tokens
// signed with the SP keypair, backed by an in-memory index keyed by the
// SAML session identifier so single logout can find the session to kill.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/identitylabs/samlgate/internal/keys"
	"github.com/identitylabs/samlgate/pkg/models"
)

// CookieName is the session cookie set on successful login.
const CookieName = "samlgate_session"

// DefaultLifetime is used when the caller passes a zero duration.
const DefaultLifetime = 8 * time.Hour

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenInvalid    = errors.New("session token invalid")
)

// Manager signs session tokens and tracks live sessions for logout
// correlation. The index is in-memory: a restart forces re-login, which is
// the safe failure mode for an authentication component.
type Manager struct {
	keyPair *keys.KeyPair
	issuer  string
	clock   clockwork.Clock

	mu        sync.RWMutex
	byID      map[string]*models.SessionRecord
	bySAMLIdx map[string]string // SAML session index -> session ID
	byNameID  map[string]string // NameID -> session ID
}

// NewManager creates a Manager signing with the SP keypair. issuer goes
// into the token's iss claim, conventionally the SP entity ID.
func NewManager(keyPair *keys.KeyPair, issuer string, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		keyPair:   keyPair,
		issuer:    issuer,
		clock:     clock,
		byID:      make(map[string]*models.SessionRecord),
		bySAMLIdx: make(map[string]string),
		byNameID:  make(map[string]string),
	}
}

// Establish creates a session for the given user and returns the signed
// token alongside the record. nameID and sessionIndex come from the
// assertion and key the session for later logout correlation.
func (m *Manager) Establish(userKey, nameID, nameIDFormat, sessionIndex, idpName string, lifetime time.Duration) (string, *models.SessionRecord, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	now := m.clock.Now()

	record := &models.SessionRecord{
		ID:           uuid.NewString(),
		UserKey:      userKey,
		NameID:       nameID,
		NameIDFormat: nameIDFormat,
		SessionIndex: sessionIndex,
		IdPName:      idpName,
		CreatedAt:    now,
		ExpiresAt:    now.Add(lifetime),
	}

	claims := jwt.MapClaims{
		"iss": m.issuer,
		"sub": userKey,
		"sid": record.ID,
		"exp": record.ExpiresAt.Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
	}
	if sessionIndex != "" {
		claims["idx"] = sessionIndex
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.keyPair.PrivateKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	m.mu.Lock()
	m.byID[record.ID] = record
	if sessionIndex != "" {
		m.bySAMLIdx[sessionIndex] = record.ID
	}
	m.byNameID[nameID] = record.ID
	m.mu.Unlock()

	return signed, record, nil
}

// Validate checks a session token and returns the live record. A token
// whose session was terminated fails even before its exp.
func (m *Manager) Validate(tokenString string) (*models.SessionRecord, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &m.keyPair.PrivateKey.PublicKey, nil
	}, jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		// An expired token has still passed signature verification, so its
		// sid claim is trustworthy. Evict the dead record now rather than
		// leaving it in the indexes until restart.
		if token != nil && errors.Is(err, jwt.ErrTokenExpired) {
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if sid, _ := claims["sid"].(string); sid != "" {
					m.Terminate(sid)
				}
			}
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return nil, ErrTokenInvalid
	}

	m.mu.RLock()
	record, ok := m.byID[sid]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.clock.Now().After(record.ExpiresAt) {
		m.Terminate(sid)
		return nil, ErrSessionNotFound
	}
	return record, nil
}

// Terminate removes a session by its ID. Terminating an unknown session is
// a no-op; logout must always succeed locally.
func (m *Manager) Terminate(sessionID string) *models.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byID[sessionID]
	if !ok {
		return nil
	}
	delete(m.byID, sessionID)
	if record.SessionIndex != "" {
		delete(m.bySAMLIdx, record.SessionIndex)
	}
	delete(m.byNameID, record.NameID)
	return record
}

// TerminateBySAMLIndex removes the session established from the given SAML
// session index, for IdP-initiated logout.
func (m *Manager) TerminateBySAMLIndex(sessionIndex string) *models.SessionRecord {
	m.mu.RLock()
	sid, ok := m.bySAMLIdx[sessionIndex]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.Terminate(sid)
}

// TerminateByNameID removes the session for the given principal, used when
// a LogoutRequest carries no session index.
func (m *Manager) TerminateByNameID(nameID string) *models.SessionRecord {
	m.mu.RLock()
	sid, ok := m.byNameID[nameID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.Terminate(sid)
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Cookie builds the session cookie for a signed token.
func Cookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie builds the expired cookie that removes the session.
func ClearCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
