// Package bridge connects the SAML protocol engine to the host
// application: user lookup, session establishment, configuration, and the
// login orchestration between them. The host-side collaborators are
// expressed as small interfaces so the whole flow is testable with fakes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/identitylabs/samlgate/pkg/models"
)

// ErrUserNotFound is returned by UserStore lookups that match no account.
var ErrUserNotFound = errors.New("user not found")

// UserStore resolves mapped identities to local accounts.
type UserStore interface {
	// FindUserByAttribute looks up an account by the named attribute,
	// typically "username" or "email". Returns ErrUserNotFound on a miss.
	FindUserByAttribute(ctx context.Context, attribute, value string) (*models.UserRecord, error)
}

// UserProvisioner optionally extends a UserStore with account creation,
// used when auto-provisioning is enabled.
type UserProvisioner interface {
	CreateUser(ctx context.Context, username, email, authMethod string) (*models.UserRecord, error)
}

// SessionManager establishes and terminates local sessions.
type SessionManager interface {
	Establish(userKey, nameID, nameIDFormat, sessionIndex, idpName string, lifetime time.Duration) (string, *models.SessionRecord, error)
	Validate(token string) (*models.SessionRecord, error)
	Terminate(sessionID string) *models.SessionRecord
	TerminateBySAMLIndex(sessionIndex string) *models.SessionRecord
	TerminateByNameID(nameID string) *models.SessionRecord
}

// ConfigStore persists namespaced key/value configuration.
type ConfigStore interface {
	GetConfig(ctx context.Context, namespace string) (map[string]string, error)
	SetConfig(ctx context.Context, namespace string, settings map[string]string) error
}

// MetadataPersister stores raw IdP metadata documents so a restart can
// repopulate the in-memory metadata store.
type MetadataPersister interface {
	SaveIdPMetadata(ctx context.Context, name string, document []byte) error
	LoadIdPMetadata(ctx context.Context) (map[string][]byte, error)
	DeleteIdPMetadata(ctx context.Context, name string) error
}

// ProvisioningGap reports that a validated assertion resolved to no local
// account. It is distinct from a policy denial so the host can choose to
// auto-create the account instead of rejecting the login.
type ProvisioningGap struct {
	Key string
}

func (e *ProvisioningGap) Error() string {
	return fmt.Sprintf("no local account for identity %q", e.Key)
}
