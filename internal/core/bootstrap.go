package core

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/identitylabs/samlgate/internal/bridge"
	"github.com/identitylabs/samlgate/internal/keys"
	"github.com/identitylabs/samlgate/internal/saml"
	"github.com/identitylabs/samlgate/internal/session"
	"github.com/identitylabs/samlgate/internal/store"
	"github.com/identitylabs/samlgate/pkg/models"
)

// App bundles everything the main function needs to run and shut down.
type App struct {
	Config *Config
	Server *Server
	Store  *store.Store
}

// Bootstrap assembles the application: persistence, SP keypair, IdP
// metadata, and the HTTP surface.
func Bootstrap(ctx context.Context, cfg *Config) (*App, error) {
	hostname, err := cfg.Hostname()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	keyPair, err := keys.NewProvider(cfg.CertDir).LoadOrCreate(hostname)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load SP keypair: %w", err)
	}

	metadata := saml.NewMetadataStore()
	if cfg.MetadataDir != "" {
		if err := metadata.LoadDir(cfg.MetadataDir); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load IdP metadata: %w", err)
		}
	}

	sessions := session.NewManager(keyPair, cfg.EntityID(), nil)

	orchestrator := bridge.NewOrchestrator(bridge.OrchestratorConfig{
		EntityID:          cfg.EntityID(),
		ACSURL:            cfg.ACSURL(),
		SLOURL:            cfg.SLOURL(),
		KeyPair:           keyPair,
		Metadata:          metadata,
		Binder:            saml.NewBinder(),
		Users:             &userStoreAdapter{store: st},
		Sessions:          sessions,
		Configs:           st,
		MetadataPersister: st,
		Logger:            log.Default(),
	})

	// Metadata saved through the admin API on previous runs takes effect
	// alongside anything found in the metadata directory.
	if err := orchestrator.RestoreIdPMetadata(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to restore IdP metadata: %w", err)
	}

	handler := bridge.NewHandler(orchestrator, cfg.SecureCookies(), log.Default())
	server := NewServer(cfg, handler)

	log.Printf("bootstrap: entity ID %s, %d identity provider(s) configured", cfg.EntityID(), len(metadata.Names()))

	return &App{
		Config: cfg,
		Server: server,
		Store:  st,
	}, nil
}

// userStoreAdapter bridges the SQLite store to the orchestrator's user
// lookup interface.
type userStoreAdapter struct {
	store *store.Store
}

func (a *userStoreAdapter) FindUserByAttribute(ctx context.Context, attribute, value string) (*models.UserRecord, error) {
	u, err := a.store.FindUserByAttribute(ctx, attribute, value)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, bridge.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return toUserRecord(u), nil
}

func (a *userStoreAdapter) CreateUser(ctx context.Context, username, email, authMethod string) (*models.UserRecord, error) {
	u, err := a.store.CreateUser(ctx, username, email, authMethod)
	if err != nil {
		return nil, err
	}
	return toUserRecord(u), nil
}

func toUserRecord(u *store.User) *models.UserRecord {
	return &models.UserRecord{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		AuthMethod: u.AuthMethod,
		CreatedAt:  u.CreatedAt,
	}
}
