package store

import (
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	settings := map[string]string{
		"duallogin":         "passive",
		"identityattribute": "uid",
	}
	if err := s.SetConfig(ctx, "saml", settings); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}

	got, err := s.GetConfig(ctx, "saml")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if len(got) != 2 || got["duallogin"] != "passive" || got["identityattribute"] != "uid" {
		t.Errorf("GetConfig = %v", got)
	}
}

func TestSetConfigReplacesNamespace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "saml", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	if err := s.SetConfig(ctx, "saml", map[string]string{"b": "3"}); err != nil {
		t.Fatalf("second SetConfig failed: %v", err)
	}

	got, err := s.GetConfig(ctx, "saml")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if len(got) != 1 || got["b"] != "3" {
		t.Errorf("namespace not replaced wholesale: %v", got)
	}
	if _, ok := got["a"]; ok {
		t.Error("stale key survived a namespace replace")
	}
}

func TestConfigNamespacesIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "saml", map[string]string{"k": "saml-value"}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	if err := s.SetConfig(ctx, "other", map[string]string{"k": "other-value"}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}

	got, err := s.GetConfig(ctx, "saml")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if got["k"] != "saml-value" {
		t.Errorf("namespaces bleed into each other: %v", got)
	}
}

func TestGetConfigEmptyNamespace(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetConfig(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestFindUserByAttribute(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "jdoe", "jdoe@example.com", "sso")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	byUsername, err := s.FindUserByAttribute(ctx, "username", "jdoe")
	if err != nil {
		t.Fatalf("lookup by username failed: %v", err)
	}
	if byUsername.ID != created.ID {
		t.Errorf("username lookup returned ID %q, want %q", byUsername.ID, created.ID)
	}

	byEmail, err := s.FindUserByAttribute(ctx, "email", "jdoe@example.com")
	if err != nil {
		t.Fatalf("lookup by email failed: %v", err)
	}
	if byEmail.Username != "jdoe" {
		t.Errorf("email lookup returned username %q", byEmail.Username)
	}

	if _, err := s.FindUserByAttribute(ctx, "username", "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("miss returned %v, want ErrUserNotFound", err)
	}

	// A typo in the configured lookup attribute is an error, not a miss.
	if _, err := s.FindUserByAttribute(ctx, "phone", "555"); err == nil || errors.Is(err, ErrUserNotFound) {
		t.Errorf("unsupported attribute returned %v", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "jdoe", "", "sso"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := s.CreateUser(ctx, "jdoe", "other@example.com", "sso"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate username returned %v, want ErrUserExists", err)
	}
}

func TestIdPMetadataPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc1 := []byte(`<EntityDescriptor entityID="https://idp.example.org/one"/>`)
	doc2 := []byte(`<EntityDescriptor entityID="https://idp.example.org/two"/>`)

	if err := s.SaveIdPMetadata(ctx, "corp", doc1); err != nil {
		t.Fatalf("SaveIdPMetadata failed: %v", err)
	}
	if err := s.SaveIdPMetadata(ctx, "partner", doc2); err != nil {
		t.Fatalf("SaveIdPMetadata failed: %v", err)
	}

	docs, err := s.LoadIdPMetadata(ctx)
	if err != nil {
		t.Fatalf("LoadIdPMetadata failed: %v", err)
	}
	if len(docs) != 2 || string(docs["corp"]) != string(doc1) {
		t.Errorf("LoadIdPMetadata = %v", docs)
	}

	// Saving again overwrites in place.
	if err := s.SaveIdPMetadata(ctx, "corp", doc2); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	docs, err = s.LoadIdPMetadata(ctx)
	if err != nil {
		t.Fatalf("LoadIdPMetadata failed: %v", err)
	}
	if string(docs["corp"]) != string(doc2) {
		t.Error("overwrite did not replace the document")
	}

	if err := s.DeleteIdPMetadata(ctx, "corp"); err != nil {
		t.Fatalf("DeleteIdPMetadata failed: %v", err)
	}
	docs, err = s.LoadIdPMetadata(ctx)
	if err != nil {
		t.Fatalf("LoadIdPMetadata failed: %v", err)
	}
	if _, ok := docs["corp"]; ok {
		t.Error("deleted document still present")
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if _, err := s.CreateUser(ctx, "jdoe", "", "sso"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s.Close()
	if _, err := s.FindUserByAttribute(ctx, "username", "jdoe"); err != nil {
		t.Errorf("user lost across reopen: %v", err)
	}
}
