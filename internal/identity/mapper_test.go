package identity

import (
	"errors"
	"reflect"
	"testing"
)

func TestMap(t *testing.T) {
	attrs := map[string][]string{
		"uid":    {"JDoe"},
		"mail":   {"jdoe@example.com"},
		"groups": {"staff", " admins ", "staff", ""},
	}

	tests := []struct {
		name       string
		cfg        MapperConfig
		nameID     string
		wantKey    string
		wantGroups []string
	}{
		{
			name:    "identity attribute",
			cfg:     MapperConfig{IdentityAttribute: "uid"},
			wantKey: "JDoe",
		},
		{
			name:    "lowercased",
			cfg:     MapperConfig{IdentityAttribute: "uid", Lowercase: true},
			wantKey: "jdoe",
		},
		{
			name:    "falls back to NameID",
			cfg:     MapperConfig{},
			nameID:  "jdoe@example.com",
			wantKey: "jdoe@example.com",
		},
		{
			name:       "groups trimmed and deduplicated",
			cfg:        MapperConfig{IdentityAttribute: "uid", GroupAttribute: "groups"},
			wantKey:    "JDoe",
			wantGroups: []string{"staff", "admins"},
		},
		{
			name:    "group extraction disabled when attribute unset",
			cfg:     MapperConfig{IdentityAttribute: "uid"},
			wantKey: "JDoe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Map(attrs, tt.nameID, tt.cfg)
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if got.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", got.Key, tt.wantKey)
			}
			if !reflect.DeepEqual(got.Groups, tt.wantGroups) {
				t.Errorf("Groups = %v, want %v", got.Groups, tt.wantGroups)
			}
		})
	}
}

func TestMapMissingAttribute(t *testing.T) {
	_, err := Map(map[string][]string{"mail": {"jdoe@example.com"}}, "nameid", MapperConfig{IdentityAttribute: "uid"})
	var missing *MissingAttributeError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want *MissingAttributeError", err)
	}
	if missing.Attribute != "uid" {
		t.Errorf("Attribute = %q, want %q", missing.Attribute, "uid")
	}
}

func TestMapEmptyNameID(t *testing.T) {
	if _, err := Map(nil, "  ", MapperConfig{}); err == nil {
		t.Error("expected error for blank NameID with no identity attribute")
	}
}

// Mapping is idempotent: running a mapped key back through yields the same
// key, and lowercasing twice equals lowercasing once.
func TestMapIdempotent(t *testing.T) {
	cfg := MapperConfig{IdentityAttribute: "uid", Lowercase: true}
	attrs := map[string][]string{"uid": {"MixedCase"}}

	first, err := Map(attrs, "", cfg)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	second, err := Map(map[string][]string{"uid": {first.Key}}, "", cfg)
	if err != nil {
		t.Fatalf("second Map failed: %v", err)
	}
	if first.Key != second.Key {
		t.Errorf("mapping not idempotent: %q then %q", first.Key, second.Key)
	}
}
