// Package identity maps validated SAML assertion attributes onto the local
// account namespace. It is pure: no I/O, no clock, no stored state, so the
// same attributes and config always produce the same identity.
package identity

import (
	"fmt"
	"strings"
)

// MapperConfig selects which assertion attributes carry the user key and
// group memberships.
type MapperConfig struct {
	// IdentityAttribute names the attribute whose first value becomes the
	// local user key. Empty means the subject NameID is used instead.
	IdentityAttribute string
	// Lowercase folds the user key to lower case before lookup, for IdPs
	// that report the same principal with varying case.
	Lowercase bool
	// GroupAttribute names the attribute carrying group memberships. Empty
	// disables group extraction entirely.
	GroupAttribute string
}

// Identity is the mapped result: the key used to find or provision the
// local account, and the groups asserted by the IdP.
type Identity struct {
	Key    string
	Groups []string
}

// MissingAttributeError reports that the configured identity attribute was
// absent from the assertion. It names the attribute so administrators can
// spot a mapping typo from the log line alone.
type MissingAttributeError struct {
	Attribute string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("assertion has no value for identity attribute %q", e.Attribute)
}

// Map derives the local identity from assertion attributes. nameID is the
// subject NameID, used when no identity attribute is configured. Group
// values are trimmed and deduplicated; empty values are dropped.
//
// Map is idempotent over its own output: feeding a mapped key back through
// with the same config yields the same key, including when Lowercase is set.
func Map(attributes map[string][]string, nameID string, cfg MapperConfig) (*Identity, error) {
	key := nameID
	if cfg.IdentityAttribute != "" {
		values := attributes[cfg.IdentityAttribute]
		key = ""
		for _, v := range values {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				key = trimmed
				break
			}
		}
		if key == "" {
			return nil, &MissingAttributeError{Attribute: cfg.IdentityAttribute}
		}
	} else {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, &MissingAttributeError{Attribute: "NameID"}
		}
	}

	if cfg.Lowercase {
		key = strings.ToLower(key)
	}

	identity := &Identity{Key: key}
	if cfg.GroupAttribute != "" {
		seen := make(map[string]bool)
		for _, v := range attributes[cfg.GroupAttribute] {
			group := strings.TrimSpace(v)
			if group == "" || seen[group] {
				continue
			}
			seen[group] = true
			identity.Groups = append(identity.Groups, group)
		}
	}
	return identity, nil
}
