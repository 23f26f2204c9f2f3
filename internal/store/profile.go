// Package store provides local profile management for the offline database:
// profile naming, on-disk layout and the embedded schema migrations.
package store

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "default"

// ErrInvalidProfile indicates the profile name cannot be used as a directory.
var ErrInvalidProfile = errors.New("invalid profile: must be lowercase alphanumeric with hyphens, 1-64 characters")

// profileRegex: lowercase alphanumerics and single hyphens, no leading or
// trailing hyphen.
var profileRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ValidateProfile checks a profile name.
func ValidateProfile(name string) error {
	if !profileRegex.MatchString(name) {
		return ErrInvalidProfile
	}
	for i := 1; i < len(name); i++ {
		if name[i] == '-' && name[i-1] == '-' {
			return ErrInvalidProfile
		}
	}
	return nil
}

// ResolveProfile picks the profile to open.
// Priority: explicit > DIABETACTIC_PROFILE env > "default"
func ResolveProfile(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateProfile(explicit); err != nil {
			return "", fmt.Errorf("invalid profile %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("DIABETACTIC_PROFILE"); env != "" {
		if err := ValidateProfile(env); err != nil {
			return "", fmt.Errorf("invalid DIABETACTIC_PROFILE %q: %w", env, err)
		}
		return env, nil
	}

	return DefaultProfile, nil
}
