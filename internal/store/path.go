package store

import (
	"os"
	"path/filepath"
)

// DBFileName is the name of the SQLite file inside a profile directory.
const DBFileName = "diabetactic.db"

// DefaultDataRoot returns the directory holding all local profiles.
// Defaults to ~/.diabetactic/profiles, falls back to ./.diabetactic/profiles
// if the home directory is unavailable.
func DefaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".diabetactic", "profiles")
	}
	return filepath.Join(home, ".diabetactic", "profiles")
}

// ProfileDBPath returns the database path for a profile under root.
// An empty root means DefaultDataRoot.
// Example: ProfileDBPath("", "work") -> ~/.diabetactic/profiles/work/diabetactic.db
func ProfileDBPath(root, profile string) string {
	if root == "" {
		root = DefaultDataRoot()
	}
	return filepath.Join(root, profile, DBFileName)
}
