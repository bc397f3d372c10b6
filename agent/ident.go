package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const identFileName = "ident"

// defaultIdentPath is ~/.hostwatch/ident.
func defaultIdentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".hostwatch", identFileName), nil
}

// getOrCreateIdent returns the agent identifier persisted at path,
// generating and saving a new one on first start.
func getOrCreateIdent(path string) (string, error) {
	if path == "" {
		var err error
		if path, err = defaultIdentPath(); err != nil {
			return "", err
		}
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read ident file %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create ident directory: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to save ident to %s: %w", path, err)
	}
	return id, nil
}
