// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteJSON renders v as indented JSON on stdout. Commands use it
// behind a --json flag so scripted callers get stable output.
func WriteJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

// DataRoot resolves the workspace store root: the --root flag value
// when set, then $CASK_ROOT, then ~/.local/share/cask.
func DataRoot(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("CASK_ROOT"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return home + "/.local/share/cask", nil
}
