package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigDir names the environment variable that points at a config directory.
const EnvConfigDir = "CMDRELAY_CONFIG_DIR"

// Discover returns explicit when set, otherwise the first existing location in
// priority order: $CMDRELAY_CONFIG_DIR, ~/.config/cmdrelay, /etc/cmdrelay,
// ./config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	var candidates []string
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		candidates = append(candidates, dir)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "cmdrelay"))
	}
	candidates = append(candidates, "/etc/cmdrelay", "./"+FileName)

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/cmdrelay, /etc/cmdrelay, ./%s)", EnvConfigDir, FileName)
}
