package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// LoadConfigFile reads a JSONC (JSON-with-comments) config file at path
// and decodes it into a Config, exactly as the teacher's config loader
// standardizes JSONC to JSON before unmarshaling. Unlike the teacher's
// layered global/project/CLI precedence (no analog here — an engine has
// no working directory or user home to search), this is a single
// explicit path, required to exist.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-supplied by design
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	cfg := DefaultConfig()

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}
