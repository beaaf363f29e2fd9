package core

// Ambient configuration (SPEC_FULL.md §1): session-scoped settings
// loaded from YAML, for anything that isn't itself trustchain state.

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SessionConfig is the subset of session configuration that is not
// itself trustchain state: where the key safe's record store lives on
// disk. The key safe itself always writes under SymmetricEncryptV1
// (§4.H); there is no per-session cipher preference to carry here.
type SessionConfig struct {
	StorageDir string `yaml:"storage_dir"`
}

// DefaultSessionConfig returns the conservative defaults new sessions
// should start from before applying any file or override.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		StorageDir: "./tanker-data",
	}
}

// LoadSessionConfig reads and validates a YAML session config file,
// layering it over DefaultSessionConfig for any field the file omits.
func LoadSessionConfig(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading session config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing session config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c SessionConfig) validate() error {
	if c.StorageDir == "" {
		return &InvalidArgument{Detail: "session config storage_dir must not be empty"}
	}
	return nil
}
