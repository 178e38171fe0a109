package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the persisted config file inside the data dir.
const ConfigFileName = "quarry.toml"

// LoadPersisted overlays the persisted TOML config (if present) onto
// base, then applies environment overrides. A missing file is not an
// error; the base config is persisted in its place so subsequent
// starts see the same resolved settings.
func LoadPersisted(dataDir string, base *Config) (*Config, error) {
	path := filepath.Join(dataDir, ConfigFileName)

	cfg := *base // shallow copy; subsection structs are value types
	if base.Chain != nil {
		chain := *base.Chain
		cfg.Chain = &chain
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := persist(path, &cfg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func persist(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".quarry-toml-*")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}
