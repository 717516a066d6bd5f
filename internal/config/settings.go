package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Settings are tool-level preferences, separate from the per-job
// config: where the run ledger lives, how the status server binds, and
// checkpoint retention. Loaded from ~/.chromatrain/config.toml.
type Settings struct {
	Ledger     LedgerSettings     `toml:"ledger"`
	API        APISettings        `toml:"api"`
	Checkpoint CheckpointSettings `toml:"checkpoint"`
	Logging    LoggingSettings    `toml:"logging"`
}

// LedgerSettings controls the sqlite run ledger.
type LedgerSettings struct {
	Dir     string `toml:"dir"`
	Enabled bool   `toml:"enabled"`
}

// APISettings controls the status HTTP server.
type APISettings struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// CheckpointSettings controls retention and publishing behavior.
type CheckpointSettings struct {
	Keep           int `toml:"keep"`            // checkpoints retained locally, 0 = all
	PublishRetries int `toml:"publish_retries"` // upload attempts per checkpoint
}

// LoggingSettings controls log output.
type LoggingSettings struct {
	File string `toml:"file"` // empty = stderr only
}

// DefaultSettings returns sensible defaults.
func DefaultSettings() Settings {
	home := chromatrainHome()
	return Settings{
		Ledger: LedgerSettings{
			Dir:     home,
			Enabled: true,
		},
		API: APISettings{
			Host: "127.0.0.1",
			Port: 7860,
		},
		Checkpoint: CheckpointSettings{
			Keep:           0,
			PublishRetries: 3,
		},
		Logging: LoggingSettings{
			File: filepath.Join(home, "chromatrain.log"),
		},
	}
}

// LoadSettings reads ~/.chromatrain/config.toml, falling back to defaults.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	path := filepath.Join(chromatrainHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil // no settings file yet, use defaults
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes the settings to ~/.chromatrain/config.toml.
func SaveSettings(s Settings) error {
	path := filepath.Join(chromatrainHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(s)
}

// chromatrainHome returns the tool data directory.
func chromatrainHome() string {
	if env := os.Getenv("CHROMATRAIN_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	if home == "" && runtime.GOOS != "windows" {
		home = "/tmp"
	}
	return filepath.Join(home, ".chromatrain")
}

// Home returns the tool data directory, honoring CHROMATRAIN_HOME.
func Home() string { return chromatrainHome() }
