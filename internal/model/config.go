package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// BackendConfig holds the configuration for one side of an account.
type BackendConfig struct {
	// Type identifies the backend kind ("imap", "maildir", "notmuch").
	Type string `mapstructure:"type" yaml:"type"`

	// Host and Port locate the server for network backends.
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// Login is the account user name for network backends.
	Login string `mapstructure:"login" yaml:"login"`

	// PasswordKey is the keyring key holding the password. Secrets
	// never live in the config file itself.
	PasswordKey string `mapstructure:"password_key" yaml:"password_key"`

	// TLS selects implicit TLS; when false, STARTTLS is attempted.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// RootDir is the store root for filesystem backends (the Maildir
	// directory containing cur/new/tmp, or the notmuch database path).
	RootDir string `mapstructure:"root_dir" yaml:"root_dir"`
}

// FolderFilter selects which folders an account synchronizes.
// An empty filter selects all folders.
type FolderFilter struct {
	Include []string `mapstructure:"include" yaml:"include"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude"`
}

// Matches reports whether the named folder is selected.
func (f FolderFilter) Matches(name string) bool {
	if len(f.Include) > 0 {
		for _, inc := range f.Include {
			if inc == name {
				return true
			}
		}
		return false
	}
	for _, exc := range f.Exclude {
		if exc == name {
			return false
		}
	}
	return true
}

// AccountConfig describes one synchronized account: the two backends
// to reconcile and the sync policy knobs.
type AccountConfig struct {
	// Name is the unique account identifier; it keys the cache and
	// the advisory lock.
	Name string `mapstructure:"name" yaml:"name"`

	// Left and Right are the two sides being reconciled. By
	// convention left is the local store and right the remote one,
	// but the engine does not care.
	Left  BackendConfig `mapstructure:"left" yaml:"left"`
	Right BackendConfig `mapstructure:"right" yaml:"right"`

	// Folders filters which folders are synchronized.
	Folders FolderFilter `mapstructure:"folders" yaml:"folders"`

	// MaxWorkers bounds how many folders are processed concurrently.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`

	// DefaultSide wins flag conflicts that have no timestamp to break
	// the tie ("left" or "right").
	DefaultSide string `mapstructure:"default_side" yaml:"default_side"`
}

// Validate checks the account configuration before any state is
// touched. Invalid folder mappings and backend settings are fatal.
func (c AccountConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("account name must not be empty")
	}
	for _, side := range []struct {
		name string
		cfg  BackendConfig
	}{{"left", c.Left}, {"right", c.Right}} {
		switch side.cfg.Type {
		case "imap":
			if side.cfg.Host == "" {
				return fmt.Errorf("account %s: %s: imap backend requires a host", c.Name, side.name)
			}
		case "maildir", "notmuch":
			if side.cfg.RootDir == "" {
				return fmt.Errorf("account %s: %s: %s backend requires root_dir", c.Name, side.name, side.cfg.Type)
			}
		case "":
			return fmt.Errorf("account %s: %s: backend type must not be empty", c.Name, side.name)
		default:
			return fmt.Errorf("account %s: %s: unknown backend type %q", c.Name, side.name, side.cfg.Type)
		}
	}
	for _, inc := range c.Folders.Include {
		for _, exc := range c.Folders.Exclude {
			if inc == exc {
				return fmt.Errorf("account %s: folder %q is both included and excluded", c.Name, inc)
			}
		}
	}
	switch c.DefaultSide {
	case "", string(SideLeft), string(SideRight):
	default:
		return fmt.Errorf("account %s: default_side must be %q or %q", c.Name, SideLeft, SideRight)
	}
	return nil
}

// ConflictSide returns the configured tie-break side, defaulting to
// the right (remote) side.
func (c AccountConfig) ConflictSide() Side {
	if c.DefaultSide == string(SideLeft) {
		return SideLeft
	}
	return SideRight
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// Accounts lists the synchronized accounts.
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`

	// StateDir holds the sync cache database and lock files.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// Account returns the named account configuration.
func (c *AppConfig) Account(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account %q not found in config", name)
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultStateDir returns the default directory for the sync cache
// and lock files.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "state")
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		StateDir: DefaultStateDir(),
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("state_dir", DefaultStateDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].MaxWorkers <= 0 {
			cfg.Accounts[i].MaxWorkers = 4
		}
		if cfg.Accounts[i].DefaultSide == "" {
			cfg.Accounts[i].DefaultSide = string(SideRight)
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("state_dir", cfg.StateDir)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
