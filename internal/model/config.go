package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/koabula/E-Chat/internal/envelope"
)

// ConfigError reports missing or malformed server settings. It is surfaced
// immediately at startup and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err (or any error in its chain) is a
// ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// EmailConfig holds the mail server settings for one account. The password
// is kept out of the config file; it lives in the system keyring.
type EmailConfig struct {
	SMTPHost    string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort    int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	IMAPHost    string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort    int    `mapstructure:"imap_port" yaml:"imap_port"`
	Username    string `mapstructure:"username" yaml:"username"`
	UseSSL      bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	TimeoutSec  int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	InboxFolder string `mapstructure:"inbox_folder" yaml:"inbox_folder"`
}

// PollingConfig controls how the inbox watcher detects new mail.
type PollingConfig struct {
	// Mode is "auto" (IDLE when supported, with a long backup poll) or
	// "manual" (fixed-interval polling only).
	Mode string `mapstructure:"mode" yaml:"mode"`

	// IntervalSec is the poll interval in manual mode and the fallback
	// interval in auto mode when IDLE is unsupported.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// IdleEnabled allows auto mode to use IMAP IDLE at all.
	IdleEnabled bool `mapstructure:"idle_enabled" yaml:"idle_enabled"`

	// BackupIntervalSec is the safety-net poll interval while IDLE runs.
	BackupIntervalSec int `mapstructure:"backup_interval_sec" yaml:"backup_interval_sec"`
}

// ChatConfig holds message-level limits.
type ChatConfig struct {
	MaxTextLen int `mapstructure:"max_text_len" yaml:"max_text_len"`
}

// StorageConfig locates the local message database.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Email   EmailConfig   `mapstructure:"email" yaml:"email"`
	Polling PollingConfig `mapstructure:"polling" yaml:"polling"`
	Chat    ChatConfig    `mapstructure:"chat" yaml:"chat"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/echat/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "echat", "config.yaml")
}

// defaultDBPath returns the default message database location.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "echat.db")
	}
	return filepath.Join(home, ".config", "echat", "echat.db")
}

// defaultAppConfig returns a configuration with every tunable at its
// standard value. Server endpoints stay empty; Validate rejects them.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Email: EmailConfig{
			UseSSL:     true,
			TimeoutSec: 30,
		},
		Polling: PollingConfig{
			Mode:              "auto",
			IntervalSec:       30,
			IdleEnabled:       true,
			BackupIntervalSec: 900,
		},
		Chat: ChatConfig{
			MaxTextLen: envelope.DefaultMaxTextRunes,
		},
		Storage: StorageConfig{
			DBPath: defaultDBPath(),
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("email.use_ssl", true)
	v.SetDefault("email.timeout_sec", 30)
	v.SetDefault("polling.mode", "auto")
	v.SetDefault("polling.interval_sec", 30)
	v.SetDefault("polling.idle_enabled", true)
	v.SetDefault("polling.backup_interval_sec", 900)
	v.SetDefault("chat.max_text_len", envelope.DefaultMaxTextRunes)
	v.SetDefault("storage.db_path", defaultDBPath())

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

	v.Set("email", cfg.Email)
	v.Set("polling", cfg.Polling)
	v.Set("chat", cfg.Chat)
	v.Set("storage", cfg.Storage)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Validate checks that the settings are complete enough to open connections.
// It returns a ConfigError describing the first problem found.
func (c *AppConfig) Validate() error {
	e := c.Email
	if e.SMTPHost == "" {
		return &ConfigError{Field: "email.smtp_host", Reason: "must not be empty"}
	}
	if e.IMAPHost == "" {
		return &ConfigError{Field: "email.imap_host", Reason: "must not be empty"}
	}
	if e.SMTPPort < 1 || e.SMTPPort > 65535 {
		return &ConfigError{Field: "email.smtp_port", Reason: fmt.Sprintf("invalid port %d", e.SMTPPort)}
	}
	if e.IMAPPort < 1 || e.IMAPPort > 65535 {
		return &ConfigError{Field: "email.imap_port", Reason: fmt.Sprintf("invalid port %d", e.IMAPPort)}
	}
	if !envelope.ValidAddress(e.Username) {
		return &ConfigError{Field: "email.username", Reason: fmt.Sprintf("invalid address %q", e.Username)}
	}
	switch c.Polling.Mode {
	case "auto", "manual":
	default:
		return &ConfigError{Field: "polling.mode", Reason: fmt.Sprintf("unknown mode %q", c.Polling.Mode)}
	}
	if c.Polling.IntervalSec < 1 {
		return &ConfigError{Field: "polling.interval_sec", Reason: "must be at least 1"}
	}
	return nil
}

// ProviderPreset holds well-known server settings for a mail provider.
type ProviderPreset struct {
	SMTPHost string
	SMTPPort int
	IMAPHost string
	IMAPPort int
	UseSSL   bool
}

// providerPresets maps provider keys to their standard endpoints.
var providerPresets = map[string]ProviderPreset{
	"gmail":   {SMTPHost: "smtp.gmail.com", SMTPPort: 465, IMAPHost: "imap.gmail.com", IMAPPort: 993, UseSSL: true},
	"outlook": {SMTPHost: "smtp-mail.outlook.com", SMTPPort: 587, IMAPHost: "outlook.office365.com", IMAPPort: 993, UseSSL: false},
	"yahoo":   {SMTPHost: "smtp.mail.yahoo.com", SMTPPort: 465, IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993, UseSSL: true},
	"qq":      {SMTPHost: "smtp.qq.com", SMTPPort: 465, IMAPHost: "imap.qq.com", IMAPPort: 993, UseSSL: true},
	"163":     {SMTPHost: "smtp.163.com", SMTPPort: 465, IMAPHost: "imap.163.com", IMAPPort: 993, UseSSL: true},
	"126":     {SMTPHost: "smtp.126.com", SMTPPort: 465, IMAPHost: "imap.126.com", IMAPPort: 993, UseSSL: true},
}

// PresetFor returns the server preset for a provider key, if known.
func PresetFor(provider string) (ProviderPreset, bool) {
	p, ok := providerPresets[provider]
	return p, ok
}
