package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.marketchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
	Env       string `toml:"env"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.marketchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".marketchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides.
// A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// configField binds a dotted key to its struct field and environment override.
type configField struct {
	key    string
	env    string
	secret bool
	field  func(*Config) *string
}

var configFields = []configField{
	{key: "default.base_url", env: "MARKETCHAT_BASE_URL", field: func(c *Config) *string { return &c.Default.BaseURL }},
	{key: "default.socket_url", env: "MARKETCHAT_SOCKET_URL", field: func(c *Config) *string { return &c.Default.SocketURL }},
	{key: "default.env", env: "MARKETCHAT_ENV", field: func(c *Config) *string { return &c.Default.Env }},
	{key: "auth.token", env: "MARKETCHAT_TOKEN", secret: true, field: func(c *Config) *string { return &c.Auth.Token }},
	{key: "auth.user_id", env: "MARKETCHAT_USER_ID", field: func(c *Config) *string { return &c.Auth.UserID }},
}

// applyEnv lets MARKETCHAT_* variables (from the process or a .env file)
// override the file.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()
	for _, f := range configFields {
		if v := os.Getenv(f.env); v != "" {
			*f.field(cfg) = v
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	if section != "default" && section != "auth" {
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	for _, f := range configFields {
		if f.key == key {
			*f.field(cfg) = value
			return nil
		}
	}
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "marketchat",
	Short: "Marketplace conversations from the terminal",
	Long: `marketchat talks to the marketplace messaging backend.

Store a token with 'marketchat login <token>', then list conversations,
read history, send messages or follow conversations live with 'listen'.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
