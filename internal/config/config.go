package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the main configuration for calsync.
type Config struct {
	LogDir    string          `toml:"log_dir"`
	Store     StoreConfig     `toml:"store"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Google    GoogleConfig    `toml:"google"`
	Microsoft MicrosoftConfig `toml:"microsoft"`
	Renewal   RenewalConfig   `toml:"renewal"`
}

// StoreConfig represents configuration for the event and sync-state stores.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", or "dynamodb"

	// SQLite-specific fields (only used when Type == "sqlite")
	SQLitePath string `toml:"sqlite_path,omitempty"`

	// DynamoDB-specific fields (only used when Type == "dynamodb")
	DynamoRegion      string `toml:"dynamo_region,omitempty"`
	DynamoEventsTable string `toml:"dynamo_events_table,omitempty"`
	DynamoSyncTable   string `toml:"dynamo_sync_table,omitempty"`
}

// WebhookConfig holds settings for the inbound notification listener.
type WebhookConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	PublicBaseURL string `toml:"public_base_url"` // externally reachable base for subscription callbacks

	// SecretOverlapMinutes is how long a superseded channel secret stays
	// valid after rotation. Defaults to 10 when zero.
	SecretOverlapMinutes int `toml:"secret_overlap_minutes"`
}

// GoogleConfig holds OAuth client settings for the Google Calendar API.
type GoogleConfig struct {
	CredentialsPath string `toml:"credentials_path"` // OAuth client JSON
	TokenDir        string `toml:"token_dir"`        // per-tenant refresh tokens
}

// MicrosoftConfig holds client-credentials settings for Microsoft Graph.
type MicrosoftConfig struct {
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// RenewalConfig controls the background subscription-renewal job.
type RenewalConfig struct {
	CronSpec string `toml:"cron_spec"` // defaults to every 6 hours

	// RenewBeforeHours renews subscriptions whose expiry falls within this
	// window. Defaults to 24 when zero.
	RenewBeforeHours int `toml:"renew_before_hours"`
}

// NewConfig creates a new Config with sensible defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		LogDir: filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:       "sqlite",
			SQLitePath: filepath.Join(baseDir, "calsync.db"),
		},
		Webhook: WebhookConfig{
			ListenAddr:           ":8080",
			SecretOverlapMinutes: 10,
		},
		Google: GoogleConfig{
			TokenDir: filepath.Join(baseDir, "tokens"),
		},
		Renewal: RenewalConfig{
			CronSpec:         "0 */6 * * *",
			RenewBeforeHours: 24,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path and overlays
// credential values from the environment. A .env file next to the config is
// loaded first if present, so secrets can stay out of the TOML.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides secret-bearing fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CALSYNC_MICROSOFT_CLIENT_SECRET"); v != "" {
		cfg.Microsoft.ClientSecret = v
	}
	if v := os.Getenv("CALSYNC_MICROSOFT_CLIENT_ID"); v != "" {
		cfg.Microsoft.ClientID = v
	}
	if v := os.Getenv("CALSYNC_MICROSOFT_TENANT_ID"); v != "" {
		cfg.Microsoft.TenantID = v
	}
	if v := os.Getenv("CALSYNC_GOOGLE_CREDENTIALS"); v != "" {
		cfg.Google.CredentialsPath = v
	}
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
