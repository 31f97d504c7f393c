package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"calsync-go/internal/config"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := config.NewConfig("/base")

	if cfg.Store.Type != "sqlite" {
		t.Errorf("Store.Type = %q, want sqlite", cfg.Store.Type)
	}
	if cfg.Store.SQLitePath != filepath.Join("/base", "calsync.db") {
		t.Errorf("SQLitePath = %q", cfg.Store.SQLitePath)
	}
	if cfg.Webhook.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Webhook.ListenAddr)
	}
	if cfg.Webhook.SecretOverlapMinutes != 10 {
		t.Errorf("SecretOverlapMinutes = %d", cfg.Webhook.SecretOverlapMinutes)
	}
	if cfg.Google.TokenDir != filepath.Join("/base", "tokens") {
		t.Errorf("TokenDir = %q", cfg.Google.TokenDir)
	}
	if cfg.Renewal.CronSpec != "0 */6 * * *" {
		t.Errorf("CronSpec = %q", cfg.Renewal.CronSpec)
	}
	if cfg.Renewal.RenewBeforeHours != 24 {
		t.Errorf("RenewBeforeHours = %d", cfg.Renewal.RenewBeforeHours)
	}
}

func TestManagerRoundTrip(t *testing.T) {
	cfg := config.NewConfig("/base")
	cfg.Store.Type = "dynamodb"
	cfg.Store.DynamoRegion = "eu-west-1"
	cfg.Store.DynamoEventsTable = "calsync-events"
	cfg.Store.DynamoSyncTable = "calsync-sync"
	cfg.Webhook.PublicBaseURL = "https://hooks.example.com"
	cfg.Microsoft.TenantID = "tid"

	m := &config.Manager{}
	var buf bytes.Buffer
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if *got != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestReadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calsync.toml")
	content := `
log_dir = "/var/log/calsync"

[store]
type = "memory"

[webhook]
listen_addr = ":9999"
public_base_url = "https://hooks.example.com"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error: %v", err)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Store.Type = %q", cfg.Store.Type)
	}
	if cfg.Webhook.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.Webhook.ListenAddr)
	}
}

func TestReadFromFileMissing(t *testing.T) {
	_, err := config.ReadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calsync.toml")
	content := `
[microsoft]
tenant_id = "from-file"
client_id = "from-file"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CALSYNC_MICROSOFT_CLIENT_SECRET", "env-secret")
	t.Setenv("CALSYNC_MICROSOFT_CLIENT_ID", "env-client")

	cfg, err := config.ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error: %v", err)
	}
	if cfg.Microsoft.ClientSecret != "env-secret" {
		t.Errorf("ClientSecret = %q, want env override", cfg.Microsoft.ClientSecret)
	}
	if cfg.Microsoft.ClientID != "env-client" {
		t.Errorf("ClientID = %q, want env override", cfg.Microsoft.ClientID)
	}
	if cfg.Microsoft.TenantID != "from-file" {
		t.Errorf("TenantID = %q, want file value kept", cfg.Microsoft.TenantID)
	}
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "calsync.toml")
	cfg := config.NewConfig(dir)

	if err := config.Init(path, cfg); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `type = "sqlite"`) {
		t.Errorf("written config missing store type:\n%s", data)
	}

	// A second Init must refuse to clobber the existing file.
	if err := config.Init(path, cfg); err == nil {
		t.Error("Init() overwrote an existing config")
	}
}
