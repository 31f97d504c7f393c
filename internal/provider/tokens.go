package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"calsync-go/internal/config"
)

// TokenProvider yields the OAuth2 token source to call a provider API on
// behalf of a tenant.
type TokenProvider interface {
	TokenSource(ctx context.Context, tenantID string) (oauth2.TokenSource, error)
}

// StaticTokenProvider serves one fixed token source for every tenant. Used in
// tests and for app-level (client credentials) flows where tenancy is carried
// in the resource path rather than the token.
type StaticTokenProvider struct {
	Source oauth2.TokenSource
}

func (s *StaticTokenProvider) TokenSource(_ context.Context, _ string) (oauth2.TokenSource, error) {
	return s.Source, nil
}

// FileTokenProvider loads a per-tenant refresh token from <dir>/<tenant>.json
// and wraps it in the OAuth client config so it self-refreshes.
type FileTokenProvider struct {
	Config *oauth2.Config
	Dir    string
}

func (f *FileTokenProvider) TokenSource(ctx context.Context, tenantID string) (oauth2.TokenSource, error) {
	path := filepath.Join(f.Dir, tenantID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token for tenant %s: %w", tenantID, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token for tenant %s: %w", tenantID, err)
	}
	return f.Config.TokenSource(ctx, &tok), nil
}

// NewMicrosoftTokenProvider builds an app-level client-credentials token
// source against the Microsoft identity platform.
func NewMicrosoftTokenProvider(ctx context.Context, cfg config.MicrosoftConfig) TokenProvider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     "https://login.microsoftonline.com/" + cfg.TenantID + "/oauth2/v2.0/token",
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &StaticTokenProvider{Source: cc.TokenSource(ctx)}
}
