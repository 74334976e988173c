// Package github mints GitHub App installation tokens for cloning the
// instance directory from a private repository.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// AppConfig identifies a GitHub App installation
type AppConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKey     []byte
	// BaseURL overrides the API endpoint, for GitHub Enterprise
	BaseURL string
	// Transport carries token requests; http.DefaultTransport when nil
	Transport http.RoundTripper
}

// AppAuth provides GitHub App installation authentication
type AppAuth struct {
	transport *ghinstallation.Transport
}

// NewAppAuth creates a new GitHub App authenticator
func NewAppAuth(cfg AppConfig) (*AppAuth, error) {
	if cfg.AppID <= 0 || cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("app id and installation id are required")
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	transport, err := ghinstallation.New(
		cfg.Transport,
		cfg.AppID,
		cfg.InstallationID,
		cfg.PrivateKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
	}
	if cfg.BaseURL != "" {
		transport.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &AppAuth{
		transport: transport,
	}, nil
}

// Token returns a valid installation access token.
// Tokens are cached and refreshed by ghinstallation before they expire.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	token, err := a.transport.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get installation token: %w", err)
	}
	return token, nil
}
