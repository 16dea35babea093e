package credential

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// DefaultScopes lets the token write repository contents.
var DefaultScopes = []string{"repo"}

// OAuthApp is a GitHub OAuth application used for the web authorization flow.
type OAuthApp struct {
	config *oauth2.Config
}

// NewOAuthApp returns an app for GitHub's authorization endpoints.
func NewOAuthApp(clientID, clientSecret string) *OAuthApp {
	return NewOAuthAppWithEndpoint(clientID, clientSecret, githuboauth.Endpoint)
}

// NewOAuthAppWithEndpoint is NewOAuthApp against custom endpoints (GitHub
// Enterprise, tests).
func NewOAuthAppWithEndpoint(clientID, clientSecret string, endpoint oauth2.Endpoint) *OAuthApp {
	return &OAuthApp{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       DefaultScopes,
		},
	}
}

// Configured reports whether both client id and secret are set.
func (a *OAuthApp) Configured() bool {
	return a != nil && a.config.ClientID != "" && a.config.ClientSecret != ""
}

// AuthCodeURL returns the URL the browser is redirected to.
func (a *OAuthApp) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token.
func (a *OAuthApp) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}
