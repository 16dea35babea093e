// Package credential supplies bearer tokens for publishes.
//
// The publish core only depends on Provider. How a token was obtained
// (environment, OAuth web flow, a header on an HTTP request) stays here.
package credential

import (
	"os"
	"strings"

	"golang.org/x/oauth2"
)

const (
	// TokenEnv is the environment variable for the GitHub token.
	TokenEnv = "GITHUB_TOKEN"

	// LegacyTokenEnv is the fallback environment variable for the GitHub token.
	LegacyTokenEnv = "QRB_GITHUB_TOKEN"
)

// Provider returns the bearer credential for the current logical session,
// or ok=false when none is available.
type Provider interface {
	CurrentCredential() (token string, ok bool)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (string, bool)

// CurrentCredential calls f.
func (f ProviderFunc) CurrentCredential() (string, bool) { return f() }

// Static is a fixed token. The empty token means no credential.
type Static string

// CurrentCredential returns the token.
func (s Static) CurrentCredential() (string, bool) {
	token := strings.TrimSpace(string(s))
	return token, token != ""
}

// FromEnv reads GITHUB_TOKEN, then QRB_GITHUB_TOKEN, on every call.
func FromEnv() Provider {
	return ProviderFunc(func() (string, bool) {
		token := os.Getenv(TokenEnv)
		if token == "" {
			token = os.Getenv(LegacyTokenEnv)
		}
		return Static(token).CurrentCredential()
	})
}

// FromTokenSource adapts an oauth2.TokenSource. Errors and expired tokens
// count as no credential.
func FromTokenSource(ts oauth2.TokenSource) Provider {
	return ProviderFunc(func() (string, bool) {
		if ts == nil {
			return "", false
		}
		tok, err := ts.Token()
		if err != nil || !tok.Valid() {
			return "", false
		}
		return tok.AccessToken, true
	})
}

// First returns the first credential any of providers has.
func First(providers ...Provider) Provider {
	return ProviderFunc(func() (string, bool) {
		for _, p := range providers {
			if p == nil {
				continue
			}
			if token, ok := p.CurrentCredential(); ok {
				return token, true
			}
		}
		return "", false
	})
}
