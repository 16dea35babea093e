// Package github implements the remote object store over the GitHub Git
// Data API (refs, blobs, trees, commits).
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/quickredblazer/qrb/pkg/publish"
)

const (
	// DefaultBaseURL is the default GitHub API base URL
	DefaultBaseURL = "https://api.github.com"

	// DefaultTimeout bounds every single API call
	DefaultTimeout = 30 * time.Second
)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL for the GitHub API
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHTTPClient sets the HTTP client whose transport carries API requests
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Client is a GitHub API client bound to one bearer token. It implements
// publish.ObjectStore.
//
// Example:
//
//	client := github.NewClient(token,
//	    github.WithTimeout(10*time.Second),
//	)
//	tip, err := client.GetBranchTip(ctx, publish.BranchRef{Owner: "o", Repo: "r", Branch: "main"})
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	mu           sync.Mutex
	githubClient *github.Client // Lazy-loaded go-github client
}

var _ publish.ObjectStore = (*Client)(nil)

// NewClient creates a new GitHub API client with the given token
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewStoreFactory returns a factory producing clients configured with opts.
func NewStoreFactory(opts ...ClientOption) publish.StoreFactory {
	return func(token string) publish.ObjectStore {
		return NewClient(token, opts...)
	}
}

// GitHubClient returns the underlying go-github client (lazy-loaded)
func (c *Client) GitHubClient() *github.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.githubClient == nil {
		// oauth2 wraps the transport of the configured HTTP client
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
		c.githubClient = github.NewClient(oauth2.NewClient(ctx, ts))

		if c.baseURL != DefaultBaseURL && c.baseURL != "" {
			baseURL := c.baseURL
			// go-github requires a trailing slash
			if !strings.HasSuffix(baseURL, "/") {
				baseURL += "/"
			}
			if parsedURL, err := url.Parse(baseURL); err == nil {
				c.githubClient.BaseURL = parsedURL
			}
		}
	}
	return c.githubClient
}

// callContext derives the context for one API round trip.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}
