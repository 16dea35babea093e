package main

import (
	"go.uber.org/dig"

	"github.com/quickredblazer/qrb/pkg/config"
	"github.com/quickredblazer/qrb/pkg/credential"
	"github.com/quickredblazer/qrb/pkg/github"
	"github.com/quickredblazer/qrb/pkg/log"
	"github.com/quickredblazer/qrb/pkg/publish"
	"github.com/quickredblazer/qrb/pkg/server"
)

// registerProviders registers every component with the container, bottom-up:
// config -> object store -> orchestrator -> credentials -> server.
func registerProviders(container *dig.Container, cfg *config.ProjectConfig) error {
	providers := []interface{}{
		func() *config.ProjectConfig { return cfg },
		newStoreFactory,
		func() credential.Provider { return credential.FromEnv() },
		newOrchestrator,
		func() *credential.SessionStore { return credential.NewSessionStore(0) },
		newOAuthApp,
		newServer,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}

func newStoreFactory(cfg *config.ProjectConfig) publish.StoreFactory {
	opts := []github.ClientOption{github.WithTimeout(cfg.GetRequestTimeout())}
	if baseURL, _ := cfg.ResolveAPIBaseURL(""); baseURL != "" {
		opts = append(opts, github.WithBaseURL(baseURL))
	}
	return github.NewStoreFactory(opts...)
}

func newOrchestrator(cfg *config.ProjectConfig, stores publish.StoreFactory, creds credential.Provider) *publish.Orchestrator {
	concurrency, _ := cfg.ResolveConcurrency(0)
	branch, _ := cfg.ResolveBranch("")
	message, _ := cfg.ResolveCommitMessage("")
	return publish.New(stores,
		publish.WithConcurrency(concurrency),
		publish.WithRetryConfig(cfg.RetryPolicy()),
		publish.WithMaxFileSize(cfg.GetMaxFileSize()),
		publish.WithCredentials(creds),
		publish.WithDefaultBranch(branch),
		publish.WithDefaultMessage(message),
	)
}

func newOAuthApp(cfg *config.ProjectConfig) *credential.OAuthApp {
	clientID, clientSecret := cfg.GetOAuthClient()
	app := credential.NewOAuthApp(clientID, clientSecret)
	if !app.Configured() {
		log.Warn("GITHUB_CLIENT_ID or GITHUB_CLIENT_SECRET not set; OAuth login is disabled")
	}
	return app
}

func newServer(cfg *config.ProjectConfig, orch *publish.Orchestrator, sessions *credential.SessionStore, oauth *credential.OAuthApp) *server.Server {
	return server.New(orch, sessions, oauth, server.Options{
		AppOrigin:    cfg.GetAppOrigin(),
		BodyLimit:    cfg.GetBodyLimit(),
		SecureCookie: cfg.Server.SecureCookie,
	})
}

func injectOrchestrator(cfg *config.ProjectConfig) (*publish.Orchestrator, error) {
	container := dig.New()
	if err := registerProviders(container, cfg); err != nil {
		return nil, err
	}

	var orch *publish.Orchestrator
	if err := container.Invoke(func(o *publish.Orchestrator) {
		orch = o
	}); err != nil {
		return nil, err
	}
	return orch, nil
}

func injectServer(cfg *config.ProjectConfig) (*server.Server, error) {
	container := dig.New()
	if err := registerProviders(container, cfg); err != nil {
		return nil, err
	}

	var srv *server.Server
	if err := container.Invoke(func(s *server.Server) {
		srv = s
	}); err != nil {
		return nil, err
	}
	return srv, nil
}
