// Package server is the helper HTTP service used by the browser editor.
//
// It runs the GitHub OAuth web flow, keeps the resulting token in a
// server-side session and exposes a push endpoint that publishes a file map
// as one commit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quickredblazer/qrb/pkg/credential"
	"github.com/quickredblazer/qrb/pkg/log"
	"github.com/quickredblazer/qrb/pkg/publish"
)

const (
	// SessionCookie names the cookie carrying the session id.
	SessionCookie = "qrb_session"
	// TokenHeader lets API clients pass a token without a session.
	TokenHeader = "X-GH-Token"

	shutdownTimeout = 10 * time.Second
)

// Publisher runs publishes. *publish.Orchestrator implements it.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.Result, error)
}

// Options configures a Server.
type Options struct {
	// AppOrigin is where the OAuth callback sends the browser back to.
	AppOrigin string
	// BodyLimit caps push request bodies, in bytes.
	BodyLimit int64
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

// Server serves the helper API.
type Server struct {
	publisher Publisher
	sessions  *credential.SessionStore
	oauth     *credential.OAuthApp
	opts      Options
	handler   http.Handler
}

// New creates a Server. oauth may be nil, in which case the login endpoints
// report that the server is not configured.
func New(publisher Publisher, sessions *credential.SessionStore, oauth *credential.OAuthApp, opts Options) *Server {
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = 5 << 20
	}
	if sessions == nil {
		sessions = credential.NewSessionStore(0)
	}
	s := &Server{
		publisher: publisher,
		sessions:  sessions,
		oauth:     oauth,
		opts:      opts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/github/login", s.handleLogin)
	mux.HandleFunc("GET /auth/github/callback", s.handleCallback)
	mux.HandleFunc("GET /api/github/status", s.handleStatus)
	mux.HandleFunc("POST /api/github/push", s.handlePush)

	s.handler = withCORS(withLogging(s.withSession(mux)))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("helper service listening", "addr", ln.Addr().String(), "app_origin", s.opts.AppOrigin)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down helper service")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
