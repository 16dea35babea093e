package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/quickredblazer/qrb/pkg/credential"
	"github.com/quickredblazer/qrb/pkg/log"
	"github.com/quickredblazer/qrb/pkg/publish"
	"github.com/quickredblazer/qrb/pkg/reporter"
)

// PushRequest is the body of POST /api/github/push.
type PushRequest struct {
	Owner   string            `json:"owner"`
	Repo    string            `json:"repo"`
	Branch  string            `json:"branch,omitempty"`
	Message string            `json:"message,omitempty"`
	Files   map[string]string `json:"files"`
}

// PushResponse is the body returned by POST /api/github/push.
type PushResponse struct {
	OK      bool                        `json:"ok"`
	Commit  publish.CommitID            `json:"commit,omitempty"`
	Objects map[string]publish.ObjectID `json:"objects,omitempty"`
	Stage   string                      `json:"stage,omitempty"`
	Kind    string                      `json:"kind,omitempty"`
	Error   string                      `json:"error,omitempty"`
	Report  *reporter.Snapshot          `json:"report,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.oauth.Configured() {
		http.Error(w, "Server not configured", http.StatusInternalServerError)
		return
	}

	id, err := s.ensureSession(w, r)
	if err != nil {
		log.Error("failed to create session", "error", err)
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}
	state, err := credential.RandomString(16)
	if err != nil {
		log.Error("failed to generate oauth state", "error", err)
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}
	s.sessions.SetOAuthState(id, state)
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.oauth.Configured() {
		http.Error(w, "Server not configured", http.StatusInternalServerError)
		return
	}

	id := sessionID(r.Context())
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	sess, ok := s.sessions.Get(id)
	if code == "" || state == "" || !ok || sess.OAuthState == "" || state != sess.OAuthState {
		http.Error(w, "Invalid OAuth state", http.StatusBadRequest)
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		log.Warn("oauth exchange failed", "error", err)
		http.Error(w, "OAuth token error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.sessions.SetToken(id, tok)
	log.Info("github account connected", "session", shortSession(id))

	http.Redirect(w, r, strings.TrimRight(s.opts.AppOrigin, "/")+"/?oauth=success", http.StatusFound)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, connected := s.sessions.Provider(sessionID(r.Context())).CurrentCredential()
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	creds := credential.First(
		s.sessions.Provider(sessionID(r.Context())),
		credential.Static(r.Header.Get(TokenHeader)),
	)
	if _, ok := creds.CurrentCredential(); !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated with GitHub")
		return
	}

	var body PushRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.BodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Owner == "" || body.Repo == "" || len(body.Files) == 0 {
		writeError(w, http.StatusBadRequest, "owner, repo and files are required")
		return
	}

	rep := reporter.New(nil)
	result, err := s.publisher.Publish(r.Context(), publish.Request{
		Owner:       body.Owner,
		Repo:        body.Repo,
		Branch:      body.Branch,
		Message:     body.Message,
		Files:       publish.FileSetFromMap(body.Files),
		Credentials: creds,
		Listener:    rep,
	})
	snapshot := rep.Snapshot()

	if err == nil {
		writeJSON(w, http.StatusOK, PushResponse{
			OK:      true,
			Commit:  result.Commit,
			Objects: result.Objects,
			Report:  &snapshot,
		})
		return
	}

	kind := publish.KindOf(err)
	resp := PushResponse{
		Kind:   kind.String(),
		Error:  err.Error(),
		Report: &snapshot,
	}
	if result != nil {
		resp.Stage = result.Stage.String()
		resp.Commit = result.Commit
		resp.Objects = result.Objects
	}
	writeJSON(w, statusForKind(kind), resp)
}

// statusForKind maps a publish failure to the HTTP status of the push endpoint.
func statusForKind(kind publish.Kind) int {
	switch kind {
	case publish.KindInvalidInput:
		return http.StatusBadRequest
	case publish.KindAuthRequired, publish.KindAuthFailed:
		return http.StatusUnauthorized
	case publish.KindRefNotFound:
		return http.StatusNotFound
	case publish.KindRefConflict:
		return http.StatusConflict
	case publish.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
