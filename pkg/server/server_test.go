package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/quickredblazer/qrb/pkg/credential"
	"github.com/quickredblazer/qrb/pkg/publish"
)

// memStore is a minimal in-memory ObjectStore.
type memStore struct {
	mu      sync.Mutex
	tip     publish.CommitID
	n       int
	tokens  []string
	blobErr *publish.Error
}

func (m *memStore) next(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return fmt.Sprintf("%s%039d", prefix, m.n)
}

func (m *memStore) GetBranchTip(context.Context, publish.BranchRef) (publish.CommitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

func (m *memStore) CreateContentObject(context.Context, string, string, []byte) (publish.ObjectID, error) {
	if m.blobErr != nil {
		return "", m.blobErr
	}
	return publish.ObjectID(m.next("b")), nil
}

func (m *memStore) CreateTree(context.Context, string, string, []publish.TreeEntry) (publish.TreeID, error) {
	return publish.TreeID(m.next("t")), nil
}

func (m *memStore) CreateCommit(context.Context, string, string, string, publish.TreeID, publish.CommitID) (publish.CommitID, error) {
	return publish.CommitID(m.next("c")), nil
}

func (m *memStore) UpdateBranchTip(_ context.Context, _ publish.BranchRef, newCommit, expected publish.CommitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tip != expected {
		return publish.Errorf(publish.KindRefConflict, "updateBranchTip", "moved")
	}
	m.tip = newCommit
	return nil
}

func (m *memStore) factory() publish.StoreFactory {
	return func(token string) publish.ObjectStore {
		m.mu.Lock()
		m.tokens = append(m.tokens, token)
		m.mu.Unlock()
		return m
	}
}

type publisherFunc func(context.Context, publish.Request) (*publish.Result, error)

func (f publisherFunc) Publish(ctx context.Context, req publish.Request) (*publish.Result, error) {
	return f(ctx, req)
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"gho_session","token_type":"bearer","scope":"repo"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	store    *memStore
	sessions *credential.SessionStore
	server *httptest.Server
	client *http.Client
}

func newHarness(t *testing.T, oauth *credential.OAuthApp, opts Options) *harness {
	t.Helper()
	store := &memStore{tip: "c0"}
	orch := publish.New(store.factory(), publish.WithRetryConfig(publish.RetryConfig{MaxAttempts: 1}))
	if opts.AppOrigin == "" {
		opts.AppOrigin = "http://localhost:8080"
	}
	sessions := credential.NewSessionStore(time.Hour)
	srv := httptest.NewServer(New(orch, sessions, oauth, opts).Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &harness{store: store, sessions: sessions, server: srv, client: client}
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) push(t *testing.T, body interface{}, header http.Header) (*http.Response, PushResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/api/github/push", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func tokenHeader(token string) http.Header {
	return http.Header{TokenHeader: []string{token}}
}

func TestOAuthFlow(t *testing.T) {
	tokenSrv := newTokenServer(t)
	app := credential.NewOAuthAppWithEndpoint("client", "secret", oauth2.Endpoint{
		AuthURL:   "https://github.example.com/login/oauth/authorize",
		TokenURL:  tokenSrv.URL + "/login/oauth/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	})
	h := newHarness(t, app, Options{AppOrigin: "https://editor.example.com/"})

	var status map[string]bool
	resp := h.get(t, "/api/github/status")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status["connected"])

	resp = h.get(t, "/auth/github/login")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "github.example.com", loc.Host)
	assert.Equal(t, "client", loc.Query().Get("client_id"))
	assert.Equal(t, "repo", loc.Query().Get("scope"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	resp = h.get(t, "/auth/github/callback?code=good-code&state=wrong")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.get(t, "/auth/github/callback?code=good-code&state="+state)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://editor.example.com/?oauth=success", resp.Header.Get("Location"))

	resp = h.get(t, "/api/github/status")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status["connected"])

	// The state is single use.
	resp = h.get(t, "/auth/github/callback?code=good-code&state="+state)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Pushes now use the session token.
	presp, out := h.push(t, PushRequest{Owner: "octo", Repo: "site", Files: map[string]string{"a.txt": "x"}}, nil)
	require.Equal(t, http.StatusOK, presp.StatusCode)
	assert.True(t, out.OK)
	assert.Equal(t, []string{"gho_session"}, h.store.tokens)
}

func TestOAuthExchangeFailure(t *testing.T) {
	tokenSrv := newTokenServer(t)
	app := credential.NewOAuthAppWithEndpoint("client", "secret", oauth2.Endpoint{
		AuthURL:   "https://github.example.com/login/oauth/authorize",
		TokenURL:  tokenSrv.URL + "/login/oauth/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	})
	h := newHarness(t, app, Options{})

	loc, err := url.Parse(h.get(t, "/auth/github/login").Header.Get("Location"))
	require.NoError(t, err)
	resp := h.get(t, "/auth/github/callback?code=stale&state="+loc.Query().Get("state"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestLoginNotConfigured(t *testing.T) {
	h := newHarness(t, credential.NewOAuthApp("", ""), Options{})
	resp := h.get(t, "/auth/github/login")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	h = newHarness(t, nil, Options{})
	resp = h.get(t, "/auth/github/callback?code=x&state=y")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPushWithHeaderToken(t *testing.T) {
	h := newHarness(t, nil, Options{})

	resp, out := h.push(t, PushRequest{
		Owner:   "octo",
		Repo:    "site",
		Message: "update",
		Files:   map[string]string{"a.txt": "hello", "b.txt": "hello"},
	}, tokenHeader("ghp_header"))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.OK)
	assert.NotEmpty(t, out.Commit)
	assert.Equal(t, out.Objects["a.txt"], out.Objects["b.txt"])
	require.NotNil(t, out.Report)
	assert.True(t, out.Report.Success)
	assert.Len(t, out.Report.Files, 2)
	assert.Equal(t, out.Commit, h.store.tip)
	assert.Equal(t, []string{"ghp_header"}, h.store.tokens)
}

func TestPushUnauthenticated(t *testing.T) {
	h := newHarness(t, nil, Options{})

	resp, out := h.push(t, PushRequest{Owner: "o", Repo: "r", Files: map[string]string{"a": "1"}}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Not authenticated with GitHub", out.Error)
	assert.Empty(t, h.store.tokens)
}

func TestPushBadRequests(t *testing.T) {
	h := newHarness(t, nil, Options{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing owner", PushRequest{Repo: "r", Files: map[string]string{"a": "1"}}},
		{"missing files", PushRequest{Owner: "o", Repo: "r"}},
		{"wrong type", map[string]interface{}{"owner": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := h.push(t, tt.body, tokenHeader("t"))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, out.OK)
			assert.NotEmpty(t, out.Error)
		})
	}
}

func TestPushInvalidPath(t *testing.T) {
	h := newHarness(t, nil, Options{})

	resp, out := h.push(t, PushRequest{Owner: "o", Repo: "r", Files: map[string]string{"../x": "1"}}, tokenHeader("t"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidInput", out.Kind)
	assert.Equal(t, "Validating", out.Stage)
}

func TestPushBodyLimit(t *testing.T) {
	h := newHarness(t, nil, Options{BodyLimit: 64})

	resp, out := h.push(t, PushRequest{
		Owner: "o",
		Repo:  "r",
		Files: map[string]string{"big.txt": strings.Repeat("x", 256)},
	}, tokenHeader("t"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "request body too large", out.Error)
}

func TestPushUploadFailure(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.store.blobErr = publish.Errorf(publish.KindAuthFailed, "createContentObject", "Bad credentials")

	resp, out := h.push(t, PushRequest{Owner: "o", Repo: "r", Files: map[string]string{"f": "1"}}, tokenHeader("t"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, out.OK)
	assert.Equal(t, "AuthFailed", out.Kind)
	assert.Equal(t, "UploadingContent", out.Stage)
	require.NotNil(t, out.Report)
	require.Len(t, out.Report.Files, 1)
	assert.Equal(t, "AuthFailed", out.Report.Files[0].Reason)
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind publish.Kind
		want int
	}{
		{publish.KindInvalidInput, http.StatusBadRequest},
		{publish.KindAuthRequired, http.StatusUnauthorized},
		{publish.KindAuthFailed, http.StatusUnauthorized},
		{publish.KindRefNotFound, http.StatusNotFound},
		{publish.KindRefConflict, http.StatusConflict},
		{publish.KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{publish.KindAmbiguousOutcome, http.StatusBadGateway},
		{publish.KindTransientNetwork, http.StatusBadGateway},
		{publish.KindUpstream, http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForKind(tt.kind), tt.kind.String())
	}
}

func TestPushRefConflictReportsCommit(t *testing.T) {
	pub := publisherFunc(func(_ context.Context, req publish.Request) (*publish.Result, error) {
		res := &publish.Result{
			Target: publish.BranchRef{Owner: req.Owner, Repo: req.Repo, Branch: "main"},
			Stage:  publish.StageUpdatingRef,
			Commit: "c1",
			Err:    publish.Errorf(publish.KindRefConflict, "updateBranchTip", "Update is not a fast forward"),
		}
		return res, res.Err
	})
	srv := httptest.NewServer(New(pub, nil, nil, Options{}).Handler())
	defer srv.Close()

	body := `{"owner":"o","repo":"r","files":{"a":"1"}}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/github/push", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(TokenHeader, "t")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "RefConflict", out.Kind)
	assert.Equal(t, publish.CommitID("c1"), out.Commit)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, nil, Options{})

	req, err := http.NewRequest(http.MethodOptions, h.server.URL+"/api/github/push", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8080")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-gh-token")
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:8080", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "content-type,x-gh-token", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")

	req, err = http.NewRequest(http.MethodGet, h.server.URL+"/api/github/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://other.example.com")
	resp2, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "https://other.example.com", resp2.Header.Get("Access-Control-Allow-Origin"))
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func TestSessionCreatedOnlyOnLogin(t *testing.T) {
	app := credential.NewOAuthAppWithEndpoint("client", "secret", oauth2.Endpoint{
		AuthURL:  "https://github.example.com/login/oauth/authorize",
		TokenURL: "https://github.example.com/login/oauth/access_token",
	})
	h := newHarness(t, app, Options{SecureCookie: true})

	assert.Nil(t, sessionCookie(h.get(t, "/api/github/status")))
	resp, _ := h.push(t, PushRequest{Owner: "octo", Repo: "site", Files: map[string]string{"a.txt": "x"}}, tokenHeader("ghp_api"))
	assert.Nil(t, sessionCookie(resp))
	assert.Zero(t, h.sessions.Len(), "status and token pushes keep no session")

	first := h.get(t, "/auth/github/login")
	require.Equal(t, http.StatusFound, first.StatusCode)
	cookie := sessionCookie(first)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, 1, h.sessions.Len())

	// The cookie jar does not send Secure cookies over plain HTTP, so replay it.
	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/auth/github/login", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: cookie.Value})
	second, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Nil(t, sessionCookie(second), "existing session is reused")
	assert.Equal(t, 1, h.sessions.Len())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(publisherFunc(func(context.Context, publish.Request) (*publish.Result, error) {
		return nil, nil
	}), nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/github/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
