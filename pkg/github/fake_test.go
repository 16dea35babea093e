package github

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeGitHub is a content-addressed in-memory stand-in for the Git Data API.
type fakeGitHub struct {
	t *testing.T

	mu      sync.Mutex
	blobs   map[string][]byte
	trees   map[string][]map[string]string
	commits map[string]fakeCommit
	refs    map[string]string // branch -> commit sha
	calls   map[string]int
	bodies  map[string][]map[string]interface{}

	// fail, when set, short-circuits a route with a status and message.
	fail map[string]fakeFailure
	// beforePatch runs before a ref update is applied.
	beforePatch func()
}

type fakeCommit struct {
	Message string
	Tree    string
	Parents []string
}

type fakeFailure struct {
	status  int
	message string
}

const (
	routeGetRef = "get_ref"
	routeBlob   = "create_blob"
	routeTree   = "create_tree"
	routeCommit = "create_commit"
	routeUpdate = "update_ref"

	fakeInitialSHA = "c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0"
)

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	f := &fakeGitHub{
		t:       t,
		blobs:   make(map[string][]byte),
		trees:   make(map[string][]map[string]string),
		commits: make(map[string]fakeCommit),
		refs:    map[string]string{"main": fakeInitialSHA},
		calls:   make(map[string]int),
		bodies:  make(map[string][]map[string]interface{}),
		fail:    make(map[string]fakeFailure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/ref/heads/{branch...}", f.route(routeGetRef, f.getRef))
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/blobs", f.route(routeBlob, f.createBlob))
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/trees", f.route(routeTree, f.createTree))
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/commits", f.route(routeCommit, f.createCommit))
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/git/refs/heads/{branch...}", f.route(routeUpdate, f.updateRef))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGitHub) route(name string, h func(http.ResponseWriter, *http.Request, map[string]interface{})) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if r.Body != nil && r.Method != http.MethodGet {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
				return
			}
		}

		f.mu.Lock()
		f.calls[name]++
		f.bodies[name] = append(f.bodies[name], body)
		failure, failing := f.fail[name]
		f.mu.Unlock()

		if failing {
			writeJSON(w, failure.status, map[string]string{"message": failure.message})
			return
		}
		h(w, r, body)
	}
}

func (f *fakeGitHub) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeGitHub) lastBody(name string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.bodies[name]
	if len(bodies) == 0 {
		return nil
	}
	return bodies[len(bodies)-1]
}

func (f *fakeGitHub) setFailure(name string, status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = fakeFailure{status: status, message: message}
}

func (f *fakeGitHub) branch(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[name]
}

func (f *fakeGitHub) setBranch(name, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[name] = sha
}

func (f *fakeGitHub) getRef(w http.ResponseWriter, r *http.Request, _ map[string]interface{}) {
	branch := r.PathValue("branch")
	sha := f.branch(branch)
	if sha == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ref":    "refs/heads/" + branch,
		"object": map[string]string{"sha": sha, "type": "commit"},
	})
}

func (f *fakeGitHub) createBlob(w http.ResponseWriter, _ *http.Request, body map[string]interface{}) {
	if body["encoding"] != "base64" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "encoding must be base64"})
		return
	}
	encoded, _ := body["content"].(string)
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid base64"})
		return
	}

	sha := gitObjectSHA("blob", content)
	f.mu.Lock()
	f.blobs[sha] = content
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (f *fakeGitHub) createTree(w http.ResponseWriter, _ *http.Request, body map[string]interface{}) {
	items, _ := body["tree"].([]interface{})
	entries := make([]map[string]string, 0, len(items))
	var manifest string

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		m, _ := item.(map[string]interface{})
		entry := map[string]string{}
		for _, k := range []string{"path", "mode", "type", "sha"} {
			entry[k], _ = m[k].(string)
		}
		if _, ok := f.blobs[entry["sha"]]; !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "tree.sha " + entry["sha"] + " is not a valid blob"})
			return
		}
		entries = append(entries, entry)
		manifest += fmt.Sprintf("%s %s %s\n", entry["mode"], entry["path"], entry["sha"])
	}
	sha := gitObjectSHA("tree", []byte(manifest))
	f.trees[sha] = entries
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (f *fakeGitHub) createCommit(w http.ResponseWriter, _ *http.Request, body map[string]interface{}) {
	message, _ := body["message"].(string)
	tree, _ := body["tree"].(string)
	var parents []string
	if ps, ok := body["parents"].([]interface{}); ok {
		for _, p := range ps {
			s, _ := p.(string)
			parents = append(parents, s)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.trees[tree]; !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Tree SHA does not exist"})
		return
	}
	sha := gitObjectSHA("commit", []byte(fmt.Sprintf("%s\n%v\n%s", tree, parents, message)))
	f.commits[sha] = fakeCommit{Message: message, Tree: tree, Parents: parents}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (f *fakeGitHub) updateRef(w http.ResponseWriter, r *http.Request, body map[string]interface{}) {
	if f.beforePatch != nil {
		f.beforePatch()
	}
	branch := r.PathValue("branch")
	sha, _ := body["sha"].(string)
	force, _ := body["force"].(bool)

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.refs[branch]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference does not exist"})
		return
	}
	commit, ok := f.commits[sha]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Object does not exist"})
		return
	}
	if !force && !containsString(commit.Parents, current) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Update is not a fast forward"})
		return
	}
	f.refs[branch] = sha
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ref":    "refs/heads/" + branch,
		"object": map[string]string{"sha": sha, "type": "commit"},
	})
}

func gitObjectSHA(kind string, content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
