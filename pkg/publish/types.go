// Package publish turns an in-memory set of files into a single commit on a
// remote branch.
//
// A publish resolves the branch tip, uploads one content object per unique
// file content, builds a flat tree, creates a commit on top of the tip and
// moves the branch with a fast-forward-only update. Nothing is referenced by
// the branch unless every step succeeds.
package publish

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ObjectID identifies a content object (blob) in the remote store.
type ObjectID string

// TreeID identifies a tree object.
type TreeID string

// CommitID identifies a commit object.
type CommitID string

// Short returns the abbreviated identifier used in human-readable output.
func (id ObjectID) Short() string { return shortID(string(id)) }

// Short returns the abbreviated identifier used in human-readable output.
func (id CommitID) Short() string { return shortID(string(id)) }

func shortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// DefaultBranch is used when a request names no branch.
const DefaultBranch = "main"

// DefaultMessage is used when a request carries no commit message.
const DefaultMessage = "QuickRedBlazer push"

// RegularFileMode is the tree entry mode for a non-executable file.
const RegularFileMode = "100644"

// BranchRef names a branch in a remote repository.
type BranchRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// String returns "owner/repo:branch".
func (r BranchRef) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Owner, r.Repo, r.Branch)
}

// FullName returns "owner/repo".
func (r BranchRef) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}

// key identifies the branch for serialization. Owner and repository names are
// case-insensitive on the remote, branch names are not.
func (r BranchRef) key() string {
	return strings.ToLower(r.Owner) + "/" + strings.ToLower(r.Repo) + ":" + r.Branch
}

// TreeEntry is one path in a flat tree.
type TreeEntry struct {
	Path   string
	Mode   string
	Object ObjectID
}

// ObjectStore is the set of primitive calls against the remote object store.
// Each call is a single round trip translated to a typed *Error on failure.
type ObjectStore interface {
	GetBranchTip(ctx context.Context, ref BranchRef) (CommitID, error)
	CreateContentObject(ctx context.Context, owner, repo string, content []byte) (ObjectID, error)
	CreateTree(ctx context.Context, owner, repo string, entries []TreeEntry) (TreeID, error)
	CreateCommit(ctx context.Context, owner, repo, message string, tree TreeID, parent CommitID) (CommitID, error)
	// UpdateBranchTip moves ref to newCommit only if it still points at expected.
	UpdateBranchTip(ctx context.Context, ref BranchRef, newCommit, expected CommitID) error
}

// StoreFactory returns an ObjectStore authenticated with the given bearer token.
type StoreFactory func(token string) ObjectStore

// Result is the terminal outcome of one publish.
type Result struct {
	ID     string
	Target BranchRef
	// Stage is Done on success, otherwise the stage that failed.
	Stage      Stage
	BaseCommit CommitID
	Tree       TreeID
	// Commit is the new commit. On an UpdatingRef failure it exists remotely
	// but no branch references it.
	Commit CommitID
	// Objects maps each path to its content object. On failure it holds the
	// uploads that completed.
	Objects    map[string]ObjectID
	Err        *Error
	FileErrors map[string]*Error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports whether the branch now points at Commit.
func (r *Result) Success() bool {
	return r != nil && r.Err == nil && r.Stage == StageDone
}
