package github

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/go-github/v68/github"

	"github.com/quickredblazer/qrb/pkg/log"
	"github.com/quickredblazer/qrb/pkg/publish"
)

const (
	blobEncoding = "base64"
	blobType     = "blob"
)

// GetBranchTip returns the commit the branch points at.
// GET /repos/{owner}/{repo}/git/ref/heads/{branch}
func (c *Client) GetBranchTip(ctx context.Context, ref publish.BranchRef) (publish.CommitID, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	r, _, err := c.GitHubClient().Git.GetRef(callCtx, ref.Owner, ref.Repo, "heads/"+ref.Branch)
	if err != nil {
		return "", classify(ctx, opGetBranchTip, err)
	}

	sha := r.GetObject().GetSHA()
	if sha == "" {
		return "", publish.Errorf(publish.KindUpstream, opGetBranchTip, "ref %s has no target object", r.GetRef())
	}
	return publish.CommitID(sha), nil
}

// CreateContentObject uploads content as a blob. The API requires base64
// on the wire; identical content always yields the same object id.
// POST /repos/{owner}/{repo}/git/blobs
func (c *Client) CreateContentObject(ctx context.Context, owner, repo string, content []byte) (publish.ObjectID, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	encoded := base64.StdEncoding.EncodeToString(content)
	blob, _, err := c.GitHubClient().Git.CreateBlob(callCtx, owner, repo, &github.Blob{
		Content:  github.Ptr(encoded),
		Encoding: github.Ptr(blobEncoding),
	})
	if err != nil {
		return "", classify(ctx, opCreateContentObject, err)
	}

	sha := blob.GetSHA()
	if sha == "" {
		return "", publish.Errorf(publish.KindUpstream, opCreateContentObject, "response carries no blob sha")
	}
	return publish.ObjectID(sha), nil
}

// CreateTree creates a full flat tree from entries, with no base tree.
// POST /repos/{owner}/{repo}/git/trees
func (c *Client) CreateTree(ctx context.Context, owner, repo string, entries []publish.TreeEntry) (publish.TreeID, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	treeEntries := make([]*github.TreeEntry, 0, len(entries))
	for _, e := range entries {
		mode := e.Mode
		if mode == "" {
			mode = publish.RegularFileMode
		}
		treeEntries = append(treeEntries, &github.TreeEntry{
			Path: github.Ptr(e.Path),
			Mode: github.Ptr(mode),
			Type: github.Ptr(blobType),
			SHA:  github.Ptr(string(e.Object)),
		})
	}

	// An empty base tree is omitted from the request, which the API treats
	// the same as base_tree: null.
	tree, _, err := c.GitHubClient().Git.CreateTree(callCtx, owner, repo, "", treeEntries)
	if err != nil {
		return "", classify(ctx, opCreateTree, err)
	}

	sha := tree.GetSHA()
	if sha == "" {
		return "", publish.Errorf(publish.KindUpstream, opCreateTree, "response carries no tree sha")
	}
	return publish.TreeID(sha), nil
}

// CreateCommit creates a commit of tree with a single parent.
// POST /repos/{owner}/{repo}/git/commits
func (c *Client) CreateCommit(ctx context.Context, owner, repo, message string, tree publish.TreeID, parent publish.CommitID) (publish.CommitID, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	commit, _, err := c.GitHubClient().Git.CreateCommit(callCtx, owner, repo, &github.Commit{
		Message: github.Ptr(message),
		Tree:    &github.Tree{SHA: github.Ptr(string(tree))},
		Parents: []*github.Commit{{SHA: github.Ptr(string(parent))}},
	}, nil)
	if err != nil {
		return "", classify(ctx, opCreateCommit, err)
	}

	sha := commit.GetSHA()
	if sha == "" {
		return "", publish.Errorf(publish.KindUpstream, opCreateCommit, "response carries no commit sha")
	}
	return publish.CommitID(sha), nil
}

// UpdateBranchTip moves the branch to newCommit if it still points at
// expected.
//
// The API has no compare-and-swap on refs. The branch is re-read and compared
// to expected, then patched with force=false, which the API only accepts as a
// fast-forward. A concurrent writer that lands between the read and the patch
// and leaves the branch at an ancestor of newCommit is not detected.
// PATCH /repos/{owner}/{repo}/git/refs/heads/{branch}
func (c *Client) UpdateBranchTip(ctx context.Context, ref publish.BranchRef, newCommit, expected publish.CommitID) error {
	current, err := c.GetBranchTip(ctx, ref)
	if err != nil {
		return err
	}
	if current != expected {
		return publish.Errorf(publish.KindRefConflict, opUpdateBranchTip,
			"branch %s moved from %s to %s", ref.Branch, expected.Short(), current.Short())
	}

	if err := ctx.Err(); err != nil {
		return publish.Wrap(publish.KindCanceled, opUpdateBranchTip, err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	updated, _, err := c.GitHubClient().Git.UpdateRef(callCtx, ref.Owner, ref.Repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + ref.Branch),
		Object: &github.GitObject{SHA: github.Ptr(string(newCommit))},
	}, false)
	if err != nil {
		return classify(ctx, opUpdateBranchTip, err)
	}

	if got := updated.GetObject().GetSHA(); got != "" && got != string(newCommit) {
		log.Warn("ref update returned unexpected target", "ref", ref.String(), "want", string(newCommit), "got", got)
		return &publish.Error{
			Kind:    publish.KindAmbiguousOutcome,
			Op:      opUpdateBranchTip,
			Message: fmt.Sprintf("branch points at %s after update", got),
		}
	}
	return nil
}
