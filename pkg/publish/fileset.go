package publish

import (
	"crypto/sha256"
	"path"
	"sort"
	"strings"
)

// File is one named text file to publish.
type File struct {
	Path    string
	Content []byte
}

// FileSet is the set of files written by one publish. Paths are
// repository-relative, forward-slash separated and unique.
type FileSet []File

// FileSetFromMap builds a FileSet ordered by path.
func FileSetFromMap(files map[string]string) FileSet {
	fs := make(FileSet, 0, len(files))
	for p, content := range files {
		fs = append(fs, File{Path: p, Content: []byte(content)})
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].Path < fs[j].Path })
	return fs
}

// Paths returns the file paths in FileSet order.
func (fs FileSet) Paths() []string {
	paths := make([]string, len(fs))
	for i, f := range fs {
		paths[i] = f.Path
	}
	return paths
}

// Validate checks the caller-side rules: the set is non-empty, every path
// is canonical and relative, no path repeats, and no file path is also used as
// a directory by another entry.
func (fs FileSet) Validate() error {
	if len(fs) == 0 {
		return Errorf(KindInvalidInput, "validate", "file set is empty")
	}

	seen := make(map[string]struct{}, len(fs))
	for _, f := range fs {
		if err := validatePath(f.Path); err != nil {
			return err
		}
		if _, dup := seen[f.Path]; dup {
			return &Error{Kind: KindInvalidInput, Op: "validate", Path: f.Path, Message: "duplicate path"}
		}
		seen[f.Path] = struct{}{}
	}

	for _, f := range fs {
		for dir := path.Dir(f.Path); dir != "."; dir = path.Dir(dir) {
			if _, clash := seen[dir]; clash {
				return &Error{Kind: KindInvalidInput, Op: "validate", Path: f.Path, Message: "parent " + dir + " is also a file"}
			}
		}
	}
	return nil
}

func validatePath(p string) error {
	invalid := func(msg string) error {
		return &Error{Kind: KindInvalidInput, Op: "validate", Path: p, Message: msg}
	}
	switch {
	case p == "" || p == ".":
		return invalid("empty path")
	case strings.ContainsRune(p, '\\'):
		return invalid("path must use forward slashes")
	case strings.HasPrefix(p, "/"):
		return invalid("path must be relative")
	case strings.ContainsRune(p, 0):
		return invalid("path contains NUL")
	case path.Clean(p) != p:
		return invalid("path is not canonical")
	case p == ".." || strings.HasPrefix(p, "../"):
		return invalid("path escapes the repository root")
	case p == ".git" || strings.HasPrefix(p, ".git/") || strings.HasSuffix(p, "/.git") || strings.Contains(p, "/.git/"):
		return invalid("path is inside .git")
	}
	return nil
}

// contentGroup is one unique content shared by one or more paths.
type contentGroup struct {
	content []byte
	paths   []string
}

// groupByContent collapses files with identical bytes so each distinct content
// is uploaded once. Groups keep the order of their first path.
func groupByContent(fs FileSet) []*contentGroup {
	byDigest := make(map[[sha256.Size]byte]*contentGroup, len(fs))
	var groups []*contentGroup
	for _, f := range fs {
		digest := sha256.Sum256(f.Content)
		g, ok := byDigest[digest]
		if !ok {
			g = &contentGroup{content: f.Content}
			byDigest[digest] = g
			groups = append(groups, g)
		}
		g.paths = append(g.paths, f.Path)
	}
	return groups
}
