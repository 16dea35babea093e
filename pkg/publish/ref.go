package publish

import (
	"fmt"
	"regexp"
	"strings"
)

// Target formats:
// - "owner/repo" (branch defaults to "main")
// - "owner/repo:branch"

var targetRegex = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)(?::(.+))?$`)

// ParseBranchRef parses a target string into a BranchRef.
func ParseBranchRef(target string) (BranchRef, error) {
	matches := targetRegex.FindStringSubmatch(target)
	if matches == nil {
		return BranchRef{}, fmt.Errorf("invalid target format: %s (expected owner/repo[:branch])", target)
	}

	ref := BranchRef{
		Owner:  matches[1],
		Repo:   matches[2],
		Branch: DefaultBranch,
	}
	if matches[3] != "" {
		if err := ValidateBranchName(matches[3]); err != nil {
			return BranchRef{}, fmt.Errorf("invalid target format: %s: %w", target, err)
		}
		ref.Branch = matches[3]
	}
	return ref, nil
}

// ValidateBranchName applies the git ref name rules (git check-ref-format)
// to a branch name.
func ValidateBranchName(name string) error {
	switch {
	case name == "", name == "@":
		return fmt.Errorf("invalid branch name %q", name)
	case strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."):
		return fmt.Errorf("invalid branch name %q: bad leading or trailing character", name)
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return fmt.Errorf("invalid branch name %q: forbidden sequence", name)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("invalid branch name %q: starts with '-'", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Errorf("invalid branch name %q: forbidden character %q", name, r)
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return fmt.Errorf("invalid branch name %q: bad component %q", name, part)
		}
	}
	return nil
}
