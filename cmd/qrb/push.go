package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quickredblazer/qrb/pkg/config"
	"github.com/quickredblazer/qrb/pkg/credential"
	"github.com/quickredblazer/qrb/pkg/github"
	"github.com/quickredblazer/qrb/pkg/log"
	"github.com/quickredblazer/qrb/pkg/publish"
	"github.com/quickredblazer/qrb/pkg/reporter"
)

var (
	pushDir         string
	pushMessage     string
	pushOutput      string
	pushConcurrency int
	pushAPIURL      string
)

var pushCmd = &cobra.Command{
	Use:   "push owner/repo[:branch]",
	Short: "Publish a local directory as one commit",
	Long: `Publish every file of a local directory to a GitHub branch as a single commit.

The branch is fast-forwarded to the new commit only if every file uploaded and
nobody else moved the branch in the meantime. The token is read from
GITHUB_TOKEN (or QRB_GITHUB_TOKEN).

Examples:
  qrb push octo/site --dir ./public
  qrb push octo/site:gh-pages --dir ./public -m "Deploy" --output ./out`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := projectConfig
		if cfg == nil {
			cfg = &config.ProjectConfig{}
		}
		cfg = applyPushOverrides(cfg)
		return runPush(cmd.Context(), cmd.OutOrStdout(), cfg, args[0])
	},
}

// applyPushOverrides returns a copy of cfg with the push flags applied.
func applyPushOverrides(cfg *config.ProjectConfig) *config.ProjectConfig {
	out := *cfg
	out.APIBaseURL, _ = cfg.ResolveAPIBaseURL(pushAPIURL)
	out.Concurrency, _ = cfg.ResolveConcurrency(pushConcurrency)
	out.CommitMessage, _ = cfg.ResolveCommitMessage(pushMessage)
	return &out
}

func runPush(ctx context.Context, out io.Writer, cfg *config.ProjectConfig, target string) error {
	ref, err := publish.ParseBranchRef(target)
	if err != nil {
		return err
	}
	branch := ref.Branch
	if !strings.Contains(target, ":") {
		// Let the configured default branch apply.
		branch = ""
	}

	files, err := collectFiles(pushDir)
	if err != nil {
		return err
	}
	log.Info("collected files", "dir", pushDir, "files", len(files))

	orch, err := injectOrchestrator(cfg)
	if err != nil {
		return fmt.Errorf("failed to build publisher: %w", err)
	}

	rep := reporter.New(out)
	result, pubErr := orch.Publish(ctx, publish.Request{
		Owner:    ref.Owner,
		Repo:     ref.Repo,
		Branch:   branch,
		Files:    files,
		Listener: rep,
	})

	if pushOutput != "" {
		if err := reporter.WriteResult(pushOutput, rep.Snapshot()); err != nil {
			return err
		}
		log.Info("wrote publish result", "path", filepath.Join(pushOutput, reporter.ResultFile))
	}

	switch {
	case pubErr == nil:
		return nil
	case errors.Is(pubErr, publish.ErrAuthRequired):
		return fmt.Errorf("%w (set %s)", pubErr, credential.TokenEnv)
	case github.IsAuthenticationError(pubErr):
		return fmt.Errorf("%w (check that %s is valid and can write to %s/%s)",
			pubErr, credential.TokenEnv, result.Target.Owner, result.Target.Repo)
	case github.IsNotFoundError(pubErr):
		return fmt.Errorf("%w (branch %q does not exist in %s/%s)",
			pubErr, result.Target.Branch, result.Target.Owner, result.Target.Repo)
	}
	return pubErr
}

// collectFiles reads every regular file under dir, skipping .git directories.
// Paths are relative to dir and use forward slashes.
func collectFiles(dir string) (publish.FileSet, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory: %w", err)
	}

	var files publish.FileSet
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			log.Debug("skipping non-regular file", "path", p)
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		files = append(files, publish.File{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect files from %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in %s", dir)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func init() {
	pushCmd.Flags().StringVarP(&pushDir, "dir", "d", ".", "Directory to publish")
	pushCmd.Flags().StringVarP(&pushMessage, "message", "m", "", "Commit message")
	pushCmd.Flags().StringVarP(&pushOutput, "output", "o", "", "Directory to write "+reporter.ResultFile+" to")
	pushCmd.Flags().IntVar(&pushConcurrency, "concurrency", 0, "Parallel content uploads (default from config, or 4)")
	pushCmd.Flags().StringVar(&pushAPIURL, "api-url", "", "GitHub API base URL (GitHub Enterprise)")
	rootCmd.AddCommand(pushCmd)
}
