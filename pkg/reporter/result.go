package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quickredblazer/qrb/pkg/publish"
)

// ResultFile is the name of the snapshot written by WriteResult.
const ResultFile = "publish-result.json"

// ErrorDetail is the serialized form of a publish failure.
type ErrorDetail struct {
	Kind    publish.Kind `json:"kind"`
	Op      string       `json:"op,omitempty"`
	Path    string       `json:"path,omitempty"`
	Message string       `json:"message"`
}

// Snapshot is the machine-readable outcome of a publish.
type Snapshot struct {
	ID         string            `json:"id"`
	Target     publish.BranchRef `json:"target"`
	Success    bool              `json:"success"`
	Stage      publish.Stage     `json:"stage"`
	BaseCommit publish.CommitID  `json:"base_commit,omitempty"`
	Tree       publish.TreeID    `json:"tree,omitempty"`
	Commit     publish.CommitID  `json:"commit,omitempty"`
	Files      []FileStatus      `json:"files"`
	Error      *ErrorDetail      `json:"error,omitempty"`
	Summary    string            `json:"summary"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Snapshot returns the current state. Before completion only Files, Stage and
// Summary are populated.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Stage:   r.stage,
		Files:   r.filesLocked(),
		Summary: r.summaryLocked(),
	}
	res := r.result
	if res == nil {
		return s
	}
	s.ID = res.ID
	s.Target = res.Target
	s.Success = res.Success()
	s.BaseCommit = res.BaseCommit
	s.Tree = res.Tree
	s.Commit = res.Commit
	s.StartedAt = res.StartedAt
	s.FinishedAt = res.FinishedAt
	if res.Err != nil {
		s.Error = &ErrorDetail{
			Kind:    res.Err.Kind,
			Op:      res.Err.Op,
			Path:    res.Err.Path,
			Message: res.Err.Error(),
		}
	}
	return s
}

// WriteResult writes the snapshot as ResultFile in outputDir.
func WriteResult(outputDir string, s Snapshot) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if s.FinishedAt.IsZero() {
		s.FinishedAt = time.Now()
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal publish result: %w", err)
	}

	resultPath := filepath.Join(outputDir, ResultFile)
	if err := os.WriteFile(resultPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write publish result: %w", err)
	}
	return nil
}

// ReadResult reads a snapshot written by WriteResult.
func ReadResult(outputDir string) (Snapshot, error) {
	var s Snapshot

	data, err := os.ReadFile(filepath.Join(outputDir, ResultFile))
	if err != nil {
		return s, fmt.Errorf("failed to read publish result: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal publish result: %w", err)
	}
	return s, nil
}
