// Package reporter renders the progress of a publish for people and tools.
//
// A Reporter is a publish.Listener. It keeps the state of every file it has
// heard about, optionally streams one line per file outcome to a writer, and
// produces a JSON snapshot once the publish completes.
package reporter

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/quickredblazer/qrb/pkg/log"
	"github.com/quickredblazer/qrb/pkg/publish"
)

// FileState is the upload state of one path.
type FileState string

const (
	StatePending  FileState = "pending"
	StateUploaded FileState = "uploaded"
	StateFailed   FileState = "failed"
)

// FileStatus is the last known state of one path.
type FileStatus struct {
	Path   string           `json:"path"`
	State  FileState        `json:"state"`
	Object publish.ObjectID `json:"object,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// Reporter tracks per-file state from progress events.
type Reporter struct {
	mu     sync.Mutex
	out    io.Writer
	files  map[string]*FileStatus
	stage  publish.Stage
	result *publish.Result
}

var _ publish.Listener = (*Reporter)(nil)

// New creates a Reporter. When out is non-nil each file outcome and the final
// status line are written to it as they happen.
func New(out io.Writer) *Reporter {
	return &Reporter{
		out:   out,
		files: make(map[string]*FileStatus),
	}
}

// OnEvent implements publish.Listener.
func (r *Reporter) OnEvent(e publish.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case publish.EventPending:
		r.files[e.Path] = &FileStatus{Path: e.Path, State: StatePending}
	case publish.EventUploaded:
		fs := r.file(e.Path)
		fs.State = StateUploaded
		fs.Object = e.Object
		r.writeLine(formatFile(*fs))
	case publish.EventFailed:
		fs := r.file(e.Path)
		fs.State = StateFailed
		fs.Reason = e.Reason
		r.writeLine(formatFile(*fs))
	case publish.EventStageChanged:
		r.stage = e.Stage
		log.Debug("publish stage", "id", e.PublishID, "stage", e.Stage.String())
	case publish.EventCompleted:
		r.result = e.Result
		if e.Result != nil {
			r.stage = e.Result.Stage
		}
		r.writeLine(r.summaryLocked())
	}
}

func (r *Reporter) file(path string) *FileStatus {
	fs, ok := r.files[path]
	if !ok {
		fs = &FileStatus{Path: path}
		r.files[path] = fs
	}
	return fs
}

func (r *Reporter) writeLine(line string) {
	if r.out == nil {
		return
	}
	fmt.Fprintln(r.out, line)
}

// Files returns the state of every path, ordered by path.
func (r *Reporter) Files() []FileStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filesLocked()
}

func (r *Reporter) filesLocked() []FileStatus {
	out := make([]FileStatus, 0, len(r.files))
	for _, fs := range r.files {
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Stage returns the last stage seen.
func (r *Reporter) Stage() publish.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Result returns the terminal result, or nil while the publish is running.
func (r *Reporter) Result() *publish.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Summary returns the one-line status of the publish.
func (r *Reporter) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *Reporter) summaryLocked() string {
	res := r.result
	if res == nil {
		return fmt.Sprintf("publishing... (%s)", r.stage)
	}
	if res.Success() {
		return fmt.Sprintf("published %d %s to %s as %s",
			len(res.Objects), plural(len(res.Objects), "file", "files"), res.Target, res.Commit.Short())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "publish to %s failed at %s", res.Target, res.Stage)
	if res.Err != nil {
		fmt.Fprintf(&b, ": %s", res.Err.Kind)
		if msg := res.Err.Message; msg != "" {
			fmt.Fprintf(&b, " (%s)", msg)
		}
	}
	if res.Commit != "" {
		fmt.Fprintf(&b, "; commit %s is not on the branch", res.Commit.Short())
	}
	return b.String()
}

// Render writes one line per file followed by the status line.
func (r *Reporter) Render(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fs := range r.filesLocked() {
		if _, err := fmt.Fprintln(w, formatFile(fs)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, r.summaryLocked())
	return err
}

func formatFile(fs FileStatus) string {
	switch fs.State {
	case StateUploaded:
		return fmt.Sprintf("  ok      %s  %s", fs.Object.Short(), fs.Path)
	case StateFailed:
		return fmt.Sprintf("  failed  %s: %s", fs.Path, fs.Reason)
	default:
		return fmt.Sprintf("  pending %s", fs.Path)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
