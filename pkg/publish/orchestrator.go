package publish

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quickredblazer/qrb/pkg/credential"
	"github.com/quickredblazer/qrb/pkg/log"
)

const (
	// DefaultConcurrency bounds parallel content uploads.
	DefaultConcurrency = 4

	// DefaultMaxFileSize rejects files GitHub would refuse or choke on.
	DefaultMaxFileSize = 40 << 20

	// reconcileTimeout bounds the branch re-read after an ambiguous ref update.
	reconcileTimeout = 15 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency sets the upload fan-out limit.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRetryConfig sets the retry policy for transient failures.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *Orchestrator) {
		o.retry = cfg
	}
}

// WithCredentials sets the provider used when a request carries none.
func WithCredentials(p credential.Provider) Option {
	return func(o *Orchestrator) {
		o.credentials = p
	}
}

// WithMaxFileSize sets the per-file size limit checked before any upload.
// Zero or negative disables the check.
func WithMaxFileSize(n int64) Option {
	return func(o *Orchestrator) {
		o.maxFileSize = n
	}
}

// WithDefaultBranch overrides DefaultBranch.
func WithDefaultBranch(branch string) Option {
	return func(o *Orchestrator) {
		if branch != "" {
			o.defaultBranch = branch
		}
	}
}

// WithDefaultMessage overrides DefaultMessage.
func WithDefaultMessage(msg string) Option {
	return func(o *Orchestrator) {
		if msg != "" {
			o.defaultMessage = msg
		}
	}
}

// Request is the input of one publish.
type Request struct {
	Owner   string
	Repo    string
	Branch  string
	Message string
	Files   FileSet

	// Credentials overrides the orchestrator's provider for this call.
	Credentials credential.Provider
	// Listener receives this publish's events in addition to subscribers.
	Listener Listener
}

// Orchestrator sequences object store calls into atomic multi-file publishes.
// Publishes to the same branch through one Orchestrator run one at a time.
type Orchestrator struct {
	stores         StoreFactory
	credentials    credential.Provider
	concurrency    int
	maxFileSize    int64
	retry          RetryConfig
	defaultBranch  string
	defaultMessage string
	locks          *branchLocks
	now            func() time.Time

	mu          sync.RWMutex
	subscribers map[int]Listener
	nextSubID   int
	publishes   int
}

// New creates an Orchestrator that talks to the stores produced by stores.
func New(stores StoreFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stores:         stores,
		concurrency:    DefaultConcurrency,
		maxFileSize:    DefaultMaxFileSize,
		retry:          DefaultRetryConfig(),
		defaultBranch:  DefaultBranch,
		defaultMessage: DefaultMessage,
		locks:          newBranchLocks(),
		now:            time.Now,
		subscribers:    make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe registers l for the events of every publish. The returned func
// removes the subscription.
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = l
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subscribers, id)
	}
}

// Publish writes req.Files as one commit on top of the branch tip and moves
// the branch to it. The returned error is nil exactly when the result is a
// success; on failure it is result.Err.
func (o *Orchestrator) Publish(ctx context.Context, req Request) (*Result, error) {
	if req.Branch == "" {
		req.Branch = o.defaultBranch
	}
	if req.Message == "" {
		req.Message = o.defaultMessage
	}

	r := o.newRun(req)
	result := r.execute(ctx)
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

func (o *Orchestrator) newRun(req Request) *run {
	o.mu.Lock()
	o.publishes++
	id := fmt.Sprintf("pub-%d-%d", o.now().UnixNano(), o.publishes)
	listeners := make([]Listener, 0, len(o.subscribers)+1)
	if req.Listener != nil {
		listeners = append(listeners, req.Listener)
	}
	subIDs := make([]int, 0, len(o.subscribers))
	for subID := range o.subscribers {
		subIDs = append(subIDs, subID)
	}
	sort.Ints(subIDs)
	for _, subID := range subIDs {
		listeners = append(listeners, o.subscribers[subID])
	}
	o.mu.Unlock()

	target := BranchRef{Owner: req.Owner, Repo: req.Repo, Branch: req.Branch}
	return &run{
		o:   o,
		req: req,
		result: &Result{
			ID:        id,
			Target:    target,
			Stage:     StageValidating,
			Objects:   make(map[string]ObjectID),
			StartedAt: o.now(),
		},
		events: &emitter{id: id, target: target, listeners: listeners, now: o.now},
	}
}

// run is the state of one publish.
type run struct {
	o      *Orchestrator
	req    Request
	store  ObjectStore
	result *Result
	events *emitter
}

func (r *run) enter(s Stage) {
	r.result.Stage = s
	r.events.stage(s)
}

func (r *run) fail(err error) *Result {
	r.result.Err = AsError(r.result.Stage.String(), err)
	r.result.FinishedAt = r.o.now()
	log.Warn("publish failed", "id", r.result.ID, "target", r.result.Target.String(),
		"stage", r.result.Stage.String(), "kind", r.result.Err.Kind.String(), "error", r.result.Err.Error())
	r.events.completed(r.result)
	return r.result
}

func (r *run) execute(ctx context.Context) *Result {
	target := r.result.Target
	r.enter(StageValidating)

	if target.Owner == "" || target.Repo == "" {
		return r.fail(Errorf(KindInvalidInput, "validate", "owner and repo are required"))
	}
	if err := ValidateBranchName(target.Branch); err != nil {
		return r.fail(Errorf(KindInvalidInput, "validate", "%v", err))
	}
	if err := r.req.Files.Validate(); err != nil {
		return r.fail(err)
	}
	if limit := r.o.maxFileSize; limit > 0 {
		for _, f := range r.req.Files {
			if int64(len(f.Content)) > limit {
				return r.fail(&Error{Kind: KindPayloadTooLarge, Op: "validate", Path: f.Path,
					Message: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(f.Content), limit)})
			}
		}
	}

	creds := r.req.Credentials
	if creds == nil {
		creds = r.o.credentials
	}
	var (
		token string
		ok    bool
	)
	if creds != nil {
		token, ok = creds.CurrentCredential()
	}
	if !ok {
		return r.fail(Errorf(KindAuthRequired, "credentials", "no credential available"))
	}
	r.store = r.o.stores(token)

	release, err := r.o.locks.acquire(ctx, target.key())
	if err != nil {
		return r.fail(Wrap(KindCanceled, "lock", err))
	}
	defer release()

	log.Info("publishing", "id", r.result.ID, "target", target.String(), "files", len(r.req.Files))

	// Step 1: resolve the branch tip that becomes the parent.
	r.enter(StageResolvingBranch)
	base, err := withRetry(ctx, r.o.retry, "getBranchTip", func() (CommitID, error) {
		return r.store.GetBranchTip(ctx, target)
	})
	if err != nil {
		return r.fail(err)
	}
	r.result.BaseCommit = base
	log.Debug("resolved branch tip", "target", target.String(), "commit", string(base))

	// Step 2: upload every unique content.
	r.enter(StageUploadingContent)
	if err := r.upload(ctx); err != nil {
		return r.fail(err)
	}

	// Step 3: flat tree of all paths.
	r.enter(StageBuildingTree)
	entries := make([]TreeEntry, 0, len(r.req.Files))
	for _, f := range r.req.Files {
		entries = append(entries, TreeEntry{Path: f.Path, Mode: RegularFileMode, Object: r.result.Objects[f.Path]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	tree, err := withRetry(ctx, r.o.retry, "createTree", func() (TreeID, error) {
		return r.store.CreateTree(ctx, target.Owner, target.Repo, entries)
	})
	if err != nil {
		if KindOf(err) == KindDanglingReference {
			log.Error("tree references an unknown object", "target", target.String(), "error", err)
		}
		return r.fail(err)
	}
	r.result.Tree = tree

	// Step 4: commit on top of the base.
	r.enter(StageCreatingCommit)
	commit, err := withRetry(ctx, r.o.retry, "createCommit", func() (CommitID, error) {
		return r.store.CreateCommit(ctx, target.Owner, target.Repo, r.req.Message, tree, base)
	})
	if err != nil {
		return r.fail(err)
	}
	r.result.Commit = commit

	// Step 5: fast-forward the branch.
	r.enter(StageUpdatingRef)
	if err := ctx.Err(); err != nil {
		return r.fail(Wrap(KindCanceled, "updateBranchTip", err))
	}
	_, err = withRetry(ctx, r.o.retry, "updateBranchTip", func() (struct{}, error) {
		return struct{}{}, r.store.UpdateBranchTip(ctx, target, commit, base)
	})
	if err != nil {
		if KindOf(err) != KindAmbiguousOutcome || !r.reconcile(ctx) {
			return r.fail(err)
		}
	}

	// Step 6: done.
	r.result.Stage = StageDone
	r.result.FinishedAt = r.o.now()
	log.Info("published", "id", r.result.ID, "target", target.String(),
		"commit", string(commit), "parent", string(base), "files", len(r.result.Objects))
	r.events.stage(StageDone)
	r.events.completed(r.result)
	return r.result
}

// upload creates content objects with bounded parallelism and waits for all
// of them. Failures are collected per path; any failure aborts the publish.
func (r *run) upload(ctx context.Context) error {
	target := r.result.Target
	groups := groupByContent(r.req.Files)

	paths := r.req.Files.Paths()
	sort.Strings(paths)
	for _, p := range paths {
		r.events.pending(p)
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]*Error)
	)
	var g errgroup.Group
	g.SetLimit(r.o.concurrency)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			var (
				id  ObjectID
				err error
			)
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = Wrap(KindCanceled, "createContentObject", ctxErr)
			} else {
				id, err = withRetry(ctx, r.o.retry, "createContentObject", func() (ObjectID, error) {
					return r.store.CreateContentObject(ctx, target.Owner, target.Repo, grp.content)
				})
			}

			mu.Lock()
			defer mu.Unlock()
			for _, p := range grp.paths {
				if err != nil {
					pe := *AsError("createContentObject", err)
					pe.Path = p
					failed[p] = &pe
					r.events.failed(p, &pe)
					continue
				}
				r.result.Objects[p] = id
				r.events.uploaded(p, id)
			}
			if err == nil {
				log.Debug("uploaded content object", "paths", grp.paths, "sha", string(id), "bytes", len(grp.content))
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	r.result.FileErrors = failed

	failedPaths := make([]string, 0, len(failed))
	for p := range failed {
		failedPaths = append(failedPaths, p)
	}
	sort.Strings(failedPaths)
	first := failed[failedPaths[0]]
	return &Error{
		Kind:    first.Kind,
		Op:      "createContentObject",
		Path:    first.Path,
		Message: fmt.Sprintf("%d of %d files failed to upload", len(failed), len(r.req.Files)),
		Err:     first,
	}
}

// reconcile re-reads the branch after an ambiguous ref update and reports
// whether the update was in fact applied.
func (r *run) reconcile(ctx context.Context) bool {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	tip, err := r.store.GetBranchTip(rctx, r.result.Target)
	if err != nil {
		log.Warn("could not reconcile ambiguous ref update", "target", r.result.Target.String(), "error", err)
		return false
	}
	if tip == r.result.Commit {
		log.Info("ambiguous ref update was applied", "target", r.result.Target.String(), "commit", string(tip))
		return true
	}
	log.Warn("ambiguous ref update not visible on branch", "target", r.result.Target.String(),
		"tip", string(tip), "commit", string(r.result.Commit))
	return false
}
