package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// fakeStore is an in-memory content-addressed ObjectStore with call counts
// and per-call failure hooks.
type fakeStore struct {
	mu      sync.Mutex
	tips    map[string]CommitID // branch -> tip
	blobs   map[ObjectID][]byte
	trees   map[TreeID][]TreeEntry
	commits map[CommitID]CommitID // commit -> parent
	calls   map[string]int
	nextID  int

	getTipHook  func(ref BranchRef) error
	blobHook    func(content []byte) error
	treeHook    func(entries []TreeEntry) error
	commitHook  func() error
	updateHook  func(ref BranchRef, newCommit, expected CommitID) (apply bool, err error)
	getTipDelay chan struct{}
}

func newFakeStore(tip CommitID) *fakeStore {
	return &fakeStore{
		tips:    map[string]CommitID{"main": tip},
		blobs:   make(map[ObjectID][]byte),
		trees:   make(map[TreeID][]TreeEntry),
		commits: make(map[CommitID]CommitID),
		calls:   make(map[string]int),
	}
}

func (s *fakeStore) factory() StoreFactory {
	return func(string) ObjectStore { return s }
}

func (s *fakeStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeStore) tip(branch string) CommitID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tips[branch]
}

func (s *fakeStore) record(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *fakeStore) GetBranchTip(ctx context.Context, ref BranchRef) (CommitID, error) {
	s.record("getBranchTip")
	if s.getTipDelay != nil {
		select {
		case <-s.getTipDelay:
		case <-ctx.Done():
			return "", Wrap(KindCanceled, "getBranchTip", ctx.Err())
		}
	}
	if s.getTipHook != nil {
		if err := s.getTipHook(ref); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tip, ok := s.tips[ref.Branch]
	if !ok {
		return "", Errorf(KindRefNotFound, "getBranchTip", "branch %s not found", ref.Branch)
	}
	return tip, nil
}

func (s *fakeStore) CreateContentObject(_ context.Context, _, _ string, content []byte) (ObjectID, error) {
	s.record("createContentObject")
	if s.blobHook != nil {
		if err := s.blobHook(content); err != nil {
			return "", err
		}
	}
	sum := sha256.Sum256(content)
	id := ObjectID(hex.EncodeToString(sum[:20]))
	s.mu.Lock()
	s.blobs[id] = content
	s.mu.Unlock()
	return id, nil
}

func (s *fakeStore) CreateTree(_ context.Context, _, _ string, entries []TreeEntry) (TreeID, error) {
	s.record("createTree")
	if s.treeHook != nil {
		if err := s.treeHook(entries); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.blobs[e.Object]; !ok {
			return "", Errorf(KindDanglingReference, "createTree", "unknown object %s", e.Object)
		}
	}
	s.nextID++
	id := TreeID(fmt.Sprintf("tree-%d", s.nextID))
	s.trees[id] = append([]TreeEntry(nil), entries...)
	return id, nil
}

func (s *fakeStore) CreateCommit(_ context.Context, _, _, _ string, tree TreeID, parent CommitID) (CommitID, error) {
	s.record("createCommit")
	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trees[tree]; !ok {
		return "", Errorf(KindUpstream, "createCommit", "unknown tree %s", tree)
	}
	s.nextID++
	id := CommitID(fmt.Sprintf("commit-%d", s.nextID))
	s.commits[id] = parent
	return id, nil
}

func (s *fakeStore) UpdateBranchTip(_ context.Context, ref BranchRef, newCommit, expected CommitID) error {
	s.record("updateBranchTip")
	if s.updateHook != nil {
		apply, err := s.updateHook(ref, newCommit, expected)
		if apply {
			s.mu.Lock()
			s.tips[ref.Branch] = newCommit
			s.mu.Unlock()
		}
		if err != nil {
			return err
		}
		if apply {
			return nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tips[ref.Branch] != expected {
		return Errorf(KindRefConflict, "updateBranchTip", "branch moved")
	}
	s.tips[ref.Branch] = newCommit
	return nil
}

// eventLog collects events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// fileEvents drops StageChanged events.
func (l *eventLog) fileEvents() []Event {
	var out []Event
	for _, e := range l.all() {
		if e.Type != EventStageChanged {
			out = append(out, e)
		}
	}
	return out
}
