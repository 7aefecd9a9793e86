package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"

	"github.com/jonboulle/clockwork"
)

func newExperiment(id string, status experiment.Status, version int) *experiment.Experiment {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &experiment.Experiment{
		ID:     id,
		Name:   "Experiment " + id,
		Status: status,
		Variants: []experiment.Variant{
			{ID: "control", Weight: 50, IsControl: true},
			{ID: "treatment", Weight: 50},
		},
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now.Add(time.Duration(version) * time.Minute),
	}
}

// flakyRepository fails List while failing is set.
type flakyRepository struct {
	*repository.MemoryRepository

	mu      sync.Mutex
	failing bool
	lists   chan struct{}
}

func newFlakyRepository() *flakyRepository {
	return &flakyRepository{
		MemoryRepository: repository.NewMemoryRepository(),
		lists:            make(chan struct{}, 16),
	}
}

func (r *flakyRepository) setFailing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = v
}

func (r *flakyRepository) List(ctx context.Context, filter repository.ListFilter) ([]*experiment.Experiment, error) {
	r.mu.Lock()
	failing := r.failing
	r.mu.Unlock()

	defer func() {
		select {
		case r.lists <- struct{}{}:
		default:
		}
	}()

	if failing {
		return nil, errors.New("database is locked")
	}
	return r.MemoryRepository.List(ctx, filter)
}

func seed(t *testing.T, repo repository.Repository, exps ...*experiment.Experiment) {
	t.Helper()
	for _, exp := range exps {
		if err := repo.Create(context.Background(), exp); err != nil {
			t.Fatalf("Create(%s) error = %v", exp.ID, err)
		}
	}
}

func TestStore_LoadKeepsOnlyServable(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo,
		newExperiment("running", experiment.StatusRunning, 1),
		newExperiment("paused", experiment.StatusPaused, 1),
		newExperiment("draft", experiment.StatusDraft, 1),
		newExperiment("completed", experiment.StatusCompleted, 1),
	)

	s := New(repo)
	if s.Loaded() {
		t.Fatal("store should not be loaded before Load")
	}
	if err := s.Ready(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Ready() = %v, want ErrNotLoaded", err)
	}

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	for _, id := range []string{"running", "paused"} {
		if _, ok := s.Get(id); !ok {
			t.Errorf("expected %q to be cached", id)
		}
	}
	for _, id := range []string{"draft", "completed"} {
		if _, ok := s.Get(id); ok {
			t.Errorf("did not expect %q to be cached", id)
		}
	}
	if err := s.Ready(context.Background()); err != nil {
		t.Errorf("Ready() after Load = %v", err)
	}
}

func TestStore_LoadFailureKeepsCurrentSet(t *testing.T) {
	repo := newFlakyRepository()
	seed(t, repo, newExperiment("exp1", experiment.StatusRunning, 1))

	s := New(repo)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	repo.setFailing(true)
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected Load() to fail")
	}

	if _, ok := s.Get("exp1"); !ok {
		t.Error("expected exp1 to survive a failed refresh")
	}
	if _, lastErr := s.LastLoad(); lastErr == nil {
		t.Error("expected LastLoad to report the refresh error")
	}
}

func TestStore_LoadNotifiesChanges(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo,
		newExperiment("a", experiment.StatusRunning, 1),
		newExperiment("b", experiment.StatusRunning, 1),
	)

	s := New(repo)
	var changed []string
	s.OnChange(func(id string) { changed = append(changed, id) })

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 notifications on first load, got %v", changed)
	}

	changed = nil
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no notifications for an unchanged reload, got %v", changed)
	}

	b := newExperiment("b", experiment.StatusRunning, 2)
	if err := repo.Update(context.Background(), b, 1); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := repo.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	changed = nil
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(changed) != 2 || changed[0] != "a" || changed[1] != "b" {
		t.Fatalf("expected [a b], got %v", changed)
	}
}

// gatedRepository pauses List after reading its snapshot until release is
// closed.
type gatedRepository struct {
	*repository.MemoryRepository
	read    chan struct{}
	release chan struct{}
}

func (r *gatedRepository) List(ctx context.Context, filter repository.ListFilter) ([]*experiment.Experiment, error) {
	exps, err := r.MemoryRepository.List(ctx, filter)
	r.read <- struct{}{}
	<-r.release
	return exps, err
}

func TestStore_LoadDoesNotUndoConcurrentApply(t *testing.T) {
	tests := []struct {
		name       string
		next       *experiment.Experiment
		wantCached bool
		wantStatus experiment.Status
	}{
		{"pause", newExperiment("exp1", experiment.StatusPaused, 2), true, experiment.StatusPaused},
		{"complete", newExperiment("exp1", experiment.StatusCompleted, 2), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := repository.NewMemoryRepository()
			seed(t, mem, newExperiment("exp1", experiment.StatusRunning, 1))

			s := New(mem)
			if err := s.Load(ctx); err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			gated := &gatedRepository{MemoryRepository: mem, read: make(chan struct{}), release: make(chan struct{})}
			s.repo = gated

			done := make(chan error, 1)
			go func() { done <- s.Load(ctx) }()
			<-gated.read

			if err := mem.Update(ctx, tt.next, 1); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if err := s.Apply(ctx, Update{Op: OpUpdate, Experiment: tt.next}); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			close(gated.release)
			if err := <-done; err != nil {
				t.Fatalf("concurrent Load() error = %v", err)
			}

			exp, ok := s.Get("exp1")
			if ok != tt.wantCached {
				t.Fatalf("cached = %v, want %v", ok, tt.wantCached)
			}
			if ok && (exp.Status != tt.wantStatus || exp.Version != 2) {
				t.Errorf("cached %s v%d, want %s v2", exp.Status, exp.Version, tt.wantStatus)
			}

			// A refresh that starts after the write serves the repository again.
			s.repo = mem
			if err := s.Load(ctx); err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if _, ok := s.Get("exp1"); ok != tt.wantCached {
				t.Errorf("cached after next refresh = %v, want %v", ok, tt.wantCached)
			}
			if len(s.touched) != 0 {
				t.Errorf("touched = %v, want it cleared by the later refresh", s.touched)
			}
		})
	}
}

func TestStore_RunRefreshesOnInterval(t *testing.T) {
	repo := newFlakyRepository()
	clock := clockwork.NewFakeClock()
	s := New(repo, WithClock(clock), WithRefreshInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clock.BlockUntil(1)
	seed(t, repo, newExperiment("exp1", experiment.StatusRunning, 1))
	clock.Advance(time.Minute)

	select {
	case <-repo.lists:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !s.Loaded() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := s.Get("exp1"); !ok {
		t.Error("expected exp1 after timed refresh")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestStore_Apply(t *testing.T) {
	invalid := newExperiment("exp1", experiment.StatusRunning, 2)
	invalid.Variants[1].Weight = 10

	tests := []struct {
		name        string
		update      Update
		wantErr     bool
		wantCached  bool
		wantVersion int
		wantNotify  bool
	}{
		{
			name:        "update replaces definition",
			update:      Update{Op: OpUpdate, Experiment: newExperiment("exp1", experiment.StatusRunning, 2)},
			wantCached:  true,
			wantVersion: 2,
			wantNotify:  true,
		},
		{
			name:        "invalid definition keeps stale entry",
			update:      Update{Op: OpUpdate, Experiment: invalid},
			wantErr:     true,
			wantCached:  true,
			wantVersion: 1,
		},
		{
			name:       "completed status evicts",
			update:     Update{Op: OpUpdate, Experiment: newExperiment("exp1", experiment.StatusCompleted, 2)},
			wantNotify: true,
		},
		{
			name:       "delete evicts",
			update:     Update{Op: OpDelete, ID: "exp1"},
			wantNotify: true,
		},
		{
			name:        "older version is ignored",
			update:      Update{Op: OpUpdate, Experiment: newExperiment("exp1", experiment.StatusPaused, 0)},
			wantCached:  true,
			wantVersion: 1,
		},
		{
			name:        "unknown op is rejected",
			update:      Update{Op: "upsert", ID: "exp1"},
			wantErr:     true,
			wantCached:  true,
			wantVersion: 1,
		},
		{
			name:        "missing definition is rejected",
			update:      Update{Op: OpInsert, ID: "exp1"},
			wantErr:     true,
			wantCached:  true,
			wantVersion: 1,
		},
		{
			name:        "mismatched ids are rejected",
			update:      Update{Op: OpUpdate, ID: "other", Experiment: newExperiment("exp1", experiment.StatusRunning, 2)},
			wantErr:     true,
			wantCached:  true,
			wantVersion: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository()
			seed(t, repo, newExperiment("exp1", experiment.StatusRunning, 1))

			s := New(repo)
			if err := s.Load(context.Background()); err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			notified := false
			s.OnChange(func(id string) {
				if id == "exp1" {
					notified = true
				}
			})

			err := s.Apply(context.Background(), tt.update)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}

			exp, ok := s.Get("exp1")
			if ok != tt.wantCached {
				t.Fatalf("cached = %v, want %v", ok, tt.wantCached)
			}
			if ok && exp.Version != tt.wantVersion {
				t.Errorf("version = %d, want %d", exp.Version, tt.wantVersion)
			}
			if notified != tt.wantNotify {
				t.Errorf("notified = %v, want %v", notified, tt.wantNotify)
			}
		})
	}
}

func TestStore_ApplyInsertDoesNotAliasCaller(t *testing.T) {
	s := New(repository.NewMemoryRepository())

	exp := newExperiment("exp1", experiment.StatusRunning, 1)
	if err := s.Apply(context.Background(), Update{Op: OpInsert, Experiment: exp}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	exp.Variants[0].Weight = 0

	cached, ok := s.Get("exp1")
	if !ok {
		t.Fatal("expected exp1 to be cached")
	}
	if cached.Variants[0].Weight != 50 {
		t.Error("cached definition changed with the caller's copy")
	}
}

func TestStore_ConsumeChannelFeed(t *testing.T) {
	s := New(repository.NewMemoryRepository())
	feed := NewChannelFeed(4)
	defer feed.Close()

	applied := make(chan string, 4)
	s.OnChange(func(id string) { applied <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Consume(ctx, feed) }()

	if err := feed.Publish(ctx, Update{Op: "bogus"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := feed.Publish(ctx, Update{Op: OpInsert, Experiment: newExperiment("exp1", experiment.StatusRunning, 1)}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case id := <-applied:
		if id != "exp1" {
			t.Fatalf("applied %q, want exp1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	if err := feed.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Consume() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after feed close")
	}

	if err := feed.Publish(context.Background(), Update{Op: OpDelete, ID: "exp1"}); !errors.Is(err, ErrFeedClosed) {
		t.Errorf("Publish() after Close = %v, want ErrFeedClosed", err)
	}
}

func TestDecodeUpdate(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantOp  Op
		wantID  string
		wantErr bool
	}{
		{name: "update", data: `{"op":"update","id":"exp1","experiment":{"id":"exp1","name":"x","status":"running"}}`, wantOp: OpUpdate, wantID: "exp1"},
		{name: "delete", data: `{"op":"delete","id":"exp1"}`, wantOp: OpDelete, wantID: "exp1"},
		{name: "not json", data: `op=delete`, wantErr: true},
		{name: "missing op", data: `{"id":"exp1"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := DecodeUpdate([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeUpdate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedUpdate) {
					t.Errorf("expected ErrMalformedUpdate, got %v", err)
				}
				return
			}
			if u.Op != tt.wantOp || u.experimentID() != tt.wantID {
				t.Errorf("got op=%q id=%q, want op=%q id=%q", u.Op, u.experimentID(), tt.wantOp, tt.wantID)
			}
		})
	}
}
