package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const checkoutYAML = `id: checkout-button
name: Checkout button color
status: running
seed: 42
variants:
  - id: control
    name: Blue
    weight: 50
    is_control: true
    config:
      color: blue
  - id: green
    name: Green
    weight: 50
    config:
      color: green
      show_badge: true
segments:
  - conditions:
      - field: geo.country
        operator: in
        value: [US, CA]
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

func nextUpdate(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-updates:
		if !ok {
			t.Fatal("update channel closed")
		}
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestParseExperiment(t *testing.T) {
	exp, err := ParseExperiment([]byte(checkoutYAML))
	if err != nil {
		t.Fatalf("ParseExperiment() error = %v", err)
	}

	if exp.ID != "checkout-button" || exp.Seed != 42 || len(exp.Variants) != 2 {
		t.Fatalf("unexpected experiment: %+v", exp)
	}
	if color, _ := exp.Variants[1].Config["color"].Str(); color != "green" {
		t.Errorf("variant config color = %q, want green", color)
	}
	if badge, ok := exp.Variants[1].Config["show_badge"].Bool(); !ok || !badge {
		t.Error("expected show_badge=true")
	}
	if exp.Segments[0].Conditions[0].Field != "geo.country" {
		t.Errorf("unexpected segment: %+v", exp.Segments)
	}

	if _, err := ParseExperiment([]byte("id: x\nbogus_field: 1\n")); err == nil {
		t.Error("expected error for unknown field")
	}
	if _, err := ParseExperiment(nil); err == nil {
		t.Error("expected error for empty definition")
	}
}

func TestFileFeed_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkout.yaml")
	writeFile(t, path, checkoutYAML)
	writeFile(t, filepath.Join(dir, "README.md"), "not an experiment")
	writeFile(t, filepath.Join(dir, ".hidden.yaml"), checkoutYAML)

	feed, err := NewFileFeed(FileFeedOptions{Dir: dir, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFileFeed() error = %v", err)
	}
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	u := nextUpdate(t, updates)
	if u.Op != OpInsert || u.ID != "checkout-button" || u.Experiment == nil {
		t.Fatalf("initial update = %+v, want insert of checkout-button", u)
	}

	if _, err := feed.Subscribe(ctx); err == nil {
		t.Error("expected second Subscribe to fail")
	}

	writeFile(t, path, checkoutYAML+"description: updated\n")
	u = nextUpdate(t, updates)
	if u.Op != OpUpdate || u.Experiment.Description != "updated" {
		t.Fatalf("update = %+v, want update with new description", u)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	u = nextUpdate(t, updates)
	if u.Op != OpDelete || u.ID != "checkout-button" {
		t.Fatalf("update = %+v, want delete of checkout-button", u)
	}
}

func TestFileFeed_UnreadableFileIsDropped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.yaml"), "id: [unterminated\n")
	writeFile(t, filepath.Join(dir, "checkout.yml"), checkoutYAML)

	feed, err := NewFileFeed(FileFeedOptions{Dir: dir, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFileFeed() error = %v", err)
	}
	defer feed.Close()

	updates, err := feed.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	u := nextUpdate(t, updates)
	if u.ID != "checkout-button" {
		t.Fatalf("expected only the readable file to be emitted, got %+v", u)
	}
}

func TestFileFeed_ConsumedByStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "checkout.yaml"), checkoutYAML)

	feed, err := NewFileFeed(FileFeedOptions{Dir: dir, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFileFeed() error = %v", err)
	}
	defer feed.Close()

	s := New(nil)
	applied := make(chan string, 1)
	s.OnChange(func(id string) { applied <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Consume(ctx, feed)

	select {
	case id := <-applied:
		if id != "checkout-button" {
			t.Fatalf("applied %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for store update")
	}

	if _, ok := s.Get("checkout-button"); !ok {
		t.Error("expected checkout-button in store")
	}
}

func TestNewFileFeed_Errors(t *testing.T) {
	if _, err := NewFileFeed(FileFeedOptions{}); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := NewFileFeed(FileFeedOptions{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing dir")
	}

	file := filepath.Join(t.TempDir(), "file.yaml")
	writeFile(t, file, checkoutYAML)
	if _, err := NewFileFeed(FileFeedOptions{Dir: file}); err == nil {
		t.Error("expected error for non-directory")
	}
}
