package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"mercator-hq/cohort/pkg/experiment"
)

// Op is the kind of change carried by an Update.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Update is a push notification about one experiment.
//
// Wire format (JSON):
//
//	{"op":"update","id":"checkout-button","experiment":{...}}
type Update struct {
	Op         Op                     `json:"op"`
	ID         string                 `json:"id,omitempty"`
	Experiment *experiment.Experiment `json:"experiment,omitempty"`

	// Source identifies the publishing instance so a subscriber can skip
	// its own messages.
	Source string `json:"source,omitempty"`

	// Trace carries W3C trace context from the publisher.
	Trace map[string]string `json:"trace,omitempty"`
}

func (u Update) experimentID() string {
	if u.ID != "" {
		return u.ID
	}
	if u.Experiment != nil {
		return u.Experiment.ID
	}
	return ""
}

// DecodeUpdate parses a JSON update message.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if u.Op == "" {
		return Update{}, fmt.Errorf("%w: missing op", ErrMalformedUpdate)
	}
	return u, nil
}

// EncodeUpdate serializes an update for publishing.
func EncodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// Feed is a source of push updates.
type Feed interface {
	// Subscribe starts delivering updates. The returned channel is closed
	// when ctx is cancelled or the feed is closed.
	Subscribe(ctx context.Context) (<-chan Update, error)

	// Close stops the feed and releases its resources.
	Close() error
}

// Publisher distributes updates produced by local lifecycle changes.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// ErrFeedClosed is returned when publishing to a closed feed.
var ErrFeedClosed = errors.New("feed closed")

// ChannelFeed is an in-process feed backed by a Go channel. It implements
// both Feed and Publisher.
type ChannelFeed struct {
	ch        chan Update
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelFeed creates a feed buffering up to size updates.
func NewChannelFeed(size int) *ChannelFeed {
	if size < 0 {
		size = 0
	}
	return &ChannelFeed{
		ch:   make(chan Update, size),
		done: make(chan struct{}),
	}
}

// Publish implements Publisher. It blocks while the buffer is full.
func (f *ChannelFeed) Publish(ctx context.Context, u Update) error {
	select {
	case <-f.done:
		return ErrFeedClosed
	default:
	}

	select {
	case f.ch <- u:
		return nil
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Feed.
func (f *ChannelFeed) Subscribe(ctx context.Context) (<-chan Update, error) {
	out := make(chan Update)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case u := <-f.ch:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close implements Feed.
func (f *ChannelFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}
