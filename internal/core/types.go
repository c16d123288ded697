package core

import (
	"strings"
	"time"
)

// ItemKind distinguishes local files from remote URLs.
type ItemKind string

const (
	ItemFile ItemKind = "file"
	ItemURL  ItemKind = "url"
)

// Item is one file path or URL queued for upload. Items are immutable once
// enqueued.
type Item struct {
	Source        string   `json:"source"`
	Kind          ItemKind `json:"kind"`
	Provider      string   `json:"provider"`
	DestinationID string   `json:"destination_id,omitempty"`
}

// NewItem builds an item, classifying http(s) sources as URLs.
func NewItem(source, provider string) Item {
	value := strings.TrimSpace(source)
	kind := ItemFile
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		kind = ItemURL
	}
	return Item{
		Source:   value,
		Kind:     kind,
		Provider: strings.ToLower(strings.TrimSpace(provider)),
	}
}

// ItemState tracks an item through a batch.
type ItemState int

const (
	StatePending ItemState = iota
	StateGated
	StateInFlight
	StateSucceeded
	StateFailed
)

func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGated:
		return "gated"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s ItemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Resource is an uploaded object as reported by a provider.
type Resource struct {
	Source    string `json:"source"`
	ID        string `json:"id,omitempty"`
	URL       string `json:"url"`
	DeleteURL string `json:"delete_url,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Key identifies the resource for de-duplication.
func (r Resource) Key() string {
	if url := strings.TrimSpace(r.URL); url != "" {
		return url
	}
	return strings.TrimSpace(r.ID)
}

// Destination is a provider-side container (collection, post, album).
type Destination struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	Token string `json:"-"`
}

// Snapshot is emitted to observers after every chunk attempt.
type Snapshot struct {
	Provider       string    `json:"provider"`
	Chunk          int       `json:"chunk"`
	Chunks         int       `json:"chunks"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Total          int       `json:"total"`
	DestinationURL string    `json:"destination_url,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	At             time.Time `json:"at"`
}

// Done reports whether every item reached a terminal state.
func (s Snapshot) Done() bool {
	return s.Succeeded+s.Failed >= s.Total
}
