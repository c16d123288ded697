// Package ledger persists per-bucket rate-limit quota state shared by every
// hoist process on the machine.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GlobalRoute names the bucket that aggregates all routes of a provider.
const GlobalRoute = "*"

// DefaultRoute is used when a provider does not distinguish routes.
const DefaultRoute = "default"

const documentVersion = 1

// BucketKey identifies one quota window.
type BucketKey struct {
	Provider string
	Route    string
}

// Key builds a normalized bucket key.
func Key(provider, route string) BucketKey {
	route = strings.ToLower(strings.TrimSpace(route))
	if route == "" {
		route = DefaultRoute
	}
	return BucketKey{
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Route:    route,
	}
}

// Global returns the provider-wide bucket key.
func Global(provider string) BucketKey {
	return Key(provider, GlobalRoute)
}

// IsGlobal reports whether k is a provider-wide bucket.
func (k BucketKey) IsGlobal() bool {
	return k.Route == GlobalRoute
}

func (k BucketKey) String() string {
	return k.Provider + "/" + k.Route
}

// ParseKey parses "provider/route". A bare provider maps to the default route.
func ParseKey(value string) (BucketKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return BucketKey{}, errors.New("bucket is required")
	}
	provider, route, _ := strings.Cut(value, "/")
	if strings.TrimSpace(provider) == "" {
		return BucketKey{}, fmt.Errorf("invalid bucket %q", value)
	}
	return Key(provider, route), nil
}

// Entry is one quota window for one bucket.
type Entry struct {
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	WindowStart time.Time `json:"window_start"`
}

// Expired reports whether the window has ended. An entry without a reset
// time is always expired.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ResetAt)
}

func (e Entry) normalized() Entry {
	if e.Remaining < 0 {
		e.Remaining = 0
	}
	if e.Limit < 0 {
		e.Limit = 0
	}
	if e.Limit > 0 && e.Remaining > e.Limit {
		e.Remaining = e.Limit
	}
	return e
}

// Ledger maps bucket keys to their quota state.
type Ledger map[BucketKey]Entry

// New returns an empty ledger.
func New() Ledger {
	return make(Ledger)
}

// Get returns the entry for key.
func (l Ledger) Get(key BucketKey) (Entry, bool) {
	entry, ok := l[key]
	return entry, ok
}

// Set stores entry under key, clamping remaining to [0, limit].
func (l Ledger) Set(key BucketKey, entry Entry) {
	l[key] = entry.normalized()
}

// Delete removes key.
func (l Ledger) Delete(key BucketKey) {
	delete(l, key)
}

// Prune removes expired entries and returns how many were removed.
func (l Ledger) Prune(now time.Time) int {
	removed := 0
	for key, entry := range l {
		if entry.Expired(now) {
			delete(l, key)
			removed++
		}
	}
	return removed
}

// Keys returns the bucket keys in provider/route order.
func (l Ledger) Keys() []BucketKey {
	keys := make([]BucketKey, 0, len(l))
	for key := range l {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Provider != keys[j].Provider {
			return keys[i].Provider < keys[j].Provider
		}
		return keys[i].Route < keys[j].Route
	})
	return keys
}

// Clone returns a shallow copy.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for key, entry := range l {
		out[key] = entry
	}
	return out
}

type document struct {
	Version   int                         `json:"version"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Providers map[string]map[string]Entry `json:"providers"`
}

// Encode renders the ledger as its persisted JSON document.
func Encode(l Ledger, now time.Time) ([]byte, error) {
	doc := document{
		Version:   documentVersion,
		UpdatedAt: now.UTC(),
		Providers: make(map[string]map[string]Entry),
	}
	for key, entry := range l {
		routes, ok := doc.Providers[key.Provider]
		if !ok {
			routes = make(map[string]Entry)
			doc.Providers[key.Provider] = routes
		}
		routes[key.Route] = entry.normalized()
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Decode parses a persisted document. Unknown fields are ignored and
// missing fields take their zero values.
func Decode(data []byte) (Ledger, error) {
	l := New()
	if len(strings.TrimSpace(string(data))) == 0 {
		return l, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	for provider, routes := range doc.Providers {
		for route, entry := range routes {
			l.Set(Key(provider, route), entry)
		}
	}
	return l, nil
}

// Store persists a ledger. Callers serialize access with the ledger lock.
type Store interface {
	Load(ctx context.Context) (Ledger, error)
	Save(ctx context.Context, l Ledger) error
}

// LoadPruned loads the ledger and drops expired entries.
func LoadPruned(ctx context.Context, s Store, now time.Time) (Ledger, error) {
	if s == nil {
		return New(), nil
	}
	l, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = New()
	}
	l.Prune(now)
	return l, nil
}

// MemoryStore keeps the ledger in process memory. It is used by tests and
// when persistence is disabled.
type MemoryStore struct {
	ledger Ledger
	Saves  int
}

func (m *MemoryStore) Load(ctx context.Context) (Ledger, error) {
	if m.ledger == nil {
		return New(), nil
	}
	return m.ledger.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, l Ledger) error {
	m.ledger = l.Clone()
	m.Saves++
	return nil
}
