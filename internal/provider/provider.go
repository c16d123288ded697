// Package provider defines the boundary between the upload engine and the
// hosting services. Clients normalize every failure into a core.UploadError
// before the engine sees it.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/hoistup/hoist/internal/core"
)

// DestinationMode says when a batch gets a shared container.
type DestinationMode int

const (
	// DestinationNone: the provider has no container concept, or it is
	// unavailable with the current credentials.
	DestinationNone DestinationMode = iota
	// DestinationOptional: a container is created when the batch is titled.
	DestinationOptional
	// DestinationRequired: every upload lands in a container.
	DestinationRequired
)

// Profile carries the per-provider constants the engine schedules with.
type Profile struct {
	Name             string
	ChunkSize        int
	MaxRetries       int
	UploadRoute      string
	DestinationRoute string
	Destination      DestinationMode
	Global           bool
	DefaultLimit     core.RateLimit
	MaxBytes         int64
	Extensions       []string
	AcceptsURLs      bool
}

// WantsDestination reports whether a batch with the given title gets a
// container.
func (p Profile) WantsDestination(title string) bool {
	switch p.Destination {
	case DestinationRequired:
		return true
	case DestinationOptional:
		return strings.TrimSpace(title) != ""
	default:
		return false
	}
}

// Call is one provider request covering one chunk.
type Call struct {
	Items []core.Item
	// Destination is set for chunks appending to an existing container.
	Destination *core.Destination
	// CreateDestination asks the client to create the container as part of
	// this call. Only set on the first chunk of clients that cannot create a
	// container up front.
	CreateDestination bool
	Title             string
	Privacy           string
}

// Reply is a successful provider response.
type Reply struct {
	Destination *core.Destination
	Resources   []core.Resource
	Signals     core.Signals
	StatusCode  int
	// DestinationErr is set when the files were stored but adding them to
	// the destination failed. Resources stay valid.
	DestinationErr error
}

// Client uploads chunks to one hosting service.
type Client interface {
	Name() string
	Profile() Profile
	Upload(ctx context.Context, call Call) (*Reply, error)
}

// DestinationRequest describes a container to create ahead of uploads.
type DestinationRequest struct {
	Title   string
	Privacy string
}

// DestinationCreator is implemented by clients that create their container
// before any item is uploaded.
type DestinationCreator interface {
	CreateDestination(ctx context.Context, req DestinationRequest) (*Reply, error)
}

// Settings are the user-configurable knobs shared by all clients.
type Settings struct {
	BaseURL    string
	Token      string
	UserHash   string
	Timeout    time.Duration
	MaxRetries int
	ChunkSize  int
	MaxBytes   int64
	UserAgent  string
}

// Apply overlays non-zero settings on a profile.
func (s Settings) Apply(p Profile) Profile {
	if s.MaxRetries > 0 {
		p.MaxRetries = s.MaxRetries
	}
	if s.ChunkSize > 0 && (p.ChunkSize == 0 || s.ChunkSize < p.ChunkSize) {
		p.ChunkSize = s.ChunkSize
	}
	if s.MaxBytes > 0 && (p.MaxBytes == 0 || s.MaxBytes < p.MaxBytes) {
		p.MaxBytes = s.MaxBytes
	}
	return p
}

// DefaultTimeout bounds a single upload request. Large files over slow
// links legitimately take minutes.
const DefaultTimeout = 5 * time.Minute

// DefaultUserAgent identifies hoist to providers.
const DefaultUserAgent = "hoist"
