package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// FileStore keeps the ledger as a single JSON document on disk.
type FileStore struct {
	Path   string
	Logger *logging.Logger
	Clock  func() time.Time
}

// NewFileStore returns a store rooted at path.
func NewFileStore(path string, logger *logging.Logger) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path), Logger: logger}
}

// Load reads the document. A missing or corrupt document loads as an empty
// ledger.
func (s *FileStore) Load(ctx context.Context) (Ledger, error) {
	if s == nil || s.Path == "" {
		return nil, errors.New("ledger path is required")
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	l, err := Decode(data)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("Ignoring corrupt rate limit ledger",
				zap.String("path", s.Path),
				zap.Error(err))
		}
		return New(), nil
	}
	return l, nil
}

// Save writes the document to a temp file in the same directory and renames
// it over the previous one, so readers never observe a partial write.
func (s *FileStore) Save(ctx context.Context, l Ledger) error {
	if s == nil || s.Path == "" {
		return errors.New("ledger path is required")
	}

	data, err := Encode(l, s.now())
	if err != nil {
		return err
	}

	dir := filepath.Dir(filepath.Clean(s.Path))
	// #nosec G301 -- shared state directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	// #nosec G302 -- ledger is shared between users' processes on purpose
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStore) now() time.Time {
	if s != nil && s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
