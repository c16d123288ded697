// Package validate checks items against a provider profile before any
// request is made. Every failure is a validation error and is never retried.
package validate

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/provider"
)

// sniffable maps extensions to the decoder format names image.DecodeConfig
// reports for them.
var sniffable = map[string][]string{
	".png":  {"png"},
	".apng": {"png"},
	".jpg":  {"jpeg"},
	".jpeg": {"jpeg"},
	".gif":  {"gif"},
	".webp": {"webp"},
	".bmp":  {"bmp"},
	".tif":  {"tiff"},
	".tiff": {"tiff"},
}

// Validator checks items. The zero value sniffs image headers.
type Validator struct {
	// SkipSniff disables header decoding; only extension and size are checked.
	SkipSniff bool
}

// Item validates with the default Validator.
func Item(item core.Item, profile provider.Profile) error {
	return Validator{}.Item(item, profile)
}

// Item returns nil when item can be sent to the provider described by
// profile.
func (v Validator) Item(item core.Item, profile provider.Profile) error {
	name := profile.Name
	if strings.TrimSpace(item.Source) == "" {
		return core.NewValidationError(name, "empty source")
	}
	if item.Kind == core.ItemURL {
		return checkURL(name, item.Source)
	}

	ext := strings.ToLower(filepath.Ext(item.Source))
	if len(profile.Extensions) > 0 && !slices.Contains(profile.Extensions, ext) {
		if ext == "" {
			ext = "(none)"
		}
		return core.NewValidationError(name, fmt.Sprintf("%s: extension %s not accepted", item.Source, ext))
	}

	info, err := os.Stat(item.Source)
	if err != nil {
		return core.NewValidationError(name, fmt.Sprintf("%s: %v", item.Source, err))
	}
	if info.IsDir() {
		return core.NewValidationError(name, fmt.Sprintf("%s: is a directory", item.Source))
	}
	if info.Size() == 0 {
		return core.NewValidationError(name, fmt.Sprintf("%s: file is empty", item.Source))
	}
	if profile.MaxBytes > 0 && info.Size() > profile.MaxBytes {
		return core.NewValidationError(name, fmt.Sprintf("%s: %d bytes exceeds limit of %d", item.Source, info.Size(), profile.MaxBytes))
	}

	if v.SkipSniff {
		return nil
	}
	formats, ok := sniffable[ext]
	if !ok {
		return nil
	}
	return sniff(name, item.Source, formats)
}

func sniff(providerName, path string, formats []string) error {
	f, err := os.Open(path) // #nosec G304 -- user-selected upload path
	if err != nil {
		return core.NewValidationError(providerName, fmt.Sprintf("%s: %v", path, err))
	}
	defer f.Close() // nolint:errcheck

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return core.NewValidationError(providerName, fmt.Sprintf("%s: not a readable image: %v", path, err))
	}
	if !slices.Contains(formats, format) {
		return core.NewValidationError(providerName, fmt.Sprintf("%s: content is %s, extension says %s", path, format, strings.Join(formats, "/")))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return core.NewValidationError(providerName, fmt.Sprintf("%s: invalid image dimensions", path))
	}
	return nil
}

func checkURL(providerName, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return core.NewValidationError(providerName, fmt.Sprintf("invalid url %q: %v", raw, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return core.NewValidationError(providerName, fmt.Sprintf("invalid url %q: scheme must be http or https", raw))
	}
	if u.Host == "" {
		return core.NewValidationError(providerName, fmt.Sprintf("invalid url %q: missing host", raw))
	}
	return nil
}
