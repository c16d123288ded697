package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hoistup/hoist/internal/core"
)

// FilePart is one file field of a multipart request. Open is called once
// per attempt so retries re-read the source.
type FilePart struct {
	Field string
	Name  string
	Open  func() (io.ReadCloser, error)
}

// Field is a plain multipart form value.
type Field struct {
	Name  string
	Value string
}

// OpenItem prepares a file part for item. Remote URLs are fetched into
// memory, bounded by maxBytes.
func OpenItem(ctx context.Context, hc *http.Client, providerName, field string, item core.Item, maxBytes int64) (FilePart, error) {
	if item.Kind == core.ItemURL {
		data, name, err := FetchURL(ctx, hc, providerName, item.Source, maxBytes)
		if err != nil {
			return FilePart{}, err
		}
		return FilePart{
			Field: field,
			Name:  name,
			Open:  func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
		}, nil
	}

	source := filepath.Clean(item.Source)
	if _, err := os.Stat(source); err != nil {
		return FilePart{}, core.NewValidationError(providerName, fmt.Sprintf("cannot read %s: %v", item.Source, err))
	}
	return FilePart{
		Field: field,
		Name:  filepath.Base(source),
		// #nosec G304 -- uploading user-selected files is the point
		Open: func() (io.ReadCloser, error) { return os.Open(source) },
	}, nil
}

// FetchURL downloads a remote item for providers that cannot ingest URLs
// directly.
func FetchURL(ctx context.Context, hc *http.Client, providerName, rawURL string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", core.NewValidationError(providerName, fmt.Sprintf("invalid url %q: %v", rawURL, err))
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", core.NewTransportError(providerName, fmt.Errorf("fetch %s: %w", rawURL, err))
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, "", core.NewTransportError(providerName, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode))
		}
		return nil, "", core.NewAPIError(providerName, resp.StatusCode, fmt.Sprintf("fetch %s failed", rawURL))
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", core.NewTransportError(providerName, fmt.Errorf("read %s: %w", rawURL, err))
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, "", core.NewValidationError(providerName, fmt.Sprintf("%s exceeds %d bytes", rawURL, maxBytes))
	}

	return data, remoteName(rawURL, resp.Header.Get("Content-Type")), nil
}

func remoteName(rawURL, contentType string) string {
	name := "upload"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	if path.Ext(name) == "" && contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
				name += exts[0]
			}
		}
	}
	return name
}

// Multipart streams fields and files as a multipart body. The returned
// reader must be consumed or closed.
func Multipart(fields []Field, files []FilePart) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, fields, files)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}

func writeMultipart(mw *multipart.Writer, fields []Field, files []FilePart) error {
	for _, f := range fields {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return err
		}
	}
	for _, part := range files {
		src, err := part.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", part.Name, err)
		}
		w, err := mw.CreateFormFile(part.Field, part.Name)
		if err != nil {
			_ = src.Close()
			return err
		}
		_, err = io.Copy(w, src)
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", part.Name, err)
		}
	}
	return nil
}
