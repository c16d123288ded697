package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/engine"
	apperrors "github.com/hoistup/hoist/internal/errors"
)

const (
	// DefaultMaxUploadBytes bounds a request body when none is configured.
	DefaultMaxUploadBytes int64 = 256 << 20

	maxFieldBytes = 64 << 10
)

// UploadFunc runs one batch.
type UploadFunc func(ctx context.Context, req engine.UploadRequest) (*core.BatchResult, error)

// UploadHandler accepts files or URLs for one provider and returns the batch
// result.
type UploadHandler struct {
	Upload   UploadFunc
	Known    func(provider string) bool
	MaxBytes int64
	TempDir  string
	Logger   *logging.Logger
}

// UploadBody is the JSON request form.
type UploadBody struct {
	URLs        []string `json:"urls"`
	Title       string   `json:"title,omitempty"`
	Privacy     string   `json:"privacy,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

type uploadForm struct {
	UploadBody
	files map[string]string // spool path -> client file name
	order []string
	dir   string
}

func (f *uploadForm) cleanup() {
	if f != nil && f.dir != "" {
		_ = os.RemoveAll(f.dir)
	}
}

// ServeHTTP handles POST /v1/upload/{provider}.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if name == "" || (h.Known != nil && !h.Known(name)) {
		respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("unknown provider %q", name)))
		return
	}

	maxBytes := h.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	form, err := h.parse(r)
	defer form.cleanup()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			respondWithError(w, r, apperrors.NewPayloadTooLargeError(
				fmt.Sprintf("request body exceeds %d bytes", maxBytes)))
			return
		}
		respondWithError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeInvalidInput, err, err.Error()))
		return
	}

	items := make([]core.Item, 0, len(form.files)+len(form.URLs))
	for _, path := range form.order {
		items = append(items, core.NewItem(path, name))
	}
	for _, raw := range form.URLs {
		item := core.NewItem(raw, name)
		if item.Kind != core.ItemURL {
			respondWithError(w, r, apperrors.NewInvalidInputError(
				fmt.Sprintf("urls must be http or https: %q", raw)))
			return
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError("no files or urls in request"))
		return
	}
	if dest := strings.TrimSpace(form.Destination); dest != "" {
		for i := range items {
			items[i].DestinationID = dest
		}
	}

	result, err := h.Upload(r.Context(), engine.UploadRequest{
		Provider: name,
		Items:    items,
		Title:    form.Title,
		Privacy:  form.Privacy,
	})
	if err != nil {
		if stderrors.Is(err, engine.ErrUnknownProvider) {
			respondWithError(w, r, apperrors.NewNotFoundError(err.Error()))
			return
		}
		respondWithError(w, r, apperrors.FromUploadError(r.Context(), err))
		return
	}

	restoreNames(result, form.files)
	if h.Logger != nil {
		h.Logger.Info("Upload request completed",
			zap.String("provider", name),
			zap.String("batch_id", result.ID),
			zap.String("status", string(result.Status())),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed))
	}
	writeJSON(w, uploadStatus(result), result)
}

func (h *UploadHandler) parse(r *http.Request) (*uploadForm, error) {
	form := &uploadForm{files: map[string]string{}}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return form, fmt.Errorf("content type is required: %w", err)
	}

	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&form.UploadBody); err != nil {
			return form, fmt.Errorf("decode request body: %w", err)
		}
		return form, nil
	case "multipart/form-data":
		return form, h.readMultipart(r, form)
	default:
		return form, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

// readMultipart streams file parts to a private temp directory so large
// uploads never sit in memory.
func (h *UploadHandler) readMultipart(r *http.Request, form *uploadForm) error {
	reader, err := r.MultipartReader()
	if err != nil {
		return fmt.Errorf("read multipart body: %w", err)
	}

	for n := 0; ; n++ {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read multipart body: %w", err)
		}

		field := part.FormName()
		switch {
		case field == "files" && part.FileName() != "":
			if form.dir == "" {
				form.dir, err = os.MkdirTemp(h.TempDir, "hoist-upload-")
				if err != nil {
					_ = part.Close()
					return fmt.Errorf("create upload directory: %w", err)
				}
			}
			path, err := spool(form.dir, n, part)
			if err != nil {
				return err
			}
			form.files[path] = part.FileName()
			form.order = append(form.order, path)
		case field == "title" || field == "privacy" || field == "destination" || field == "urls":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				return fmt.Errorf("read field %s: %w", field, err)
			}
			text := strings.TrimSpace(string(value))
			switch field {
			case "title":
				form.Title = text
			case "privacy":
				form.Privacy = text
			case "destination":
				form.Destination = text
			default:
				form.URLs = append(form.URLs, strings.Fields(text)...)
			}
		default:
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
		}
	}
}

func spool(dir string, n int, part *multipart.Part) (string, error) {
	defer func() { _ = part.Close() }()

	name := sanitizeFileName(part.FileName())

	// one directory per part keeps the client file name intact
	sub := filepath.Join(dir, strconv.Itoa(n))
	if err := os.Mkdir(sub, 0o700); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	path := filepath.Join(sub, name)
	// #nosec G304 -- path is built from a sanitized base name inside our temp dir
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if _, err := io.Copy(f, part); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("spool upload: %w", err)
	}
	return path, nil
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "upload"
	}
	return name
}

// restoreNames replaces spool paths with the names the client sent.
func restoreNames(result *core.BatchResult, files map[string]string) {
	if result == nil || len(files) == 0 {
		return
	}
	rename := func(source string) string {
		if name, ok := files[source]; ok {
			return name
		}
		return source
	}
	for i := range result.Items {
		result.Items[i].Item.Source = rename(result.Items[i].Item.Source)
		if res := result.Items[i].Resource; res != nil {
			res.Source = rename(res.Source)
		}
	}
	for i := range result.Resources {
		result.Resources[i].Source = rename(result.Resources[i].Source)
	}
}

// uploadStatus maps the batch outcome to an HTTP status. A batch that only
// failed validation is the caller's fault.
func uploadStatus(result *core.BatchResult) int {
	switch result.Status() {
	case core.BatchPartial:
		return http.StatusMultiStatus
	case core.BatchFailed:
		for _, item := range result.Items {
			if item.Kind != core.KindValidation {
				return http.StatusBadGateway
			}
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}
