package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/hoistup/hoist/internal/core"
)

const maxMessageBytes = 300

// Classifier turns provider responses into the core error taxonomy. It is
// the only place that knows about the different failure body shapes.
type Classifier struct {
	Provider string
	// ThrottleCodes are provider error codes that mean "slow down" even when
	// the HTTP status is not 429.
	ThrottleCodes []int
}

// Response returns nil for a successful response and a *core.UploadError
// otherwise. Every error carries sig so the ledger learns quota state from
// failed calls too.
func (c Classifier) Response(status int, body []byte, sig core.Signals) error {
	uerr := c.classify(status, parseEnvelope(body), body)
	if uerr == nil {
		return nil
	}
	uerr.Signals = sig
	return uerr
}

func (c Classifier) classify(status int, env envelope, body []byte) *core.UploadError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.NewAuthError(c.Provider, status, env.message(body))
	case status == http.StatusTooManyRequests:
		return core.NewRateLimitError(c.Provider, status, env.message(body), core.Signals{})
	case env.hasCode && slices.Contains(c.ThrottleCodes, env.code):
		return core.NewRateLimitError(c.Provider, status, env.message(body), core.Signals{})
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		uerr := core.NewTransportError(c.Provider, fmt.Errorf("status %d: %s", status, env.message(body)))
		uerr.StatusCode = status
		return uerr
	case status < http.StatusOK || status >= http.StatusMultipleChoices:
		return core.NewAPIError(c.Provider, status, env.message(body))
	case env.failed():
		return core.NewAPIError(c.Provider, status, env.message(body))
	}
	return nil
}

// Transport wraps a network failure. Errors that are already classified
// pass through unchanged.
func (c Classifier) Transport(err error) error {
	if err == nil {
		return nil
	}
	var uerr *core.UploadError
	if errors.As(err, &uerr) {
		return err
	}
	return core.NewTransportError(c.Provider, err)
}

// envelope covers every failure shape the supported providers use:
// {"success": false}, {"success": "false"}, {"error": "..."},
// {"error": {"message": "..."}}, {"errors": [...]}.
type envelope struct {
	Success json.RawMessage `json:"success"`
	Error   json.RawMessage `json:"error"`
	Errors  json.RawMessage `json:"errors"`
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`

	code    int
	hasCode bool
}

func parseEnvelope(body []byte) envelope {
	var env envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return envelope{}
	}
	env.code, env.hasCode = rawInt(env.Code)
	return env
}

// failed treats the boolean and string forms of success=false identically.
func (e envelope) failed() bool {
	if isFalse(e.Success) {
		return true
	}
	if present(e.Error) {
		return true
	}
	return present(e.Errors)
}

func (e envelope) message(body []byte) string {
	if msg := rawMessage(e.Error); msg != "" {
		return msg
	}
	if msg := rawMessage(e.Errors); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return truncate(strings.TrimSpace(string(body)), maxMessageBytes)
}

func isFalse(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return !b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "false")
	}
	return false
}

func present(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	switch v {
	case "", "null", "false", `""`, "[]", "{}", "0":
		return false
	}
	return true
}

func rawMessage(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return truncate(string(raw), maxMessageBytes)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if msg := rawMessage(item); msg != "" {
				parts = append(parts, msg)
			}
		}
		return truncate(strings.Join(parts, "; "), maxMessageBytes)
	}

	return truncate(string(raw), maxMessageBytes)
}

func rawInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
