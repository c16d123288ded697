package provider

import (
	"io"
	"net/http"
	"time"

	"github.com/hoistup/hoist/internal/core"
)

const maxResponseBytes = 1 << 20

// Exchange performs one HTTP round trip, classifies the result and records
// it in the trace file.
type Exchange struct {
	Client     *http.Client
	Classifier Classifier
	Action     string
	Items      int
	UserAgent  string
}

// Response is a classified provider response.
type Response struct {
	StatusCode int
	Body       []byte
	Signals    core.Signals
}

// Do sends req. A non-nil Response is returned whenever the server answered,
// even if the answer is classified as an error.
func (x Exchange) Do(req *http.Request) (*Response, error) {
	if req.Header.Get("User-Agent") == "" {
		ua := x.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		req.Header.Set("User-Agent", ua)
	}

	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	entry := TraceEntry{
		Provider: x.Classifier.Provider,
		Endpoint: req.URL.Redacted(),
		Method:   req.Method,
		Action:   x.Action,
		Items:    x.Items,
	}

	resp, err := client.Do(req)
	if err != nil {
		entry.Error = err.Error()
		entry.DurationMs = time.Since(start).Milliseconds()
		Trace(entry)
		return nil, x.Classifier.Transport(err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		entry.StatusCode = resp.StatusCode
		entry.Error = err.Error()
		entry.DurationMs = time.Since(start).Milliseconds()
		Trace(entry)
		return nil, x.Classifier.Transport(err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Signals:    ParseSignals(resp.Header, time.Now().UTC()),
	}
	cerr := x.Classifier.Response(resp.StatusCode, body, out.Signals)

	entry.StatusCode = resp.StatusCode
	entry.DurationMs = time.Since(start).Milliseconds()
	if out.Signals.HasHint() || out.Signals.HasRemaining {
		sig := out.Signals
		entry.Signals = &sig
	}
	if IsTracingEnabled() {
		entry.Response = truncate(string(body), 2048)
	}
	if cerr != nil {
		entry.Error = cerr.Error()
	}
	Trace(entry)

	return out, cerr
}

// HTTPClient returns hc, or a client bounded by timeout.
func HTTPClient(hc *http.Client, timeout time.Duration) *http.Client {
	if hc != nil {
		return hc
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
