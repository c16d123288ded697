// Package catbox uploads files to catbox.moe and groups them into albums.
// The API answers in plain text.
package catbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/provider"
)

const (
	Name           = "catbox"
	defaultBaseURL = "https://catbox.moe"

	RouteUpload = "upload"
	RouteAlbum  = "album"
)

// Client talks to the catbox user API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Settings   provider.Settings
}

// New returns a client with defaults applied.
func New(settings provider.Settings) *Client {
	base := strings.TrimSpace(settings.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(base, "/"),
		HTTPClient: provider.HTTPClient(nil, settings.Timeout),
		Settings:   settings,
	}
}

func (c *Client) Name() string {
	return Name
}

// Profile reports album support only when a userhash is configured; anonymous
// uploads cannot be grouped.
func (c *Client) Profile() provider.Profile {
	mode := provider.DestinationNone
	if c.userHash() != "" {
		mode = provider.DestinationOptional
	}
	return c.Settings.Apply(provider.Profile{
		Name:             Name,
		ChunkSize:        1,
		MaxRetries:       3,
		UploadRoute:      RouteUpload,
		DestinationRoute: RouteAlbum,
		Destination:      mode,
		DefaultLimit:     core.RateLimit{RequestsPerWindow: 30, WindowDuration: time.Minute},
		MaxBytes:         200 << 20,
		AcceptsURLs:      true,
	})
}

// Upload sends each file, then creates or extends the album when asked. An
// album failure leaves the stored files in the reply and is reported through
// Reply.DestinationErr.
func (c *Client) Upload(ctx context.Context, call provider.Call) (*provider.Reply, error) {
	reply := &provider.Reply{Destination: call.Destination}
	profile := c.Profile()

	var names []string
	for _, item := range call.Items {
		resp, link, err := c.uploadOne(ctx, item, profile.MaxBytes)
		if err != nil {
			return nil, err
		}
		names = append(names, path.Base(link))
		reply.Resources = append(reply.Resources, core.Resource{
			Source: item.Source,
			ID:     path.Base(link),
			URL:    link,
		})
		reply.Signals = resp.Signals
		reply.StatusCode = resp.StatusCode
	}

	switch {
	case len(names) == 0:
	case call.CreateDestination && c.userHash() != "":
		link, err := c.album(ctx, "createalbum", []provider.Field{
			{Name: "title", Value: strings.TrimSpace(call.Title)},
			{Name: "desc", Value: ""},
			{Name: "files", Value: strings.Join(names, " ")},
		})
		if err != nil {
			reply.DestinationErr = err
			break
		}
		reply.Destination = &core.Destination{ID: path.Base(link), URL: link}
	case call.Destination != nil && c.userHash() != "":
		if _, err := c.album(ctx, "addtoalbum", []provider.Field{
			{Name: "short", Value: call.Destination.ID},
			{Name: "files", Value: strings.Join(names, " ")},
		}); err != nil {
			reply.DestinationErr = err
		}
	}

	return reply, nil
}

func (c *Client) uploadOne(ctx context.Context, item core.Item, maxBytes int64) (*provider.Response, string, error) {
	fields := []provider.Field{{Name: "userhash", Value: c.userHash()}}
	var files []provider.FilePart
	action := "fileupload"

	if item.Kind == core.ItemURL {
		action = "urlupload"
		fields = append(fields, provider.Field{Name: "url", Value: item.Source})
	} else {
		part, err := provider.OpenItem(ctx, c.HTTPClient, Name, "fileToUpload", item, maxBytes)
		if err != nil {
			return nil, "", err
		}
		files = append(files, part)
	}
	fields = append([]provider.Field{{Name: "reqtype", Value: action}}, fields...)

	resp, err := c.post(ctx, action, 1, fields, files)
	if err != nil {
		return nil, "", err
	}
	link, err := parseLink(resp)
	if err != nil {
		return nil, "", err
	}
	return resp, link, nil
}

func (c *Client) album(ctx context.Context, action string, fields []provider.Field) (string, error) {
	fields = append([]provider.Field{
		{Name: "reqtype", Value: action},
		{Name: "userhash", Value: c.userHash()},
	}, fields...)

	resp, err := c.post(ctx, action, 0, fields, nil)
	if err != nil {
		return "", err
	}
	if action == "addtoalbum" {
		return strings.TrimSpace(string(resp.Body)), nil
	}
	return parseLink(resp)
}

func (c *Client) post(ctx context.Context, action string, items int, fields []provider.Field, files []provider.FilePart) (*provider.Response, error) {
	body, contentType := provider.Multipart(fields, files)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/user/api.php", body)
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	exchange := provider.Exchange{
		Client:     c.HTTPClient,
		Classifier: provider.Classifier{Provider: Name},
		Action:     action,
		Items:      items,
		UserAgent:  c.Settings.UserAgent,
	}
	return exchange.Do(httpReq)
}

// parseLink treats any 2xx body that is not an absolute URL as a provider
// error message.
func parseLink(resp *provider.Response) (string, error) {
	text := strings.TrimSpace(string(resp.Body))
	u, err := url.Parse(text)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		msg := text
		if msg == "" {
			msg = "empty response"
		}
		return "", core.NewAPIError(Name, resp.StatusCode, msg)
	}
	return text, nil
}

func (c *Client) userHash() string {
	return strings.TrimSpace(c.Settings.UserHash)
}
