// Package sxcu uploads files to sxcu.net and groups them into collections.
package sxcu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/provider"
)

const (
	Name           = "sxcu"
	defaultBaseURL = "https://sxcu.net"

	RouteFileUpload       = "file-upload"
	RouteCollectionCreate = "collection-create"
)

// throttleCodes are sxcu error codes returned with a 4xx when an account or
// IP is being throttled.
var throttleCodes = []int{429}

// Client talks to the sxcu API.
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

func (c *Client) Profile() provider.Profile {
	return c.Settings.Apply(provider.Profile{
		Name:             Name,
		ChunkSize:        1,
		MaxRetries:       4,
		UploadRoute:      RouteFileUpload,
		DestinationRoute: RouteCollectionCreate,
		Destination:      provider.DestinationOptional,
		Global:           true,
		DefaultLimit:     core.RateLimit{RequestsPerWindow: 60, WindowDuration: time.Minute},
		MaxBytes:         95 << 20,
		Extensions:       []string{".png", ".apng", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tif", ".tiff", ".ico", ".mp4", ".webm", ".mov"},
	})
}

type fileResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	DeleteURL string `json:"del_url"`
	Thumb     string `json:"thumb"`
}

type collectionResponse struct {
	CollectionID    string `json:"collection_id"`
	CollectionToken string `json:"collection_token"`
	URL             string `json:"url"`
}

// CreateDestination creates a collection.
func (c *Client) CreateDestination(ctx context.Context, req provider.DestinationRequest) (*provider.Reply, error) {
	form := url.Values{}
	form.Set("title", strings.TrimSpace(req.Title))
	if privacy := strings.ToLower(strings.TrimSpace(req.Privacy)); privacy == "private" || privacy == "secret" {
		form.Set("private", "true")
	} else if privacy == "unlisted" || privacy == "hidden" {
		form.Set("unlisted", "true")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/collections/create", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.exchange("collection-create", 0).Do(httpReq)
	if err != nil {
		return nil, err
	}

	var parsed collectionResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.CollectionID == "" {
		return nil, core.NewAPIError(Name, resp.StatusCode, "collection response missing id")
	}

	dest := &core.Destination{
		ID:    parsed.CollectionID,
		URL:   parsed.URL,
		Token: parsed.CollectionToken,
	}
	if dest.URL == "" {
		dest.URL = c.BaseURL + "/c/" + url.PathEscape(parsed.CollectionID)
	}
	return &provider.Reply{Destination: dest, Signals: resp.Signals, StatusCode: resp.StatusCode}, nil
}

// Upload sends the chunk one file per request.
func (c *Client) Upload(ctx context.Context, call provider.Call) (*provider.Reply, error) {
	reply := &provider.Reply{Destination: call.Destination}
	profile := c.Profile()

	for _, item := range call.Items {
		part, err := provider.OpenItem(ctx, c.HTTPClient, Name, "file", item, profile.MaxBytes)
		if err != nil {
			return nil, err
		}

		var fields []provider.Field
		if dest := call.Destination; dest != nil {
			fields = append(fields,
				provider.Field{Name: "collection", Value: dest.ID},
				provider.Field{Name: "collection_token", Value: dest.Token})
		}
		if token := strings.TrimSpace(c.Settings.Token); token != "" {
			fields = append(fields, provider.Field{Name: "token", Value: token})
		}

		body, contentType := provider.Multipart(fields, []provider.FilePart{part})
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/files/create", body)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", contentType)

		resp, err := c.exchange("file-upload", 1).Do(httpReq)
		if err != nil {
			return nil, err
		}

		var parsed fileResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.URL == "" {
			return nil, core.NewAPIError(Name, resp.StatusCode, "upload response missing url")
		}
		reply.Resources = append(reply.Resources, core.Resource{
			Source:    item.Source,
			ID:        parsed.ID,
			URL:       parsed.URL,
			DeleteURL: parsed.DeleteURL,
			Thumbnail: parsed.Thumb,
		})
		reply.Signals = resp.Signals
		reply.StatusCode = resp.StatusCode
	}

	return reply, nil
}

func (c *Client) exchange(action string, items int) provider.Exchange {
	return provider.Exchange{
		Client:     c.HTTPClient,
		Classifier: provider.Classifier{Provider: Name, ThrottleCodes: throttleCodes},
		Action:     action,
		Items:      items,
		UserAgent:  c.Settings.UserAgent,
	}
}
