// Package imgchest uploads images to imgchest.com posts.
package imgchest

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
	Name           = "imgchest"
	defaultBaseURL = "https://api.imgchest.com"
	defaultSiteURL = "https://imgchest.com"

	// MaxImagesPerRequest is the post endpoint's per-request image cap.
	MaxImagesPerRequest = 20

	RouteDefault = "default"
)

// Client talks to the imgchest v1 API.
type Client struct {
	BaseURL    string
	SiteURL    string
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
		SiteURL:    defaultSiteURL,
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
		ChunkSize:        MaxImagesPerRequest,
		MaxRetries:       3,
		UploadRoute:      RouteDefault,
		DestinationRoute: RouteDefault,
		Destination:      provider.DestinationRequired,
		Global:           true,
		DefaultLimit:     core.RateLimit{RequestsPerWindow: 60, WindowDuration: time.Minute},
		MaxBytes:         30 << 20,
		Extensions:       []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".mp4"},
	})
}

type postResponse struct {
	Data struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Images []struct {
			ID   string `json:"id"`
			Link string `json:"link"`
		} `json:"images"`
	} `json:"data"`
}

// Upload creates a post from the first chunk and appends later chunks to
// it.
func (c *Client) Upload(ctx context.Context, call provider.Call) (*provider.Reply, error) {
	token := strings.TrimSpace(c.Settings.Token)
	if token == "" {
		return nil, core.NewAuthError(Name, 0, "imgchest api token is required")
	}
	if len(call.Items) == 0 {
		return &provider.Reply{Destination: call.Destination}, nil
	}
	if len(call.Items) > MaxImagesPerRequest {
		return nil, core.NewValidationError(Name, fmt.Sprintf("at most %d images per request", MaxImagesPerRequest))
	}

	profile := c.Profile()
	parts := make([]provider.FilePart, 0, len(call.Items))
	for _, item := range call.Items {
		part, err := provider.OpenItem(ctx, c.HTTPClient, Name, "images[]", item, profile.MaxBytes)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	endpoint := c.BaseURL + "/v1/post"
	action := "post-create"
	var fields []provider.Field
	if call.Destination != nil && !call.CreateDestination {
		endpoint = c.BaseURL + "/v1/post/" + url.PathEscape(call.Destination.ID) + "/add"
		action = "post-add"
	} else {
		fields = []provider.Field{
			{Name: "title", Value: strings.TrimSpace(call.Title)},
			{Name: "privacy", Value: privacy(call.Privacy)},
		}
	}

	body, contentType := provider.Multipart(fields, parts)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	exchange := provider.Exchange{
		Client:     c.HTTPClient,
		Classifier: provider.Classifier{Provider: Name},
		Action:     action,
		Items:      len(call.Items),
		UserAgent:  c.Settings.UserAgent,
	}
	resp, err := exchange.Do(httpReq)
	if err != nil {
		return nil, err
	}

	var parsed postResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || parsed.Data.ID == "" {
		return nil, core.NewAPIError(Name, resp.StatusCode, "post response missing id")
	}

	reply := &provider.Reply{
		Destination: call.Destination,
		Signals:     resp.Signals,
		StatusCode:  resp.StatusCode,
	}
	if reply.Destination == nil || call.CreateDestination {
		reply.Destination = &core.Destination{
			ID:  parsed.Data.ID,
			URL: strings.TrimRight(c.SiteURL, "/") + "/p/" + parsed.Data.ID,
		}
	}

	// The response lists every image in the post; the uploaded ones are at
	// the tail in request order.
	images := parsed.Data.Images
	if len(images) > len(call.Items) {
		images = images[len(images)-len(call.Items):]
	}
	for i, img := range images {
		reply.Resources = append(reply.Resources, core.Resource{
			Source: call.Items[i].Source,
			ID:     img.ID,
			URL:    img.Link,
		})
	}
	return reply, nil
}

func privacy(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "public":
		return "public"
	case "secret", "private":
		return "secret"
	default:
		return "hidden"
	}
}
