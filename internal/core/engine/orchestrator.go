package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/provider"
)

// ErrUnknownProvider is returned for a provider name with no client.
var ErrUnknownProvider = errors.New("unknown provider")

// Orchestrator routes upload requests to the client for their provider and
// runs them through the session.
type Orchestrator struct {
	Clients map[string]provider.Client
	Session *Session
	Logger  *logging.Logger
}

// UploadRequest describes a batch for one provider. Provider may be empty
// when every item names the same provider.
type UploadRequest struct {
	Provider string
	Items    []core.Item
	Title    string
	Privacy  string
	Observer Observer
}

// Upload runs one batch. Items are re-addressed to the resolved provider.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*core.BatchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(req.Items) == 0 {
		return nil, errors.New("at least one item is required")
	}

	name, err := resolveProvider(req.Provider, req.Items)
	if err != nil {
		return nil, err
	}
	client, err := o.client(name)
	if err != nil {
		return nil, err
	}

	items := make([]core.Item, len(req.Items))
	for i, item := range req.Items {
		item.Provider = name
		items[i] = item
	}

	id := uuid.NewString()
	if o.Logger != nil {
		o.Logger.Info("Starting upload batch",
			zap.String("batch_id", id),
			zap.String("provider", name),
			zap.Int("items", len(items)))
	}

	result, err := o.session().Run(ctx, Request{
		ID:       id,
		Client:   client,
		Items:    items,
		Title:    strings.TrimSpace(req.Title),
		Privacy:  strings.TrimSpace(req.Privacy),
		Observer: req.Observer,
	})
	if o.Logger != nil && result != nil {
		o.Logger.Info("Upload batch finished",
			zap.String("batch_id", id),
			zap.String("provider", name),
			zap.String("status", string(result.Status())),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed))
	}
	return result, err
}

// Dispatch splits items by provider, in first-seen order, and uploads each
// group as its own batch. It stops at the first batch that cannot proceed.
func (o *Orchestrator) Dispatch(ctx context.Context, items []core.Item, title, privacy string, obs Observer) ([]*core.BatchResult, error) {
	var (
		order  []string
		groups = make(map[string][]core.Item)
	)
	for _, item := range items {
		key := normalizeKey(item.Provider)
		if key == "" {
			return nil, fmt.Errorf("item %q has no provider", item.Source)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	results := make([]*core.BatchResult, 0, len(order))
	for _, name := range order {
		result, err := o.Upload(ctx, UploadRequest{
			Provider: name,
			Items:    groups[name],
			Title:    title,
			Privacy:  privacy,
			Observer: obs,
		})
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Providers lists the configured provider names.
func (o *Orchestrator) Providers() []string {
	names := make([]string, 0, len(o.Clients))
	for name := range o.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the profile of a configured provider.
func (o *Orchestrator) Profile(name string) (provider.Profile, error) {
	client, err := o.client(normalizeKey(name))
	if err != nil {
		return provider.Profile{}, err
	}
	return client.Profile(), nil
}

func (o *Orchestrator) client(name string) (provider.Client, error) {
	client, ok := o.Clients[name]
	if !ok || client == nil {
		return nil, fmt.Errorf("%w %q (configured: %s)", ErrUnknownProvider, name, strings.Join(o.Providers(), ", "))
	}
	return client, nil
}

func (o *Orchestrator) session() *Session {
	if o.Session == nil {
		return &Session{}
	}
	return o.Session
}

func resolveProvider(explicit string, items []core.Item) (string, error) {
	if name := normalizeKey(explicit); name != "" {
		return name, nil
	}
	var name string
	for _, item := range items {
		key := normalizeKey(item.Provider)
		if key == "" {
			continue
		}
		if name != "" && key != name {
			return "", fmt.Errorf("items target several providers (%s, %s); upload them separately", name, key)
		}
		name = key
	}
	if name == "" {
		return "", errors.New("provider is required")
	}
	return name, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
