package handlers

import (
	"net/http"
	"sort"

	"github.com/hoistup/hoist/internal/provider"
)

// ProviderInfo describes one upload target.
type ProviderInfo struct {
	Name              string   `json:"name"`
	ChunkSize         int      `json:"chunk_size"`
	MaxRetries        int      `json:"max_retries"`
	MaxBytes          int64    `json:"max_bytes"`
	Extensions        []string `json:"extensions,omitempty"`
	AcceptsURLs       bool     `json:"accepts_urls"`
	RequestsPerWindow int      `json:"requests_per_window"`
	WindowSeconds     float64  `json:"window_seconds"`
}

// ProvidersHandler lists the configured providers.
func ProvidersHandler(profiles map[string]provider.Profile) http.HandlerFunc {
	infos := make([]ProviderInfo, 0, len(profiles))
	for name, p := range profiles {
		infos = append(infos, ProviderInfo{
			Name:              name,
			ChunkSize:         p.ChunkSize,
			MaxRetries:        p.MaxRetries,
			MaxBytes:          p.MaxBytes,
			Extensions:        p.Extensions,
			AcceptsURLs:       p.AcceptsURLs,
			RequestsPerWindow: p.DefaultLimit.RequestsPerWindow,
			WindowSeconds:     p.DefaultLimit.WindowDuration.Seconds(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": infos})
	}
}
