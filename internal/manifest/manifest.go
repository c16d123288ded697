// Package manifest reads upload batches from YAML manifests, plain lists or
// command-line arguments.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hoistup/hoist/internal/core"
)

// Format selects the manifest syntax.
type Format string

const (
	FormatAuto Format = ""
	FormatYAML Format = "yaml"
	FormatList Format = "list"
)

// Manifest is a loaded batch description. Its sources cannot be changed after
// loading; Items returns fresh copies.
type Manifest struct {
	Provider string
	Title    string
	Privacy  string
	// Destination is an existing album, collection or post id the items
	// are appended to.
	Destination string
	sources     []string
}

type document struct {
	Provider    string   `yaml:"provider"`
	Title       string   `yaml:"title"`
	Privacy     string   `yaml:"privacy"`
	Destination string   `yaml:"destination"`
	Items       []string `yaml:"items"`
}

// Load reads a manifest from path, or stdin when path is "-". Relative file
// items are resolved against the manifest's directory.
func Load(path string) (*Manifest, error) {
	var (
		reader  io.Reader
		baseDir string
		format  = FormatList
	)
	if path == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path) // #nosec G304 -- manifest path is user-provided
		if err != nil {
			return nil, err
		}
		defer file.Close() // nolint:errcheck
		reader = file
		baseDir = filepath.Dir(path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			format = FormatYAML
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data, format, baseDir)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes data. FormatAuto treats documents with an items key as YAML
// and everything else as a list.
func Parse(data []byte, format Format, baseDir string) (*Manifest, error) {
	if format == FormatAuto {
		format = detect(data)
	}

	var (
		m   *Manifest
		err error
	)
	switch format {
	case FormatYAML:
		m, err = parseYAML(data)
	case FormatList:
		m, err = parseList(data)
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	if err != nil {
		return nil, err
	}

	for i, src := range m.sources {
		m.sources[i] = resolve(src, baseDir)
	}
	if len(m.sources) == 0 {
		return nil, errors.New("no items found")
	}
	return m, nil
}

// FromArgs builds a manifest from positional arguments.
func FromArgs(args []string) (*Manifest, error) {
	m := &Manifest{}
	m.sources = appendSources(nil, args)
	if len(m.sources) == 0 {
		return nil, errors.New("at least one file or url is required")
	}
	return m, nil
}

// With returns a copy of m with extra sources appended. Duplicates are
// dropped.
func (m *Manifest) With(sources ...string) *Manifest {
	out := *m
	out.sources = appendSources(append([]string(nil), m.sources...), sources)
	return &out
}

// Len reports the number of items.
func (m *Manifest) Len() int {
	return len(m.sources)
}

// Sources returns a copy of the item sources in order.
func (m *Manifest) Sources() []string {
	return append([]string(nil), m.sources...)
}

// Items builds the upload items for providerName, which wins over the
// manifest's own provider when set.
func (m *Manifest) Items(providerName string) []core.Item {
	name := strings.TrimSpace(providerName)
	if name == "" {
		name = m.Provider
	}
	items := make([]core.Item, 0, len(m.sources))
	for _, src := range m.sources {
		item := core.NewItem(src, name)
		item.DestinationID = m.Destination
		items = append(items, item)
	}
	return items
}

func parseYAML(data []byte) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	return &Manifest{
		Provider:    strings.ToLower(strings.TrimSpace(doc.Provider)),
		Title:       strings.TrimSpace(doc.Title),
		Privacy:     strings.TrimSpace(doc.Privacy),
		Destination: strings.TrimSpace(doc.Destination),
		sources:     appendSources(nil, doc.Items),
	}, nil
}

func parseList(data []byte) (*Manifest, error) {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		lines = append(lines, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Manifest{sources: appendSources(nil, lines)}, nil
}

func detect(data []byte) Format {
	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err == nil {
		if _, ok := keys["items"]; ok {
			return FormatYAML
		}
	}
	return FormatList
}

func appendSources(dst []string, sources []string) []string {
	seen := make(map[string]struct{}, len(dst)+len(sources))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, raw := range sources {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}

func resolve(src, baseDir string) string {
	if baseDir == "" || isURL(src) || filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(baseDir, src)
}

func isURL(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
