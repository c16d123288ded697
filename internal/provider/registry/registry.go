// Package registry builds provider clients by name.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hoistup/hoist/internal/provider"
	"github.com/hoistup/hoist/internal/provider/catbox"
	"github.com/hoistup/hoist/internal/provider/imgchest"
	"github.com/hoistup/hoist/internal/provider/sxcu"
)

var constructors = map[string]func(provider.Settings) provider.Client{
	sxcu.Name:     func(s provider.Settings) provider.Client { return sxcu.New(s) },
	imgchest.Name: func(s provider.Settings) provider.Client { return imgchest.New(s) },
	catbox.Name:   func(s provider.Settings) provider.Client { return catbox.New(s) },
}

// Names lists the supported providers.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a configured client for name.
func New(name string, settings provider.Settings) (provider.Client, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	ctor, ok := constructors[key]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(settings), nil
}

// Profiles returns the default profile of every provider.
func Profiles() map[string]provider.Profile {
	out := make(map[string]provider.Profile, len(constructors))
	for name, ctor := range constructors {
		out[name] = ctor(provider.Settings{}).Profile()
	}
	return out
}
