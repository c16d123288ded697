package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoistup/hoist/internal/core"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: ImgChest
title: Holiday
privacy: secret
items:
  - shots/a.png
  - /abs/b.png
  - https://example.com/c.png
  - shots/a.png
`), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "imgchest", m.Provider)
	require.Equal(t, "Holiday", m.Title)
	require.Equal(t, "secret", m.Privacy)
	require.Equal(t, []string{
		filepath.Join(dir, "shots/a.png"),
		"/abs/b.png",
		"https://example.com/c.png",
	}, m.Sources())

	items := m.Items("")
	require.Len(t, items, 3)
	require.Equal(t, "imgchest", items[0].Provider)
	require.Equal(t, core.ItemFile, items[0].Kind)
	require.Equal(t, core.ItemURL, items[2].Kind)

	overridden := m.Items("catbox")
	require.Equal(t, "catbox", overridden[1].Provider)
}

func TestDestinationAppliesToItems(t *testing.T) {
	m, err := Parse([]byte(`
provider: imgchest
destination: " Bx7kq2 "
items:
  - https://example.com/a.png
  - https://example.com/b.png
`), FormatAuto, "")
	require.NoError(t, err)
	require.Equal(t, "Bx7kq2", m.Destination)
	for _, item := range m.Items("") {
		require.Equal(t, "Bx7kq2", item.DestinationID)
	}

	m.Destination = ""
	require.Empty(t, m.Items("")[0].DestinationID)
}

func TestLoadList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files.txt")
	require.NoError(t, os.WriteFile(path, []byte("# screenshots\n\na.png\n  b.png  \n# done\n"), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")}, m.Sources())
	require.Empty(t, m.Provider)
}

func TestParseAutoDetect(t *testing.T) {
	m, err := Parse([]byte("items: [x.png]\ntitle: t\n"), FormatAuto, "")
	require.NoError(t, err)
	require.Equal(t, "t", m.Title)

	m, err = Parse([]byte("x.png\ny.png\n"), FormatAuto, "")
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("# nothing\n\n"), FormatList, "")
	require.Error(t, err)

	_, err = Parse([]byte("items: [unterminated"), FormatYAML, "")
	require.Error(t, err)

	_, err = Parse([]byte("a.png"), Format("toml"), "")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestManifestIsImmutable(t *testing.T) {
	m, err := FromArgs([]string{"a.png", " ", "b.png"})
	require.NoError(t, err)

	sources := m.Sources()
	sources[0] = "mutated.png"
	require.Equal(t, "a.png", m.Sources()[0])

	items := m.Items("sxcu")
	items[0].Source = "mutated.png"
	require.Equal(t, "a.png", m.Items("sxcu")[0].Source)

	extended := m.With("c.png", "a.png")
	require.Equal(t, 2, m.Len())
	require.Equal(t, []string{"a.png", "b.png", "c.png"}, extended.Sources())
}

func TestFromArgsRequiresItems(t *testing.T) {
	_, err := FromArgs([]string{"", "  "})
	require.Error(t, err)
}
