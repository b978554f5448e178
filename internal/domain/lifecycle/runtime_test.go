package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
)

func TestParseRuntimesMergesDefaults(t *testing.T) {
	data := []byte(`
runtimes:
  python:
    image: python:3.12-slim
  node:
    command: [node, --enable-source-maps, bot.js]
`)
	rts, err := ParseRuntimes(data)
	require.NoError(t, err)

	py := rts[identity.RuntimePython]
	assert.Equal(t, "python:3.12-slim", py.Image)
	assert.Equal(t, []string{"python", "-u", "bot.py"}, py.Command)

	js := rts[identity.RuntimeJavaScript]
	assert.Equal(t, "node:20-alpine", js.Image)
	assert.Equal(t, []string{"node", "--enable-source-maps", "bot.js"}, js.Command)
}

func TestParseRuntimesRejectsUnknown(t *testing.T) {
	_, err := ParseRuntimes([]byte("runtimes:\n  ruby:\n    image: ruby:3\n"))
	assert.Error(t, err)

	_, err = ParseRuntimes([]byte("runtimes: [not, a, map]"))
	assert.Error(t, err)
}

func TestParseRuntimesEmptyKeepsDefaults(t *testing.T) {
	rts, err := ParseRuntimes(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntimes(), rts)
}

func TestLoadRuntimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtimes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtimes:\n  javascript:\n    image: node:22-alpine\n"), 0o600))

	rts, err := LoadRuntimes(path)
	require.NoError(t, err)
	assert.Equal(t, "node:22-alpine", rts[identity.RuntimeJavaScript].Image)

	_, err = LoadRuntimes(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRuntimesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtimes.toml")
	data := `
[runtimes.python]
image = "python:3.13-slim"

[runtimes.node]
command = ["node", "--max-old-space-size=128", "bot.js"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	rts, err := LoadRuntimes(path)
	require.NoError(t, err)
	assert.Equal(t, "python:3.13-slim", rts[identity.RuntimePython].Image)
	assert.Equal(t, []string{"python", "-u", "bot.py"}, rts[identity.RuntimePython].Command)
	assert.Equal(t, []string{"node", "--max-old-space-size=128", "bot.js"}, rts[identity.RuntimeJavaScript].Command)

	_, err = ParseRuntimesTOML([]byte("[runtimes.ruby]\nimage = \"ruby:3\"\n"))
	assert.Error(t, err)
	_, err = ParseRuntimesTOML([]byte("runtimes = 1"))
	assert.Error(t, err)
}

func TestWithImageCopies(t *testing.T) {
	base := DefaultRuntimes()
	custom := base.WithImage(identity.RuntimePython, "registry.local/python:3.11")

	assert.Equal(t, "registry.local/python:3.11", custom[identity.RuntimePython].Image)
	assert.Equal(t, "python:3.11-slim", base[identity.RuntimePython].Image)
	assert.Equal(t, base, base.WithImage(identity.RuntimePython, ""))
}

func TestLookup(t *testing.T) {
	rt, err := DefaultRuntimes().Lookup(identity.RuntimeJavaScript)
	require.NoError(t, err)
	assert.Equal(t, "node:20-alpine", rt.Image)

	_, err = DefaultRuntimes().Lookup(identity.RuntimeKind("ruby"))
	assert.ErrorIs(t, err, identity.ErrValidation)

	_, err = Runtimes{identity.RuntimePython: {Image: "python:3.11-slim"}}.Lookup(identity.RuntimePython)
	assert.ErrorIs(t, err, identity.ErrValidation)
}
