package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
)

func setup(t *testing.T, cfg Config) (*Store, *identity.Identity) {
	t.Helper()
	reg := identity.NewRegistry(t.TempDir())
	ident, err := reg.Create(identity.PlanFree, identity.RuntimePython)
	require.NoError(t, err)

	store, err := NewStore(reg, cfg, nil)
	require.NoError(t, err)
	return store, ident
}

func file(name, body string) File {
	return File{Name: name, Body: strings.NewReader(body)}
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSaveWritesFiles(t *testing.T) {
	store, ident := setup(t, Config{})

	names, err := store.Save(ident.ID, []File{
		file("bot.py", "import discord\nprint('ready')\n"),
		file("cogs/music.py", "def setup(bot):\n    pass\n"),
		file("requirements.txt", "discord.py\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bot.py", "cogs/music.py", "requirements.txt"}, names)

	data, err := os.ReadFile(filepath.Join(ident.WorkDir, "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, "import discord\nprint('ready')\n", string(data))
	assert.ElementsMatch(t, names, entries(t, ident.WorkDir))
}

func TestSaveOverwritesPreviousUpload(t *testing.T) {
	store, ident := setup(t, Config{})

	_, err := store.Save(ident.ID, []File{file("bot.js", "console.log('v1')\n")})
	require.NoError(t, err)
	_, err = store.Save(ident.ID, []File{file("bot.js", "console.log('v2')\n")})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ident.WorkDir, "bot.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('v2')\n", string(data))
}

func TestSaveUnknownServer(t *testing.T) {
	store, _ := setup(t, Config{})

	_, err := store.Save("nh-ffffffff", []File{file("bot.py", "print(1)\n")})
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestSaveRequiresEntryFile(t *testing.T) {
	store, ident := setup(t, Config{})

	_, err := store.Save(ident.ID, []File{file("helpers.py", "x = 1\n")})
	assert.ErrorIs(t, err, identity.ErrValidation)

	_, err = store.Save(ident.ID, nil)
	assert.ErrorIs(t, err, identity.ErrValidation)

	_, err = store.Save(ident.ID, []File{file("lib/bot.py", "print(1)\n")})
	assert.ErrorIs(t, err, identity.ErrValidation, "entry file must sit at the top level")

	assert.Empty(t, entries(t, ident.WorkDir))
}

func TestSaveRejectsUnsafeNames(t *testing.T) {
	store, ident := setup(t, Config{})

	for _, name := range []string{"", "/etc/passwd.txt", "../escape.py", `..\escape.py`, "cogs/../../escape.py", ".."} {
		_, err := store.Save(ident.ID, []File{file("bot.py", "print(1)\n"), file(name, "x")})
		assert.ErrorIs(t, err, identity.ErrValidation, name)
	}

	assert.Empty(t, entries(t, ident.WorkDir))
	_, err := os.Stat(filepath.Join(filepath.Dir(ident.WorkDir), "escape.py"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveRejectsDisallowedTypes(t *testing.T) {
	store, ident := setup(t, Config{})

	_, err := store.Save(ident.ID, []File{file("bot.py", "print(1)\n"), file("payload.sh", "rm -rf /\n")})
	assert.ErrorIs(t, err, identity.ErrValidation)
	assert.Empty(t, entries(t, ident.WorkDir))
}

func TestSaveRejectsDuplicates(t *testing.T) {
	store, ident := setup(t, Config{})

	_, err := store.Save(ident.ID, []File{file("bot.py", "a\n"), file("./bot.py", "b\n")})
	assert.ErrorIs(t, err, identity.ErrValidation)
}

func TestSaveRejectsBinaryEntry(t *testing.T) {
	store, ident := setup(t, Config{})

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01"
	_, err := store.Save(ident.ID, []File{file("bot.js", png)})
	assert.ErrorIs(t, err, identity.ErrValidation)
	assert.Empty(t, entries(t, ident.WorkDir))
}

func TestSaveEnforcesSizeLimit(t *testing.T) {
	store, ident := setup(t, Config{MaxBytes: 64})

	_, err := store.Save(ident.ID, []File{
		file("bot.py", strings.Repeat("#", 40)+"\n"),
		file("data.json", `{"k":"`+strings.Repeat("v", 40)+`"}`),
	})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, entries(t, ident.WorkDir), "a rejected upload leaves nothing behind")

	_, err = store.Save(ident.ID, []File{{Name: "bot.py", Body: bytes.NewReader(bytes.Repeat([]byte("#"), 64))}})
	require.NoError(t, err, "exactly at the limit is accepted")
}

func TestCustomAllowList(t *testing.T) {
	store, ident := setup(t, Config{Allowed: []string{"bot.{py,js}", "assets/**"}})

	_, err := store.Save(ident.ID, []File{file("bot.py", "print(1)\n"), file("assets/img/logo.svg", "<svg/>")})
	require.NoError(t, err)

	_, err = store.Save(ident.ID, []File{file("bot.py", "print(1)\n"), file("config.json", "{}")})
	assert.ErrorIs(t, err, identity.ErrValidation)
}

func TestNewStoreRejectsBadPattern(t *testing.T) {
	_, err := NewStore(identity.NewRegistry(t.TempDir()), Config{Allowed: []string{"[unclosed"}}, nil)
	assert.Error(t, err)
}
