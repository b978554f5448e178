package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
)

// Runtime is the image and entry command a bot runs with
type Runtime struct {
	Image   string   `yaml:"image" toml:"image"`
	Command []string `yaml:"command" toml:"command"`
}

// Runtimes maps each runtime kind to how it is executed
type Runtimes map[identity.RuntimeKind]Runtime

// DefaultRuntimes runs bot.py on the Python image and bot.js on the Node image.
// Python runs unbuffered so output reaches observers line by line.
func DefaultRuntimes() Runtimes {
	return Runtimes{
		identity.RuntimePython: {
			Image:   "python:3.11-slim",
			Command: []string{"python", "-u", identity.RuntimePython.EntryFile()},
		},
		identity.RuntimeJavaScript: {
			Image:   "node:20-alpine",
			Command: []string{"node", identity.RuntimeJavaScript.EntryFile()},
		},
	}
}

// runtimesFile is the on-disk override format:
//
//	runtimes:
//	  python:
//	    image: python:3.12-slim
//	  node:
//	    command: [node, --enable-source-maps, bot.js]
//
// The same layout is accepted as TOML when the file ends in .toml.
type runtimesFile struct {
	Runtimes map[string]Runtime `yaml:"runtimes" toml:"runtimes"`
}

// LoadRuntimes reads a YAML or TOML override file and merges it onto the
// defaults. Fields left out keep their default value.
func LoadRuntimes(path string) (Runtimes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runtimes file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseRuntimesTOML(data)
	}
	return ParseRuntimes(data)
}

// ParseRuntimes merges YAML overrides onto the defaults
func ParseRuntimes(data []byte) (Runtimes, error) {
	var file runtimesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse runtimes file: %w", err)
	}
	return file.merge()
}

// ParseRuntimesTOML merges TOML overrides onto the defaults
func ParseRuntimesTOML(data []byte) (Runtimes, error) {
	var file runtimesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse runtimes file: %w", err)
	}
	return file.merge()
}

func (file runtimesFile) merge() (Runtimes, error) {
	out := DefaultRuntimes()
	for name, override := range file.Runtimes {
		kind, err := identity.ParseRuntime(name)
		if err != nil || name == "" {
			return nil, fmt.Errorf("runtimes file: unknown runtime %q", name)
		}
		rt := out[kind]
		if override.Image != "" {
			rt.Image = override.Image
		}
		if len(override.Command) > 0 {
			rt.Command = override.Command
		}
		out[kind] = rt
	}
	return out, nil
}

// WithImage returns a copy with the image for kind replaced. An empty image
// leaves the table unchanged.
func (r Runtimes) WithImage(kind identity.RuntimeKind, image string) Runtimes {
	out := make(Runtimes, len(r))
	for k, v := range r {
		out[k] = v
	}
	if image != "" {
		rt := out[kind]
		rt.Image = image
		out[kind] = rt
	}
	return out
}

// Lookup returns the runtime for kind
func (r Runtimes) Lookup(kind identity.RuntimeKind) (Runtime, error) {
	rt, ok := r[kind]
	if !ok || rt.Image == "" || len(rt.Command) == 0 {
		return Runtime{}, fmt.Errorf("%w: no runtime configured for %q", identity.ErrValidation, kind)
	}
	return rt, nil
}
