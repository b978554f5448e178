package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
)

// ErrTooLarge is returned when an upload exceeds the configured size limit
var ErrTooLarge = errors.New("upload too large")

// DefaultAllowed lists the file patterns accepted when nothing is configured
var DefaultAllowed = []string{
	"**/*.py", "**/*.js", "**/*.mjs", "**/*.cjs",
	"**/*.json", "**/*.txt", "**/*.md", "**/*.yaml", "**/*.yml",
}

// DefaultMaxBytes bounds the total size of one upload
const DefaultMaxBytes int64 = 10 << 20

// Locator resolves a server to its work directory; satisfied by identity.Registry
type Locator interface {
	Get(serverID string) (*identity.Identity, error)
}

// File is one uploaded file. Name is relative to the work directory and
// uses forward slashes.
type File struct {
	Name string
	Body io.Reader
}

// Config controls what uploads are accepted
type Config struct {
	MaxBytes int64
	Allowed  []string
}

// Store writes uploaded bot code into server work directories
type Store struct {
	locator  Locator
	maxBytes int64
	allowed  []string
	logger   *zap.Logger
}

// NewStore creates an upload store. Invalid allow-list patterns are an error.
func NewStore(locator Locator, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if len(cfg.Allowed) == 0 {
		cfg.Allowed = DefaultAllowed
	}
	for _, p := range cfg.Allowed {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid upload pattern %q", p)
		}
	}

	return &Store{
		locator:  locator,
		maxBytes: cfg.MaxBytes,
		allowed:  cfg.Allowed,
		logger:   logger.Named("workspace"),
	}, nil
}

// Save validates files and writes them into the server's work directory.
// Nothing is written unless every file is accepted. The upload must carry
// the entry script of at least one runtime.
func (s *Store) Save(serverID string, files []File) ([]string, error) {
	ident, err := s.locator.Get(serverID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", identity.ErrValidation)
	}

	names := make([]string, len(files))
	seen := make(map[string]bool, len(files))
	hasEntry := false
	for i, f := range files {
		name, err := s.cleanName(f.Name)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate file %q", identity.ErrValidation, name)
		}
		seen[name] = true
		names[i] = name
		if isEntry(name) {
			hasEntry = true
		}
	}
	if !hasEntry {
		return nil, fmt.Errorf("%w: upload must include %s or %s", identity.ErrValidation,
			identity.RuntimePython.EntryFile(), identity.RuntimeJavaScript.EntryFile())
	}

	staged := make([]staging, 0, len(files))
	defer func() {
		for _, st := range staged {
			os.Remove(st.temp)
		}
	}()

	budget := s.maxBytes
	for i, f := range files {
		st, n, err := s.stage(ident.WorkDir, names[i], f.Body, budget)
		if err != nil {
			return nil, err
		}
		staged = append(staged, st)
		budget -= n
	}

	for i, st := range staged {
		if err := os.MkdirAll(filepath.Dir(st.dest), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", names[i], err)
		}
		if err := os.Rename(st.temp, st.dest); err != nil {
			return nil, fmt.Errorf("store %s: %w", names[i], err)
		}
		staged[i].temp = ""
	}

	s.logger.Info("Upload stored",
		zap.String("server_id", serverID),
		zap.Strings("files", names),
		zap.Int64("bytes", s.maxBytes-budget),
	)
	return names, nil
}

type staging struct {
	temp string
	dest string
}

// stage copies body to a temporary file next to its destination, consuming
// at most budget bytes
func (s *Store) stage(root, name string, body io.Reader, budget int64) (staging, int64, error) {
	dest, err := securejoin.SecureJoin(root, filepath.FromSlash(name))
	if err != nil {
		return staging{}, 0, fmt.Errorf("%w: unsafe path %q: %v", identity.ErrValidation, name, err)
	}

	tmp, err := os.CreateTemp(root, ".upload-*")
	if err != nil {
		return staging{}, 0, fmt.Errorf("stage %s: %w", name, err)
	}
	st := staging{temp: tmp.Name(), dest: dest}

	n, err := io.Copy(tmp, io.LimitReader(body, budget+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(st.temp)
		return staging{}, 0, fmt.Errorf("stage %s: %w", name, err)
	}
	if n > budget {
		os.Remove(st.temp)
		return staging{}, 0, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	if isEntry(name) {
		if err := requireText(st.temp, name); err != nil {
			os.Remove(st.temp)
			return staging{}, 0, err
		}
	}
	return st, n, nil
}

// cleanName normalizes an upload name and checks it against the allow-list
func (s *Store) cleanName(raw string) (string, error) {
	name := strings.TrimSpace(strings.ReplaceAll(raw, `\`, "/"))
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: invalid file name %q", identity.ErrValidation, raw)
	}
	name = path.Clean(name)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: invalid file name %q", identity.ErrValidation, raw)
	}

	for _, p := range s.allowed {
		if ok, _ := doublestar.Match(p, name); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: file type not allowed: %q", identity.ErrValidation, raw)
}

func isEntry(name string) bool {
	return name == identity.RuntimePython.EntryFile() || name == identity.RuntimeJavaScript.EntryFile()
}

// requireText rejects entry scripts whose content is not text
func requireText(file, name string) error {
	mt, err := mimetype.DetectFile(file)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", name, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a text file (%s)", identity.ErrValidation, name, mt.String())
}
