package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
)

// Entry describes one stored file
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// List returns the files stored for a server, sorted by name. Staging files
// from uploads in flight are left out.
func (s *Store) List(ctx context.Context, serverID string) ([]Entry, error) {
	ident, err := s.locator.Get(serverID)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		entries = []Entry{}
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, ident.WorkDir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(ident.WorkDir, p)
		if err != nil {
			return nil
		}

		mu.Lock()
		entries = append(entries, Entry{Name: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime()})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", serverID, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
