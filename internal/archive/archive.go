// Package archive maintains the download archive: an append-only set of
// content identifiers that have completed successfully. It is consulted
// before every enqueue so the same content is never queued twice.
package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Archive is the idempotency set backed by a newline-delimited file, the
// same layout yt-dlp's --download-archive uses. Reads are concurrent,
// writes take the exclusive lock.
type Archive struct {
	fs   afero.Fs
	path string

	mu  sync.RWMutex
	ids map[string]struct{}
}

// New opens (or creates) the archive file and loads its identifiers.
func New(fs afero.Fs, path string) (*Archive, error) {
	a := &Archive{
		fs:   fs,
		path: path,
		ids:  make(map[string]struct{}),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) load() error {
	f, err := a.fs.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open archive %q: %w", a.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		id := strings.TrimSpace(sc.Text())
		if id != "" {
			a.ids[id] = struct{}{}
		}
	}
	return sc.Err()
}

// Has reports whether the content identifier was completed before.
func (a *Archive) Has(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

// Add appends the given identifiers to the archive. Already-present ids
// are skipped, so a re-completed item never duplicates a line.
func (a *Archive) Add(ids ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := a.ids[id]; ok {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return nil
	}

	if dir := filepath.Dir(a.path); dir != "." {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}

	f, err := a.fs.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive %q for append: %w", a.path, err)
	}
	defer f.Close()

	for _, id := range fresh {
		if _, err := fmt.Fprintln(f, id); err != nil {
			return fmt.Errorf("append to archive: %w", err)
		}
		a.ids[id] = struct{}{}
	}
	return nil
}

// Delete removes identifiers from the archive, rewriting the file. Used
// by the task unmark operation so content can be re-downloaded.
func (a *Archive) Delete(ids ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := false
	for _, id := range ids {
		if _, ok := a.ids[id]; ok {
			delete(a.ids, id)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return a.rewrite()
}

func (a *Archive) rewrite() error {
	remaining := make([]string, 0, len(a.ids))
	for id := range a.ids {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)

	body := strings.Join(remaining, "\n")
	if body != "" {
		body += "\n"
	}
	if err := afero.WriteFile(a.fs, a.path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("rewrite archive %q: %w", a.path, err)
	}
	return nil
}

// Len returns the number of archived identifiers.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}
