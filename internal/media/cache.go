// Package media implements the Media Cache (§4.2): scoped acquisition of
// downloaded images/videos on disk, released when the owning FlowState
// expires, is cancelled, or is consumed by a send. Handle IDs are
// uuid.NewString(), the same ID source the teacher uses for ephemeral
// correlation IDs (pkg/agents/tools/boss.go, pkg/simpleruntime/chat.go).
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handle is an opaque reference into the cache.
type Handle string

type entry struct {
	path  string
	owners map[string]struct{} // owner key -> present
}

// Cache tracks on-disk media files and their current owners by reference
// count. Files are written with a temp-then-rename for atomicity and
// unlinked only when no owner remains and no persisted record references
// the path (the persisted check is delegated to HasPersistedReference).
type Cache struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	entries map[Handle]*entry

	// HasPersistedReference reports whether a BroadcastRecord still
	// references this path; release() will not unlink a file this
	// returns true for. Wired up by the broadcast store at startup.
	HasPersistedReference func(path string) bool
}

// New creates a Cache rooted at dir, creating it if necessary.
func New(dir string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		log:     log.With().Str("component", "media_cache").Logger(),
		entries: make(map[Handle]*entry),
	}, nil
}

// Acquire writes bytes atomically (temp file then rename) and returns a new
// handle plus the absolute path.
func (c *Cache) Acquire(data []byte, extension string) (Handle, string, error) {
	handle := Handle(uuid.NewString())
	if extension != "" && extension[0] != '.' {
		extension = "." + extension
	}
	finalPath := filepath.Join(c.dir, string(handle)+extension)

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp media file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("close media file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("rename media file: %w", err)
	}

	c.mu.Lock()
	c.entries[handle] = &entry{path: finalPath, owners: make(map[string]struct{})}
	c.mu.Unlock()
	return handle, finalPath, nil
}

// Path returns the current on-disk path for a handle, or "" if unknown.
func (c *Cache) Path(handle Handle) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[handle]; ok {
		return e.path
	}
	return ""
}

// Attach increments the reference count for handle under owner.
func (c *Cache) Attach(handle Handle, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[handle]
	if !ok {
		return
	}
	e.owners[owner] = struct{}{}
}

// Detach decrements the reference count for handle under owner. If no
// owners remain and no persisted record references the path, the file is
// unlinked.
func (c *Cache) Detach(handle Handle, owner string) {
	c.mu.Lock()
	e, ok := c.entries[handle]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(e.owners, owner)
	empty := len(e.owners) == 0
	path := e.path
	if empty {
		delete(c.entries, handle)
	}
	c.mu.Unlock()

	if empty {
		c.release(handle, path)
	}
}

// Release force-releases a handle regardless of remaining owners — used
// when a send consumes the media and it should be dropped from the cache's
// view even though a BroadcastRecord now owns the path on disk (§3.9).
func (c *Cache) Release(handle Handle) {
	c.mu.Lock()
	e, ok := c.entries[handle]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, handle)
	c.mu.Unlock()
	c.release(handle, e.path)
}

func (c *Cache) release(handle Handle, path string) {
	if c.HasPersistedReference != nil && c.HasPersistedReference(path) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Warn().Err(err).Str("handle", string(handle)).Str("path", path).Msg("failed to unlink released media")
	}
}

// Reconcile implements the startup grace-period sweep (§4.2, §7): any file
// under the media directory older than gracePeriod that is referenced by
// neither a persisted BroadcastRecord nor an active FlowState is eligible
// for unlink. livePaths is the set of paths owned by currently-loaded
// FlowStates, supplied by the State Store at startup.
func (c *Cache) Reconcile(gracePeriod time.Duration, livePaths map[string]struct{}) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn().Err(err).Msg("media reconcile: failed to list directory")
		return
	}
	cutoff := time.Now().Add(-gracePeriod)
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		fullPath := filepath.Join(c.dir, de.Name())
		if _, live := livePaths[fullPath]; live {
			continue
		}
		if c.HasPersistedReference != nil && c.HasPersistedReference(fullPath) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("path", fullPath).Msg("media reconcile: failed to unlink stale file")
			continue
		}
		c.log.Info().Str("path", fullPath).Msg("media reconcile: unlinked unreferenced file past grace period")
	}
}
