package datastore

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"yangvault/internal/callgroup"
	"yangvault/internal/config"
	"yangvault/internal/logging"
	"yangvault/internal/notify"
	"yangvault/internal/yang"
)

// Cache is the optional process-local copy of the running datastore,
// versioned against the module version counter in main SHM.
//
// Coherence: before a cached tree is used, the caller compares the cached
// version against the shared counter; a newer counter drops the entry and
// reloads from disk. A fsnotify watcher on the data directory catches
// out-of-band replacements of .running files that bypass the counter.
//
// Lock ordering: the cache lock is always taken inside the module's data
// lock (data lock → cache lock), never the other way around.
//
// Every entry drop or replacement broadcasts on the change signal, so a
// long-lived reader can block on Changed() instead of polling versions.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	paths   config.Paths
	group   callgroup.Group[string, []*yang.Node]
	watcher *fsnotify.Watcher
	changed *notify.Signal
	done    chan struct{}
	logger  *slog.Logger
}

type cacheEntry struct {
	forest []*yang.Node
	ver    uint32
}

// NewCache creates a cache watching the data directory. A watcher setup
// failure degrades to a counter-only cache.
func NewCache(paths config.Paths, logger *slog.Logger) *Cache {
	c := &Cache{
		entries: make(map[string]cacheEntry),
		paths:   paths,
		changed: notify.NewSignal(),
		done:    make(chan struct{}),
		logger:  logging.Default(logger).With("component", "datastore-cache"),
	}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(paths.DataDir())
	}
	if err != nil {
		c.logger.Warn("data directory watcher unavailable", "err", err)
		if watcher != nil {
			watcher.Close()
		}
		return c
	}
	c.watcher = watcher
	go c.watch()
	return c
}

// Close stops the watcher.
func (c *Cache) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// Get returns the cached running tree for a module when the cached
// version is current. The forest is a deep copy; callers own it.
func (c *Cache) Get(module string, ver uint32) ([]*yang.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[module]
	if !ok || e.ver != ver {
		return nil, false
	}
	return yang.CopyForest(e.forest), true
}

// Load returns the module's running tree, from cache when current,
// loading (and caching) from disk otherwise. Concurrent cold loads of the
// same module are deduplicated.
func (c *Cache) Load(module string, ver uint32) ([]*yang.Node, error) {
	if forest, ok := c.Get(module, ver); ok {
		return forest, nil
	}
	forest, err := c.group.Do(module, func() ([]*yang.Node, error) {
		loaded, err := Load(c.paths, module, config.Running)
		if err != nil {
			return nil, err
		}
		c.Update(module, ver, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return yang.CopyForest(forest), nil
}

// Update stores a module's tree at the given version. Called by writers
// at commit time and by Load on a miss.
func (c *Cache) Update(module string, ver uint32, forest []*yang.Node) {
	c.mu.Lock()
	c.entries[module] = cacheEntry{forest: yang.CopyForest(forest), ver: ver}
	c.mu.Unlock()
	c.changed.Notify()
}

// Invalidate drops a module's cached tree.
func (c *Cache) Invalidate(module string) {
	c.mu.Lock()
	delete(c.entries, module)
	c.mu.Unlock()
	c.changed.Notify()
}

// Changed returns a channel closed on the next entry drop or
// replacement; re-call after each wakeup.
func (c *Cache) Changed() <-chan struct{} { return c.changed.C() }

// WaitChanged blocks until the cache contents change or the deadline
// passes, reporting whether a change happened.
func (c *Cache) WaitChanged(deadline time.Time) bool { return c.changed.Wait(deadline) }

// watch drops cache entries whose .running file was replaced behind the
// version counter's back.
func (c *Cache) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			suffix := "." + config.Running.String()
			if module, ok := strings.CutSuffix(name, suffix); ok {
				c.Invalidate(module)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("data directory watcher error", "err", err)
		}
	}
}
