// ABOUTME: On-disk asset cache with content-derived keys
// ABOUTME: Atomic writes, size accounting, oldest-first pruning and wipe

package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotCached is returned when a key has no entry.
	ErrNotCached = errors.New("asset not cached")

	// ErrInvalidKey is returned for keys not produced by this package.
	ErrInvalidKey = errors.New("invalid cache key")
)

// EncryptedSuffix marks the encrypted twin of a cache entry.
const EncryptedSuffix = ".encrypted"

// KeyForContent derives the key of locally available bytes.
func KeyForContent(data []byte, variant string) string {
	sum := sha256.Sum256(data)
	return derive("content", variant, hex.EncodeToString(sum[:]))
}

// KeyForDigest derives the key of a remote payload from its announced
// SHA-256 digest (hex, case-insensitive).
func KeyForDigest(digest, variant string) string {
	return derive("digest", variant, strings.ToLower(strings.TrimSpace(digest)))
}

// KeyForLocator derives the key of a remote payload known only by its
// locator, such as an asset ID or URL.
func KeyForLocator(locator, variant string) string {
	return derive("locator", variant, strings.TrimSpace(locator))
}

// EncryptedKey returns the key of the encrypted twin of key.
func EncryptedKey(key string) string {
	if strings.HasSuffix(key, EncryptedSuffix) {
		return key
	}
	return key + EncryptedSuffix
}

func derive(kind, variant, identity string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(variant))
	h.Write([]byte{0})
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

func validKey(key string) bool {
	base := strings.TrimSuffix(key, EncryptedSuffix)
	if len(base) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(base)
	return err == nil
}

// Cache is a directory of asset entries. Safe for concurrent use.
type Cache struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// New opens (and creates if needed) a cache rooted at dir.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := filepath.Clean(dir)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, fmt.Errorf("creating asset cache directory %s: %w", p, err)
	}
	return &Cache{dir: p, logger: logger.With("component", "assetcache")}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return filepath.Join(c.dir, key[:2], key), nil
}

// Store writes data under key, replacing any previous entry.
func (c *Cache) Store(key string, data []byte) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating cache shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming cache entry: %w", err)
	}

	c.logger.Debug("stored asset", "key", key, "bytes", len(data))
	return nil
}

// Data returns the bytes stored under key.
func (c *Cache) Data(key string) ([]byte, error) {
	p, err := c.path(key)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	return data, nil
}

// Has reports whether key has an entry.
func (c *Cache) Has(key string) bool {
	p, err := c.path(key)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err = os.Stat(p)
	return err == nil
}

// Delete removes the entry for key and its encrypted twin. Missing entries
// are not an error.
func (c *Cache) Delete(key string) error {
	base := strings.TrimSuffix(key, EncryptedSuffix)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range []string{base, EncryptedKey(base)} {
		p, err := c.path(k)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting cache entry: %w", err)
		}
	}
	return nil
}

// Wipe removes every entry.
func (c *Cache) Wipe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading cache directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("wiping cache: %w", err)
		}
	}
	c.logger.Info("wiped asset cache", "dir", c.dir)
	return nil
}

type entry struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cache) entries() ([]entry, error) {
	var out []entry
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !validKey(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		out = append(out, entry{path: p, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning asset cache: %w", err)
	}
	return out, nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries int
	Bytes   int64
}

// Size returns the number of entries and their total size.
func (c *Cache) Size() (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	es, err := c.entries()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, e := range es {
		st.Entries++
		st.Bytes += e.size
	}
	return st, nil
}

// Prune removes the least recently written entries until the cache holds at
// most maxBytes. It returns what was removed.
func (c *Cache) Prune(maxBytes int64) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	es, err := c.entries()
	if err != nil {
		return Stats{}, err
	}
	var total int64
	for _, e := range es {
		total += e.size
	}

	sort.Slice(es, func(i, j int) bool { return es[i].modTime.Before(es[j].modTime) })

	var removed Stats
	for _, e := range es {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("pruning cache entry: %w", err)
		}
		total -= e.size
		removed.Entries++
		removed.Bytes += e.size
	}

	if removed.Entries > 0 {
		c.logger.Info("pruned asset cache", "entries", removed.Entries, "bytes", removed.Bytes)
	}
	return removed, nil
}
