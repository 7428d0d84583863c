// Package anchor persists resolved midnight blocks between runs so repeated
// sampling skips expensive searches. The cache is loaded once at run start,
// mutated in memory, and written back atomically at run end.
package anchor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"alphaflow/internal/models"
	"alphaflow/logger"
)

// Mismatch policies for a cache file generated against a different network.
const (
	MismatchWarn   = "warn"   // keep foreign entries, surface a warning
	MismatchReject = "reject" // drop foreign entries
)

// fileEntry is the on-disk shape of one cached anchor.
type fileEntry struct {
	Block        json.Number `json:"block"`
	Timestamp    *string     `json:"block_timestamp_utc"`
	TimestampAlt *string     `json:"timestamp_utc,omitempty"` // legacy key
}

type cacheFile struct {
	Network     string                     `json:"network"`
	StartDate   string                     `json:"start_date,omitempty"`
	EndDate     string                     `json:"end_date,omitempty"`
	GeneratedAt string                     `json:"generated_at,omitempty"`
	Blocks      map[string]json.RawMessage `json:"blocks"`
	BlocksAlt   map[string]json.RawMessage `json:"block_map,omitempty"` // legacy key
}

// Cache maps calendar dates (YYYY-MM-DD) to resolved midnight anchors.
type Cache struct {
	network string
	entries map[string]models.Anchor
	dirty   bool
	log     *logger.Log
}

// New returns an empty cache bound to the given network tag.
func New(network string) *Cache {
	return &Cache{
		network: network,
		entries: make(map[string]models.Anchor),
		log:     logger.GetLogger(),
	}
}

// Load reads an anchor cache from path. A missing or unreadable file yields
// an empty cache; malformed entries are dropped one by one. A network tag
// that disagrees with the configured one is handled per mismatchPolicy.
func Load(path, network, mismatchPolicy string) *Cache {
	c := New(network)
	log := c.log.WithComponent("anchor_cache")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("unable to read anchor cache; starting empty")
		} else {
			log.WithFields(logger.Fields{"path": path}).Debug("no anchor cache on disk; starting empty")
		}
		return c
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("anchor cache unparseable; starting empty")
		return c
	}

	raw := file.Blocks
	if len(raw) == 0 {
		raw = file.BlocksAlt
	}

	if file.Network != "" && file.Network != network {
		switch mismatchPolicy {
		case MismatchReject:
			log.WithFields(logger.Fields{
				"path":         path,
				"file_network": file.Network,
				"run_network":  network,
			}).Warn("anchor cache belongs to another network; rejecting entries")
			return c
		default:
			log.WithFields(logger.Fields{
				"path":         path,
				"file_network": file.Network,
				"run_network":  network,
			}).Warn("anchor cache belongs to another network; reusing entries anyway")
		}
	}

	dropped := 0
	for date, entry := range raw {
		a, ok := parseEntry(entry)
		if !ok {
			dropped++
			continue
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			dropped++
			continue
		}
		c.entries[date] = a
	}
	if dropped > 0 {
		log.WithFields(logger.Fields{"path": path, "dropped": dropped}).Warn("dropped malformed anchor cache entries")
	}
	log.WithFields(logger.Fields{"path": path, "entries": len(c.entries)}).Debug("anchor cache loaded")
	return c
}

func parseEntry(raw json.RawMessage) (models.Anchor, bool) {
	var entry fileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.Anchor{}, false
	}
	height, err := entry.Block.Int64()
	if err != nil || height < 1 {
		return models.Anchor{}, false
	}
	a := models.Anchor{Height: height}
	rawTS := entry.Timestamp
	if rawTS == nil {
		rawTS = entry.TimestampAlt
	}
	if rawTS != nil {
		if ts, err := time.Parse(time.RFC3339, *rawTS); err == nil {
			utc := ts.UTC()
			a.Timestamp = &utc
		}
	}
	return a, true
}

// Get returns the cached anchor for a date.
func (c *Cache) Get(date string) (models.Anchor, bool) {
	a, ok := c.entries[date]
	return a, ok
}

// Len reports the number of cached anchors.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Merge stores an anchor for a date. Without overwrite an existing entry is
// never replaced, so a previously validated anchor cannot be degraded by a
// noisier re-resolution; the one exception is backfilling a missing
// timestamp for the same height, which only adds information. Returns
// whether the cache changed.
func (c *Cache) Merge(date string, a models.Anchor, overwrite bool) bool {
	prev, ok := c.entries[date]
	if ok {
		if prev.Height == a.Height && equalTimestamps(prev.Timestamp, a.Timestamp) {
			return false
		}
		if !overwrite {
			backfill := prev.Height == a.Height && prev.Timestamp == nil && a.Timestamp != nil
			if !backfill {
				return false
			}
		}
	}
	c.entries[date] = a
	c.dirty = true
	return true
}

func equalTimestamps(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Dirty reports whether Merge changed anything since load.
func (c *Cache) Dirty() bool {
	return c.dirty
}

// Persist writes the full cache plus run metadata to path. The write goes
// through a temp file and rename so a crash never leaves a partial file.
func (c *Cache) Persist(path string) error {
	if len(c.entries) == 0 {
		return nil
	}

	dates := make([]string, 0, len(c.entries))
	for date := range c.entries {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	blocks := make(map[string]json.RawMessage, len(dates))
	for _, date := range dates {
		a := c.entries[date]
		entry := fileEntry{Block: json.Number(fmt.Sprintf("%d", a.Height))}
		if a.Timestamp != nil {
			s := a.Timestamp.UTC().Format(time.RFC3339)
			entry.Timestamp = &s
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode anchor %s: %w", date, err)
		}
		blocks[date] = raw
	}

	file := cacheFile{
		Network:     c.network,
		StartDate:   dates[0],
		EndDate:     dates[len(dates)-1],
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Blocks:      blocks,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode anchor cache: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create anchor cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".anchors-*.json")
	if err != nil {
		return fmt.Errorf("create temp anchor cache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write anchor cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close anchor cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace anchor cache: %w", err)
	}

	c.log.WithComponent("anchor_cache").WithFields(logger.Fields{
		"path":    path,
		"entries": len(dates),
	}).Info("anchor cache persisted")
	c.dirty = false
	return nil
}
