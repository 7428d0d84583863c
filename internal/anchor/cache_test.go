package anchor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alphaflow/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "nope.json"), "finney", MismatchWarn)
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
	if c.Dirty() {
		t.Fatalf("fresh cache must not be dirty")
	}
}

func TestLoadUnparseableStartsEmpty(t *testing.T) {
	path := writeFile(t, t.TempDir(), "anchors.json", "{not json")
	c := Load(path, "finney", MismatchWarn)
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}

func TestLoadDropsMalformedEntries(t *testing.T) {
	content := `{
	  "network": "finney",
	  "blocks": {
	    "2025-02-08": {"block": 5000000, "block_timestamp_utc": "2025-02-08T00:00:03Z"},
	    "2025-02-09": {"block": "not-a-number"},
	    "2025-02-10": {"block": -4},
	    "bad-date":   {"block": 5014400}
	  }
	}`
	path := writeFile(t, t.TempDir(), "anchors.json", content)

	c := Load(path, "finney", MismatchWarn)
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
	a, ok := c.Get("2025-02-08")
	if !ok || a.Height != 5000000 {
		t.Fatalf("unexpected entry: %+v ok=%v", a, ok)
	}
	if a.Timestamp == nil || !a.Timestamp.Equal(time.Date(2025, 2, 8, 0, 0, 3, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp: %v", a.Timestamp)
	}
}

func TestLoadKeepsHeightWhenTimestampUnparseable(t *testing.T) {
	content := `{
	  "network": "finney",
	  "blocks": {
	    "2025-02-08": {"block": 5000000, "block_timestamp_utc": "eight past midnight"}
	  }
	}`
	path := writeFile(t, t.TempDir(), "anchors.json", content)

	c := Load(path, "finney", MismatchWarn)
	a, ok := c.Get("2025-02-08")
	if !ok || a.Height != 5000000 {
		t.Fatalf("entry lost: %+v ok=%v", a, ok)
	}
	if a.Timestamp != nil {
		t.Fatalf("unparseable timestamp must load as nil, got %v", a.Timestamp)
	}
}

func TestLoadLegacyKeys(t *testing.T) {
	content := `{
	  "network": "finney",
	  "block_map": {
	    "2025-02-08": {"block": 5000000, "timestamp_utc": "2025-02-08T00:00:03Z"}
	  }
	}`
	path := writeFile(t, t.TempDir(), "anchors.json", content)

	c := Load(path, "finney", MismatchWarn)
	a, ok := c.Get("2025-02-08")
	if !ok || a.Height != 5000000 || a.Timestamp == nil {
		t.Fatalf("legacy entry not loaded: %+v ok=%v", a, ok)
	}
}

func TestLoadNetworkMismatch(t *testing.T) {
	content := `{
	  "network": "test",
	  "blocks": {
	    "2025-02-08": {"block": 5000000}
	  }
	}`
	path := writeFile(t, t.TempDir(), "anchors.json", content)

	if c := Load(path, "finney", MismatchWarn); c.Len() != 1 {
		t.Fatalf("warn policy should keep foreign entries, got %d", c.Len())
	}
	if c := Load(path, "finney", MismatchReject); c.Len() != 0 {
		t.Fatalf("reject policy should drop foreign entries, got %d", c.Len())
	}
}

func TestMergeNeverDowngradesWithoutOverwrite(t *testing.T) {
	c := New("finney")
	ts := time.Date(2025, 2, 8, 0, 0, 3, 0, time.UTC)
	if !c.Merge("2025-02-08", models.Anchor{Height: 5000000, Timestamp: &ts}, false) {
		t.Fatalf("first merge should change the cache")
	}
	if c.Merge("2025-02-08", models.Anchor{Height: 4999999}, false) {
		t.Fatalf("merge without overwrite must not replace an entry")
	}
	a, _ := c.Get("2025-02-08")
	if a.Height != 5000000 {
		t.Fatalf("entry degraded to %d", a.Height)
	}

	if !c.Merge("2025-02-08", models.Anchor{Height: 4999999}, true) {
		t.Fatalf("merge with overwrite should replace the entry")
	}
	a, _ = c.Get("2025-02-08")
	if a.Height != 4999999 {
		t.Fatalf("overwrite not applied: %d", a.Height)
	}
}

func TestMergeBackfillsTimestampForSameHeight(t *testing.T) {
	c := New("finney")
	c.Merge("2025-02-08", models.Anchor{Height: 5000000}, false)

	ts := time.Date(2025, 2, 8, 0, 0, 3, 0, time.UTC)
	if !c.Merge("2025-02-08", models.Anchor{Height: 5000000, Timestamp: &ts}, false) {
		t.Fatalf("timestamp backfill for the same height should apply")
	}
	a, _ := c.Get("2025-02-08")
	if a.Timestamp == nil || !a.Timestamp.Equal(ts) {
		t.Fatalf("timestamp not backfilled: %+v", a)
	}

	// The reverse never applies: a confirmed timestamp is not erased.
	if c.Merge("2025-02-08", models.Anchor{Height: 5000000}, false) {
		t.Fatalf("merge must not strip a confirmed timestamp")
	}
	a, _ = c.Get("2025-02-08")
	if a.Timestamp == nil {
		t.Fatalf("confirmed timestamp lost: %+v", a)
	}
}

func TestMergeIdenticalIsNoop(t *testing.T) {
	c := New("finney")
	ts := time.Date(2025, 2, 8, 0, 0, 3, 0, time.UTC)
	c.Merge("2025-02-08", models.Anchor{Height: 5000000, Timestamp: &ts}, false)

	before := c.Dirty()
	if !before {
		t.Fatalf("expected dirty after first merge")
	}
	if c.Merge("2025-02-08", models.Anchor{Height: 5000000, Timestamp: &ts}, true) {
		t.Fatalf("identical merge should report no change")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchors.json")

	c := New("finney")
	ts := time.Date(2025, 2, 8, 0, 0, 3, 0, time.UTC)
	c.Merge("2025-02-08", models.Anchor{Height: 5000000, Timestamp: &ts}, false)
	c.Merge("2025-02-09", models.Anchor{Height: 5007200}, false)

	if err := c.Persist(path); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if c.Dirty() {
		t.Fatalf("persist should clear the dirty flag")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["network"] != "finney" {
		t.Fatalf("network tag missing: %v", raw["network"])
	}
	if raw["start_date"] != "2025-02-08" || raw["end_date"] != "2025-02-09" {
		t.Fatalf("date range metadata wrong: %v / %v", raw["start_date"], raw["end_date"])
	}

	got := Load(path, "finney", MismatchReject)
	if got.Len() != 2 {
		t.Fatalf("round trip lost entries: %d", got.Len())
	}
	a, _ := got.Get("2025-02-08")
	if a.Height != 5000000 || a.Timestamp == nil || !a.Timestamp.Equal(ts) {
		t.Fatalf("round trip entry mismatch: %+v", a)
	}
	b, _ := got.Get("2025-02-09")
	if b.Height != 5007200 || b.Timestamp != nil {
		t.Fatalf("unverified entry must stay timestamp-free: %+v", b)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the cache file in %s, found %d entries", dir, len(entries))
	}
}

func TestPersistEmptyCacheWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchors.json")
	if err := New("finney").Persist(path); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty cache should not create a file")
	}
}
