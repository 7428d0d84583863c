package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"alphaflow/internal/anchor"
	"alphaflow/internal/chain"
	"alphaflow/internal/models"
)

// genesis is aligned so height 1000 lands exactly on 2025-02-08 midnight.
var genesis = time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC).Add(-1000 * 12 * time.Second)

type fakeChain struct {
	head       int64
	noPrices   bool
	timestamps bool // when false every timestamp probe is unavailable
}

func newFakeChain() *fakeChain {
	return &fakeChain{head: 50000, timestamps: true}
}

func (f *fakeChain) CurrentHeight(ctx context.Context) (int64, error) {
	return f.head, nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, height int64) (time.Time, error) {
	if !f.timestamps || height < 1 || height > f.head {
		return time.Time{}, chain.ErrUnavailable
	}
	return genesis.Add(time.Duration(height) * 12 * time.Second), nil
}

func (f *fakeChain) SubnetPrices(ctx context.Context, height int64) (map[int]*float64, error) {
	if f.noPrices {
		return nil, errors.New("storage query failed")
	}
	root := 1.0
	alpha := 0.025
	return map[int]*float64{0: &root, 1: &alpha, 3: nil}, nil
}

func (f *fakeChain) SubnetEmissions(ctx context.Context, height int64) ([]models.SubnetEmission, error) {
	return []models.SubnetEmission{{Netuid: 1, EmissionRate: 0.4, NumValidators: 64}}, nil
}

func (f *fakeChain) Close() error { return nil }

func TestExpandInstants(t *testing.T) {
	instants, err := ExpandInstants("2025-02-08", "00:00+00:00", 4)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(instants) != 4 {
		t.Fatalf("expected 4 instants, got %d", len(instants))
	}
	for i, hour := range []int{0, 6, 12, 18} {
		want := time.Date(2025, 2, 8, hour, 0, 0, 0, time.UTC)
		if !instants[i].Equal(want) {
			t.Fatalf("instant %d: got %v, want %v", i, instants[i], want)
		}
	}
}

func TestExpandInstantsHonorsOffset(t *testing.T) {
	instants, err := ExpandInstants("2025-02-08", "14:00-05:00", 1)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := time.Date(2025, 2, 8, 19, 0, 0, 0, time.UTC)
	if !instants[0].Equal(want) {
		t.Fatalf("got %v, want %v", instants[0], want)
	}
}

func TestExpandInstantsRejectsBadInput(t *testing.T) {
	if _, err := ExpandInstants("2025-02-08", "25:99", 1); err == nil {
		t.Fatalf("expected error for bad time of day")
	}
	if _, err := ExpandInstants("2025-02-08", "00:00+00:00", 0); err == nil {
		t.Fatalf("expected error for zero samples")
	}
}

func TestExpandDateRange(t *testing.T) {
	dates, err := ExpandDateRange("2025-02-08", "2025-02-10")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{"2025-02-08", "2025-02-09", "2025-02-10"}
	if len(dates) != len(want) {
		t.Fatalf("got %v", dates)
	}
	for i := range want {
		if dates[i] != want[i] {
			t.Fatalf("got %v, want %v", dates, want)
		}
	}

	if _, err := ExpandDateRange("2025-02-10", "2025-02-08"); err == nil {
		t.Fatalf("expected error for reversed range")
	}
}

func TestRunProducesCompleteRecords(t *testing.T) {
	fc := newFakeChain()
	cache := anchor.New("finney")
	s := New(Config{Network: "finney", SamplesPerDay: 2}, fc, nil, cache)

	records := s.Run(context.Background(), []string{"2025-02-08", "2025-02-09"}, false)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	for i, rec := range records {
		if len(rec.Samples) != 2 {
			t.Fatalf("record %d: expected 2 samples, got %d", i, len(rec.Samples))
		}
		for j, sample := range rec.Samples {
			if sample.ClosestBlock == 0 {
				t.Fatalf("record %d sample %d unresolved", i, j)
			}
			if sample.BlockTime == nil {
				t.Fatalf("record %d sample %d missing block time", i, j)
			}
			if len(sample.Prices) != 3 {
				t.Fatalf("record %d sample %d: expected 3 prices, got %d", i, j, len(sample.Prices))
			}
		}
	}

	// Midnight at height 1000, noon 3600 blocks later.
	if records[0].Samples[0].ClosestBlock != 1000 {
		t.Fatalf("midnight block: got %d, want 1000", records[0].Samples[0].ClosestBlock)
	}
	if records[0].Samples[1].ClosestBlock != 4600 {
		t.Fatalf("noon block: got %d, want 4600", records[0].Samples[1].ClosestBlock)
	}
	if records[1].Samples[0].ClosestBlock != 8200 {
		t.Fatalf("next midnight block: got %d, want 8200", records[1].Samples[0].ClosestBlock)
	}

	// Prices come back sorted by netuid.
	prices := records[0].Samples[0].Prices
	for k := 1; k < len(prices); k++ {
		if prices[k-1].Netuid >= prices[k].Netuid {
			t.Fatalf("prices not sorted: %+v", prices)
		}
	}
}

func TestRunQueuesMidnightAnchors(t *testing.T) {
	fc := newFakeChain()
	cache := anchor.New("finney")
	s := New(Config{Network: "finney", SamplesPerDay: 1}, fc, nil, cache)

	s.Run(context.Background(), []string{"2025-02-08"}, false)

	if !cache.Dirty() {
		t.Fatalf("expected anchor cache to pick up the resolved midnight")
	}
	a, ok := cache.Get("2025-02-08")
	if !ok || a.Height != 1000 {
		t.Fatalf("cached anchor: %+v ok=%v", a, ok)
	}
	if a.Timestamp == nil {
		t.Fatalf("midnight anchor should carry its chain timestamp")
	}
}

func TestRunReusesCachedAnchor(t *testing.T) {
	fc := newFakeChain()
	cache := anchor.New("finney")

	// Seed a deliberately off-by-one anchor; reuse must win over re-search.
	cache.Merge("2025-02-08", models.Anchor{Height: 1001}, false)
	s := New(Config{Network: "finney", SamplesPerDay: 1}, fc, nil, cache)

	records := s.Run(context.Background(), []string{"2025-02-08"}, false)
	if records[0].Samples[0].ClosestBlock != 1001 {
		t.Fatalf("expected cached height 1001, got %d", records[0].Samples[0].ClosestBlock)
	}

	// Without overwrite the original cache entry survives untouched.
	a, _ := cache.Get("2025-02-08")
	if a.Height != 1001 {
		t.Fatalf("cache entry replaced: %+v", a)
	}
}

func TestRunBackfillsCachedAnchorTimestamp(t *testing.T) {
	fc := newFakeChain()
	cache := anchor.New("finney")
	cache.Merge("2025-02-08", models.Anchor{Height: 1000}, false)
	s := New(Config{Network: "finney", SamplesPerDay: 1}, fc, nil, cache)

	s.Run(context.Background(), []string{"2025-02-08"}, false)

	a, ok := cache.Get("2025-02-08")
	if !ok || a.Height != 1000 {
		t.Fatalf("cached height must survive: %+v ok=%v", a, ok)
	}
	if a.Timestamp == nil {
		t.Fatalf("confirmed timestamp should land in the cache")
	}
	want := time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC)
	if !a.Timestamp.Equal(want) {
		t.Fatalf("backfilled timestamp wrong: %v", a.Timestamp)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fc := newFakeChain()
	cache := anchor.New("finney")
	s := New(Config{Network: "finney", SamplesPerDay: 2}, fc, nil, cache)

	first := s.Run(context.Background(), []string{"2025-02-08"}, false)
	second := s.Run(context.Background(), []string{"2025-02-08"}, false)

	for i := range first[0].Samples {
		a, b := first[0].Samples[i], second[0].Samples[i]
		if a.ClosestBlock != b.ClosestBlock {
			t.Fatalf("sample %d drifted between runs: %d vs %d", i, a.ClosestBlock, b.ClosestBlock)
		}
	}
}

func TestSnapshotFailureDegradesToNull(t *testing.T) {
	fc := newFakeChain()
	fc.noPrices = true
	cache := anchor.New("finney")
	s := New(Config{Network: "finney", SamplesPerDay: 1}, fc, nil, cache)

	records := s.Run(context.Background(), []string{"2025-02-08"}, false)
	sample := records[0].Samples[0]
	if sample.ClosestBlock != 1000 {
		t.Fatalf("resolution should still succeed, got block %d", sample.ClosestBlock)
	}
	if sample.Prices != nil {
		t.Fatalf("prices should be null after a failed fetch, got %+v", sample.Prices)
	}
}

func TestUnresolvableDayStaysStructurallyComplete(t *testing.T) {
	fc := newFakeChain()
	fc.timestamps = false
	cache := anchor.New("finney")
	s := New(Config{Network: "finney", SamplesPerDay: 3}, fc, nil, cache)

	records := s.Run(context.Background(), []string{"2025-02-08"}, false)
	rec := records[0]
	if len(rec.Samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(rec.Samples))
	}
	for i, sample := range rec.Samples {
		if sample.ClosestBlock != 0 {
			t.Fatalf("sample %d should be null, got block %d", i, sample.ClosestBlock)
		}
		if sample.RequestedTime.IsZero() {
			t.Fatalf("sample %d lost its requested instant", i)
		}
	}
	if cache.Dirty() {
		t.Fatalf("nothing should be merged on an unresolvable day")
	}
}

func TestConcurrentDaysShareNoState(t *testing.T) {
	fc := newFakeChain()
	fc.head = 200000
	cache := anchor.New("finney")
	s := New(Config{Network: "finney", SamplesPerDay: 1, DayWorkers: 4}, fc, nil, cache)

	dates, err := ExpandDateRange("2025-02-08", "2025-02-15")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	records := s.Run(context.Background(), dates, false)
	if len(records) != len(dates) {
		t.Fatalf("expected %d records, got %d", len(dates), len(records))
	}
	for i, rec := range records {
		if rec.Date != dates[i] {
			t.Fatalf("record %d out of order: %s", i, rec.Date)
		}
		want := int64(1000 + i*7200)
		if rec.Samples[0].ClosestBlock != want {
			t.Fatalf("day %s: got block %d, want %d", rec.Date, rec.Samples[0].ClosestBlock, want)
		}
	}
	if cache.Len() != len(dates) {
		t.Fatalf("expected %d cached midnights, got %d", len(dates), cache.Len())
	}
}
