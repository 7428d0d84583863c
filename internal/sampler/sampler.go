// Package sampler expands days into evenly spaced instants, resolves each
// instant to its nearest block, and fetches per-subnet snapshots at the
// resolved heights. Resolution within a day is chained and sequential; the
// snapshot fetches and independent days run on bounded worker pools.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"alphaflow/internal/anchor"
	"alphaflow/internal/chain"
	"alphaflow/internal/locate"
	"alphaflow/internal/models"
	"alphaflow/logger"
)

// Config tunes one scheduler run.
type Config struct {
	Network              string
	SamplesPerDay        int
	SampleWorkers        int
	DayWorkers           int
	TimeOfDay            string // HH:MM±HH:MM offset of the first sample
	FallbackWindowBlocks int64
	FetchEmissions       bool
	Locate               locate.Options
}

func (c Config) withDefaults() Config {
	if c.SamplesPerDay < 1 {
		c.SamplesPerDay = 1
	}
	if c.SampleWorkers < 1 {
		c.SampleWorkers = 4
	}
	if c.DayWorkers < 1 {
		c.DayWorkers = 1
	}
	if c.TimeOfDay == "" {
		c.TimeOfDay = "00:00+00:00"
	}
	if c.FallbackWindowBlocks <= 0 {
		c.FallbackWindowBlocks = 2 * estimatedBlocksPerDay
	}
	return c
}

const estimatedBlocksPerDay = 7200

// Scheduler resolves instants against the chain and assembles day records.
type Scheduler struct {
	cfg     Config
	client  chain.Client
	dial    chain.Dialer
	anchors *anchor.Cache
	log     *logger.Log

	mu      sync.Mutex
	pending map[string]models.Anchor // midnight anchors awaiting cache merge
}

// New wires a scheduler to a primary connection, a dialer for worker
// connections, and the loaded anchor cache.
func New(cfg Config, client chain.Client, dial chain.Dialer, anchors *anchor.Cache) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		client:  client,
		dial:    dial,
		anchors: anchors,
		log:     logger.GetLogger(),
	}
}

// Run resolves every date and returns the day records in date order. The
// anchor cache is only merged after all resolution work has finished;
// callers persist it once the run is over.
func (s *Scheduler) Run(ctx context.Context, dates []string, overwriteAnchors bool) []models.DayRecord {
	s.mu.Lock()
	s.pending = make(map[string]models.Anchor)
	s.mu.Unlock()

	records := make([]models.DayRecord, len(dates))

	pool := pond.NewPool(s.cfg.DayWorkers)
	group := pool.NewGroup()
	for i, date := range dates {
		i, date := i, date
		group.Submit(func() {
			records[i] = s.runDay(ctx, date)
		})
	}
	_ = group.Wait()
	pool.StopAndWait()

	s.mu.Lock()
	for date, a := range s.pending {
		s.anchors.Merge(date, a, overwriteAnchors)
	}
	s.pending = nil
	s.mu.Unlock()

	return records
}

// runDay produces one structurally complete day record. Failures degrade to
// null fields; the record always carries exactly SamplesPerDay samples.
func (s *Scheduler) runDay(ctx context.Context, date string) models.DayRecord {
	log := s.log.WithComponent("sampler").WithFields(logger.Fields{"date": date})

	instants, err := ExpandInstants(date, s.cfg.TimeOfDay, s.cfg.SamplesPerDay)
	if err != nil {
		log.WithError(err).Error("invalid day expansion; emitting empty record")
		return emptyDay(date, s.cfg.Network, s.cfg.SamplesPerDay, nil)
	}

	// Independent days may run concurrently, so each day resolves over its
	// own connection when one can be dialed.
	client := s.client
	if s.dial != nil && s.cfg.DayWorkers > 1 {
		if c, err := s.dial(ctx); err == nil {
			client = c
			defer c.Close()
		} else {
			log.WithError(err).Warn("day connection dial failed; sharing primary connection")
		}
	}

	start := time.Now()
	anchors := s.resolveDay(ctx, client, log, date, instants)
	samples := s.fetchSnapshots(ctx, log, instants, anchors)
	logger.LogPerformanceEntry(log, "sampler", "resolve_day", time.Since(start), logger.Fields{"date": date})
	return assembleDay(date, s.cfg.Network, s.cfg.SamplesPerDay, instants, samples)
}

// resolveDay maps each instant to an anchor. Index 0 goes through the
// anchor cache or exact search; later instants chain the drift heuristic
// from the previous resolution. A nil entry means the instant could not be
// resolved at all.
func (s *Scheduler) resolveDay(ctx context.Context, client chain.Client, log *logger.Entry, date string, instants []time.Time) []*models.Anchor {
	anchors := make([]*models.Anchor, len(instants))

	first := s.resolveFirst(ctx, client, log, date, instants[0])
	if first == nil {
		log.Warn("first instant unresolvable; day degrades to nulls")
		return anchors
	}
	anchors[0] = first

	seedAnchor := *first
	seedTarget := instants[0]
	for i := 1; i < len(instants); i++ {
		target := instants[i]
		seed := locate.SeedFromAnchor(seedAnchor, seedTarget)

		resolved, err := locate.EstimateFromAnchor(ctx, client, target, seed, s.cfg.Locate)
		if err != nil {
			if !errors.Is(err, locate.ErrDidNotConverge) {
				log.WithError(err).WithFields(logger.Fields{"sample": i + 1}).Warn("estimate failed; instant degrades to null")
				continue
			}
			resolved = s.fallbackExact(ctx, client, log, target, resolved, i)
			if resolved.Height == 0 {
				continue
			}
		}

		a := resolved
		anchors[i] = &a
		seedAnchor = a
		seedTarget = target
	}
	return anchors
}

// fallbackExact scopes an exact search to a window around the last
// heuristic estimate, widening to the full range when the window is empty.
func (s *Scheduler) fallbackExact(ctx context.Context, client chain.Client, log *logger.Entry, target time.Time, last models.Anchor, sampleIdx int) models.Anchor {
	low := last.Height - s.cfg.FallbackWindowBlocks
	high := last.Height + s.cfg.FallbackWindowBlocks
	log.WithFields(logger.Fields{
		"sample": sampleIdx + 1,
		"low":    low,
		"high":   high,
	}).Warn("estimate did not converge; falling back to exact search")

	resolved, err := locate.Exact(ctx, client, target, low, high, s.cfg.Locate)
	if err == nil {
		return resolved
	}
	if errors.Is(err, locate.ErrNotFound) {
		resolved, err = locate.Exact(ctx, client, target, 1, 0, s.cfg.Locate)
		if err == nil {
			return resolved
		}
	}
	log.WithError(err).WithFields(logger.Fields{"sample": sampleIdx + 1}).Warn("exact fallback failed; instant degrades to null")
	return models.Anchor{}
}

// resolveFirst resolves the day's first instant through the anchor cache
// when the target is a midnight, otherwise by exact search. Freshly located
// midnight anchors within tolerance are queued for the cache merge.
func (s *Scheduler) resolveFirst(ctx context.Context, client chain.Client, log *logger.Entry, date string, target time.Time) *models.Anchor {
	utc := target.UTC()
	isMidnight := utc.Hour() == 0 && utc.Minute() == 0 && utc.Second() == 0 && utc.Nanosecond() == 0

	if isMidnight {
		if cached, ok := s.anchors.Get(date); ok {
			a := cached
			if a.Timestamp == nil {
				if ts, err := client.BlockTimestamp(ctx, a.Height); err == nil {
					utcTS := ts.UTC()
					a.Timestamp = &utcTS
					// Queue the confirmed timestamp so the next run reads
					// it straight from the cache file.
					s.mu.Lock()
					s.pending[date] = a
					s.mu.Unlock()
				} else {
					log.WithError(err).WithFields(logger.Fields{"height": a.Height}).Warn("timestamp unavailable for cached anchor; continuing")
				}
			}
			logger.IncrementAnchorHit()
			log.WithFields(logger.Fields{"height": a.Height}).Debug("using cached midnight anchor")
			return &a
		}
	}

	resolved, err := locate.Exact(ctx, client, target, 1, 0, s.cfg.Locate)
	if err != nil {
		log.WithError(err).Error("exact search failed for first instant")
		return nil
	}

	if isMidnight && withinTolerance(resolved, target, s.cfg.Locate) {
		s.mu.Lock()
		s.pending[date] = resolved
		s.mu.Unlock()
	}
	return &resolved
}

func withinTolerance(a models.Anchor, target time.Time, opts locate.Options) bool {
	if a.Timestamp == nil {
		return false
	}
	tolerance := opts.ToleranceSeconds
	if tolerance <= 0 {
		tolerance = locate.DefaultToleranceSeconds
	}
	diff := target.Sub(*a.Timestamp).Seconds()
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// fetchSnapshots pulls per-subnet state for every resolved anchor on a
// bounded worker pool. A failed fetch records a null sample and does not
// stop siblings.
func (s *Scheduler) fetchSnapshots(ctx context.Context, log *logger.Entry, instants []time.Time, anchors []*models.Anchor) []*models.Sample {
	samples := make([]*models.Sample, len(instants))

	clients := newClientPool(ctx, s.dial, s.client, s.cfg.SampleWorkers, log)
	defer clients.closeAll()

	pool := pond.NewPool(s.cfg.SampleWorkers)
	group := pool.NewGroup()
	for i := range instants {
		if anchors[i] == nil {
			continue
		}
		i := i
		group.Submit(func() {
			client := clients.acquire()
			defer clients.release(client)
			samples[i] = s.fetchOne(ctx, client, log, instants[i], *anchors[i], i)
		})
	}
	_ = group.Wait()
	pool.StopAndWait()
	return samples
}

func (s *Scheduler) fetchOne(ctx context.Context, client chain.Client, log *logger.Entry, instant time.Time, a models.Anchor, idx int) *models.Sample {
	sample := &models.Sample{
		RequestedTime: instant,
		ClosestBlock:  a.Height,
		BlockTime:     a.Timestamp,
	}

	priceMap, err := client.SubnetPrices(ctx, a.Height)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"sample": idx + 1,
			"height": a.Height,
		}).Warn("subnet price fetch failed; sample degrades to null")
		return sample
	}
	sample.Prices = sortedPrices(priceMap)

	if s.cfg.FetchEmissions {
		emissions, err := client.SubnetEmissions(ctx, a.Height)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"sample": idx + 1,
				"height": a.Height,
			}).Warn("subnet emission fetch failed; continuing without emissions")
		} else {
			sort.Slice(emissions, func(x, y int) bool { return emissions[x].Netuid < emissions[y].Netuid })
			sample.Emissions = emissions
		}
	}
	return sample
}

func sortedPrices(priceMap map[int]*float64) []models.SubnetPrice {
	rows := make([]models.SubnetPrice, 0, len(priceMap))
	for netuid, price := range priceMap {
		rows = append(rows, models.SubnetPrice{Netuid: netuid, Price: price})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Netuid < rows[j].Netuid })
	return rows
}

// ExpandInstants builds the ordered sample instants for a day: the first at
// the configured time-of-day offset, the rest evenly spaced across 24h.
func ExpandInstants(date, timeOfDay string, samplesPerDay int) ([]time.Time, error) {
	if samplesPerDay < 1 {
		return nil, fmt.Errorf("samples per day must be positive, got %d", samplesPerDay)
	}
	base, err := time.Parse("2006-01-02 15:04Z07:00", date+" "+timeOfDay)
	if err != nil {
		return nil, fmt.Errorf("parse day start %q %q: %w", date, timeOfDay, err)
	}

	instants := make([]time.Time, samplesPerDay)
	interval := 24 * time.Hour / time.Duration(samplesPerDay)
	for i := range instants {
		instants[i] = base.Add(time.Duration(i) * interval).UTC()
	}
	return instants, nil
}

// ExpandDateRange lists the dates of an inclusive range in order.
func ExpandDateRange(start, end string) ([]string, error) {
	from, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", start, err)
	}
	to, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, fmt.Errorf("parse end date %q: %w", end, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("date range end %s precedes start %s", end, start)
	}

	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}
