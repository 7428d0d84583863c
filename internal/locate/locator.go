// Package locate resolves UTC instants to block heights against a node that
// only exposes monotonic heights and, for some blocks, an embedded
// timestamp. Exact binary search is the fallback of last resort; most
// instants resolve through a drift-corrected estimate seeded from a nearby
// anchor.
package locate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"alphaflow/internal/chain"
	"alphaflow/internal/models"
	"alphaflow/logger"
)

var (
	// ErrNotFound means exact search exhausted its range without finding a
	// block with a resolvable timestamp.
	ErrNotFound = errors.New("locate: no block with resolvable timestamp in range")

	// ErrDidNotConverge means the heuristic ran out of attempts before
	// landing inside the tolerance window. Callers must fall back to exact
	// search; the anchor returned alongside is the last estimate and makes
	// a good window center.
	ErrDidNotConverge = errors.New("locate: estimate did not converge")
)

const (
	// DefaultSecondsPerBlock is the assumed average block interval.
	DefaultSecondsPerBlock = 12.0

	// DefaultToleranceSeconds is how far a resolved timestamp may sit from
	// its target before the estimate keeps correcting.
	DefaultToleranceSeconds = 11.0

	// DefaultMaxAttempts bounds the correction loop; block time is
	// near-constant so one or two corrections normally land.
	DefaultMaxAttempts = 6

	// defaultSkipBudget bounds how many timestamp-less probes a single
	// exact search tolerates before treating the probe as equal to its
	// nearer neighbor.
	defaultSkipBudget = 32
)

// Options tunes both search paths.
type Options struct {
	SecondsPerBlock  float64
	ToleranceSeconds float64
	MaxAttempts      int
	SkipBudget       int
}

func (o Options) withDefaults() Options {
	if o.SecondsPerBlock <= 0 {
		o.SecondsPerBlock = DefaultSecondsPerBlock
	}
	if o.ToleranceSeconds <= 0 {
		o.ToleranceSeconds = DefaultToleranceSeconds
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.SkipBudget <= 0 {
		o.SkipBudget = defaultSkipBudget
	}
	return o
}

// Seed anchors an estimate. Reference is the wall-clock time believed to
// correspond to Height; when the seed anchor carried no chain-confirmed
// timestamp the caller substitutes the instant the seed was resolved for.
type Seed struct {
	Height    int64
	Reference time.Time
}

// SeedFromAnchor builds a Seed, falling back to the anchor's own target
// instant when the chain never confirmed its timestamp.
func SeedFromAnchor(a models.Anchor, target time.Time) Seed {
	if a.Timestamp != nil {
		return Seed{Height: a.Height, Reference: *a.Timestamp}
	}
	return Seed{Height: a.Height, Reference: target}
}

// EstimateFromAnchor runs the drift-corrected heuristic: linear estimate
// from the seed, then residual corrections until the block timestamp lands
// within tolerance. A probe with no timestamp is accepted as-is but
// unverified; no further correction is possible for that instant. A
// residual that stops shrinking or an exhausted attempt budget returns
// ErrDidNotConverge together with the last estimate.
func EstimateFromAnchor(ctx context.Context, client chain.Client, target time.Time, seed Seed, opts Options) (models.Anchor, error) {
	opts = opts.withDefaults()
	log := logger.GetLogger().WithComponent("locator")

	deltaSeconds := target.Sub(seed.Reference).Seconds()
	height := seed.Height + int64(math.Round(deltaSeconds/opts.SecondsPerBlock))
	if height < 1 {
		height = 1
	}

	last := models.Anchor{Height: height}
	prevAbs := math.Inf(1)

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		ts, err := client.BlockTimestamp(ctx, height)
		if err != nil {
			if chain.Retryable(err) {
				log.WithFields(logger.Fields{
					"height":  height,
					"attempt": attempt + 1,
				}).Warn("timestamp unavailable at estimated height; accepting unverified")
				return models.Anchor{Height: height}, nil
			}
			return models.Anchor{}, fmt.Errorf("probe height %d: %w", height, err)
		}

		residual := target.Sub(ts).Seconds()
		abs := math.Abs(residual)
		last = models.Anchor{Height: height, Timestamp: &ts}

		log.WithFields(logger.Fields{
			"height":   height,
			"attempt":  attempt + 1,
			"residual": fmt.Sprintf("%+.1fs", -residual),
		}).Debug("estimate probe")

		if abs <= opts.ToleranceSeconds {
			return last, nil
		}
		if abs >= prevAbs {
			// Oscillating rather than converging; bail out early.
			return last, ErrDidNotConverge
		}
		prevAbs = abs

		adjust := int64(math.Round(residual / opts.SecondsPerBlock))
		if adjust == 0 {
			if residual > 0 {
				adjust = 1
			} else {
				adjust = -1
			}
		}
		height += adjust
		if height < 1 {
			height = 1
		}
	}

	return last, ErrDidNotConverge
}

// Exact binary-searches [low, high] for the block closest to target.
// Heights with no timestamp are skipped by conservative narrowing against a
// bounded budget. High values of zero or below mean "current height".
func Exact(ctx context.Context, client chain.Client, target time.Time, low, high int64, opts Options) (models.Anchor, error) {
	opts = opts.withDefaults()
	log := logger.GetLogger().WithComponent("locator")

	if low < 1 {
		low = 1
	}
	if high <= 0 {
		current, err := client.CurrentHeight(ctx)
		if err != nil {
			return models.Anchor{}, fmt.Errorf("current height: %w", err)
		}
		high = current
	}
	if high < low {
		return models.Anchor{}, fmt.Errorf("%w: empty range [%d, %d]", ErrNotFound, low, high)
	}

	skips := opts.SkipBudget

	highTS, newHigh, err := probeDown(ctx, client, high, low, &skips)
	if err != nil {
		return models.Anchor{}, err
	}
	high = newHigh

	// Bounded archives discard early state; find the first height that
	// still answers before searching.
	lowTS, newLow, err := probeUp(ctx, client, low, high, &skips)
	if err != nil {
		return models.Anchor{}, err
	}
	low = newLow

	if !target.After(lowTS) {
		return models.Anchor{Height: low, Timestamp: &lowTS}, nil
	}
	if !target.Before(highTS) {
		return models.Anchor{Height: high, Timestamp: &highTS}, nil
	}

	// Lower-bound search for the first answering block at or after the
	// target. Silent probes never narrow the range on their own; each
	// step is anchored to the nearest height that actually answered.
	// The upper boundary check above guarantees high qualifies, so the
	// candidate starts there.
	lo, hi, cand := low, high, high
	for lo <= hi {
		mid := lo + (hi-lo)/2
		h, ts, err := firstAnswering(ctx, client, mid, hi, &skips)
		if err != nil {
			if errors.Is(err, errSkipBudget) {
				log.WithFields(logger.Fields{
					"height": mid,
				}).Warn("timestamp skip budget exhausted; settling on nearest known bound")
				break
			}
			return models.Anchor{}, err
		}
		if h < 0 {
			// Nothing in [mid, hi] answers; any remaining qualifier
			// sits below mid.
			hi = mid - 1
			continue
		}
		if ts.Before(target) {
			lo = h + 1
		} else {
			if h < cand {
				cand = h
			}
			hi = mid - 1
		}
	}

	return nearest(ctx, client, target, cand, low, high, &skips)
}

var errSkipBudget = errors.New("locate: timestamp skip budget exhausted")

// firstAnswering walks upward from height until a timestamp answers,
// stopping at ceil. Returns -1 when the whole stretch stays silent.
func firstAnswering(ctx context.Context, client chain.Client, height, ceil int64, skips *int) (int64, time.Time, error) {
	for h := height; h <= ceil; h++ {
		ts, err := client.BlockTimestamp(ctx, h)
		if err == nil {
			return h, ts, nil
		}
		if !chain.Retryable(err) {
			return 0, time.Time{}, fmt.Errorf("probe height %d: %w", h, err)
		}
		*skips--
		if *skips < 0 {
			return 0, time.Time{}, errSkipBudget
		}
	}
	return -1, time.Time{}, nil
}

// nearest compares the lower-bound candidate with its predecessor on pure
// wall-clock distance and returns whichever sits closer to target.
func nearest(ctx context.Context, client chain.Client, target time.Time, candidate, low, high int64, skips *int) (models.Anchor, error) {
	best := models.Anchor{}
	bestDist := math.Inf(1)

	consider := func(h int64, ts time.Time) {
		d := math.Abs(target.Sub(ts).Seconds())
		if d < bestDist {
			bestDist = d
			best = models.Anchor{Height: h, Timestamp: &ts}
		}
	}

	if candidate >= low && candidate <= high {
		ts, err := client.BlockTimestamp(ctx, candidate)
		if err == nil {
			consider(candidate, ts)
		} else if !chain.Retryable(err) {
			return models.Anchor{}, fmt.Errorf("probe height %d: %w", candidate, err)
		} else {
			*skips--
		}
	}

	// The immediate predecessor may be silent; walk down to the nearest
	// height that answers before comparing.
	for h := candidate - 1; h >= low && *skips >= 0; h-- {
		ts, err := client.BlockTimestamp(ctx, h)
		if err != nil {
			if !chain.Retryable(err) {
				return models.Anchor{}, fmt.Errorf("probe height %d: %w", h, err)
			}
			*skips--
			continue
		}
		consider(h, ts)
		break
	}

	if best.Timestamp == nil {
		return models.Anchor{}, fmt.Errorf("%w: around height %d", ErrNotFound, candidate)
	}
	return best, nil
}

// probeDown walks downward from height until a timestamp answers.
func probeDown(ctx context.Context, client chain.Client, height, floor int64, skips *int) (time.Time, int64, error) {
	for h := height; h >= floor; h-- {
		ts, err := client.BlockTimestamp(ctx, h)
		if err == nil {
			return ts, h, nil
		}
		if !chain.Retryable(err) {
			return time.Time{}, 0, fmt.Errorf("probe height %d: %w", h, err)
		}
		*skips--
		if *skips < 0 {
			return time.Time{}, 0, fmt.Errorf("%w: below height %d", ErrNotFound, height)
		}
	}
	return time.Time{}, 0, fmt.Errorf("%w: range [%d, %d]", ErrNotFound, floor, height)
}

// probeUp binary-searches for the earliest height with retrievable state,
// then walks the remainder linearly under the skip budget.
func probeUp(ctx context.Context, client chain.Client, low, high int64, skips *int) (time.Time, int64, error) {
	lo, hi := low, high
	var found int64 = -1
	var foundTS time.Time

	for lo <= hi {
		mid := lo + (hi-lo)/2
		ts, err := client.BlockTimestamp(ctx, mid)
		if err != nil {
			if !chain.Retryable(err) {
				return time.Time{}, 0, fmt.Errorf("probe height %d: %w", mid, err)
			}
			*skips--
			if *skips < 0 {
				return time.Time{}, 0, fmt.Errorf("%w: above height %d", ErrNotFound, low)
			}
			lo = mid + 1
			continue
		}
		found = mid
		foundTS = ts
		hi = mid - 1
	}

	if found < 0 {
		return time.Time{}, 0, fmt.Errorf("%w: range [%d, %d]", ErrNotFound, low, high)
	}
	return foundTS, found, nil
}
