package chain

import (
	"context"
	"errors"
	"time"

	"alphaflow/internal/models"
)

// Client is the node boundary consumed by the locator and sampler. A block
// is addressed by its monotonic height; timestamps and per-subnet state may
// be individually unavailable on pruned archives.
type Client interface {
	// CurrentHeight returns the best known block height.
	CurrentHeight(ctx context.Context) (int64, error)

	// BlockTimestamp returns the UTC timestamp embedded in the block at
	// height. ErrUnavailable means the node has no timestamp for that
	// height (pruned state or missing inherent), which callers treat as a
	// skippable probe rather than a failure.
	BlockTimestamp(ctx context.Context, height int64) (time.Time, error)

	// SubnetPrices returns the alpha-token price in TAO per netuid as of
	// the block at height. Individual entries may be nil when the chain
	// cannot price a subnet.
	SubnetPrices(ctx context.Context, height int64) (map[int]*float64, error)

	// SubnetEmissions returns emission and validator metadata per subnet
	// as of the block at height.
	SubnetEmissions(ctx context.Context, height int64) ([]models.SubnetEmission, error)

	Close() error
}

// Dialer opens an independent connection to the node. Snapshot workers dial
// their own connection so a stalled fetch never blocks siblings on a shared
// RPC channel.
type Dialer func(ctx context.Context) (Client, error)

var (
	// ErrUnavailable marks state the node cannot serve (pruned archive,
	// missing module, null storage).
	ErrUnavailable = errors.New("chain: state unavailable")

	// ErrTimeout marks a call that exceeded its per-call deadline.
	ErrTimeout = errors.New("chain: request timed out")

	// ErrDisconnected marks a broken transport; the connection must be
	// re-dialed before further use.
	ErrDisconnected = errors.New("chain: disconnected")
)

// Retryable reports whether the error degrades a single probe rather than
// the whole connection.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
