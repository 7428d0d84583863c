package models

import (
	"time"
)

// Anchor is a resolved block believed to sit at or near a target instant.
// Timestamp is nil when the node could not report one for the height; such
// anchors are still usable to seed estimation but not for tolerance checks.
type Anchor struct {
	Height    int64      `json:"block"`
	Timestamp *time.Time `json:"block_timestamp_utc"`
}

// Verified reports whether the anchor carries a chain-confirmed timestamp.
func (a Anchor) Verified() bool {
	return a.Timestamp != nil
}

// SubnetPrice is one subnet's alpha-token price in TAO at a sampled block.
// Price is nil when the chain could not report a price for the netuid.
type SubnetPrice struct {
	Netuid int      `json:"netuid"`
	Price  *float64 `json:"price_tao_per_alpha"`
}

// SubnetEmission carries per-subnet emission and validator metadata read at
// a sampled block.
type SubnetEmission struct {
	Netuid        int     `json:"netuid"`
	EmissionRate  float64 `json:"emission_rate"`
	TotalStake    float64 `json:"total_stake"`
	NumValidators int     `json:"num_validators"`
}

// Sample pairs one requested instant with the state fetched at its resolved
// anchor. Prices may be nil as a whole when the snapshot fetch failed.
type Sample struct {
	RequestedTime time.Time        `json:"requested_time"`
	ClosestBlock  int64            `json:"closest_block"`
	BlockTime     *time.Time       `json:"block_timestamp_utc"`
	Prices        []SubnetPrice    `json:"prices"`
	Emissions     []SubnetEmission `json:"emissions,omitempty"`
}

// DayRecord is the persisted output for one day. Samples always holds
// exactly SamplesPerDay entries, in requested order, even when every fetch
// failed. With a single sample per day the sample's fields are mirrored at
// the top level for older consumers; see MarshalJSON in day.go.
type DayRecord struct {
	Date          string   `json:"date"`
	Network       string   `json:"network"`
	SamplesPerDay int      `json:"samples_per_day"`
	Samples       []Sample `json:"samples"`
}

// PriceRow is the flat parquet projection of a sample entry.
type PriceRow struct {
	Date          string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Network       string  `parquet:"name=network, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestedTime int64   `parquet:"name=requested_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ClosestBlock  int64   `parquet:"name=closest_block, type=INT64"`
	Netuid        int32   `parquet:"name=netuid, type=INT32"`
	Price         float64 `parquet:"name=price_tao_per_alpha, type=DOUBLE"`
	PriceValid    bool    `parquet:"name=price_valid, type=BOOLEAN"`
}
