package models

import (
	"encoding/json"
	"time"
)

// dayRecordAlias avoids recursive MarshalJSON.
type dayRecordAlias DayRecord

// sampleMirror repeats the single sample's fields at the document top level
// so consumers written against the one-sample layout keep working.
type sampleMirror struct {
	dayRecordAlias
	RequestedTime time.Time        `json:"requested_time"`
	ClosestBlock  int64            `json:"closest_block"`
	BlockTime     *time.Time       `json:"block_timestamp_utc"`
	Prices        []SubnetPrice    `json:"prices"`
	Emissions     []SubnetEmission `json:"emissions,omitempty"`
}

func (d DayRecord) MarshalJSON() ([]byte, error) {
	if d.SamplesPerDay != 1 || len(d.Samples) != 1 {
		return json.Marshal(dayRecordAlias(d))
	}
	s := d.Samples[0]
	return json.Marshal(sampleMirror{
		dayRecordAlias: dayRecordAlias(d),
		RequestedTime:  s.RequestedTime,
		ClosestBlock:   s.ClosestBlock,
		BlockTime:      s.BlockTime,
		Prices:         s.Prices,
		Emissions:      s.Emissions,
	})
}
