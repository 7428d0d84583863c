package sampler

import (
	"time"

	"alphaflow/internal/models"
)

// assembleDay merges per-instant results into the day's record. Every
// requested instant appears exactly once, in order; unresolved instants are
// represented with null state rather than dropped.
func assembleDay(date, network string, samplesPerDay int, instants []time.Time, samples []*models.Sample) models.DayRecord {
	record := models.DayRecord{
		Date:          date,
		Network:       network,
		SamplesPerDay: samplesPerDay,
		Samples:       make([]models.Sample, samplesPerDay),
	}
	for i := 0; i < samplesPerDay; i++ {
		if i < len(samples) && samples[i] != nil {
			record.Samples[i] = *samples[i]
			continue
		}
		null := models.Sample{}
		if i < len(instants) {
			null.RequestedTime = instants[i]
		}
		record.Samples[i] = null
	}
	return record
}

// emptyDay builds a structurally complete record with every sample null.
func emptyDay(date, network string, samplesPerDay int, instants []time.Time) models.DayRecord {
	return assembleDay(date, network, samplesPerDay, instants, nil)
}
