// Package relay holds the relay records the scanner and aggregator work
// on, along with the per-relay probe sample bookkeeping.
package relay

// Relay is one node in the overlay eligible for bandwidth measurement.
//
// A Relay is owned by whichever scan generation it was loaded for; the
// slice driving its measurements is the only writer of its samples.
type Relay struct {
	ID       string
	Nickname string

	IsAuthority bool
	IsExit      bool

	// DescriptorBandwidth is the capacity the relay reports in its
	// descriptor; AdvertisedBandwidth is what it claims for load
	// balancing purposes.
	DescriptorBandwidth int64
	AdvertisedBandwidth int64

	samples []int64
}

// IsEntry reports whether the relay is neither an authority nor an exit.
func (r *Relay) IsEntry() bool {
	return !r.IsAuthority && !r.IsExit
}

// AddSample records one completed probe result (bytes per second).
func (r *Relay) AddSample(bandwidth int64) {
	r.samples = append(r.samples, bandwidth)
}

// MeasureCount returns how many probe samples have been recorded.
func (r *Relay) MeasureCount() int {
	return len(r.samples)
}

// MeanBandwidth returns the arithmetic mean of the recorded samples,
// or zero if there are none.
func (r *Relay) MeanBandwidth() int64 {
	if len(r.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range r.samples {
		total += s
	}
	return total / int64(len(r.samples))
}

// FilteredBandwidth returns the mean of the samples at or above mean,
// discarding slow outliers caused by congested probe paths. If no
// sample clears the mean it falls back to the mean itself.
func (r *Relay) FilteredBandwidth(mean int64) int64 {
	var total int64
	var count int64
	for _, s := range r.samples {
		if s >= mean {
			total += s
			count++
		}
	}
	if count == 0 {
		return mean
	}
	return total / count
}
