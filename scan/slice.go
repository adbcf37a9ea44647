// Package scan implements the probe scheduling side of the bandwidth
// scanner: partitioning a relay population into slices and picking,
// for each slice, the next relay pair to measure.
package scan

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/overlaybw/bwscan/relay"
)

// Slice is one independently scheduled scan segment. It tracks a probe
// count per relay and hands out the least-measured relay (paired with a
// least-used authority) on each call to ChooseRelayPair.
//
// A Slice is not safe for concurrent use; each slice is driven by a
// single goroutine.
type Slice struct {
	id             int
	percentile     float64
	probesPerRelay int

	entries map[string]int
	exits   map[string]int
	auths   map[string]int

	// one-slot cache for Contains
	searchID    string
	searchFound bool
	searchValid bool

	randFloat func() float64

	log *slog.Logger
}

// NewSlice creates an empty slice for segment id. The percentile says
// where in the bandwidth-ordered population this segment starts and
// only influences the probe transfer size. probesPerRelay is the
// per-relay measurement target.
func NewSlice(log *slog.Logger, id int, percentile float64, probesPerRelay int) *Slice {
	return &Slice{
		id:             id,
		percentile:     percentile,
		probesPerRelay: probesPerRelay,
		entries:        map[string]int{},
		exits:          map[string]int{},
		auths:          map[string]int{},
		randFloat:      rand.Float64,
		log:            log,
	}
}

func (s *Slice) ID() int             { return s.id }
func (s *Slice) Percentile() float64 { return s.percentile }

// AddRelay classifies the relay into the authority, exit or entry
// partition and resets its probe count to zero. Entry relays are
// skipped entirely when onlyMeasureExits is set.
//
// Re-adding an identity resets its measurement progress; callers add
// each relay at most once per scan generation.
func (s *Slice) AddRelay(r *relay.Relay, onlyMeasureExits bool) {
	if r == nil {
		panic("scan: AddRelay called with nil relay")
	}

	switch {
	case r.IsAuthority:
		s.auths[r.ID] = 0
	case r.IsExit:
		s.exits[r.ID] = 0
	case !onlyMeasureExits:
		s.entries[r.ID] = 0
	}
}

// Len returns the number of measurement targets (entries plus exits).
// Authorities are pairing partners, not targets, and are not counted.
func (s *Slice) Len() int {
	return len(s.entries) + len(s.exits)
}

// NumProbesRemaining sums the unmet probe targets over all entry and
// exit relays. The slice is exhausted when this reaches zero.
func (s *Slice) NumProbesRemaining() int {
	remaining := 0
	for _, count := range s.entries {
		if count < s.probesPerRelay {
			remaining += s.probesPerRelay - count
		}
	}
	for _, count := range s.exits {
		if count < s.probesPerRelay {
			remaining += s.probesPerRelay - count
		}
	}
	return remaining
}

// candidates returns every relay in table whose probe count equals the
// table's minimum, i.e. the least-measured relays.
func candidates(table map[string]int) []string {
	minProbes := math.MaxInt
	for _, count := range table {
		if count < minProbes {
			minProbes = count
		}
	}

	var ids []string
	for id, count := range table {
		if count == minProbes {
			ids = append(ids, id)
		}
	}
	return ids
}

// randomIndex picks a uniform index in [0, numElements). The draw is
// a float scaled to the set size and floored, with the top edge
// adjusted down.
func (s *Slice) randomIndex(numElements int) int {
	if numElements <= 0 {
		return 0
	}

	rIndex := int(math.Floor(s.randFloat() * float64(numElements)))
	if rIndex >= numElements {
		rIndex = numElements - 1
	}
	return rIndex
}

// ChooseRelayPair picks the next relay pair to probe: one least-measured
// target from entries and exits combined, and one least-used authority,
// each chosen uniformly at random among the tied minimum. The target's
// probe count is incremented; the authority's is not.
//
// The returned pair is labeled by role: a target from the entries
// partition is returned as the entry with the authority standing in as
// the exit, and the other way around for an exit target.
//
// ok is false when the slice is exhausted.
func (s *Slice) ChooseRelayPair() (entryID, exitID string, ok bool) {
	remaining := s.NumProbesRemaining()
	if remaining <= 0 {
		return "", "", false
	}

	targets := make(map[string]int, len(s.entries)+len(s.exits))
	for id, count := range s.entries {
		targets[id] = count
	}
	for id, count := range s.exits {
		targets[id] = count
	}

	candidateTargets := candidates(targets)
	candidateAuths := candidates(s.auths)

	if len(candidateTargets) == 0 || len(candidateAuths) == 0 {
		s.log.Error("had probes remaining but no candidates",
			"slice", s.id,
			"remaining", remaining,
			"candidateTargets", len(candidateTargets),
			"candidateAuths", len(candidateAuths))
		return "", "", false
	}

	targetPosition := s.randomIndex(len(candidateTargets))
	authPosition := s.randomIndex(len(candidateAuths))

	targetID := candidateTargets[targetPosition]
	authID := candidateAuths[authPosition]

	count, measureEntry := s.entries[targetID]
	if !measureEntry {
		count = s.exits[targetID]
	}
	count++
	if measureEntry {
		s.entries[targetID] = count
	} else {
		s.exits[targetID] = count
	}

	s.log.Debug("chose relay pair",
		"slice", s.id,
		"candidateTargets", len(candidateTargets),
		"targets", len(targets),
		"candidateAuths", len(candidateAuths),
		"auths", len(s.auths),
		"target", targetID,
		"auth", authID,
		"measureEntry", measureEntry,
		"targetProbeCount", count)

	if measureEntry {
		return targetID, authID, true
	}
	return authID, targetID, true
}

// transferSizeBands maps a slice's percentile to the probe payload
// size: large transfers for the fast head of the population, small
// ones for the tail. Derived from the bwfiles table the real bandwidth
// scanners use.
var transferSizeBands = []struct {
	upperPercentile float64
	bytes           int64
}{
	{0.01, 1024 * 1024 * 1024}, // 1 GiB
	{0.07, 2 * 1024 * 1024},    // 2 MiB
	{0.23, 1024 * 1024},        // 1 MiB
	{0.53, 512 * 1024},
	{0.82, 256 * 1024},
	{0.95, 128 * 1024},
	{0.99, 64 * 1024},
}

const minTransferSize = 32 * 1024

// TransferSize returns the probe payload size for this slice's
// percentile band.
func (s *Slice) TransferSize() int64 {
	for _, band := range transferSizeBands {
		if s.percentile < band.upperPercentile {
			return band.bytes
		}
	}
	return minTransferSize
}

// Contains reports whether the identity is a measurement target in
// this slice. Only entries and exits are searched, not authorities.
// The previous lookup is cached so bursts of repeated queries for the
// same identity skip the scan.
func (s *Slice) Contains(relayID string) bool {
	if relayID == "" {
		return false
	}

	if s.searchValid && strings.EqualFold(relayID, s.searchID) {
		return s.searchFound
	}

	found := false
	for id := range s.entries {
		if strings.EqualFold(id, relayID) {
			found = true
			break
		}
	}
	if !found {
		for id := range s.exits {
			if strings.EqualFold(id, relayID) {
				found = true
				break
			}
		}
	}

	s.searchID = relayID
	s.searchFound = found
	s.searchValid = true

	return found
}

// LogStatus writes a one line progress summary for the slice.
func (s *Slice) LogStatus() {
	s.log.Info("slice status",
		"slice", s.id,
		"entries", len(s.entries),
		"exits", len(s.exits),
		"auths", len(s.auths),
		"remaining", s.NumProbesRemaining())
}
