package scan

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/overlaybw/bwscan/relay"
)

// Config holds the knobs for building a scan generation.
type Config struct {
	// SliceSize is the number of measurement targets per slice.
	SliceSize int

	// ProbesPerRelay is the per-relay measurement target within a slice.
	ProbesPerRelay int

	// OnlyMeasureExits drops entry relays from every slice.
	OnlyMeasureExits bool
}

// Plan is one scan generation: the bandwidth-ordered measurement
// population and the slices covering it. Slice i covers
// Relays[i*SliceSize : (i+1)*SliceSize], which is also the window the
// aggregator is told to read when slice i finishes.
type Plan struct {
	ID        string
	Relays    []*relay.Relay
	Auths     []*relay.Relay
	Slices    []*Slice
	SliceSize int

	byID map[string]*relay.Relay
}

// Relay looks up a relay from this generation by identity.
func (p *Plan) Relay(id string) (*relay.Relay, bool) {
	r, ok := p.byID[id]
	return r, ok
}

// Build partitions a roster into slices. Relays are ordered by
// descriptor bandwidth, fastest first, so each slice covers a
// contiguous bandwidth band and its percentile picks a sensible probe
// transfer size. Authorities are pairing partners for every slice and
// are added to all of them.
func Build(log *slog.Logger, relays []*relay.Relay, cfg Config) (*Plan, error) {
	if cfg.SliceSize <= 0 {
		return nil, fmt.Errorf("slice size must be positive, got %d", cfg.SliceSize)
	}
	if cfg.ProbesPerRelay <= 0 {
		return nil, fmt.Errorf("probes per relay must be positive, got %d", cfg.ProbesPerRelay)
	}

	plan := &Plan{
		ID:        ulid.Make().String(),
		SliceSize: cfg.SliceSize,
		byID:      make(map[string]*relay.Relay, len(relays)),
	}

	for _, r := range relays {
		plan.byID[r.ID] = r
		if r.IsAuthority {
			plan.Auths = append(plan.Auths, r)
			continue
		}
		if cfg.OnlyMeasureExits && r.IsEntry() {
			continue
		}
		plan.Relays = append(plan.Relays, r)
	}

	if len(plan.Auths) == 0 {
		return nil, fmt.Errorf("no authorities in roster")
	}
	if len(plan.Relays) == 0 {
		return nil, fmt.Errorf("no measurement targets in roster")
	}

	sort.SliceStable(plan.Relays, func(i, j int) bool {
		if plan.Relays[i].DescriptorBandwidth != plan.Relays[j].DescriptorBandwidth {
			return plan.Relays[i].DescriptorBandwidth > plan.Relays[j].DescriptorBandwidth
		}
		return plan.Relays[i].ID < plan.Relays[j].ID
	})

	total := len(plan.Relays)
	for start := 0; start < total; start += cfg.SliceSize {
		percentile := float64(start) / float64(total)
		sl := NewSlice(log, len(plan.Slices), percentile, cfg.ProbesPerRelay)

		end := start + cfg.SliceSize
		if end > total {
			end = total
		}
		for _, r := range plan.Relays[start:end] {
			sl.AddRelay(r, cfg.OnlyMeasureExits)
		}
		for _, a := range plan.Auths {
			sl.AddRelay(a, cfg.OnlyMeasureExits)
		}

		plan.Slices = append(plan.Slices, sl)
	}

	log.Info("built scan plan",
		"generation", plan.ID,
		"relays", total,
		"auths", len(plan.Auths),
		"slices", len(plan.Slices),
		"sliceSize", cfg.SliceSize)

	return plan, nil
}
