package scanner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/overlaybw/bwscan/scan"
)

// Prober performs one bandwidth probe through the entry/exit pair and
// returns the observed bandwidth in bytes per second. Implementations
// own all network I/O, timeouts and retry policy.
type Prober interface {
	Probe(ctx context.Context, entryID, exitID string, transferBytes int64) (int64, error)
}

// SimulatedProber synthesizes probe results from the pair's advertised
// bandwidths. It stands in for a live worker pool in harness runs and
// simulations.
//
// Slices probe in parallel, so the shared random source is locked.
type SimulatedProber struct {
	plan *scan.Plan

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedProber(plan *scan.Plan, seed uint64) *SimulatedProber {
	return &SimulatedProber{
		plan: plan,
		rng:  rand.New(rand.NewPCG(seed, seed)),
	}
}

func (p *SimulatedProber) Probe(ctx context.Context, entryID, exitID string, transferBytes int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entry, ok := p.plan.Relay(entryID)
	if !ok {
		return 0, fmt.Errorf("unknown entry relay %s", entryID)
	}
	exit, ok := p.plan.Relay(exitID)
	if !ok {
		return 0, fmt.Errorf("unknown exit relay %s", exitID)
	}

	// the path is as fast as its slower relay
	bandwidth := min(capacity(entry.AdvertisedBandwidth, entry.DescriptorBandwidth),
		capacity(exit.AdvertisedBandwidth, exit.DescriptorBandwidth))

	p.mu.Lock()
	jitter := 0.75 + 0.25*p.rng.Float64()
	p.mu.Unlock()

	return int64(float64(bandwidth) * jitter), nil
}

func capacity(advertised, descriptor int64) int64 {
	if advertised > 0 {
		return advertised
	}
	return descriptor
}
