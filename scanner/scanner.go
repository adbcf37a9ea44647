// Package scanner drives scan slices to exhaustion against a Prober
// and feeds the completed measurements into the aggregator.
package scanner

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/overlaybw/bwscan/aggregator"
	"github.com/overlaybw/bwscan/relay"
	"github.com/overlaybw/bwscan/scan"
)

// Scanner coordinates one or more scan generations. Each slice is
// confined to its own goroutine; the aggregator is the single shared
// sink and all calls into it are serialized here.
type Scanner struct {
	log     *slog.Logger
	clock   clockwork.Clock
	prober  Prober
	agg     *aggregator.Aggregator
	metrics *Metrics

	aggMu sync.Mutex
}

// New creates a scanner. metrics may be nil.
func New(log *slog.Logger, clock clockwork.Clock, prober Prober, agg *aggregator.Aggregator, metrics *Metrics) *Scanner {
	return &Scanner{
		log:     log,
		clock:   clock,
		prober:  prober,
		agg:     agg,
		metrics: metrics,
	}
}

// Run executes one scan generation: seeds the aggregator with the
// generation's population and drives every slice to exhaustion in
// parallel. It returns when all slices have been measured and
// reported, or with the first slice error.
func (s *Scanner) Run(ctx context.Context, plan *scan.Plan) error {
	log := s.log.With("generation", plan.ID)

	s.aggMu.Lock()
	s.agg.ReportInitial(plan.Relays)
	s.aggMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sl := range plan.Slices {
		g.Go(func() error {
			return s.runSlice(ctx, log, plan, sl)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("scan generation complete", "slices", len(plan.Slices))
	return nil
}

func (s *Scanner) runSlice(ctx context.Context, log *slog.Logger, plan *scan.Plan, sl *scan.Slice) error {
	sliceLabel := strconv.Itoa(sl.ID())
	start := s.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entryID, exitID, ok := sl.ChooseRelayPair()
		if !ok {
			break
		}

		if s.metrics != nil {
			s.metrics.PairsSelected.WithLabelValues(sliceLabel).Add(1)
		}

		bandwidth, err := s.prober.Probe(ctx, entryID, exitID, sl.TransferSize())
		if err != nil {
			// the pair's budget is consumed either way; retry policy
			// belongs to the prober
			log.Warn("probe failed",
				"slice", sl.ID(),
				"entry", entryID,
				"exit", exitID,
				"err", err)
			if s.metrics != nil {
				s.metrics.ProbesFailed.WithLabelValues(sliceLabel).Add(1)
			}
			continue
		}

		target, ok := measuredRelay(plan, entryID, exitID)
		if !ok {
			log.Error("selected pair has no measurable relay",
				"slice", sl.ID(),
				"entry", entryID,
				"exit", exitID)
			continue
		}
		target.AddSample(bandwidth)

		if s.metrics != nil {
			s.metrics.ProbesCompleted.WithLabelValues(sliceLabel).Add(1)
		}
	}

	sl.LogStatus()

	if s.metrics != nil {
		s.metrics.SliceDuration.WithLabelValues(sliceLabel).
			Observe(s.clock.Now().Sub(start).Seconds())
	}

	s.aggMu.Lock()
	err := s.agg.ReportMeasurements(plan.Relays, plan.SliceSize, sl.ID())
	s.aggMu.Unlock()

	return err
}

// measuredRelay returns the target side of a probe pair: whichever
// relay is not the authority standing in as the counterpart.
func measuredRelay(plan *scan.Plan, entryID, exitID string) (*relay.Relay, bool) {
	if r, ok := plan.Relay(entryID); ok && !r.IsAuthority {
		return r, true
	}
	if r, ok := plan.Relay(exitID); ok && !r.IsAuthority {
		return r, true
	}
	return nil, false
}
