// Package aggregator folds completed measurements into the global
// bandwidth statistics table and publishes versioned bandwidth files
// for the downstream voting infrastructure.
package aggregator

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/overlaybw/bwscan/relay"
)

// ErrNotInitialized is returned when measurements are reported before
// the statistics table has been seeded with ReportInitial.
var ErrNotInitialized = errors.New("aggregator: not initialized")

// RelayStats is the statistics entry for one relay. Entries are
// created the first time a relay is seen and updated in place on later
// reports; they are never removed.
type RelayStats struct {
	ID       string
	Nickname string

	DescriptorBandwidth int64
	AdvertisedBandwidth int64
	MeanBandwidth       int64
	FilteredBandwidth   int64

	// NewBandwidth is the published value, recomputed on every publish.
	NewBandwidth int64
}

// Config holds the aggregator settings.
type Config struct {
	// Path is the published filename. Each publish writes
	// Path.<version> and repoints Path at it.
	Path string

	// NodeCap is the maximum fraction of the total redistributed
	// bandwidth any single relay may keep.
	NodeCap float64

	// MinSamples is how many probe samples a relay needs before a
	// measurement report updates its statistics.
	MinSamples int
}

// Aggregator is the single shared sink for measurement results.
// Callers serialize access; the scanner drives it from behind a mutex.
type Aggregator struct {
	log     *slog.Logger
	fs      afero.Fs
	clock   clockwork.Clock
	cfg     Config
	metrics *Metrics

	stats      map[string]*RelayStats
	gotInitial bool
	version    int
}

// New creates an aggregator publishing to cfg.Path on fs. metrics may
// be nil.
func New(log *slog.Logger, fsys afero.Fs, clock clockwork.Clock, cfg Config, metrics *Metrics) *Aggregator {
	return &Aggregator{
		log:     log,
		fs:      fsys,
		clock:   clock,
		cfg:     cfg,
		metrics: metrics,
		stats:   map[string]*RelayStats{},
	}
}

// Version returns the next publish version, i.e. the number of
// publishes performed so far.
func (a *Aggregator) Version() int {
	return a.version
}

// ReportInitial seeds the statistics table with each relay's
// descriptor bandwidth standing in for its measured statistics. Only
// the first call does anything.
func (a *Aggregator) ReportInitial(relays []*relay.Relay) {
	if a.gotInitial {
		return
	}
	a.gotInitial = true

	for _, r := range relays {
		a.stats[r.ID] = &RelayStats{
			ID:                  r.ID,
			Nickname:            r.Nickname,
			DescriptorBandwidth: r.DescriptorBandwidth,
			AdvertisedBandwidth: r.AdvertisedBandwidth,
			MeanBandwidth:       r.DescriptorBandwidth,
			FilteredBandwidth:   r.DescriptorBandwidth,
		}
	}

	if a.metrics != nil {
		a.metrics.TrackedRelays.Set(float64(len(a.stats)))
	}

	a.log.Info("seeded bandwidth statistics", "relays", len(a.stats))
}

// ReportMeasurements upserts statistics for the relays in the window
// [sliceSize*sliceIndex, sliceSize*(sliceIndex+1)) of relays that have
// reached the sample threshold, then publishes a new bandwidth file.
func (a *Aggregator) ReportMeasurements(relays []*relay.Relay, sliceSize, sliceIndex int) error {
	if !a.gotInitial {
		return ErrNotInitialized
	}

	start := sliceSize * sliceIndex
	updated := 0
	for i := start; i < start+sliceSize && i < len(relays); i++ {
		r := relays[i]
		if r.MeasureCount() < a.cfg.MinSamples {
			continue
		}

		mean := r.MeanBandwidth()
		a.stats[r.ID] = &RelayStats{
			ID:                  r.ID,
			Nickname:            r.Nickname,
			DescriptorBandwidth: r.DescriptorBandwidth,
			AdvertisedBandwidth: r.AdvertisedBandwidth,
			MeanBandwidth:       mean,
			FilteredBandwidth:   r.FilteredBandwidth(mean),
		}
		updated++
	}

	a.log.Info("measurement report",
		"slice", sliceIndex,
		"sliceSize", sliceSize,
		"updated", updated)

	if a.metrics != nil {
		a.metrics.TrackedRelays.Set(float64(len(a.stats)))
	}

	a.publish()
	return nil
}

// publish recomputes every relay's redistributed bandwidth, writes a
// new versioned bandwidth file and repoints the published name at it.
// The version advances even when the write or relink fails; a stale
// pointer is preferable to a stalled publisher.
func (a *Aggregator) publish() {
	var totalMean, totalFiltered int64
	for _, st := range a.stats {
		totalMean += st.MeanBandwidth
		totalFiltered += st.FilteredBandwidth
	}

	var avgMean, avgFiltered float64
	if len(a.stats) > 0 {
		avgMean = float64(totalMean) / float64(len(a.stats))
		avgFiltered = float64(totalFiltered) / float64(len(a.stats))
	}

	// weight each relay by the more generous of its two ratios to the
	// population average
	var totalBandwidth int64
	for _, st := range a.stats {
		var ratio float64
		if avgMean > 0 {
			ratio = float64(st.MeanBandwidth) / avgMean
		}
		if avgFiltered > 0 {
			ratio = math.Max(ratio, float64(st.FilteredBandwidth)/avgFiltered)
		}
		st.NewBandwidth = int64(float64(st.AdvertisedBandwidth) * ratio)
		totalBandwidth += st.NewBandwidth
	}

	maxBandwidth := int64(a.cfg.NodeCap * float64(totalBandwidth))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n", a.clock.Now().Unix())

	for _, st := range a.stats {
		if st.NewBandwidth > maxBandwidth {
			a.log.Warn("capping bandwidth for extremely fast relay",
				"relay", st.Nickname,
				"id", st.ID,
				"bandwidth", st.NewBandwidth,
				"cap", maxBandwidth)
			st.NewBandwidth = maxBandwidth
			if a.metrics != nil {
				a.metrics.CappedRelays.Add(1)
			}
		}

		fmt.Fprintf(&buf, "node_id=$%s bw=%d nick=%s\n", st.ID, st.NewBandwidth, st.Nickname)
	}

	newFilename := fmt.Sprintf("%s.%d", a.cfg.Path, a.version)

	if err := afero.WriteFile(a.fs, newFilename, buf.Bytes(), 0o644); err != nil {
		a.log.Error("could not write bandwidth file", "file", newFilename, "err", err)
		if a.metrics != nil {
			a.metrics.PublishErrors.Add(1)
		}
	} else {
		a.relink(newFilename)
	}

	a.version++

	if a.metrics != nil {
		a.metrics.Publishes.Add(1)
		a.metrics.PublishVersion.Set(float64(a.version))
	}

	a.log.Info("published bandwidth file",
		"file", newFilename,
		"version", a.version,
		"relays", len(a.stats),
		"totalBandwidth", totalBandwidth)
}

// relink points the well known published filename at the most recent
// versioned file. Best effort: failures are logged and the next
// publish tries again with the next version.
func (a *Aggregator) relink(newFilename string) {
	if err := a.fs.Remove(a.cfg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.log.Warn("unable to remove published symlink", "file", a.cfg.Path, "err", err)
	}

	linker, ok := a.fs.(afero.Symlinker)
	if !ok {
		a.log.Warn("filesystem does not support symlinks, published name not updated",
			"file", a.cfg.Path)
		if a.metrics != nil {
			a.metrics.RelinkErrors.Add(1)
		}
		return
	}

	if err := linker.SymlinkIfPossible(newFilename, a.cfg.Path); err != nil {
		a.log.Warn("unable to create published symlink",
			"from", a.cfg.Path, "to", newFilename, "err", err)
		if a.metrics != nil {
			a.metrics.RelinkErrors.Add(1)
		}
	}
}
