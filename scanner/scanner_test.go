package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaybw/bwscan/aggregator"
	"github.com/overlaybw/bwscan/relay"
	"github.com/overlaybw/bwscan/scan"
)

// fakeProber records probe calls and returns a fixed bandwidth, or an
// error for ids in failIDs. Slices probe concurrently, so it locks.
type fakeProber struct {
	mu      sync.Mutex
	calls   int
	failIDs map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, entryID, exitID string, transferBytes int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failIDs[entryID] || p.failIDs[exitID] {
		return 0, errors.New("probe timeout")
	}
	return 5000, nil
}

func testPlan(t *testing.T, probesPerRelay int) *scan.Plan {
	t.Helper()

	relays := []*relay.Relay{
		{ID: "e1", Nickname: "e1", DescriptorBandwidth: 400, AdvertisedBandwidth: 400},
		{ID: "e2", Nickname: "e2", DescriptorBandwidth: 300, AdvertisedBandwidth: 300},
		{ID: "x1", Nickname: "x1", IsExit: true, DescriptorBandwidth: 200, AdvertisedBandwidth: 200},
		{ID: "x2", Nickname: "x2", IsExit: true, DescriptorBandwidth: 100, AdvertisedBandwidth: 100},
		{ID: "a1", Nickname: "a1", IsAuthority: true, DescriptorBandwidth: 50, AdvertisedBandwidth: 50},
	}

	plan, err := scan.Build(slog.Default(), relays, scan.Config{
		SliceSize:      4,
		ProbesPerRelay: probesPerRelay,
	})
	require.NoError(t, err)
	require.Len(t, plan.Slices, 1)
	return plan
}

func testAggregator(minSamples int) (*aggregator.Aggregator, afero.Fs) {
	fs := afero.NewMemMapFs()
	agg := aggregator.New(slog.Default(), fs, clockwork.NewRealClock(),
		aggregator.Config{Path: "v3bw", NodeCap: 1.0, MinSamples: minSamples}, nil)
	return agg, fs
}

func TestRunMeasuresEveryTarget(t *testing.T) {
	plan := testPlan(t, 3)
	agg, fs := testAggregator(3)
	prober := &fakeProber{}

	s := New(slog.Default(), clockwork.NewRealClock(), prober, agg, nil)
	require.NoError(t, s.Run(context.Background(), plan))

	// 4 targets with 3 probes each
	assert.Equal(t, 12, prober.calls)
	for _, r := range plan.Relays {
		assert.Equal(t, 3, r.MeasureCount(), "relay %s", r.ID)
		assert.EqualValues(t, 5000, r.MeanBandwidth(), "relay %s", r.ID)
	}

	// the slice reported and the aggregator published
	assert.Equal(t, 1, agg.Version())
	exists, err := afero.Exists(fs, "v3bw.0")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunParallelSlices(t *testing.T) {
	relays := []*relay.Relay{
		{ID: "a1", Nickname: "a1", IsAuthority: true},
	}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("r%d", i)
		relays = append(relays, &relay.Relay{
			ID: id, Nickname: id,
			DescriptorBandwidth: int64(1000 - i),
			AdvertisedBandwidth: int64(1000 - i),
		})
	}

	plan, err := scan.Build(slog.Default(), relays, scan.Config{
		SliceSize:      2,
		ProbesPerRelay: 2,
	})
	require.NoError(t, err)
	require.Len(t, plan.Slices, 3)

	agg, _ := testAggregator(2)
	prober := &fakeProber{}

	s := New(slog.Default(), clockwork.NewRealClock(), prober, agg, nil)
	require.NoError(t, s.Run(context.Background(), plan))

	assert.Equal(t, 12, prober.calls)
	// one publish per slice
	assert.Equal(t, 3, agg.Version())
}

func TestRunFailedProbesConsumeBudget(t *testing.T) {
	plan := testPlan(t, 2)
	agg, _ := testAggregator(2)

	// every probe touching e1 fails
	prober := &fakeProber{failIDs: map[string]bool{"e1": true}}

	s := New(slog.Default(), clockwork.NewRealClock(), prober, agg, nil)
	require.NoError(t, s.Run(context.Background(), plan))

	// the budget was consumed despite the failures
	assert.Equal(t, 8, prober.calls)

	e1, ok := plan.Relay("e1")
	require.True(t, ok)
	assert.Equal(t, 0, e1.MeasureCount())

	e2, ok := plan.Relay("e2")
	require.True(t, ok)
	assert.Equal(t, 2, e2.MeasureCount())
}

func TestRunCanceledContext(t *testing.T) {
	plan := testPlan(t, 2)
	agg, _ := testAggregator(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(slog.Default(), clockwork.NewRealClock(), &fakeProber{}, agg, nil)
	err := s.Run(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedProberParallelSlices(t *testing.T) {
	// one simulated prober shared by every slice goroutine, as the
	// daemon wires it
	relays := []*relay.Relay{
		{ID: "a1", Nickname: "a1", IsAuthority: true,
			DescriptorBandwidth: 10000, AdvertisedBandwidth: 10000},
	}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("r%d", i)
		relays = append(relays, &relay.Relay{
			ID: id, Nickname: id,
			DescriptorBandwidth: int64(2000 - i),
			AdvertisedBandwidth: int64(2000 - i),
		})
	}

	plan, err := scan.Build(slog.Default(), relays, scan.Config{
		SliceSize:      2,
		ProbesPerRelay: 3,
	})
	require.NoError(t, err)
	require.Len(t, plan.Slices, 4)

	agg, _ := testAggregator(3)
	prober := NewSimulatedProber(plan, 7)

	s := New(slog.Default(), clockwork.NewRealClock(), prober, agg, nil)
	require.NoError(t, s.Run(context.Background(), plan))

	assert.Equal(t, 4, agg.Version())
	for _, r := range plan.Relays {
		require.Equal(t, 3, r.MeasureCount(), "relay %s", r.ID)
		// bottleneck is the relay itself, jittered down by up to a quarter
		mean := r.MeanBandwidth()
		assert.LessOrEqual(t, mean, r.AdvertisedBandwidth, "relay %s", r.ID)
		assert.GreaterOrEqual(t, mean, r.AdvertisedBandwidth*3/4-1, "relay %s", r.ID)
	}
}

func TestSimulatedProber(t *testing.T) {
	plan := testPlan(t, 1)
	prober := NewSimulatedProber(plan, 42)

	bw, err := prober.Probe(context.Background(), "e1", "a1", 1024)
	require.NoError(t, err)

	// bottleneck is the authority's 50, jittered down by up to a quarter
	assert.LessOrEqual(t, bw, int64(50))
	assert.GreaterOrEqual(t, bw, int64(37))

	_, err = prober.Probe(context.Background(), "nope", "a1", 1024)
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	_, err = prober.Probe(ctx, "e1", "a1", 1024)
	assert.Error(t, err)
}
