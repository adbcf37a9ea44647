// Package daemon wires the roster, scan planner, scanner and
// aggregator into the bwscand command.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/overlaybw/bwscan/aggregator"
	"github.com/overlaybw/bwscan/logger"
	"github.com/overlaybw/bwscan/metrics"
	"github.com/overlaybw/bwscan/roster"
	"github.com/overlaybw/bwscan/scan"
	"github.com/overlaybw/bwscan/scanner"
	"github.com/overlaybw/bwscan/version"
)

// Cmd is the bwscand command tree.
type Cmd struct {
	Scan    ScanCmd    `cmd:"" help:"Run one scan generation"`
	Server  ServerCmd  `cmd:"" help:"Run continuously, rescanning when the roster changes"`
	Version VersionCmd `cmd:"" help:"Print version and build information"`
}

type scanOptions struct {
	Roster         string  `required:"" help:"Roster JSON file" type:"path"`
	Output         string  `default:"v3bw" help:"Published bandwidth filename" type:"path"`
	NodeCap        float64 `default:"0.05" help:"Maximum fraction of total bandwidth any relay may keep"`
	SliceSize      int     `default:"50" help:"Measurement targets per slice"`
	ProbesPerRelay int     `default:"5" help:"Probe target per relay within a slice"`
	MinSamples     int     `default:"5" help:"Samples required before a relay's statistics update"`
	ExitsOnly      bool    `help:"Only measure exit relays"`
	ProbeSeed      uint64  `default:"1" help:"Seed for the simulated prober"`
	MetricsPort    int     `default:"9090" help:"Metrics server port" name:"metrics-port"`
}

type (
	ScanCmd struct {
		scanOptions
	}
	ServerCmd struct {
		scanOptions
	}
	VersionCmd struct{}
)

func (c *ScanCmd) Run(ctx context.Context) error {
	return run(ctx, c.scanOptions, false)
}

func (c *ServerCmd) Run(ctx context.Context) error {
	return run(ctx, c.scanOptions, true)
}

func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Printf("bwscand %s\n", version.Version())
	return nil
}

func run(ctx context.Context, opts scanOptions, continuous bool) error {
	log := logger.Setup()
	ctx = logger.NewContext(ctx, log)

	log.InfoContext(ctx, "bwscand starting", "version", version.Version())

	metricssrv := metrics.New()
	version.RegisterMetric("bwscand", metricssrv.Registry())
	go func() {
		if err := metricssrv.ListenAndServe(ctx, opts.MetricsPort); err != nil {
			log.Error("metrics server error", "err", err)
		}
	}()

	fsys := afero.NewOsFs()
	clock := clockwork.NewRealClock()

	agg := aggregator.New(log, fsys, clock,
		aggregator.Config{
			Path:       opts.Output,
			NodeCap:    opts.NodeCap,
			MinSamples: opts.MinSamples,
		},
		aggregator.NewMetrics(metricssrv.Registry()),
	)
	scanMetrics := scanner.NewMetrics(metricssrv.Registry())

	runOnce := func() error {
		relays, err := roster.Load(fsys, opts.Roster)
		if err != nil {
			return err
		}

		plan, err := scan.Build(log, relays, scan.Config{
			SliceSize:        opts.SliceSize,
			ProbesPerRelay:   opts.ProbesPerRelay,
			OnlyMeasureExits: opts.ExitsOnly,
		})
		if err != nil {
			return err
		}

		// probe workers attach here; the simulated prober stands in
		// until they do
		prober := scanner.NewSimulatedProber(plan, opts.ProbeSeed)

		return scanner.New(log, clock, prober, agg, scanMetrics).Run(ctx, plan)
	}

	if !continuous {
		return runOnce()
	}

	changes, err := roster.Watch(ctx, log, opts.Roster)
	if err != nil {
		return fmt.Errorf("watching roster: %w", err)
	}

	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = time.Second * 3
	expback.MaxInterval = time.Second * 60

	for {
		if err := runOnce(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("scan generation failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-clock.After(expback.NextBackOff()):
			}
			continue
		}
		expback.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			log.InfoContext(ctx, "roster changed, starting new scan generation")
		}
	}
}
