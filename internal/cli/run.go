package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/taskchain/internal/comm"
	"github.com/born-ml/taskchain/internal/ctxlog"
	"github.com/born-ml/taskchain/internal/metrics"
	"github.com/born-ml/taskchain/internal/parallel"
	"github.com/born-ml/taskchain/internal/plan"
	"github.com/born-ml/taskchain/internal/scheduler"
)

// Run loads the plan named by cfg, runs every chain on every rank, applies
// the plan's forces and prints the results of rank 0 to out. Logs go to
// logW.
func Run(ctx context.Context, cfg *Config, out, logW io.Writer) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	ctx = ctxlog.WithLogger(ctx, logger)

	p, err := plan.Load(ctx, cfg.PlanPath)
	if err != nil {
		if plan.IsUserError(err) {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		return err
	}
	if cfg.Threads >= 0 {
		p.Threads = cfg.Threads
	}
	if cfg.Ranks > 0 {
		p.Ranks = cfg.Ranks
	}
	logger.Info("Plan loaded.", "path", cfg.PlanPath, "nodes", len(p.Nodes), "ranks", p.Ranks, "threads", p.Threads)

	// Each rank owns its own graph; all are built before any rank starts.
	built := make([]*plan.Built, p.Ranks)
	for r := range built {
		b, err := plan.Build(ctx, p)
		if err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		built[r] = b
	}

	var reg *prometheus.Registry
	var rec *metrics.Recorder
	if p.Timings || cfg.Metrics {
		reg = prometheus.NewRegistry()
		rec = metrics.New(reg)
	}

	opts := scheduler.Options{Parallel: parallel.DefaultConfig(), Serial: p.Serial}
	if p.Threads > 0 {
		opts.Parallel = parallel.Config{
			Enabled:           p.Threads > 1,
			NumWorkers:        p.Threads,
			MinTasksPerWorker: parallel.DefaultConfig().MinTasksPerWorker,
		}
	}

	comms := make([]comm.Communicator, p.Ranks)
	if p.Ranks == 1 {
		comms[0] = comm.Serial{}
	} else {
		for r, c := range comm.NewLocalGroup(p.Ranks) {
			comms[r] = c
		}
	}

	forces := make([][]float64, p.Ranks)
	eg, egCtx := errgroup.WithContext(ctx)
	for r := range built {
		r := r
		eg.Go(func() error {
			// Only rank 0 records, so every metric is registered once.
			var rankRec *metrics.Recorder
			if r == 0 {
				rankRec = rec
			}
			rankCtx := ctxlog.WithLogger(egCtx, logger.With("rank", r))
			s := scheduler.New(built[r].Graph, comms[r], opts, rankRec)
			s.RunAll(rankCtx)

			if len(built[r].Forced) > 0 {
				f := make([]float64, built[r].ForceSize())
				for _, id := range built[r].Forced {
					s.ForcesFromValues(rankCtx, id, f)
				}
				forces[r] = f
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Debug("All ranks finished.")

	if err := report(out, built[0], forces[0]); err != nil {
		return err
	}
	if reg != nil && cfg.Metrics {
		return writeMetrics(out, reg)
	}
	return nil
}

// report prints every value of the graph followed by the force vector.
func report(out io.Writer, b *plan.Built, forces []float64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, n := range b.Graph.Nodes() {
		for _, v := range n.Values() {
			if v.Rank() > 0 && !v.StoreData() {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\n", v.Name(), formatFloats(v.Data()))
		}
	}
	if forces != nil {
		fmt.Fprintf(tw, "forces\t%s\n", formatFloats(forces))
	}
	return tw.Flush()
}

func formatFloats(xs []float64) string {
	if len(xs) == 1 {
		return fmt.Sprintf("%g", xs[0])
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%g", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func writeMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}
