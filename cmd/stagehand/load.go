package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stagehand/internal/collector"
	"stagehand/internal/config"
	"stagehand/internal/coordinator"
	"stagehand/internal/core"
	"stagehand/internal/metrics"
	"stagehand/internal/progress"
	"stagehand/internal/ratelimit"
	"stagehand/internal/scenario"
	"stagehand/internal/stage"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Run a flow under the configured load schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return classify(runLoad(cmd))
	},
}

func init() {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.String(cfgOutput, "text", "output format: text, json")
	fs.Bool(cfgQuiet, false, "suppress progress output during the run")
	fs.String(cfgMetrics, "", "serve prometheus metrics on this address")
	_ = viper.BindPFlags(fs)
	loadCmd.Flags().AddFlagSet(fs)
}

func runLoad(cmd *cobra.Command) error {
	output := viper.GetString(cfgOutput)
	if output != "text" && output != "json" {
		return &exitError{code: ExitError, err: fmt.Errorf("--output must be 'text' or 'json', got %q", output)}
	}
	quiet := viper.GetBool(cfgQuiet)

	cfg, sources, err := loadConfig()
	if err != nil {
		return err
	}
	sc := cfg.Scenario
	if !sc.IsLoad() {
		return &core.ConfigurationError{Reason: "scenario declares no vus or stages"}
	}

	ctx, stop, interrupted := signalContext()
	defer stop()

	st, err := stage.Open(ctx, cfg, stageOptions(cfg))
	if err != nil {
		return err
	}
	defer closeStage(ctx, st)

	env := scenario.EnvFromConfig(sc, st.Cast, sources)
	env.PollOnly = true
	limiter := ratelimit.NewRateLimiter(0)
	workflow, err := scenario.New(sc.Flow, env)
	if err != nil {
		return err
	}
	workflow.WithLimiter(limiter)

	coll := collector.NewCollector()
	var rep core.Reporter = coll
	var prom *metrics.Reporter
	if addr := viper.GetString(cfgMetrics); addr != "" {
		prom = metrics.NewReporter()
		srv, err := metrics.Serve(addr, prom)
		if err != nil {
			return &core.ConfigurationError{Reason: "metrics address", Err: err}
		}
		defer srv.Stop(context.WithoutCancel(ctx))
		rep = core.Tee(coll, prom)
	}

	coord := coordinator.NewCoordinator(rep)
	if prom != nil {
		prom.TrackVUs(coord.ActiveVUs)
	}
	prog := progress.NewProgress(os.Stderr, coll, quiet)
	prog.TrackVUs(coord.ActiveVUs)

	prog.Printf("Stagehand starting: flow %q, executor %s, peak %d VUs", sc.Flow, sc.Executor, sc.PeakVUs())
	if err := coord.Setup(ctx, workflow); err != nil {
		coll.Close()
		return err
	}

	prog.Start()
	runErr := drive(ctx, coord, workflow, limiter, prog, coll, cfg)
	coord.Wait()
	prog.Stop()
	coll.Close()
	if runErr == nil {
		runErr = coord.Err()
	}

	m := coll.Compute()
	m.PeakVUs = coord.PeakActive()
	results := cfg.Thresholds.Check(m)

	if output == "json" {
		collector.FormatJSON(cmd.OutOrStdout(), m, results)
	} else {
		collector.FormatText(cmd.OutOrStdout(), m, results)
	}

	switch {
	case interrupted():
		return nil
	case errors.Is(runErr, coordinator.ErrAborted):
		return failed(runErr)
	case runErr != nil:
		return runErr
	case !results.Passed:
		return failed(errors.New("threshold check failed"))
	}
	return nil
}

// drive runs the load shape: the phase schedule, or a fixed number of
// iterations per VU when no duration is set.
func drive(ctx context.Context, coord *coordinator.Coordinator, workflow core.Workflow, limiter *ratelimit.RateLimiter,
	prog *progress.Progress, coll *collector.Collector, cfg *config.Config,
) error {
	sc := cfg.Scenario
	runner := core.RunnerConfig{MaxIterations: sc.MaxIterations, WarmupIters: sc.Warmup}

	phases := sc.Phases()
	if len(phases) == 0 {
		prog.Printf("Running %d VUs for %d iterations each", sc.VUs, sc.MaxIterations)
		coord.SpawnWithConfig(ctx, sc.VUs, workflow, runner)
		return nil
	}

	err := coord.Run(ctx, phases, workflow, coordinator.Options{
		Runner:           runner,
		GracefulStop:     sc.GracefulStop,
		GracefulRampDown: sc.GracefulRampDown,
		RateLimiter:      limiter,
		Progress:         prog,
		Abort: func() bool {
			res, abort := cfg.Thresholds.Abort(coll.Compute())
			if abort {
				logger.Warn("threshold crossed", "threshold", res.Name, "actual", res.Actual, "limit", res.Threshold)
			}
			return abort
		},
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
