package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stagehand/internal/collector"
	"stagehand/internal/coordinator"
	"stagehand/internal/core"
	"stagehand/internal/scenario"
	"stagehand/internal/stage"
)

var functionalCmd = &cobra.Command{
	Use:   "functional",
	Short: "Run the setup and one iteration of a flow over webhooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return classify(runFunctional(cmd))
	},
}

func init() {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.Duration(cfgTimeout, 5*time.Minute, "upper bound for the whole run")
	_ = viper.BindPFlags(fs)
	functionalCmd.Flags().AddFlagSet(fs)
}

func runFunctional(cmd *cobra.Command) error {
	cfg, sources, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop, _ := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration(cfgTimeout))
	defer cancel()

	st, err := stage.Open(ctx, cfg, stageOptions(cfg))
	if err != nil {
		return err
	}
	defer closeStage(ctx, st)

	workflow, err := scenario.New(cfg.Scenario.Flow, scenario.EnvFromConfig(cfg.Scenario, st.Cast, sources))
	if err != nil {
		return err
	}

	coll := collector.NewCollector()
	coord := coordinator.NewCoordinator(coll)

	logger.Info("running functional test", "flow", workflow.Name())
	setupErr := coord.Setup(ctx, workflow)
	if setupErr == nil {
		coord.SpawnWithConfig(ctx, 1, workflow, core.RunnerConfig{MaxIterations: 1})
		coord.Wait()
	}
	coll.Close()

	m := coll.Compute()
	collector.FormatText(cmd.OutOrStdout(), m, nil)

	switch {
	case setupErr != nil:
		return setupErr
	case coord.Err() != nil:
		return coord.Err()
	case m.Iterations.Failed > 0 || m.Iterations.Count == 0:
		for msg := range m.Iterations.Errors {
			fmt.Fprintf(os.Stderr, "FAIL: %s\n", msg)
		}
		return failed(fmt.Errorf("flow %s failed", workflow.Name()))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nPASS: %s\n", workflow.Name())
	return nil
}
