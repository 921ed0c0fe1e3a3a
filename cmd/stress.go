// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/interleave/ctl"
)

// Stresser is global so that tests can inspect the parsed config.
var Stresser *ctl.StressCommand

func newStressCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Stresser = ctl.NewStressCommand(stdin, stdout, stderr)
	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent write workload against one store.",
		Long: `stress submits many executions against a single bolt-backed store
and reports how often they yielded the lock to each other.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Stresser.Run(context.Background())
		},
	}

	flags := stressCmd.Flags()
	conf := Stresser.Config
	flags.StringVar(&conf.DataDir, "data-dir", conf.DataDir, "Directory to keep the store in. Empty uses a temporary directory.")
	flags.IntVar(&conf.Workers, "workers", conf.Workers, "Maximum workers in the execution pool.")
	flags.IntVar(&conf.Executions, "executions", conf.Executions, "Number of concurrent executions to submit.")
	flags.IntVar(&conf.Rows, "rows", conf.Rows, "Rows written by each execution.")
	flags.Int64Var(&conf.Cadence, "cadence", conf.Cadence, "Ticks between lock hold checks.")
	flags.DurationVar((*time.Duration)(&conf.YieldTimeout), "yield-timeout", time.Duration(conf.YieldTimeout), "Lock hold duration that triggers a yield.")
	flags.BoolVar(&conf.DeleteChaos, "delete-chaos", conf.DeleteChaos, "Periodically delete and recreate a shared bucket during the run.")
	flags.StringVar(&conf.Metric, "metric", conf.Metric, "Stats backend to report to: expvar, statsd, prometheus, or none.")
	flags.StringVar(&conf.MetricHost, "metric-host", conf.MetricHost, "URI of the statsd host.")
	flags.BoolVar(&conf.Verbose, "verbose", conf.Verbose, "Enable verbose logging.")
	return stressCmd
}
