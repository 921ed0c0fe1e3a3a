// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/featurebasedb/interleave/cmd"
	"github.com/featurebasedb/interleave/toml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// commandTest describes one invocation of the root command: its
// arguments, environment, and config file content, plus a validation
// of the config the command ended up with.
type commandTest struct {
	args           []string
	env            map[string]string
	cfgFileContent string
	validation     func() error
}

func (ct *commandTest) setupCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cfgFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgFile, []byte(ct.cfgFileContent), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	for name, val := range ct.env {
		if err := os.Setenv(name, val); err != nil {
			t.Fatalf("setting environment: %v", err)
		}
	}
	rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
	rc.SetArgs(append(ct.args, "--config", cfgFile))
	return rc
}

func (ct *commandTest) reset() {
	for name := range ct.env {
		os.Unsetenv(name)
	}
}

// executeDry runs each test through the root command with --dry-run so
// configuration is applied but nothing executes.
func executeDry(t *testing.T, tests []commandTest) {
	t.Helper()
	for i, test := range tests {
		test.args = append(test.args, "--dry-run")
		com := test.setupCommand(t)
		err := com.Execute()
		if err == nil || err.Error() != "dry run" {
			t.Fatalf("%d. problem executing command: %v", i, err)
		}
		if err := test.validation(); err != nil {
			t.Fatalf("failed test %d due to: %v", i, err)
		}
		test.reset()
	}
}

type validator struct {
	err error
}

func (v *validator) Check(actual, expected interface{}) {
	if v.err != nil {
		return
	}
	if !reflect.DeepEqual(actual, expected) {
		v.err = errors.Errorf("got: '%v', but expected: '%v'", actual, expected)
	}
}

func (v *validator) Error() error { return v.err }

func TestRootCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	rc := cmd.NewRootCommand(strings.NewReader(""), buf, buf)
	rc.SetArgs([]string{"--help"})
	if err := rc.Execute(); err != nil {
		t.Fatalf("executing root command: %v", err)
	}
	outStr := buf.String()
	if !strings.Contains(outStr, "Usage:") ||
		!strings.Contains(outStr, "Available Commands:") ||
		!strings.Contains(outStr, "--help") {
		t.Fatalf("expected standard usage message, but got: %s", outStr)
	}
}

func TestStressHelp(t *testing.T) {
	buf := &bytes.Buffer{}
	rc := cmd.NewRootCommand(strings.NewReader(""), buf, buf)
	rc.SetArgs([]string{"stress", "--help"})
	if err := rc.Execute(); err != nil {
		t.Fatalf("executing stress help: %v", err)
	}
	if !strings.Contains(buf.String(), "interleave stress") ||
		!strings.Contains(buf.String(), "Flags:") {
		t.Fatalf("unexpected help output: %s", buf.String())
	}
}

func TestStressConfig(t *testing.T) {
	tests := []commandTest{
		// flags beat env vars beat the config file
		{
			args: []string{"stress", "--rows", "500"},
			env: map[string]string{
				"INTERLEAVE_WORKERS":       "16",
				"INTERLEAVE_YIELD_TIMEOUT": "100us",
			},
			cfgFileContent: `
workers = 3
rows = 9
executions = 64
cadence = 50
yield-timeout = "9ms"
delete-chaos = true
`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Stresser.Config.Rows, 500)
				v.Check(cmd.Stresser.Config.Workers, 16)
				v.Check(cmd.Stresser.Config.Executions, 64)
				v.Check(cmd.Stresser.Config.Cadence, int64(50))
				v.Check(cmd.Stresser.Config.YieldTimeout, toml.Duration(100*time.Microsecond))
				v.Check(cmd.Stresser.Config.DeleteChaos, true)
				return v.Error()
			},
		},
		{
			args: []string{"stress", "--yield-timeout", "75us", "--metric", "none"},
			env: map[string]string{
				"INTERLEAVE_YIELD_TIMEOUT": "9ms",
				"INTERLEAVE_METRIC_HOST":   "statsd.local:8125",
			},
			cfgFileContent: `
metric = "prometheus"
`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Stresser.Config.YieldTimeout, toml.Duration(75*time.Microsecond))
				v.Check(cmd.Stresser.Config.Metric, "none")
				v.Check(cmd.Stresser.Config.MetricHost, "statsd.local:8125")
				return v.Error()
			},
		},
	}
	executeDry(t, tests)
}

func TestStressConfigInvalidOption(t *testing.T) {
	ct := commandTest{
		args:           []string{"stress", "--dry-run"},
		cfgFileContent: "bogus-key = 1\n",
	}
	com := ct.setupCommand(t)
	err := com.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid option in configuration file: bogus-key") {
		t.Fatalf("expected invalid option error, got: %v", err)
	}
}

func TestGenerateConfigCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	rc := cmd.NewRootCommand(strings.NewReader(""), buf, io.Discard)
	rc.SetArgs([]string{"generate-config"})
	if err := rc.Execute(); err != nil {
		t.Fatalf("executing generate-config: %v", err)
	}
	if !strings.Contains(buf.String(), "workers = 8") {
		t.Fatalf("unexpected config output: %s", buf.String())
	}
}
