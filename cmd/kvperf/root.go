package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"kvperf/internal/api"
	"kvperf/internal/config"
	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/scenario"
	"kvperf/internal/stats"
)

// options はすべてのサブコマンドで共有するフラグ
type options struct {
	configFile string
	params     []string
	logLevel   string
	simulate   int
}

// rootCmd はサブコマンドを登録したルートコマンドを返す
func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "kvperf",
		Short: "kvperf drives performance scenarios against a clustered key-value store.",
		Long: `kvperf drives performance scenarios against a clustered key-value store.

The cluster is described by a YAML or JSON file passed with --config:

cluster:
  servers:
    - ip: 10.0.0.1
      rest_username: Administrator
      rest_password: password
params:
  items: 100000

Without --config, --simulate N runs against an in-process cluster of N nodes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logger.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logger.Default.SetLevel(level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "cluster and parameter file (YAML/JSON)")
	cmd.PersistentFlags().StringArrayVarP(&opts.params, "param", "p", nil, "override a workload parameter (key=value)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().IntVar(&opts.simulate, "simulate", 4, "simulated cluster size when --config is not given")

	cmd.AddCommand(
		runCmd(opts),
		listCmd(),
		serveCmd(opts),
		versionCmd(),
	)
	return cmd
}

// loadConfig は設定ファイルを読み込むか、シミュレーション用の設定を組み立てる
func (o *options) loadConfig() (*config.FileConfig, error) {
	var fc *config.FileConfig
	if o.configFile != "" {
		var err error
		if fc, err = config.LoadFile(o.configFile); err != nil {
			return nil, err
		}
	} else {
		if o.simulate < 1 {
			return nil, fmt.Errorf("--simulate must be at least 1")
		}
		fc = &config.FileConfig{Cluster: config.ClusterConfig{Simulated: true}}
		for i := range o.simulate {
			fc.Cluster.Servers = append(fc.Cluster.Servers, mgmt.Server{
				IP:           fmt.Sprintf("127.0.1.%d", i+1),
				RestUsername: "Administrator",
				RestPassword: "password",
			})
		}
	}

	overrides, err := config.ParseParams(o.params)
	if err != nil {
		return nil, err
	}
	if fc.Params == nil {
		fc.Params = make(map[string]any, len(overrides))
	}
	maps.Copy(fc.Params, overrides)
	return fc, nil
}

// signalContext は SIGINT/SIGTERM でキャンセルされるコンテキストを返す
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(opts *options) *cobra.Command {
	var (
		outDir      string
		format      string
		enableChaos bool
	)
	cmd := &cobra.Command{
		Use:   "run PRESET...",
		Short: "Run one or more preset scenarios in order.",
		Example: `  kvperf run npp-get-1client
  kvperf run --config cluster.yaml -p items=500000 DRR-01 drr-1m-clog
  kvperf run --simulate 4 --chaos npp-mixed-1client`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]scenario.Spec, 0, len(args))
			for _, name := range args {
				spec, ok := scenario.GetPreset(name)
				if !ok {
					return fmt.Errorf("unknown preset %q (see 'kvperf list')", name)
				}
				specs = append(specs, spec)
			}

			fc, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("out-dir") {
				fc.Stats.OutDir = outDir
			}
			if cmd.Flags().Changed("format") {
				fc.Stats.Format = format
			}
			if enableChaos {
				fc.Chaos.Enabled = true
			}
			if err := fc.Validate(); err != nil {
				return err
			}
			sc, err := fc.ToScenarioConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			backend, closeBackend, err := fc.Backend(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeBackend(); err != nil {
					logger.Warn("", "Failed to stop cluster: %v", err)
				}
			}()

			engine := scenario.New(backend, sc)
			var failed []string
			for _, spec := range specs {
				if ctx.Err() != nil {
					break
				}
				result, err := engine.Run(ctx, spec)
				if result != nil {
					fmt.Fprintln(cmd.OutOrStdout(), result.Report())
				}
				if err != nil {
					logger.Error("", "Scenario %s failed: %v", spec.Name, err)
					failed = append(failed, spec.Name)
				}
			}
			if ctx.Err() != nil {
				return errors.New("interrupted")
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d scenarios failed: %s", len(failed), len(specs), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory for stats reports (empty disables export)")
	cmd.Flags().StringVar(&format, "format", string(stats.FormatYAML), "report format (yaml, json)")
	cmd.Flags().BoolVar(&enableChaos, "chaos", false, "inject faults while each scenario body runs")
	return cmd
}

func listCmd() *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List preset scenarios.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, p := range scenario.Presets() {
				if family != "" && string(p.Family) != family {
					continue
				}
				fmt.Fprintf(out, "%-24s %-16s %s\n", p.Name, p.Reference, p.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "only show presets of this family (npp, drr, vp, ea, ts, warm, experimental, zones)")
	return cmd
}

func serveCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for starting scenarios and watching their progress.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := fc.Validate(); err != nil {
				return err
			}
			sc, err := fc.ToScenarioConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			backend, closeBackend, err := fc.Backend(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeBackend() }()

			bus := events.NewBus()
			defer bus.Close()
			srv := api.NewServer(addr, scenario.New(backend, sc), backend.API, bus)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kvperf version %s\n", version)
		},
	}
}
