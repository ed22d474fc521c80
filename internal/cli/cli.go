package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/uniprof/uniprof/internal/analyze"
	"github.com/uniprof/uniprof/internal/cliutil"
	"github.com/uniprof/uniprof/internal/events"
	"github.com/uniprof/uniprof/internal/history"
	"github.com/uniprof/uniprof/internal/metrics"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/record"
	"github.com/uniprof/uniprof/internal/schema"
	"github.com/uniprof/uniprof/internal/ship"
)

// MCPHooks lets the entrypoint supply the mcp subcommand's behavior
// without this package importing the mcp server directly; nil hooks
// report the feature as unavailable rather than panicking.
type MCPHooks struct {
	Run     func(ctx context.Context, addr string) error
	Install func(ctx context.Context, client string) error
}

// Bootstrapper lets the entrypoint supply the bootstrap subcommand's
// behavior the same way, since the bootstrap scripts live alongside
// the container images and are out of this package's scope.
type Bootstrapper func(ctx context.Context, platformName string, registry *plugin.Registry, stdout, stderr io.Writer) error

// Execute normalizes argv through NormalizeArgv, builds the command
// tree, and runs it. argv is the full os.Args-style slice including
// the program name.
func Execute(argv []string, registry *plugin.Registry, hooks MCPHooks, bootstrap Bootstrapper) error {
	root := newRootCommand(registry, hooks, bootstrap)
	normalized := NormalizeArgv(argv)
	root.SetArgs(normalized[1:])
	return root.Execute()
}

func newRootCommand(registry *plugin.Registry, hooks MCPHooks, bootstrap Bootstrapper) *cobra.Command {
	root := &cobra.Command{
		Use:           "uniprof",
		Short:         "Universal CPU profiler front-end",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRecordCommand(registry),
		newAnalyzeCommand(),
		newVisualizeCommand(),
		newBootstrapCommand(registry, bootstrap),
		newMCPCommand(hooks),
		newHistoryCommand(),
	)
	return root
}

func newRecordCommand(registry *plugin.Registry) *cobra.Command {
	var (
		output               string
		verbose              bool
		extraProfilerArgs    []string
		mode                 string
		cwd                  string
		platformName         string
		format               string
		analyzeFlag          bool
		visualizeFlag        bool
		enableHostNetworking bool
		noHistory            bool
		historyBackend       string
		historyDSN           string
		shipURL              string
		publishEventsTarget  string
		prometheusAddress    string
	)

	cmd := &cobra.Command{
		Use:   "record -- <command> [args...]",
		Short: "Profile a command and write a canonical profile",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if analyzeFlag && visualizeFlag {
				return fmt.Errorf("--analyze and --visualize are mutually exclusive")
			}
			req := record.Request{
				Argv:                 args,
				Output:               output,
				Verbose:              verbose,
				ExtraProfilerArgs:    cliutil.NormalizeExtraProfilerArgs(extraProfilerArgs),
				Mode:                 plugin.Mode(mode),
				Cwd:                  cwd,
				EnableHostNetworking: enableHostNetworking,
				Platform:             platformName,
				Format:               format,
				Analyze:              analyzeFlag,
				Visualize:            visualizeFlag,
				AnalyzeOptions:       analyze.Options{Format: format},
			}
			if prometheusAddress != "" {
				metricsCtx, cancelMetrics := context.WithCancel(cmd.Context())
				defer cancelMetrics()
				go func() {
					if err := metrics.Serve(metricsCtx, prometheusAddress); err != nil {
						log.Warn().Err(err).Msg("record: --prometheus-address endpoint stopped")
					}
				}()
			}

			res, err := record.Run(cmd.Context(), registry, req, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if res.Analysis != nil {
				metrics.ObserveRun(res.Platform, string(res.Mode), res.Duration, res.Analysis.Summary.TotalSamples)
			} else {
				metrics.ObserveRun(res.Platform, string(res.Mode), res.Duration, 0)
			}

			if !noHistory {
				recordHistory(cmd.Context(), history.Options{Backend: history.Backend(historyBackend), DSN: historyDSN}, res)
			}
			if shipURL != "" {
				if err := shipProfile(shipURL, res); err != nil {
					log.Warn().Err(err).Msg("record: --ship failed")
				}
			}
			if publishEventsTarget != "" {
				if err := publishAnalyzeComplete(publishEventsTarget, res); err != nil {
					log.Warn().Err(err).Msg("record: --publish-events failed")
				}
			}

			if res.Analysis != nil {
				return renderAnalysis(cmd, res.Analysis, format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path for the canonical profile")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream the profiled command's own output")
	cmd.Flags().StringArrayVar(&extraProfilerArgs, "extra-profiler-args", nil, "extra arguments forwarded to the underlying profiler")
	cmd.Flags().StringVar(&mode, "mode", string(plugin.ModeAuto), "host, container, or auto")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the profiled command (defaults to the process cwd)")
	cmd.Flags().StringVar(&platformName, "platform", "", "force a specific platform plugin instead of auto-detecting")
	cmd.Flags().StringVar(&format, "format", "pretty", "pretty or json")
	cmd.Flags().BoolVar(&analyzeFlag, "analyze", false, "analyze the profile immediately after recording")
	cmd.Flags().BoolVar(&visualizeFlag, "visualize", false, "open the profile in the bundled viewer after recording")
	cmd.Flags().BoolVar(&enableHostNetworking, "enable-host-networking", false, "run the container with host networking")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "skip appending this run to the local history store")
	cmd.Flags().StringVar(&historyBackend, "history-backend", "sqlite", "history backend: sqlite, postgres, or clickhouse")
	cmd.Flags().StringVar(&historyDSN, "history-dsn", "", "connection string for the history backend (unused for sqlite's default path)")
	cmd.Flags().StringVar(&shipURL, "ship", "", "forward the finished profile as a lumberjack event to this beats/logstash URL")
	cmd.Flags().StringVar(&publishEventsTarget, "publish-events", "", "publish an analyze-complete event to <kafka-brokers>/<topic>")
	cmd.Flags().StringVar(&prometheusAddress, "prometheus-address", "", "expose profiler duration/sample metrics on this address while recording")

	return cmd
}

// recordHistory appends res to the configured history store. A failure
// here never fails the record invocation itself; the profile has
// already been written successfully by this point.
func recordHistory(ctx context.Context, opts history.Options, res *record.Result) {
	store, err := history.Open(ctx, opts)
	if err != nil {
		log.Warn().Err(err).Msg("record: opening history store")
		return
	}
	defer store.Close()

	run := history.Run{
		ID:         res.RunID,
		Platform:   res.Platform,
		Mode:       string(res.Mode),
		Duration:   res.Duration.Seconds(),
		OutputPath: res.OutputPath,
	}
	if res.Analysis != nil && len(res.Analysis.Hotspots) > 0 {
		top := res.Analysis.Hotspots[0]
		run.TopHotspot = top.Name
		run.TopPercent = top.Percentage
	}
	if err := store.Append(ctx, run); err != nil {
		log.Warn().Err(err).Msg("record: appending history row")
	}
}

func shipProfile(rawURL string, res *record.Result) error {
	host, opts, err := ship.ParseServerURL(rawURL)
	if err != nil {
		return err
	}
	f, err := os.Open(res.OutputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := schema.Decode(f)
	if err != nil {
		return err
	}

	evt := ship.Event{
		RunID:      res.RunID,
		Platform:   res.Platform,
		Mode:       string(res.Mode),
		DurationMs: res.Duration.Milliseconds(),
		OutputPath: res.OutputPath,
		Profile:    doc,
	}
	if res.Analysis != nil && len(res.Analysis.Hotspots) > 0 {
		evt.TopHotspot = res.Analysis.Hotspots[0].Name
	}
	return ship.Send(host, opts, 2*time.Second, 3, evt)
}

func publishAnalyzeComplete(target string, res *record.Result) error {
	t, err := events.ParseTarget(target)
	if err != nil {
		return err
	}
	evt := events.AnalyzeComplete{
		RunID:        res.RunID,
		Platform:     res.Platform,
		FinishedAt:   time.Now(),
		TotalSeconds: res.Duration.Seconds(),
	}
	if res.Analysis != nil {
		evt.HotspotCount = len(res.Analysis.Hotspots)
		evt.TotalSeconds = res.Analysis.Summary.TotalTime
		if len(res.Analysis.Hotspots) > 0 {
			evt.TopFrame = res.Analysis.Hotspots[0].Name
			evt.TopPercent = res.Analysis.Hotspots[0].Percentage
		}
	}
	return events.Publish(t, evt)
}

func newAnalyzeCommand() *cobra.Command {
	var (
		threshold  float64
		filter     string
		filterExpr string
		minSamples int
		maxDepth   int
		format     string
	)

	cmd := &cobra.Command{
		Use:   "analyze <profile.json>",
		Short: "Summarize hotspots in an existing canonical profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			doc, err := schema.Decode(f)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			result, err := analyze.Analyze(doc, analyze.Options{
				Threshold:   threshold,
				FilterRegex: filter,
				FilterExpr:  filterExpr,
				MinSamples:  minSamples,
				MaxDepth:    maxDepth,
				Format:      format,
			})
			if err != nil {
				return err
			}
			return renderAnalysis(cmd, result, format)
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", analyze.DefaultThreshold, "minimum percentage for a hotspot to be reported")
	cmd.Flags().StringVar(&filter, "filter", "", "only report frames whose name or file:line matches this regex")
	cmd.Flags().StringVar(&filterExpr, "filter-expr", "", `boolean filter expression, e.g. name =~ "regex" && percentage > 5`)
	cmd.Flags().IntVar(&minSamples, "min-samples", 0, "minimum sample count for a hotspot to be reported")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "limit how many levels deep the report goes (0 = unlimited)")
	cmd.Flags().StringVar(&format, "format", "pretty", "pretty or json")

	return cmd
}

func newVisualizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "visualize <profile.json>",
		Short: "Open an existing canonical profile in the bundled viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "open the bundled viewer and load %s to inspect this profile\n", args[0])
			return nil
		},
	}
}

func newBootstrapCommand(registry *plugin.Registry, bootstrap Bootstrapper) *cobra.Command {
	var platformName string

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Pull container images and verify the local toolchain for a platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bootstrap == nil {
				return fmt.Errorf("bootstrap is not available in this build")
			}
			return bootstrap(cmd.Context(), platformName, registry, os.Stdout, os.Stderr)
		},
	}
	cmd.Flags().StringVar(&platformName, "platform", "", "platform to bootstrap (defaults to every registered platform)")
	return cmd
}

func newMCPCommand(hooks MCPHooks) *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol server integration",
	}

	var addr string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hooks.Run == nil {
				return fmt.Errorf("mcp run is not available in this build")
			}
			return hooks.Run(cmd.Context(), addr)
		},
	}
	runCmd.Flags().StringVar(&addr, "http", "", "serve over HTTP at this address (required: there is no stdio transport)")

	installCmd := &cobra.Command{
		Use:   "install <client>",
		Short: "Register uniprof's MCP server with a supported client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hooks.Install == nil {
				return fmt.Errorf("mcp install is not available in this build")
			}
			return hooks.Install(cmd.Context(), args[0])
		},
	}

	mcpCmd.AddCommand(runCmd, installCmd)
	return mcpCmd
}

func newHistoryCommand() *cobra.Command {
	var (
		backend string
		dsn     string
		limit   int
	)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past record runs",
	}
	historyCmd.PersistentFlags().StringVar(&backend, "history-backend", "sqlite", "history backend: sqlite, postgres, or clickhouse")
	historyCmd.PersistentFlags().StringVar(&dsn, "history-dsn", "", "connection string for the history backend")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cmd.Context(), history.Options{Backend: history.Backend(backend), DSN: dsn})
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cmd.Context(), history.Options{Backend: history.Backend(backend), DSN: dsn})
			if err != nil {
				return err
			}
			defer store.Close()
			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}

	var influxURL, influxToken, influxOrg, influxBucket string
	pushMetricsCmd := &cobra.Command{
		Use:   "push-metrics",
		Short: "Push run durations to InfluxDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cmd.Context(), history.Options{Backend: history.Backend(backend), DSN: dsn})
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return history.PushMetrics(cmd.Context(), runs, history.PushMetricsOptions{
				ServerURL: influxURL, Token: influxToken, Org: influxOrg, Bucket: influxBucket,
			})
		},
	}
	pushMetricsCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to push")
	pushMetricsCmd.Flags().StringVar(&influxURL, "influx-url", "", "InfluxDB server URL")
	pushMetricsCmd.Flags().StringVar(&influxToken, "influx-token", "", "InfluxDB auth token")
	pushMetricsCmd.Flags().StringVar(&influxOrg, "influx-org", "", "InfluxDB organization")
	pushMetricsCmd.Flags().StringVar(&influxBucket, "influx-bucket", "uniprof", "InfluxDB bucket")

	historyCmd.AddCommand(listCmd, showCmd, pushMetricsCmd)
	return historyCmd
}

// renderAnalysis writes result to cmd's stdout, as JSON when format is
// "json" and as a short text table otherwise.
func renderAnalysis(cmd *cobra.Command, result *analyze.Result, format string) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "%s (%s, %d threads, %d samples, %.2f %s)\n",
		result.Summary.ProfileName, result.Summary.Profiler, result.Summary.ThreadCount,
		result.Summary.TotalSamples, result.Summary.TotalTime, result.Summary.Unit)
	fmt.Fprintln(out)
	for _, h := range result.Hotspots {
		loc := h.Name
		if h.File != "" {
			loc = fmt.Sprintf("%s (%s:%d)", h.Name, h.File, h.Line)
		}
		fmt.Fprintf(out, "%6.2f%%  self %6.2f%%  %-60s  %d samples\n", h.Percentage, h.SelfPercentage, loc, h.Samples)
	}
	return nil
}
