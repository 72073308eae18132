// Package main implements the CLI driver for the ohguard instrumentation
// engine.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/715d/ohguard/internal/ir"
	"github.com/715d/ohguard/internal/reach"
	"github.com/715d/ohguard/pkg/ohguard"
	"github.com/715d/ohguard/pkg/ssafront"
)

// Config holds the command-line options shared by the subcommands.
type Config struct {
	ConfigPath string // YAML engine configuration
	Output     string // instrumented module destination
	Entry      string // entry point override
	Verbose    bool   // detailed output and statistics
	JSON       bool   // JSON output format
	Profile    bool   // CPU and memory profiling
	FromGo     bool   // treat the input as Go package patterns, not a module file
	BuildTags  []string
}

const exitError = 2

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var cfg Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "ohguard",
		Short: "Insert oblivious hashing integrity checks into a program module",
		Long: `ohguard instruments a program module with runtime integrity checks:
it folds values computed at selected program points into running hash
accumulators and inserts assertion calls verifying the accumulated hash.

The module is read from a YAML IR file, or lowered from Go packages
with --from-go.`,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("ohguard version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&cfg.JSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&cfg.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	rootCmd.PersistentFlags().BoolVar(&cfg.FromGo, "from-go", false, "Treat the input as Go package patterns and lower them to the engine IR")
	rootCmd.PersistentFlags().StringSliceVar(&cfg.BuildTags, "build-tags", []string{}, "Build tags to use when loading Go packages")
	rootCmd.PersistentFlags().StringVar(&cfg.Entry, "entry", "", "Entry point function name (overrides configuration)")

	instrumentCmd := &cobra.Command{
		Use:   "instrument <module>",
		Short: "Run the full analysis-and-transform pass over a module",
		Example: `  ohguard instrument module.yaml -o module.oh.yaml
  ohguard instrument module.yaml --config oh.yaml --json
  ohguard instrument --from-go ./... --entry main`,
		Args: cobra.MinimumNArgs(1),
		RunE: runInstrument,
	}
	instrumentCmd.Flags().StringVarP(&cfg.ConfigPath, "config", "c", "", "Engine configuration file (YAML)")
	instrumentCmd.Flags().StringVarP(&cfg.Output, "output", "o", "", "Write the instrumented module to this file")

	reachablesCmd := &cobra.Command{
		Use:   "reachables <module>",
		Short: "Report functions reachable from the entry point (read-only)",
		Example: `  ohguard reachables module.yaml --entry main
  ohguard reachables --from-go ./... --entry main --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runReachables,
	}

	rootCmd.AddCommand(instrumentCmd, reachablesCmd)

	if err := rootCmd.Execute(); err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func runInstrument(cmd *cobra.Command, args []string) error {
	start := time.Now()

	engineCfg := ohguard.DefaultConfig()
	if cfg.ConfigPath != "" {
		var err error
		engineCfg, err = ohguard.LoadConfig(cfg.ConfigPath)
		if err != nil {
			return errWithCode(err, exitError)
		}
	}
	if cfg.Entry != "" {
		engineCfg.Entry = cfg.Entry
	}

	module, err := loadModule(cmd, args)
	if err != nil {
		return errWithCode(err, exitError)
	}
	slog.Info("module loaded", "module", module.Name, "functions", len(module.Functions))

	engine := ohguard.NewEngine(module, engineCfg, ohguard.Collaborators{})
	report := engine.Run()
	slog.Info("instrumentation completed", "dur", time.Since(start))

	if cfg.Output != "" {
		if err := ir.WriteModuleFile(cfg.Output, module); err != nil {
			return errWithCode(fmt.Errorf("write module: %w", err), exitError)
		}
		slog.Info("instrumented module written", "path", cfg.Output)
	}

	return writeJSONOr(report, func() string { return formatRunReport(report) })
}

func runReachables(cmd *cobra.Command, args []string) error {
	entry := cfg.Entry
	if entry == "" {
		entry = "main"
	}

	module, err := loadModule(cmd, args)
	if err != nil {
		return errWithCode(err, exitError)
	}

	report := reach.BuildReport(module, entry)
	return writeJSONOr(report, func() string { return formatReachReport(report) })
}

// loadModule reads the input module: a YAML IR file by default, or Go
// package patterns lowered through the SSA frontend with --from-go.
func loadModule(cmd *cobra.Command, args []string) (*ir.Module, error) {
	if cfg.FromGo {
		return ssafront.Lower(cmd.Context(), ssafront.Options{
			Patterns:  args,
			BuildTags: cfg.BuildTags,
		})
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expected exactly one module file, got %d", len(args))
	}
	return ir.LoadModuleFile(args[0])
}

func writeJSONOr(v any, text func() string) error {
	if cfg.JSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errWithCode(fmt.Errorf("marshaling json output: %w", err), exitError)
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(text())
	return nil
}

func formatRunReport(report *ohguard.Report) string {
	var out strings.Builder
	if report.Entry != "" && !report.EntryFound {
		fmt.Fprintf(&out, "no entry function %q in module %s; nothing transformed\n", report.Entry, report.Module)
		return out.String()
	}
	for _, f := range report.Functions {
		if f.Reason != "" {
			fmt.Fprintf(&out, "%-30s %-12s (%s)\n", f.Name, f.Mode, f.Reason)
			continue
		}
		fmt.Fprintf(&out, "%-30s %-12s paths=%d\n", f.Name, f.Mode, f.Paths)
	}
	fmt.Fprintf(&out, "\nhash updates: %d  asserts: %d  protected: %d  skipped: %d  short-range paths: %d  extracted: %d\n",
		report.Stats.HashUpdates, report.Stats.Asserts, report.Stats.ProtectedInstrs,
		report.Stats.SkippedInstrs, report.Stats.ShortRangePaths, report.Stats.ExtractedFunctions)
	return out.String()
}

func formatReachReport(report reach.Report) string {
	var out strings.Builder
	if !report.EntryFound {
		fmt.Fprintf(&out, "no entry function %q\n", report.Entry)
	}
	fmt.Fprintf(&out, "functions reachable from %s:\n", report.Entry)
	for _, name := range report.Reachable {
		fmt.Fprintf(&out, "+++%s\n", name)
	}
	fmt.Fprintln(&out, "non reachable functions:")
	for _, name := range report.Unreachable {
		fmt.Fprintf(&out, "---%s\n", name)
	}
	return out.String()
}

var cpuProfile *os.File

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if cfg.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
	}

	if !cfg.Profile {
		return nil
	}

	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if !cfg.Profile || cpuProfile == nil {
		return nil
	}

	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func errWithCode(err error, code int) error {
	return &codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}
