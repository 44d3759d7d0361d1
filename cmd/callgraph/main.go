// Package main implements the CLI driver for the callgraph analyzer.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/spf13/cobra"

	"github.com/715d/callgraph/pkg/callgraph"
)

// Config holds all command-line configuration options for the callgraph analyzer.
type Config struct {
	Inputs           []string // the IR files to analyze (may contain @file-list entries)
	Output           string   // output CSV path
	Analysis         string   // indirect-call resolution mode
	Demangle         string   // symbol demangling mode
	CppLinkedBitcode string   // whole-program linked module for C++ devirtualization
	ConfigFile       string   // optional YAML config file
	Verbose          bool     // enables detailed output and statistics
	Profile          bool     // enables CPU and memory profiling
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
	var rootCmd = &cobra.Command{
		Use:   "callgraph [ir files...]",
		Short: "Generate a precise global call graph from LLVM IR",
		Long: `callgraph builds a whole-program call graph from compiled IR modules.

Direct calls are emitted verbatim; indirect calls are resolved with
multi-layer type analysis (MLTA), falling back to signature-based type
analysis (TA). With a whole-program linked module, C++ virtual calls are
resolved through their vtables.`,
		Example: `  callgraph /path/to/foo.ll                     # Write edges to callgraph.csv
  callgraph foo.ll bar.ll -o foobar.csv        # Analyze two modules
  callgraph @/path/to/list.txt -o all.csv      # One IR path per line
  callgraph --analysis ta_only ./foo.ll        # Signature matching only`,
		Args:               cobra.ArbitraryArgs,
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}

	// Set custom version template to include build info.
	rootCmd.SetVersionTemplate(fmt.Sprintf("callgraph version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	// Define flags.
	rootCmd.PersistentFlags().StringVarP(&cfg.Output, "output", "o", "callgraph.csv", "Output CSV filename")
	rootCmd.PersistentFlags().StringVar(&cfg.Analysis, "analysis", "mlta_pref", "Resolve indirect call targets with: mlta_pref, mlta_only, or ta_only")
	rootCmd.PersistentFlags().StringVar(&cfg.Demangle, "demangle", "demangle_debug_only", "Demangle C++ function names: demangle_debug_only, demangle_all, or demangle_none")
	rootCmd.PersistentFlags().StringVar(&cfg.CppLinkedBitcode, "cpp-linked-bitcode", "", "Whole-program IR file for C++ virtual call resolution")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", "", "YAML config file with analysis options (flags win)")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&cfg.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")

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

func runCommand(cmd *cobra.Command, args []string) error {
	cfg.Inputs = args
	if err := applyFileConfig(cmd, &cfg); err != nil {
		return errWithCode(err, exitError)
	}
	if len(cfg.Inputs) == 0 {
		return errWithCode(fmt.Errorf("no input files given"), exitError)
	}

	mode, err := callgraph.ParseAnalysisMode(cfg.Analysis)
	if err != nil {
		return errWithCode(err, exitError)
	}
	demangleMode, err := callgraph.ParseDemangleMode(cfg.Demangle)
	if err != nil {
		return errWithCode(err, exitError)
	}

	start := time.Now()
	slog.Info("starting call-graph analysis", "inputs", cfg.Inputs, "analysis", mode.String())

	modules, err := callgraph.LoadModules(cmd.Context(), callgraph.LoaderOptions{Paths: cfg.Inputs})
	if err != nil {
		return errWithCode(fmt.Errorf("load modules: %w", err), exitError)
	}

	linked, err := loadLinkedModule(cfg.CppLinkedBitcode)
	if err != nil {
		return errWithCode(err, exitError)
	}

	out, err := os.Create(cfg.Output)
	if err != nil {
		return errWithCode(fmt.Errorf("creating output file: %w", err), exitError)
	}
	defer out.Close()

	analyzer := callgraph.NewAnalyzer(callgraph.Options{
		Mode:         mode,
		LinkedModule: linked,
	})
	stats, err := analyzer.Run(cmd.Context(), modules, callgraph.NewWriter(out, demangleMode))
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitError)
	}

	slog.Info("analysis completed",
		"dur", time.Since(start),
		"modules", stats.Modules,
		"direct", stats.DirectCalls,
		"indirect", stats.IndirectCalls,
		"mlta", stats.ResolvedMLTA,
		"ta", stats.ResolvedTA,
		"virtual", stats.ResolvedVT,
		"rows", stats.Rows)
	fmt.Fprintf(os.Stderr, "[Wrote: %s]\n", cfg.Output)
	return nil
}

// applyFileConfig fills unset options from the YAML config file, if given.
func applyFileConfig(cmd *cobra.Command, cfg *Config) error {
	if cfg.ConfigFile == "" {
		return nil
	}
	fc, err := callgraph.LoadFileConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}
	if len(cfg.Inputs) == 0 {
		cfg.Inputs = fc.Inputs
	}
	if fc.Output != "" && !cmd.Flags().Changed("output") {
		cfg.Output = fc.Output
	}
	if fc.Analysis != "" && !cmd.Flags().Changed("analysis") {
		cfg.Analysis = fc.Analysis
	}
	if fc.Demangle != "" && !cmd.Flags().Changed("demangle") {
		cfg.Demangle = fc.Demangle
	}
	if fc.CppLinkedBitcode != "" && !cmd.Flags().Changed("cpp-linked-bitcode") {
		cfg.CppLinkedBitcode = fc.CppLinkedBitcode
	}
	return nil
}

// loadLinkedModule parses the whole-program module for devirtualization.
// Unlike regular inputs, this one is named explicitly, so failing to load it
// is an error rather than a warning.
func loadLinkedModule(path string) (*ir.Module, error) {
	if path == "" {
		return nil, nil
	}
	m, err := asm.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading linked module %s: %w", path, err)
	}
	return m, nil
}

var cpuProfile *os.File

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	if !cfg.Profile {
		return nil
	}

	// Start CPU profiling.
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

	// Stop CPU profiling and close file.
	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	// Write memory profile.
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
