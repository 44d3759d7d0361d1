package callgraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"golang.org/x/sync/errgroup"
)

// LoadedModule pairs a parsed IR module with the path it came from.
type LoadedModule struct {
	Path   string
	Module *ir.Module
}

// LoaderOptions configures IR module loading.
type LoaderOptions struct {
	// Paths are the IR files to load. An entry of the form "@list.txt"
	// names a file containing one path per line.
	Paths []string
}

// ExpandArgs resolves @file-list arguments into the paths they contain.
func ExpandArgs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "@") {
			paths = append(paths, arg)
			continue
		}
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("reading file list: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// LoadModules parses the given IR files in parallel. A file that fails to
// parse is skipped with a warning; loading only fails outright when nothing
// could be loaded at all.
func LoadModules(ctx context.Context, opts LoaderOptions) ([]LoadedModule, error) {
	paths, err := ExpandArgs(opts.Paths)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files")
	}

	// Each goroutine writes only its own index; the slice is read after
	// Wait, so no locking is needed.
	results := make([]*ir.Module, len(paths))

	var wg errgroup.Group
	wg.SetLimit(goruntime.NumCPU())
	for idx, path := range paths {
		wg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := asm.ParseFile(path)
			if err != nil {
				slog.Warn("error loading file", "path", path, "error", err)
				return nil
			}
			results[idx] = m
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	modules := make([]LoadedModule, 0, len(paths))
	for idx, m := range results {
		if m == nil {
			continue
		}
		modules = append(modules, LoadedModule{Path: paths[idx], Module: m})
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no modules could be loaded from %d input file(s)", len(paths))
	}
	slog.Info("loaded modules", "num", len(modules), "skipped", len(paths)-len(modules))
	return modules, nil
}
