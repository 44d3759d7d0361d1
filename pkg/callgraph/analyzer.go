package callgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llir/llvm/ir"

	"github.com/715d/callgraph/internal/hashing"
	"github.com/715d/callgraph/internal/irutil"
	"github.com/715d/callgraph/pkg/mlta"
	"github.com/715d/callgraph/pkg/vtable"
)

// Options configures an analysis run.
type Options struct {
	// Mode selects the indirect-call resolution strategy.
	Mode AnalysisMode

	// LinkedModule is an optional whole-program linked module enabling the
	// C++ virtual-call resolver.
	LinkedModule *ir.Module
}

// Analyzer orchestrates the call-graph construction: the fact-building
// initialization sweep, the optional vtable pass, and the per-module
// dispatch pass that emits one row per resolved edge.
type Analyzer struct {
	opts     Options
	hasher   *hashing.Cache
	facts    *mlta.Facts
	builder  *mlta.Builder
	resolver *mlta.Resolver
	virtual  *vtable.Result
}

// NewAnalyzer creates an analyzer with an empty fact base.
func NewAnalyzer(opts Options) *Analyzer {
	hasher := hashing.NewCache()
	facts := mlta.NewFacts(hasher)
	return &Analyzer{
		opts:     opts,
		hasher:   hasher,
		facts:    facts,
		builder:  mlta.NewBuilder(facts),
		resolver: mlta.NewResolver(facts),
	}
}

// Facts exposes the fact base, primarily to tests.
func (a *Analyzer) Facts() *mlta.Facts { return a.facts }

// Run analyzes the modules and writes call edges to out. Fact building
// iterates to a fixpoint before any resolution happens: facts learned from a
// later module (pointer transits feeding receiver-substituted signatures)
// can extend the index entries of an earlier one.
func (a *Analyzer) Run(ctx context.Context, modules []LoadedModule, out *Writer) (*Stats, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("no modules provided")
	}

	for sweep := 1; ; sweep++ {
		changed := false
		for _, lm := range modules {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if a.builder.AddModule(lm.Module) {
				changed = true
			}
		}
		slog.Debug("initialization sweep", "sweep", sweep, "changed", changed)
		if !changed {
			break
		}
	}

	if a.opts.LinkedModule != nil {
		a.virtual = vtable.Resolve(a.opts.LinkedModule)
	}

	if err := out.Header(); err != nil {
		return nil, err
	}

	stats := &Stats{Modules: len(modules)}
	for _, lm := range modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slog.Debug("module pass", "module", lm.Path)
		if err := a.modulePass(lm.Module, out, stats); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// modulePass dispatches every call instruction of every function in m,
// emitting rows in instruction order.
func (a *Analyzer) modulePass(m *ir.Module, out *Writer, stats *Stats) error {
	for _, f := range m.Funcs {
		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				call, ok := inst.(*ir.InstCall)
				if !ok {
					continue
				}
				if err := a.dispatch(m, f, call, out, stats); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (a *Analyzer) dispatch(m *ir.Module, caller *ir.Func, call *ir.InstCall, out *Writer, stats *Stats) error {
	if irutil.IsInlineAsm(call) {
		return nil
	}

	if callee := irutil.CalledFunc(call); callee != nil {
		// Intrinsics are not source-level calls; aggregate copies among them
		// were already consumed as stores by the fact builder.
		if irutil.IsIntrinsic(callee.Name()) {
			return nil
		}
		stats.DirectCalls++
		return a.emitDirect(m, caller, call, callee, out, stats)
	}

	stats.IndirectCalls++
	candidates, calltype, foundWith := a.resolveIndirect(call, stats)
	for _, target := range candidates.Sorted() {
		if err := out.EmitCall(m, caller, call, target, calltype, foundWith); err != nil {
			return err
		}
		stats.Rows++
	}
	return nil
}

// emitDirect reports a direct edge against the callee's canonical
// representative: declarations are re-pointed at the external definition of
// the same name, and inlined duplicates collapse through the unified map.
func (a *Analyzer) emitDirect(m *ir.Module, caller *ir.Func, call *ir.InstCall, callee *ir.Func, out *Writer, stats *Stats) error {
	if len(callee.Blocks) == 0 {
		if def := a.facts.GlobalFunc(callee.Name()); def != nil {
			callee = def
		}
	}
	if unified := a.facts.Unified(a.hasher.Func(callee, true)); unified != nil {
		callee = unified
	}
	if err := out.EmitCall(m, caller, call, callee, CallDirect, FoundWithNone); err != nil {
		return err
	}
	stats.Rows++
	return nil
}

// resolveIndirect applies the configured resolver chain: vtable result
// first, then MLTA, then the TA fallback.
func (a *Analyzer) resolveIndirect(call *ir.InstCall, stats *Stats) (mlta.FuncSet, CallType, FoundWith) {
	if a.virtual.Has(call) {
		stats.ResolvedVT++
		return a.virtual.Candidates(call), CallVirtual, FoundWithNone
	}

	if a.opts.Mode == TAOnly {
		stats.ResolvedTA++
		return a.resolver.ResolveTA(call), CallIndirect, FoundWithTA
	}

	if fs, ok := a.resolver.ResolveMLTA(call); ok {
		stats.ResolvedMLTA++
		return fs, CallIndirect, FoundWithMLTA
	}
	if a.opts.Mode != MLTAOnly {
		stats.ResolvedTA++
		return a.resolver.ResolveTA(call), CallIndirect, FoundWithTA
	}
	stats.Unresolved++
	return nil, CallIndirect, FoundWithNone
}
