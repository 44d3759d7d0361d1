package callgraph

import (
	"fmt"
	"io"
	"strconv"

	"github.com/ianlancetaylor/demangle"
	"github.com/llir/llvm/ir"

	"github.com/715d/callgraph/internal/irutil"
)

// Row is one call edge of the output CSV.
type Row struct {
	CallerFilename string
	CallerFunction string
	CallerDefLine  string
	CallerLine     string
	CalleeFilename string
	CalleeFunction string
	CalleeLine     string
	CalleeCalltype CallType
	InlinedFile    string
	InlinedLine    string
	FoundWith      FoundWith
}

// Writer emits call-graph rows as CSV with every field double-quoted.
type Writer struct {
	out  io.Writer
	mode DemangleMode
}

func NewWriter(out io.Writer, mode DemangleMode) *Writer {
	return &Writer{out: out, mode: mode}
}

// Header writes the CSV header row.
func (w *Writer) Header() error {
	return w.write([]string{
		"caller_filename", "caller_function", "caller_def_line", "caller_line",
		"callee_filename", "callee_function", "callee_line", "callee_calltype",
		"callee_inlined_from_file", "callee_inlined_from_line", "indirect_found_with",
	})
}

// EmitCall writes the row for one resolved call edge. Rows whose caller or
// callee name cannot be determined are suppressed; fields that depend on
// missing debug info stay blank.
func (w *Writer) EmitCall(m *ir.Module, caller *ir.Func, call *ir.InstCall, callee *ir.Func, calltype CallType, foundWith FoundWith) error {
	row, ok := w.buildRow(m, caller, call, callee, calltype, foundWith)
	if !ok {
		return nil
	}
	return w.WriteRow(row)
}

// WriteRow writes an already-assembled row.
func (w *Writer) WriteRow(row Row) error {
	return w.write([]string{
		row.CallerFilename, row.CallerFunction, row.CallerDefLine, row.CallerLine,
		row.CalleeFilename, row.CalleeFunction, row.CalleeLine, string(row.CalleeCalltype),
		row.InlinedFile, row.InlinedLine, string(row.FoundWith),
	})
}

func (w *Writer) buildRow(m *ir.Module, caller *ir.Func, call *ir.InstCall, callee *ir.Func, calltype CallType, foundWith FoundWith) (Row, bool) {
	row := Row{CalleeCalltype: calltype, FoundWith: foundWith}

	// Name() reports unnamed functions by their numeric ID; such functions
	// have no symbol name.
	calleeName := callee.Name()
	if callee.IsUnnamed() {
		calleeName = ""
	}
	if sp := irutil.Subprogram(callee); sp != nil {
		row.CalleeLine = strconv.FormatInt(sp.Line, 10)
		if sp.File != nil {
			row.CalleeFilename = sp.File.Filename
		}
		if w.mode == DemangleDebugOnly && sp.Name != "" {
			calleeName = sp.Name
		}
	}
	row.CalleeFunction = w.symbol(calleeName)

	callerName := caller.Name()
	if caller.IsUnnamed() {
		callerName = ""
	}
	if sp := irutil.Subprogram(caller); sp != nil {
		row.CallerDefLine = strconv.FormatInt(sp.Line, 10)
		if sp.File != nil {
			row.CallerFilename = sp.File.Filename
		}
		if w.mode == DemangleDebugOnly && sp.Name != "" {
			callerName = sp.Name
		}
	} else if m != nil {
		row.CallerFilename = m.SourceFilename
	}
	row.CallerFunction = w.symbol(callerName)

	if row.CallerFunction == "" || row.CalleeFunction == "" {
		return Row{}, false
	}

	w.fillDebugInfo(&row, call)
	return row, true
}

// fillDebugInfo sets the caller line and, for calls that were inlined into
// the caller, the file and line the inlined body originated from. The inline
// chain is walked until a scope matches the caller's own file.
func (w *Writer) fillDebugInfo(row *Row, call *ir.InstCall) {
	loc := irutil.Location(call)
	if loc == nil {
		return
	}
	row.CallerLine = strconv.FormatInt(loc.Line, 10)

	for at := irutil.InlinedAt(loc); at != nil; at = irutil.InlinedAt(at) {
		if irutil.ScopeFilename(at.Scope) != row.CallerFilename {
			continue
		}
		row.CallerLine = strconv.FormatInt(at.Line, 10)
		row.InlinedFile = irutil.ScopeFilename(loc.Scope)
		row.InlinedLine = strconv.FormatInt(loc.Line, 10)
		break
	}
}

func (w *Writer) symbol(name string) string {
	if w.mode == DemangleAll {
		return demangle.Filter(name)
	}
	return name
}

// write emits one CSV record. Every field is double-quoted, matching the
// format downstream consumers of this tool parse.
func (w *Writer) write(fields []string) error {
	for i, f := range fields {
		sep := ","
		if i == len(fields)-1 {
			sep = "\n"
		}
		if _, err := fmt.Fprintf(w.out, "%q%s", f, sep); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	return nil
}
