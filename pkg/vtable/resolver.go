// Package vtable resolves C++ virtual dispatch sites in a whole-program
// linked module. Call sites guarded by llvm.type.test/llvm.assume pairs are
// grouped into (type-id, byte-offset) slots; the targets of a slot are the
// function pointers found at that offset in every constant vtable global
// annotated with the type identifier.
package vtable

import (
	"log/slog"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/715d/callgraph/internal/irutil"
	"github.com/715d/callgraph/pkg/mlta"
)

const (
	typeTestIntrinsic = "llvm.type.test"
	assumeIntrinsic   = "llvm.assume"

	// Calls to pure virtuals are UB, so the sentinel slot entry is never a
	// real target.
	pureVirtualSentinel = "__cxa_pure_virtual"

	ptrBytes = 8
)

// Result maps virtual dispatch sites to their candidate targets.
type Result struct {
	candidates map[*ir.InstCall]mlta.FuncSet
}

// Has reports whether call was resolved as a virtual dispatch.
func (r *Result) Has(call *ir.InstCall) bool {
	if r == nil {
		return false
	}
	_, ok := r.candidates[call]
	return ok
}

// Candidates returns the resolved targets of a virtual dispatch site.
func (r *Result) Candidates(call *ir.InstCall) mlta.FuncSet {
	if r == nil {
		return nil
	}
	return r.candidates[call]
}

// slot identifies one virtual function: the set of vtables carrying a type
// identifier, and the byte offset of the entry within them.
type slot struct {
	typeID string
	offset int64
}

// member is one vtable global annotated with a type id, and the base offset
// of the address point for that id.
type member struct {
	global *ir.Global
	base   int64
}

// Resolve scans a whole-program module for devirtualizable call sites.
// Returns an empty result (not an error) when the module carries no type
// metadata: the caller proceeds with MLTA/TA alone.
func Resolve(m *ir.Module) *Result {
	res := &Result{candidates: make(map[*ir.InstCall]mlta.FuncSet)}

	typeIDs := buildTypeIdentifierMap(m)
	if len(typeIDs) == 0 {
		slog.Warn("no type metadata on globals, skipping virtual-call resolution", "module", m.SourceFilename)
		return res
	}

	slots := scanTypeTestUsers(m)
	for s, calls := range slots {
		targets, ok := findSlotTargets(typeIDs[s.typeID], s.offset)
		if !ok {
			continue
		}
		for _, call := range calls {
			set, exists := res.candidates[call]
			if !exists {
				set = make(mlta.FuncSet)
				res.candidates[call] = set
			}
			set.Union(targets)
		}
	}
	return res
}

// buildTypeIdentifierMap indexes every !type-annotated global by type id.
func buildTypeIdentifierMap(m *ir.Module) map[string][]member {
	out := make(map[string][]member)
	for _, g := range m.Globals {
		if g.Init == nil {
			continue
		}
		for _, att := range g.Metadata {
			if att.Name != "type" {
				continue
			}
			tuple, ok := att.Node.(*metadata.Tuple)
			if !ok || len(tuple.Fields) < 2 {
				continue
			}
			base, ok := intField(tuple.Fields[0])
			if !ok {
				continue
			}
			id, ok := stringField(tuple.Fields[1])
			if !ok {
				continue
			}
			out[id] = append(out[id], member{global: g, base: base})
		}
	}
	return out
}

// scanTypeTestUsers groups indirect calls by vtable slot. A call belongs to
// slot (id, off) when its function pointer was loaded at byte offset off
// from a pointer asserted by llvm.assume(llvm.type.test(ptr, id)).
func scanTypeTestUsers(m *ir.Module) map[slot][]*ir.InstCall {
	type typeTest struct {
		ptr value.Value
		id  string
	}
	out := make(map[slot][]*ir.InstCall)
	for _, f := range m.Funcs {
		typeTests := make(map[value.Value]typeTest)
		var assumed []value.Value
		var indirect []*ir.InstCall

		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				call, ok := inst.(*ir.InstCall)
				if !ok {
					continue
				}
				switch callee := irutil.CalledFunc(call); {
				case callee != nil && callee.Name() == typeTestIntrinsic:
					if len(call.Args) == 2 {
						if id, ok := metadataString(call.Args[1]); ok {
							typeTests[call] = typeTest{ptr: irutil.StripPointerCasts(call.Args[0]), id: id}
						}
					}
				case callee != nil && callee.Name() == assumeIntrinsic:
					assumed = append(assumed, call.Args...)
				case irutil.IsIndirect(call):
					indirect = append(indirect, call)
				}
			}
		}
		// Only type tests whose result is assumed constrain the pointer.
		tested := make(map[value.Value]string)
		for _, a := range assumed {
			if tt, ok := typeTests[a]; ok {
				tested[tt.ptr] = tt.id
			}
		}
		if len(tested) == 0 {
			continue
		}

		for _, call := range indirect {
			root, off, ok := loadRoot(call.Callee)
			if !ok {
				continue
			}
			id, ok := tested[root]
			if !ok {
				continue
			}
			s := slot{typeID: id, offset: off}
			out[s] = append(out[s], call)
		}
	}
	return out
}

// loadRoot resolves the pointer a called value was loaded from and the byte
// offset of the load relative to it.
func loadRoot(callee value.Value) (value.Value, int64, bool) {
	ld, ok := irutil.StripPointerCasts(callee).(*ir.InstLoad)
	if !ok {
		return nil, 0, false
	}
	addr := irutil.StripPointerCasts(ld.Src)
	if gep, ok := irutil.AsGEP(addr); ok {
		off, ok := gepByteOffset(gep)
		if !ok {
			return nil, 0, false
		}
		return irutil.StripPointerCasts(gep.Src), off, true
	}
	return addr, 0, true
}

func gepByteOffset(gep irutil.GEP) (int64, bool) {
	if !gep.HasAllConstantIndices() || len(gep.Indices) == 0 {
		return 0, false
	}
	first, _ := irutil.IntValue(gep.Indices[0])
	off := first * typeSize(gep.ElemType)
	t := gep.ElemType
	for _, idx := range gep.Indices[1:] {
		n, _ := irutil.IntValue(idx)
		switch ct := t.(type) {
		case *types.StructType:
			if n < 0 || int(n) >= len(ct.Fields) {
				return 0, false
			}
			for _, field := range ct.Fields[:n] {
				off += typeSize(field)
			}
			t = ct.Fields[n]
		case *types.ArrayType:
			off += n * typeSize(ct.ElemType)
			t = ct.ElemType
		default:
			return 0, false
		}
	}
	return off, true
}

// typeSize is the unpadded byte size of t. Vtable layouts are arrays of
// pointer-sized entries, so padding never enters the picture here.
func typeSize(t types.Type) int64 {
	switch ct := t.(type) {
	case *types.PointerType, *types.FuncType:
		return ptrBytes
	case *types.IntType:
		return int64(ct.BitSize+7) / 8
	case *types.ArrayType:
		return int64(ct.Len) * typeSize(ct.ElemType)
	case *types.StructType:
		var sum int64
		for _, f := range ct.Fields {
			sum += typeSize(f)
		}
		return sum
	}
	return ptrBytes
}

// findSlotTargets extracts the function at base+offset of every member
// vtable. All members must resolve, mirroring whole-program devirt: a single
// unreadable vtable makes the slot unsound.
func findSlotTargets(members []member, offset int64) (mlta.FuncSet, bool) {
	if len(members) == 0 {
		return nil, false
	}
	targets := make(mlta.FuncSet)
	for _, mb := range members {
		if !mb.global.Immutable {
			return nil, false
		}
		f := pointerAtOffset(mb.global.Init, mb.base+offset)
		if f == nil {
			return nil, false
		}
		if f.Name() == pureVirtualSentinel {
			continue
		}
		targets[f] = struct{}{}
	}
	return targets, true
}

// pointerAtOffset digs the function constant out of a vtable initializer at
// the given byte offset.
func pointerAtOffset(c constant.Constant, off int64) *ir.Func {
	switch v := c.(type) {
	case *ir.Func:
		if off == 0 {
			return v
		}
	case *constant.ExprBitCast:
		return pointerAtOffset(v.From, off)
	case *constant.Struct:
		var start int64
		for _, field := range v.Fields {
			size := typeSize(field.Type())
			if off < start+size {
				return pointerAtOffset(field, off-start)
			}
			start += size
		}
	case *constant.Array:
		if len(v.Elems) == 0 {
			return nil
		}
		size := typeSize(v.Elems[0].Type())
		if size <= 0 {
			return nil
		}
		idx := off / size
		if idx < 0 || int(idx) >= len(v.Elems) {
			return nil
		}
		return pointerAtOffset(v.Elems[idx], off%size)
	}
	return nil
}

// metadataString extracts the string payload of a metadata call argument.
func metadataString(arg value.Value) (string, bool) {
	mv, ok := arg.(*metadata.Value)
	if !ok {
		return "", false
	}
	return stringField(mv)
}

func intField(field any) (int64, bool) {
	switch v := field.(type) {
	case *constant.Int:
		return v.X.Int64(), true
	case *metadata.Value:
		var inner any = v.Value
		return intField(inner)
	}
	return 0, false
}

func stringField(field any) (string, bool) {
	switch v := field.(type) {
	case *metadata.String:
		return v.Value, true
	case *metadata.Value:
		var inner any = v.Value
		return stringField(inner)
	}
	return "", false
}
