// Package irutil provides small views over llir/llvm values shared by the
// analysis passes: pointer-cast stripping, composite-type tests, GEP access,
// and debug-info extraction.
package irutil

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// StripPointerCasts peels bitcasts and address-space casts off v, both the
// instruction and constant-expression forms.
func StripPointerCasts(v value.Value) value.Value {
	for {
		switch c := v.(type) {
		case *ir.InstBitCast:
			v = c.From
		case *ir.InstAddrSpaceCast:
			v = c.From
		case *constant.ExprBitCast:
			v = c.From
		case *constant.ExprAddrSpaceCast:
			v = c.From
		default:
			return v
		}
	}
}

// CalledFunc resolves the direct callee of a call, looking through pointer
// casts. Returns nil for genuinely indirect calls and inline assembly.
func CalledFunc(call *ir.InstCall) *ir.Func {
	f, _ := StripPointerCasts(call.Callee).(*ir.Func)
	return f
}

// IsIndirect reports whether the call has no resolvable callee symbol.
// Inline-assembly call sites are not indirect; they are not calls at all for
// the purposes of this analysis.
func IsIndirect(call *ir.InstCall) bool {
	if IsInlineAsm(call) {
		return false
	}
	return CalledFunc(call) == nil
}

// IsInlineAsm reports whether the call invokes inline assembly.
func IsInlineAsm(call *ir.InstCall) bool {
	_, ok := call.Callee.(*ir.InlineAsm)
	return ok
}

// IsIntrinsic reports whether name refers to an LLVM intrinsic.
func IsIntrinsic(name string) bool {
	return strings.HasPrefix(name, "llvm.")
}

// CallSignature returns the function type of a call site: the pointee of the
// called value's type when available, otherwise a signature rebuilt from the
// call's result and argument types.
func CallSignature(call *ir.InstCall) *types.FuncType {
	if pt, ok := call.Callee.Type().(*types.PointerType); ok {
		if ft, ok := pt.ElemType.(*types.FuncType); ok {
			return ft
		}
	}
	if ft, ok := call.Callee.Type().(*types.FuncType); ok {
		return ft
	}
	params := make([]types.Type, len(call.Args))
	for i, a := range call.Args {
		params[i] = a.Type()
	}
	return types.NewFunc(call.Type(), params...)
}

// IsComposite reports whether t is a struct, array, or vector type.
func IsComposite(t types.Type) bool {
	switch t.(type) {
	case *types.StructType, *types.ArrayType, *types.VectorType:
		return true
	}
	return false
}

// PointeeBase strips all pointer levels off t.
func PointeeBase(t types.Type) types.Type {
	for {
		pt, ok := t.(*types.PointerType)
		if !ok {
			return t
		}
		t = pt.ElemType
	}
}

// Pointee returns the element type of a pointer type.
func Pointee(t types.Type) (types.Type, bool) {
	pt, ok := t.(*types.PointerType)
	if !ok {
		return nil, false
	}
	return pt.ElemType, true
}

// IsNull reports whether v is the constant null pointer.
func IsNull(v value.Value) bool {
	_, ok := v.(*constant.Null)
	return ok
}

// IntValue extracts a constant integer operand.
func IntValue(v value.Value) (int64, bool) {
	ci, ok := v.(*constant.Int)
	if !ok {
		return 0, false
	}
	return ci.X.Int64(), true
}

// GEP is a uniform view over getelementptr in both its instruction and
// constant-expression forms.
type GEP struct {
	ElemType types.Type
	Src      value.Value
	Indices  []value.Value
}

// AsGEP views v as a getelementptr, if it is one.
func AsGEP(v value.Value) (GEP, bool) {
	switch g := v.(type) {
	case *ir.InstGetElementPtr:
		return GEP{ElemType: g.ElemType, Src: g.Src, Indices: g.Indices}, true
	case *constant.ExprGetElementPtr:
		indices := make([]value.Value, len(g.Indices))
		for i, idx := range g.Indices {
			indices[i] = idx
		}
		return GEP{ElemType: g.ElemType, Src: g.Src, Indices: indices}, true
	}
	return GEP{}, false
}

// HasAllConstantIndices reports whether every GEP index is a constant int.
func (g GEP) HasAllConstantIndices() bool {
	for _, idx := range g.Indices {
		if _, ok := IntValue(idx); !ok {
			return false
		}
	}
	return true
}

// IndexedType computes the type addressed by applying indices to a pointer
// to elem: the first index steps through the pointer without changing the
// type, each further index selects a struct field or element type.
func IndexedType(elem types.Type, indices []value.Value) types.Type {
	t := elem
	for _, idx := range indices[1:] {
		switch ct := t.(type) {
		case *types.StructType:
			n, ok := IntValue(idx)
			if !ok || n < 0 || int(n) >= len(ct.Fields) {
				return nil
			}
			t = ct.Fields[n]
		case *types.ArrayType:
			t = ct.ElemType
		case *types.VectorType:
			t = ct.ElemType
		default:
			return nil
		}
	}
	return t
}

// ConstantFuncs collects every function referenced from a constant,
// descending through aggregates and constant expressions.
func ConstantFuncs(c constant.Constant, out map[*ir.Func]struct{}) {
	switch v := c.(type) {
	case *ir.Func:
		out[v] = struct{}{}
	case *constant.Struct:
		for _, f := range v.Fields {
			ConstantFuncs(f, out)
		}
	case *constant.Array:
		for _, e := range v.Elems {
			ConstantFuncs(e, out)
		}
	case *constant.Vector:
		for _, e := range v.Elems {
			ConstantFuncs(e, out)
		}
	case *constant.ExprBitCast:
		ConstantFuncs(v.From, out)
	case *constant.ExprAddrSpaceCast:
		ConstantFuncs(v.From, out)
	case *constant.ExprPtrToInt:
		ConstantFuncs(v.From, out)
	case *constant.ExprGetElementPtr:
		ConstantFuncs(v.Src, out)
	}
}

// StructName returns the identified name of a struct type, if any.
func StructName(t types.Type) (string, bool) {
	st, ok := t.(*types.StructType)
	if !ok || st.TypeName == "" {
		return "", false
	}
	return st.TypeName, true
}
