package mlta

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"

	"github.com/715d/callgraph/internal/irutil"
)

// ptrBits is the pointer width assumed when matching pointer-sized integers
// against universal pointers. The corpora this tool targets are LP64.
const ptrBits = 64

// ResolveTA computes the candidate set for an indirect call by signature
// matching alone: every address-taken, non-intrinsic function whose arity
// and parameter types are compatible with the call site. Used as the
// fallback when MLTA cannot vouch for a site.
func (r *Resolver) ResolveTA(call *ir.InstCall) FuncSet {
	out := make(FuncSet)
	if irutil.IsInlineAsm(call) {
		return out
	}
	for f := range r.facts.addressTaken {
		if r.taMatch(call, f) {
			out[f] = struct{}{}
		}
	}
	return out
}

func (r *Resolver) taMatch(call *ir.InstCall, f *ir.Func) bool {
	if irutil.IsIntrinsic(f.Name()) {
		return false
	}
	// Variadic candidates compare only the fixed prefix; everyone else must
	// agree on arity.
	if f.Sig.Variadic {
		if len(call.Args) < len(f.Params) {
			return false
		}
	} else if len(f.Params) != len(call.Args) {
		return false
	}

	// Types are interned per module, so pointer equality is exact within a
	// module; cross-module equivalence is handled per argument below.
	if csTy, retTy := call.Type(), f.Sig.RetType; csTy != nil && retTy != nil {
		if csTy != retTy {
			return false
		}
	}

	for i := range f.Params {
		if !typesCompatible(f.Params[i].Type(), call.Args[i].Type()) {
			return false
		}
	}
	return true
}

// typesCompatible compares a parameter type on the callee side with the
// actual argument type at the call site, tolerating the mismatches that
// separate compilation produces: duplicated struct types across modules,
// integer spellings of pointers, and universal `i8*` pointers.
func typesCompatible(defined, actual types.Type) bool {
	for {
		if defined == actual {
			return true
		}
		// Universal pointers: "void *" and "char *" are assumed equivalent
		// to any pointer type and to the pointer-sized integer.
		if isInt8Ptr(defined) && (isPointer(actual) || isIntPtr(actual)) {
			return true
		}
		if isInt8Ptr(actual) && (isPointer(defined) || isIntPtr(defined)) {
			return true
		}
		dp, dok := defined.(*types.PointerType)
		ap, aok := actual.(*types.PointerType)
		if !dok || !aok {
			break
		}
		defined, actual = dp.ElemType, ap.ElemType
	}

	if dn, ok := irutil.StructName(defined); ok {
		if an, ok := irutil.StructName(actual); ok && dn == an {
			return true
		}
	}
	if di, ok := defined.(*types.IntType); ok {
		if ai, ok := actual.(*types.IntType); ok && di.BitSize == ai.BitSize {
			return true
		}
	}
	return false
}

func isPointer(t types.Type) bool {
	_, ok := t.(*types.PointerType)
	return ok
}

func isInt8Ptr(t types.Type) bool {
	pt, ok := t.(*types.PointerType)
	if !ok {
		return false
	}
	it, ok := pt.ElemType.(*types.IntType)
	return ok && it.BitSize == 8
}

func isIntPtr(t types.Type) bool {
	it, ok := t.(*types.IntType)
	return ok && it.BitSize == ptrBits
}
