package mlta

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/715d/callgraph/internal/irutil"
)

// Layer identifies one composite type a pointer was addressed through, and
// the field index within it. Index is -1 when the composite was reached
// without an explicit field selection (an alloca of the whole object).
type Layer struct {
	Type  types.Type
	Index int
}

// Walker climbs from a value (a called function pointer, or the destination
// of a store) through the loads and casts that produced it to the first GEP
// or alloca addressing it, yielding the enclosing composite layers innermost
// first: one layer per constant GEP index, or the allocated type of an
// alloca. The walk ends with that GEP's outermost layer; the GEP's base
// pointer is not followed further. The walk is read-only and finite.
type Walker struct {
	v       value.Value
	indices []value.Value
	idx     int
	done    bool
}

// NewWalker starts a layer walk at v.
func NewWalker(v value.Value) *Walker {
	return &Walker{v: v, idx: -1}
}

// Next yields the next outer layer. It returns false when no further
// composite layer can be derived from the IR.
func (w *Walker) Next() (Layer, bool) {
	if w.done {
		return Layer{}, false
	}
	t, ok := w.next(w.v)
	if !ok {
		w.done = true
		return Layer{}, false
	}
	if len(w.indices) == 0 {
		// The residual chain is exhausted after this layer.
		w.done = true
	}
	return Layer{Type: t, Index: w.idx}, true
}

func (w *Walker) next(v value.Value) (types.Type, bool) {
	if gep, ok := irutil.AsGEP(v); ok {
		return w.nextGEP(gep)
	}
	switch i := v.(type) {
	case *ir.InstLoad:
		return w.next(i.Src)
	case *ir.InstAlloca:
		return i.ElemType, true
	case *ir.InstBitCast:
		return w.next(i.From)
	case *ir.InstAddrSpaceCast:
		return w.next(i.From)
	case *ir.InstIntToPtr:
		return w.next(i.From)
	case *ir.InstPtrToInt:
		return w.next(i.From)
	case *constant.ExprBitCast:
		return w.next(i.From)
	case *constant.ExprIntToPtr:
		return w.next(i.From)
	}
	return nil, false
}

func (w *Walker) nextGEP(gep irutil.GEP) (types.Type, bool) {
	// A single-index GEP is plain pointer arithmetic; there is no enclosing
	// composite to learn from it.
	if len(gep.Indices) < 2 {
		return nil, false
	}
	if !gep.HasAllConstantIndices() {
		return nil, false
	}
	if len(w.indices) == 0 {
		// First visit: remember all but the final index. Each subsequent
		// call consumes one more index from the back, climbing outward.
		w.indices = append(w.indices, gep.Indices[:len(gep.Indices)-1]...)
	}
	t := irutil.IndexedType(gep.ElemType, w.indices)
	if t == nil {
		return nil, false
	}

	// A bitcast on the GEP base can present a different view of the object
	// than the one it was allocated with. Bit-fields that straddle bytes
	// merge IR fields, shifting indices: when the field counts diverge the
	// indices are meaningless, so the layer is abandoned. Otherwise the
	// pre-cast type is the one the facts were recorded under.
	if base, ok := irutil.Pointee(gep.Src.Type()); ok {
		preCast, okPre := irutil.Pointee(irutil.StripPointerCasts(gep.Src).Type())
		if okPre && preCast != base && base == t {
			if structFieldCount(preCast) != structFieldCount(base) {
				return nil, false
			}
			t = preCast
		}
	}

	if !irutil.IsComposite(t) {
		return nil, false
	}
	n, ok := irutil.IntValue(gep.Indices[len(w.indices)])
	if !ok {
		return nil, false
	}
	w.idx = int(n)
	w.indices = w.indices[:len(w.indices)-1]
	return t, true
}

func structFieldCount(t types.Type) int {
	if st, ok := t.(*types.StructType); ok {
		return len(st.Fields)
	}
	return 0
}
