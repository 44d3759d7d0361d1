package mlta

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/require"

	"github.com/715d/callgraph/internal/hashing"
)

// A pointer to a composite stored into a field confines the pointee type:
// functions held by the confined type surface at the outer layer.
func TestBuilder_ConfinementResolvesThroughField(t *testing.T) {
	m := ir.NewModule()
	fnPtr := voidFnPtr()
	i8p := types.NewPointer(types.I8)
	inner := m.NewTypeDef("struct.inner", types.NewStruct(fnPtr)).(*types.StructType)
	outer := m.NewTypeDef("struct.outer", types.NewStruct(i8p)).(*types.StructType)

	sayHello := defineVoidFunc(m, "say_hello")
	innerObj := m.NewGlobalDef("inner_obj", constant.NewStruct(inner, sayHello))

	f := m.NewFunc("wire", types.Void, ir.NewParam("o", types.NewPointer(outer)))
	b := f.NewBlock("")
	dst := b.NewGetElementPtr(outer, f.Params[0], constant.NewInt(types.I64, 0), constant.NewInt(types.I32, 0))
	b.NewStore(b.NewBitCast(innerObj, i8p), dst)

	readGep := b.NewGetElementPtr(outer, f.Params[0], constant.NewInt(types.I64, 0), constant.NewInt(types.I32, 0))
	fp := b.NewBitCast(b.NewLoad(i8p, readGep), fnPtr)
	call := b.NewCall(fp)
	b.NewRet(nil)

	facts, r := newAnalysis(t, m)
	require.Contains(t, facts.typeConfine, facts.Hasher().Type(outer))

	fs, ok := r.ResolveMLTA(call)
	require.True(t, ok)
	require.Equal(t, []string{"say_hello"}, names(fs))
}

// memcpy of an aggregate is a store of the source into the destination slot.
func TestBuilder_MemcpyConfines(t *testing.T) {
	m := ir.NewModule()
	fnPtr := voidFnPtr()
	i8p := types.NewPointer(types.I8)
	inner := m.NewTypeDef("struct.inner", types.NewStruct(fnPtr)).(*types.StructType)
	outer := m.NewTypeDef("struct.outer", types.NewStruct(i8p)).(*types.StructType)

	sayHello := defineVoidFunc(m, "say_hello")
	innerObj := m.NewGlobalDef("inner_obj", constant.NewStruct(inner, sayHello))

	memcpy := m.NewFunc("llvm.memcpy.p0i8.p0i8.i64", types.Void,
		ir.NewParam("dst", i8p), ir.NewParam("src", i8p),
		ir.NewParam("len", types.I64), ir.NewParam("isvolatile", types.I1))

	f := m.NewFunc("wire", types.Void, ir.NewParam("o", types.NewPointer(outer)))
	b := f.NewBlock("")
	dst := b.NewGetElementPtr(outer, f.Params[0], constant.NewInt(types.I64, 0), constant.NewInt(types.I32, 0))
	b.NewCall(memcpy,
		b.NewBitCast(dst, i8p), b.NewBitCast(innerObj, i8p),
		constant.NewInt(types.I64, 8), constant.NewInt(types.I1, 0))
	b.NewRet(nil)

	facts, _ := newAnalysis(t, m)
	confined := facts.typeConfine[facts.Hasher().Type(outer)]
	require.True(t, confined.contains(facts.Hasher().Type(inner)))
}

// A bitcast between composite pointers records a transit edge; candidates
// recorded under the source type surface at the destination type's layer.
func TestBuilder_TransitResolvesAcrossBitcast(t *testing.T) {
	m := ir.NewModule()
	fnPtr := voidFnPtr()
	from := m.NewTypeDef("struct.from", types.NewStruct(fnPtr)).(*types.StructType)
	to := m.NewTypeDef("struct.to", types.NewStruct(fnPtr)).(*types.StructType)

	sayHello := defineVoidFunc(m, "say_hello")
	other := defineVoidFunc(m, "other")
	m.NewGlobalDef("other_taken", other)

	// The cast lives in one function; the call site in another sees only
	// the destination type, so resolution must go through the transit edge.
	caster := m.NewFunc("caster", types.Void)
	cb := caster.NewBlock("")
	obj := cb.NewAlloca(from)
	storeGep := cb.NewGetElementPtr(from, obj, constant.NewInt(types.I64, 0), constant.NewInt(types.I32, 0))
	cb.NewStore(sayHello, storeGep)
	cb.NewBitCast(obj, types.NewPointer(to))
	cb.NewRet(nil)

	f := m.NewFunc("test", types.Void, ir.NewParam("p", types.NewPointer(to)))
	b := f.NewBlock("")
	readGep := b.NewGetElementPtr(to, f.Params[0], constant.NewInt(types.I64, 0), constant.NewInt(types.I32, 0))
	call := b.NewCall(b.NewLoad(fnPtr, readGep))
	b.NewRet(nil)

	facts, r := newAnalysis(t, m)
	require.Contains(t, facts.typeTransit, facts.Hasher().Type(to))

	fs, ok := r.ResolveMLTA(call)
	require.True(t, ok)
	require.Equal(t, []string{"say_hello"}, names(fs))
}

// An address-taken function whose receiver type aliases another struct is
// additionally indexed under the aliased receiver's signature.
func TestBuilder_ReceiverSubstitutedSignature(t *testing.T) {
	m := ir.NewModule()
	base := m.NewTypeDef("struct.Base", types.NewStruct(types.I32)).(*types.StructType)
	derived := m.NewTypeDef("struct.Derived", types.NewStruct(types.I32)).(*types.StructType)

	method := m.NewFunc("method", types.Void, ir.NewParam("this", types.NewPointer(derived)))
	method.NewBlock("").NewRet(nil)
	m.NewGlobalDef("vt_slot", method)

	f := m.NewFunc("upcast", types.NewPointer(base), ir.NewParam("d", types.NewPointer(derived)))
	b := f.NewBlock("")
	cast := b.NewBitCast(f.Params[0], types.NewPointer(base))
	b.NewRet(cast)

	facts, _ := newAnalysis(t, m)

	sig := facts.Hasher().FuncWithReceiver(method, "struct.Base")
	require.True(t, facts.SigFuncs(sig).Contains(method),
		"method must be indexed under the base-receiver signature")
}

// Facts only grow: re-adding a module reports no change.
func TestBuilder_Idempotent(t *testing.T) {
	m := ir.NewModule()
	fnPtr := voidFnPtr()
	st := m.NewTypeDef("struct.s", types.NewStruct(fnPtr)).(*types.StructType)
	sayHello := defineVoidFunc(m, "say_hello")
	m.NewGlobalDef("obj", constant.NewStruct(st, sayHello))

	facts := NewFacts(hashing.NewCache())
	builder := NewBuilder(facts)
	require.True(t, builder.AddModule(m))
	for builder.AddModule(m) {
	}
	require.False(t, builder.AddModule(m))
}
