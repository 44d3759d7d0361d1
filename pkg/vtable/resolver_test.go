package vtable

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/require"
)

func annotateType(g *ir.Global, base int64, typeID string) {
	g.Metadata = append(g.Metadata, &metadata.Attachment{
		Name: "type",
		Node: &metadata.Tuple{Fields: []metadata.Field{
			&metadata.Value{Value: constant.NewInt(types.I64, base)},
			&metadata.String{Value: typeID},
		}},
	})
}

func typeIDArg(id string) *metadata.Value {
	return &metadata.Value{Value: &metadata.String{Value: id}}
}

// buildVirtualCall assembles the canonical devirtualizable pattern: a
// type-tested vtable pointer, an assume on the test, and an indirect call
// through a slot loaded at the given byte offset.
func buildVirtualCall(m *ir.Module, typeTest, assume *ir.Func, fnPtr *types.PointerType, offset int64) *ir.InstCall {
	i8p := types.NewPointer(types.I8)
	f := m.NewFunc("dispatch", types.Void, ir.NewParam("vtable", i8p))
	b := f.NewBlock("")
	tt := b.NewCall(typeTest, f.Params[0], typeIDArg("_ZTS1A"))
	b.NewCall(assume, tt)

	addr := b.NewGetElementPtr(types.I8, f.Params[0], constant.NewInt(types.I64, offset))
	slotPtr := b.NewBitCast(addr, types.NewPointer(fnPtr))
	call := b.NewCall(b.NewLoad(fnPtr, slotPtr))
	b.NewRet(nil)
	return call
}

func TestResolve_SlotTargets(t *testing.T) {
	m := ir.NewModule()
	fnTy := types.NewFunc(types.Void)
	fnPtr := types.NewPointer(fnTy)

	methodA := m.NewFunc("_ZN1A1fEv", types.Void)
	methodA.NewBlock("").NewRet(nil)
	methodB := m.NewFunc("_ZN1A1gEv", types.Void)
	methodB.NewBlock("").NewRet(nil)

	vtTy := types.NewStruct(fnPtr, fnPtr)
	vt := m.NewGlobalDef("_ZTV1A", constant.NewStruct(vtTy, methodA, methodB))
	vt.Immutable = true
	annotateType(vt, 0, "_ZTS1A")

	typeTest := m.NewFunc("llvm.type.test", types.I1, ir.NewParam("p", types.NewPointer(types.I8)))
	assume := m.NewFunc("llvm.assume", types.Void, ir.NewParam("c", types.I1))

	slot0 := buildVirtualCall(m, typeTest, assume, fnPtr, 0)
	slot1 := buildVirtualCall(m, typeTest, assume, fnPtr, 8)

	res := Resolve(m)

	require.True(t, res.Has(slot0))
	require.Equal(t, []string{"_ZN1A1fEv"}, targetNames(t, res, slot0))
	require.True(t, res.Has(slot1))
	require.Equal(t, []string{"_ZN1A1gEv"}, targetNames(t, res, slot1))
}

func TestResolve_MultipleVTablesPerTypeID(t *testing.T) {
	m := ir.NewModule()
	fnPtr := types.NewPointer(types.NewFunc(types.Void))

	baseImpl := m.NewFunc("_ZN4Base1fEv", types.Void)
	baseImpl.NewBlock("").NewRet(nil)
	derivedImpl := m.NewFunc("_ZN7Derived1fEv", types.Void)
	derivedImpl.NewBlock("").NewRet(nil)

	vtTy := types.NewStruct(fnPtr)
	vtBase := m.NewGlobalDef("_ZTV4Base", constant.NewStruct(vtTy, baseImpl))
	vtBase.Immutable = true
	annotateType(vtBase, 0, "_ZTS1A")
	vtDerived := m.NewGlobalDef("_ZTV7Derived", constant.NewStruct(vtTy, derivedImpl))
	vtDerived.Immutable = true
	annotateType(vtDerived, 0, "_ZTS1A")

	typeTest := m.NewFunc("llvm.type.test", types.I1, ir.NewParam("p", types.NewPointer(types.I8)))
	assume := m.NewFunc("llvm.assume", types.Void, ir.NewParam("c", types.I1))

	call := buildVirtualCall(m, typeTest, assume, fnPtr, 0)

	res := Resolve(m)
	require.True(t, res.Has(call))
	require.Equal(t, []string{"_ZN4Base1fEv", "_ZN7Derived1fEv"}, targetNames(t, res, call))
}

func TestResolve_PureVirtualSentinelSkipped(t *testing.T) {
	m := ir.NewModule()
	fnPtr := types.NewPointer(types.NewFunc(types.Void))

	pure := m.NewFunc("__cxa_pure_virtual", types.Void)
	impl := m.NewFunc("_ZN1B1fEv", types.Void)
	impl.NewBlock("").NewRet(nil)

	vtTy := types.NewStruct(fnPtr)
	vtAbstract := m.NewGlobalDef("_ZTV8Abstract", constant.NewStruct(vtTy, pure))
	vtAbstract.Immutable = true
	annotateType(vtAbstract, 0, "_ZTS1A")
	vtImpl := m.NewGlobalDef("_ZTV1B", constant.NewStruct(vtTy, impl))
	vtImpl.Immutable = true
	annotateType(vtImpl, 0, "_ZTS1A")

	typeTest := m.NewFunc("llvm.type.test", types.I1, ir.NewParam("p", types.NewPointer(types.I8)))
	assume := m.NewFunc("llvm.assume", types.Void, ir.NewParam("c", types.I1))

	call := buildVirtualCall(m, typeTest, assume, fnPtr, 0)

	res := Resolve(m)
	require.True(t, res.Has(call))
	require.Equal(t, []string{"_ZN1B1fEv"}, targetNames(t, res, call))
}

func TestResolve_NonConstantVTableDropsSlot(t *testing.T) {
	m := ir.NewModule()
	fnPtr := types.NewPointer(types.NewFunc(types.Void))

	impl := m.NewFunc("_ZN1C1fEv", types.Void)
	impl.NewBlock("").NewRet(nil)

	vtTy := types.NewStruct(fnPtr)
	vt := m.NewGlobalDef("_ZTV1C", constant.NewStruct(vtTy, impl))
	// Not marked constant: the slot contents cannot be trusted.
	annotateType(vt, 0, "_ZTS1A")

	typeTest := m.NewFunc("llvm.type.test", types.I1, ir.NewParam("p", types.NewPointer(types.I8)))
	assume := m.NewFunc("llvm.assume", types.Void, ir.NewParam("c", types.I1))

	call := buildVirtualCall(m, typeTest, assume, fnPtr, 0)

	res := Resolve(m)
	require.False(t, res.Has(call))
}

func TestResolve_NoTypeMetadata(t *testing.T) {
	m := ir.NewModule()
	res := Resolve(m)
	require.NotNil(t, res)
	require.Empty(t, res.candidates)
}

func targetNames(t *testing.T, res *Result, call *ir.InstCall) []string {
	t.Helper()
	var out []string
	for _, f := range res.Candidates(call).Sorted() {
		out = append(out, f.Name())
	}
	return out
}
