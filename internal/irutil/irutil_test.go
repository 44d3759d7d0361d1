package irutil

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/stretchr/testify/require"
)

func TestStripPointerCasts(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("target", types.Void)

	fn := m.NewFunc("test", types.Void)
	b := fn.NewBlock("")
	cast := b.NewBitCast(f, types.NewPointer(types.I8))
	b.NewRet(nil)

	require.Equal(t, f, StripPointerCasts(cast))
	require.Equal(t, f, StripPointerCasts(constant.NewBitCast(f, types.NewPointer(types.I8))))
}

func TestCalledFunc(t *testing.T) {
	m := ir.NewModule()
	callee := m.NewFunc("callee", types.Void)
	fn := m.NewFunc("test", types.Void, ir.NewParam("fp", types.NewPointer(types.NewFunc(types.Void))))
	b := fn.NewBlock("")

	direct := b.NewCall(callee)
	viaCast := b.NewCall(b.NewBitCast(callee, types.NewPointer(types.NewFunc(types.Void))))
	indirect := b.NewCall(fn.Params[0])
	b.NewRet(nil)

	require.Equal(t, callee, CalledFunc(direct))
	require.Equal(t, callee, CalledFunc(viaCast), "a cast callee is still a direct call")
	require.Nil(t, CalledFunc(indirect))
	require.False(t, IsIndirect(direct))
	require.True(t, IsIndirect(indirect))
}

func TestIndexedType(t *testing.T) {
	fnPtr := types.NewPointer(types.NewFunc(types.Void))
	inner := types.NewStruct(fnPtr)
	outer := types.NewStruct(types.I32, inner)
	arr := types.NewArray(4, outer)

	idx := func(n int64) *constant.Int { return constant.NewInt(types.I32, n) }

	tests := []struct {
		name    string
		elem    types.Type
		indices []int64
		want    types.Type
	}{
		{"first index keeps type", outer, []int64{0}, outer},
		{"struct field", outer, []int64{0, 1}, inner},
		{"nested field", outer, []int64{0, 1, 0}, fnPtr},
		{"through array element", arr, []int64{0, 2, 1}, inner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			indices := make([]value.Value, len(tt.indices))
			for i, n := range tt.indices {
				indices[i] = idx(n)
			}
			require.Equal(t, tt.want, IndexedType(tt.elem, indices))
		})
	}
}

func TestIsComposite(t *testing.T) {
	require.True(t, IsComposite(types.NewStruct(types.I32)))
	require.True(t, IsComposite(types.NewArray(2, types.I32)))
	require.False(t, IsComposite(types.I32))
	require.False(t, IsComposite(types.NewPointer(types.NewStruct(types.I32))))
}

func TestIsIntrinsic(t *testing.T) {
	require.True(t, IsIntrinsic("llvm.memcpy.p0i8.p0i8.i64"))
	require.True(t, IsIntrinsic("llvm.type.test"))
	require.False(t, IsIntrinsic("my_llvm_helper"))
}

func TestConstantFuncs(t *testing.T) {
	m := ir.NewModule()
	f1 := m.NewFunc("f1", types.Void)
	f2 := m.NewFunc("f2", types.Void)
	fnPtr := types.NewPointer(types.NewFunc(types.Void))

	st := types.NewStruct(fnPtr, fnPtr)
	init := constant.NewStruct(st, f1, constant.NewBitCast(f2, fnPtr))

	out := make(map[*ir.Func]struct{})
	ConstantFuncs(init, out)
	require.Len(t, out, 2)
	require.Contains(t, out, f1)
	require.Contains(t, out, f2)
}
