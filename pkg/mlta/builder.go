package mlta

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/715d/callgraph/internal/irutil"
)

// Builder populates the fact base from one module at a time. AddModule is
// idempotent: repeated sweeps over the same modules are how the driver
// reaches a fixpoint, and each call reports whether any fact was new.
type Builder struct {
	facts *Facts
}

func NewBuilder(facts *Facts) *Builder {
	return &Builder{facts: facts}
}

// AddModule walks m's type definitions, global initializers, and function
// bodies, recording type facts and address-taken functions. Reports whether
// the fact base changed.
func (b *Builder) AddModule(m *ir.Module) bool {
	changed := false

	for _, t := range m.TypeDefs {
		if name, ok := irutil.StructName(t); ok {
			changed = b.facts.addStructType(name, t) || changed
		}
	}

	for _, g := range m.Globals {
		if g.Init == nil {
			continue
		}
		changed = b.classTransit(g) || changed
		if isAggregate(g.Init) {
			changed = b.confineInInitializer(g.Init) || changed
		}
	}

	taken := collectAddressTaken(m)
	for _, f := range m.Funcs {
		changed = b.addFunction(f, taken) || changed
	}
	return changed
}

func (b *Builder) addFunction(f *ir.Func, taken FuncSet) bool {
	changed := false

	if len(f.Blocks) > 0 {
		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				switch i := inst.(type) {
				case *ir.InstStore:
					changed = b.confineInStore(i.Dst, i.Src) || changed
				case *ir.InstBitCast:
					changed = b.confineInCast(i, i.From) || changed
				case *ir.InstAddrSpaceCast:
					changed = b.confineInCast(i, i.From) || changed
				case *ir.InstCall:
					// Aggregate copies move function pointers exactly like
					// stores do, so they contribute facts here rather than
					// in the resolution pass.
					if dst, src, ok := memTransfer(i); ok {
						changed = b.confineInStore(dst, src) || changed
					}
				}
			}
		}
	}

	if taken.Contains(f) {
		changed = b.addAddressTaken(f) || changed
	}

	if isExternalLinkage(f) && len(f.Blocks) > 0 {
		if _, ok := b.facts.globalFuncs[f.Name()]; !ok {
			b.facts.globalFuncs[f.Name()] = f
			changed = true
		}
	}

	// Keep a single representative per named signature to deduplicate
	// inlined copies across modules. A definition displaces a declaration,
	// so calls re-pointed at a definition keep it as their callee.
	fh := b.facts.hasher.Func(f, true)
	if rep, ok := b.facts.unified[fh]; !ok || (len(rep.Blocks) == 0 && len(f.Blocks) > 0) {
		b.facts.unified[fh] = f
		changed = true
	}
	return changed
}

// addAddressTaken indexes f as a possible indirect-call target. When the
// receiver type of f's first parameter is known to alias another struct type
// (through recorded pointer transits), f is additionally indexed under a
// signature that names that type, capturing overriding methods whose hidden
// this-pointer differs from the base class.
func (b *Builder) addAddressTaken(f *ir.Func) bool {
	changed := b.facts.addressTaken.Insert(f)
	changed = b.facts.addSigFunc(b.facts.hasher.Func(f, false), f) || changed

	if len(f.Params) == 0 {
		return changed
	}
	argTy := irutil.PointeeBase(f.Params[0].Type())
	if _, ok := irutil.StructName(argTy); !ok {
		return changed
	}
	for _, t := range b.facts.transitTypes[b.facts.hasher.Type(argTy)] {
		name, ok := irutil.StructName(t)
		if !ok {
			continue
		}
		changed = b.facts.addSigFunc(b.facts.hasher.FuncWithReceiver(f, name), f) || changed
	}
	return changed
}

// collectAddressTaken gathers the functions whose symbols are observable as
// values in m: referenced from a global initializer, stored, passed as an
// argument, or flowing through a phi, select, or return.
func collectAddressTaken(m *ir.Module) FuncSet {
	taken := make(FuncSet)
	refs := make(map[*ir.Func]struct{})
	for _, g := range m.Globals {
		if g.Init != nil {
			irutil.ConstantFuncs(g.Init, refs)
		}
	}
	for f := range refs {
		taken[f] = struct{}{}
	}

	record := func(op value.Value) {
		if f, ok := irutil.StripPointerCasts(op).(*ir.Func); ok {
			taken[f] = struct{}{}
		}
	}
	for _, fn := range m.Funcs {
		for _, block := range fn.Blocks {
			for _, inst := range block.Insts {
				for _, op := range valueOperands(inst) {
					record(op)
				}
			}
			if ret, ok := block.Term.(*ir.TermRet); ok && ret.X != nil {
				record(ret.X)
			}
		}
	}
	return taken
}

// valueOperands lists the operands of inst through which a function address
// can flow as data. The callee of a call is deliberately excluded: appearing
// only as a direct-call target does not take an address.
func valueOperands(inst ir.Instruction) []value.Value {
	switch i := inst.(type) {
	case *ir.InstStore:
		return []value.Value{i.Src}
	case *ir.InstCall:
		return i.Args
	case *ir.InstSelect:
		return []value.Value{i.ValueTrue, i.ValueFalse}
	case *ir.InstPhi:
		ops := make([]value.Value, 0, len(i.Incs))
		for _, inc := range i.Incs {
			ops = append(ops, inc.X)
		}
		return ops
	}
	return nil
}

// confineInInitializer walks a constant aggregate, recording every function
// constant under the (type, index) of the field holding it and under every
// enclosing composite observed during the walk, so nested struct-in-struct
// and struct-in-array assignments resolve at the outer layers too.
func (b *Builder) confineInInitializer(init constant.Constant) bool {
	changed := false
	worklist := []constant.Constant{init}
	enclosing := make(hashSet)

	for len(worklist) > 0 {
		u := worklist[0]
		worklist = worklist[1:]
		outer := u.Type()

		for n, op := range aggregateFields(u) {
			o := irutil.StripPointerCasts(op)
			switch {
			case isFunc(o):
				f := o.(*ir.Func)
				changed = b.facts.addTypeFunc(b.facts.hasher.TypeIdx(outer, n), f) || changed
				for h := range enclosing {
					changed = b.facts.addTypeFunc(h, f) || changed
				}
			case irutil.IsComposite(o.Type()):
				enclosing.insert(b.facts.hasher.TypeIdx(outer, n))
				if agg, ok := o.(constant.Constant); ok && isAggregate(agg) {
					worklist = append(worklist, agg)
				}
			default:
				// Pointers to composites get their own initializer walk via
				// the pointee's global; nulls and scalars carry no targets.
			}
		}
	}
	return changed
}

// confineInStore records the effect of *dst = src on the fact base: function
// sources land in typeFuncs for every layer of dst, composite-pointer
// sources confine their pointee type, and any other pointer poisons the
// field. Null pointers and non-pointer values are ignored.
func (b *Builder) confineInStore(dst, src value.Value) bool {
	src = irutil.StripPointerCasts(src)

	if f, ok := src.(*ir.Func); ok {
		changed := false
		w := NewWalker(dst)
		for {
			layer, ok := w.Next()
			if !ok {
				break
			}
			changed = b.facts.addTypeFunc(b.facts.hasher.TypeIdx(layer.Type, layer.Index), f) || changed
		}
		return changed
	}

	if irutil.IsNull(src) {
		return false
	}
	pointee, ok := irutil.Pointee(src.Type())
	if !ok {
		return false
	}

	layer, ok := NewWalker(dst).Next()
	if !ok {
		return false
	}
	if irutil.IsComposite(pointee) {
		return b.facts.addConfine(b.facts.hasher.Type(layer.Type), b.facts.hasher.Type(pointee))
	}
	// A function pointer may be hiding behind this untracked value; the
	// field can no longer be trusted.
	return b.facts.addEscape(b.facts.hasher.TypeIdx(layer.Type, layer.Index))
}

// confineInCast records transit edges for casts between composite types,
// both value casts and pointer-to-pointer casts.
func (b *Builder) confineInCast(cast value.Value, from value.Value) bool {
	toTy, fromTy := cast.Type(), from.Type()
	if irutil.IsComposite(fromTy) {
		return b.facts.addTransit(b.facts.hasher.Type(toTy), b.facts.hasher.Type(fromTy))
	}
	if _, ok := fromTy.(*types.PointerType); !ok {
		return false
	}
	if _, ok := toTy.(*types.PointerType); !ok {
		return false
	}
	eTo := irutil.PointeeBase(toTy)
	eFrom := irutil.PointeeBase(fromTy)
	if !irutil.IsComposite(eTo) || !irutil.IsComposite(eFrom) {
		return false
	}
	changed := b.facts.addTransitType(b.facts.hasher.Type(eFrom), eTo)
	return b.facts.addTransit(b.facts.hasher.Type(eTo), b.facts.hasher.Type(eFrom)) || changed
}

// classTransit seeds pointer transits from C++ class types: a global
// initialized to a cast of another global whose debug metadata names a class
// links the class's struct types to the outer pointee type.
func (b *Builder) classTransit(g *ir.Global) bool {
	fromTy := irutil.PointeeBase(irutil.StripPointerCasts(g.Init).Type())
	toTy := irutil.PointeeBase(g.Init.Type())
	if fromTy == toTy {
		return false
	}

	changed := false
	for _, ref := range globalRefs(g.Init) {
		for _, name := range irutil.GlobalClassNames(ref) {
			for _, st := range b.facts.structTypes[name] {
				changed = b.facts.addTransitType(b.facts.hasher.Type(st), toTy) || changed
			}
		}
	}
	return changed
}

// globalRefs collects global variables referenced directly by a constant.
func globalRefs(c constant.Constant) []*ir.Global {
	switch v := c.(type) {
	case *ir.Global:
		return []*ir.Global{v}
	case *constant.ExprBitCast:
		return globalRefs(v.From)
	case *constant.ExprAddrSpaceCast:
		return globalRefs(v.From)
	case *constant.ExprGetElementPtr:
		return globalRefs(v.Src)
	case *constant.Struct:
		var out []*ir.Global
		for _, f := range v.Fields {
			out = append(out, globalRefs(f)...)
		}
		return out
	case *constant.Array:
		var out []*ir.Global
		for _, e := range v.Elems {
			out = append(out, globalRefs(e)...)
		}
		return out
	}
	return nil
}

func memTransfer(call *ir.InstCall) (dst, src value.Value, ok bool) {
	callee := irutil.CalledFunc(call)
	if callee == nil || len(call.Args) < 2 {
		return nil, nil, false
	}
	name := callee.Name()
	if !strings.HasPrefix(name, "llvm.memcpy") && !strings.HasPrefix(name, "llvm.memmove") {
		return nil, nil, false
	}
	return call.Args[0], call.Args[1], true
}

func aggregateFields(c constant.Constant) []constant.Constant {
	switch v := c.(type) {
	case *constant.Struct:
		return v.Fields
	case *constant.Array:
		return v.Elems
	case *constant.Vector:
		return v.Elems
	}
	return nil
}

func isAggregate(c constant.Constant) bool {
	switch c.(type) {
	case *constant.Struct, *constant.Array, *constant.Vector:
		return true
	}
	return false
}

func isFunc(v value.Value) bool {
	_, ok := v.(*ir.Func)
	return ok
}

func isExternalLinkage(f *ir.Func) bool {
	return f.Linkage == enum.LinkageNone || f.Linkage == enum.LinkageExternal
}
