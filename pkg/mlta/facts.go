// Package mlta implements the indirect-call resolver: Multi-Layer Type
// Analysis over LLVM IR with a signature-matching fallback. The fact base is
// populated once per module during initialization; resolution is pure over
// the collected facts.
package mlta

import (
	"maps"
	"slices"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"

	"github.com/715d/callgraph/internal/hashing"
)

// FuncSet is a set of candidate functions.
type FuncSet map[*ir.Func]struct{}

func NewFuncSet(funcs ...*ir.Func) FuncSet {
	s := make(FuncSet, len(funcs))
	for _, f := range funcs {
		s[f] = struct{}{}
	}
	return s
}

func (s FuncSet) Contains(f *ir.Func) bool {
	_, ok := s[f]
	return ok
}

// Insert adds f and reports whether the set changed.
func (s FuncSet) Insert(f *ir.Func) bool {
	if _, ok := s[f]; ok {
		return false
	}
	s[f] = struct{}{}
	return true
}

// Union adds every member of other into s.
func (s FuncSet) Union(other FuncSet) {
	maps.Copy(s, other)
}

// Intersect returns the members of s also present in other.
func (s FuncSet) Intersect(other FuncSet) FuncSet {
	out := make(FuncSet)
	for f := range s {
		if other.Contains(f) {
			out[f] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members ordered by symbol name, for deterministic
// output and tests.
func (s FuncSet) Sorted() []*ir.Func {
	out := slices.Collect(maps.Keys(s))
	slices.SortFunc(out, func(a, b *ir.Func) int {
		if a.Name() < b.Name() {
			return -1
		}
		if a.Name() > b.Name() {
			return 1
		}
		return 0
	})
	return out
}

// hashSet is a set of fingerprints.
type hashSet map[uint64]struct{}

func (s hashSet) insert(h uint64) bool {
	if _, ok := s[h]; ok {
		return false
	}
	s[h] = struct{}{}
	return true
}

func (s hashSet) contains(h uint64) bool {
	_, ok := s[h]
	return ok
}

// Facts is the owned analysis context: every relation the resolvers consult.
// It is built monotonically by the Builder during the initialization sweep
// and read-only afterwards, so concurrent resolution over a finished fact
// base is safe.
type Facts struct {
	hasher *hashing.Cache

	// typeFuncs maps a (type, field-index) fingerprint to the functions
	// observed stored at that field.
	typeFuncs map[uint64]FuncSet

	// typeConfine maps a type fingerprint to the fingerprints of composite
	// types assigned whole into one of its fields.
	typeConfine map[uint64]hashSet

	// typeTransit maps a type fingerprint to the fingerprints of composite
	// types bitcast into it. Walked transitively by the resolver.
	typeTransit map[uint64]hashSet

	// typeEscape holds type and (type, field-index) fingerprints a function
	// pointer entered through an untracked path.
	typeEscape hashSet

	// transitTypes mirrors typeTransit at the types.Type level, keyed by the
	// source type's fingerprint. Consumed by the receiver-substitution index.
	transitTypes map[uint64][]types.Type

	// structTypes indexes every identified struct type by name across all
	// modules.
	structTypes map[string][]types.Type

	// addressTaken is the universe of possible indirect-call targets.
	addressTaken FuncSet

	// sigFuncs maps a nameless signature fingerprint to the address-taken
	// functions carrying it.
	sigFuncs map[uint64]FuncSet

	// unified maps a named function fingerprint to its canonical
	// representative, deduplicating inlined copies across modules.
	unified map[uint64]*ir.Func

	// globalFuncs maps symbol names to their external-linkage definitions.
	globalFuncs map[string]*ir.Func
}

// NewFacts returns an empty fact base using the given fingerprint cache.
func NewFacts(hasher *hashing.Cache) *Facts {
	return &Facts{
		hasher:       hasher,
		typeFuncs:    make(map[uint64]FuncSet),
		typeConfine:  make(map[uint64]hashSet),
		typeTransit:  make(map[uint64]hashSet),
		typeEscape:   make(hashSet),
		transitTypes: make(map[uint64][]types.Type),
		structTypes:  make(map[string][]types.Type),
		addressTaken: make(FuncSet),
		sigFuncs:     make(map[uint64]FuncSet),
		unified:      make(map[uint64]*ir.Func),
		globalFuncs:  make(map[string]*ir.Func),
	}
}

// Hasher exposes the fingerprint cache shared by the passes.
func (fb *Facts) Hasher() *hashing.Cache { return fb.hasher }

// AddressTaken returns the address-taken function set.
func (fb *Facts) AddressTaken() FuncSet { return fb.addressTaken }

// SigFuncs returns the address-taken functions indexed under sig.
func (fb *Facts) SigFuncs(sig uint64) FuncSet { return fb.sigFuncs[sig] }

// TypeFuncs returns the functions observed at a (type, index) fingerprint.
func (fb *Facts) TypeFuncs(h uint64) FuncSet { return fb.typeFuncs[h] }

// Escaped reports whether h is an escaped type or field fingerprint.
func (fb *Facts) Escaped(h uint64) bool { return fb.typeEscape.contains(h) }

// Unified returns the canonical representative for a named function
// fingerprint, or nil.
func (fb *Facts) Unified(h uint64) *ir.Func { return fb.unified[h] }

// GlobalFunc returns the external-linkage definition of name, or nil.
func (fb *Facts) GlobalFunc(name string) *ir.Func { return fb.globalFuncs[name] }

// StructTypes returns every identified struct type observed under name.
func (fb *Facts) StructTypes(name string) []types.Type { return fb.structTypes[name] }

func (fb *Facts) addTypeFunc(h uint64, f *ir.Func) bool {
	set, ok := fb.typeFuncs[h]
	if !ok {
		set = make(FuncSet)
		fb.typeFuncs[h] = set
	}
	return set.Insert(f)
}

func (fb *Facts) addConfine(outer, inner uint64) bool {
	set, ok := fb.typeConfine[outer]
	if !ok {
		set = make(hashSet)
		fb.typeConfine[outer] = set
	}
	return set.insert(inner)
}

func (fb *Facts) addTransit(to, from uint64) bool {
	set, ok := fb.typeTransit[to]
	if !ok {
		set = make(hashSet)
		fb.typeTransit[to] = set
	}
	return set.insert(from)
}

func (fb *Facts) addEscape(h uint64) bool {
	return fb.typeEscape.insert(h)
}

func (fb *Facts) addTransitType(from uint64, to types.Type) bool {
	for _, t := range fb.transitTypes[from] {
		if t == to {
			return false
		}
	}
	fb.transitTypes[from] = append(fb.transitTypes[from], to)
	return true
}

func (fb *Facts) addStructType(name string, t types.Type) bool {
	for _, existing := range fb.structTypes[name] {
		if existing == t {
			return false
		}
	}
	fb.structTypes[name] = append(fb.structTypes[name], t)
	return true
}

func (fb *Facts) addSigFunc(sig uint64, f *ir.Func) bool {
	set, ok := fb.sigFuncs[sig]
	if !ok {
		set = make(FuncSet)
		fb.sigFuncs[sig] = set
	}
	return set.Insert(f)
}
