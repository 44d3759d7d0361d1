package mlta

import (
	"github.com/llir/llvm/ir"

	"github.com/715d/callgraph/internal/hashing"
)

// Resolver answers indirect-call queries over a finished fact base. It holds
// no mutable state of its own, so a single Resolver may serve concurrent
// queries once building is done.
type Resolver struct {
	facts *Facts
}

func NewResolver(facts *Facts) *Resolver {
	return &Resolver{facts: facts}
}

// ResolveMLTA computes the candidate set for an indirect call by multi-layer
// type analysis. The first layer is the call signature itself; every
// composite layer the called pointer was loaded through then refines the
// set. Returns ok=false when the analysis cannot vouch for the site: the
// first layer is empty, or a layer's type has escaped.
func (r *Resolver) ResolveMLTA(call *ir.InstCall) (FuncSet, bool) {
	hasher := r.facts.hasher

	fs1 := r.facts.SigFuncs(hasher.Call(call))
	if len(fs1) == 0 {
		return nil, false
	}

	firstIdx := -1
	w := NewWalker(call.Callee)
	for {
		layer, ok := w.Next()
		if !ok {
			break
		}
		th := hasher.Type(layer.Type)
		tih := hasher.TypeIdx(layer.Type, layer.Index)

		// An escaped type or field invalidates every conclusion MLTA could
		// draw at this site; the caller falls back to plain type analysis.
		if r.facts.Escaped(th) || r.facts.Escaped(tih) {
			return nil, false
		}

		if firstIdx == -1 {
			firstIdx = layer.Index
		}

		fst := fs1.Intersect(r.facts.TypeFuncs(tih))

		// Composite values assigned whole into fields of this type carry
		// their own function pointers at the innermost field index.
		for h := range r.facts.typeConfine[th] {
			fst.Union(r.facts.TypeFuncs(hashing.HashIdx(h, firstIdx)))
		}

		// Types bitcast into this one may hold the pointer under their own
		// fingerprint. The transit relation can be cyclic, so the closure
		// walk keeps a visited set.
		visited := hashSet{th: struct{}{}}
		work := []uint64{th}
		for len(work) > 0 {
			ct := work[0]
			work = work[1:]
			for h := range r.facts.typeTransit[ct] {
				if !visited.insert(h) {
					continue
				}
				work = append(work, h)
				fst = fs1.Intersect(r.facts.TypeFuncs(hashing.HashIdx(h, layer.Index)))
				fs1 = fst
			}
		}

		fs1 = fst
	}
	return fs1, true
}
