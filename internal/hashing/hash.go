// Package hashing computes stable fingerprints for functions, call sites,
// types, and (type, field-index) pairs. All fingerprints derive from the
// canonical printed LLVM form of a type with whitespace stripped, so that
// structurally identical types from different modules hash identically.
package hashing

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/callgraph/internal/irutil"
)

// Cache fingerprints types and functions. Canonical type strings are memoized
// because the same struct types are hashed at every store, cast, and call
// site of every module.
type Cache struct {
	typeCache *xsync.Map[types.Type, string]
}

func NewCache() *Cache {
	return &Cache{
		typeCache: xsync.NewMap[types.Type, string](),
	}
}

// firstParamPattern captures a printed function signature around its first
// parameter's struct name, so that the name can be substituted when indexing
// overriding methods under a base-class receiver.
var firstParamPattern = regexp.MustCompile(`([^,]+?\([%@]?"?)[^),*"]+(.*)`)

// CanonicalType returns the printed form of t with all spaces removed.
// Unprototyped function types print as their no-arg form so that "void(...)"
// and "void()" do not hash apart.
func (c *Cache) CanonicalType(t types.Type) string {
	if t == nil {
		return ""
	}
	if s, ok := c.typeCache.Load(t); ok {
		return s
	}
	s := strings.ReplaceAll(t.String(), " ", "")
	s = strings.ReplaceAll(s, "void(...)", "void()")
	c.typeCache.Store(t, s)
	return s
}

// Func fingerprints a function by its printed function type. With withName,
// the symbol name is appended, and file-local (internal or private linkage)
// functions are prefixed with their debug filename so that identically named
// static functions in different source files hash apart.
func (c *Cache) Func(f *ir.Func, withName bool) uint64 {
	out := c.CanonicalType(f.Sig)
	if withName {
		out += f.Name()
		if f.Linkage == enum.LinkageInternal || f.Linkage == enum.LinkagePrivate {
			if sp := irutil.Subprogram(f); sp != nil && sp.File != nil {
				out = sp.File.Filename + ":" + out
			}
		}
	}
	return hashString(out)
}

// FuncWithReceiver fingerprints f like Func(f, false) but with the struct
// name of the first parameter substituted by recvName in the canonical
// signature. Used to index C++ override methods under the base-class
// this-pointer type.
func (c *Cache) FuncWithReceiver(f *ir.Func, recvName string) uint64 {
	sig := c.CanonicalType(f.Sig)
	subst := "${1}" + recvName + "${2}"
	return hashString(firstParamPattern.ReplaceAllString(sig, subst))
}

// Call fingerprints a call site: a resolved direct callee hashes as the
// callee itself, anything else as the printed call-site function type.
func (c *Cache) Call(call *ir.InstCall) uint64 {
	if callee := irutil.CalledFunc(call); callee != nil {
		return c.Func(callee, true)
	}
	return hashString(c.CanonicalType(irutil.CallSignature(call)))
}

// Type fingerprints a type by its canonical printed form.
func (c *Cache) Type(t types.Type) uint64 {
	return hashString(c.CanonicalType(t))
}

// TypeIdx fingerprints a (type, field-index) pair.
func (c *Cache) TypeIdx(t types.Type, idx int) uint64 {
	return HashIdx(c.Type(t), idx)
}

// HashIdx derives a (hash, field-index) fingerprint from an existing type
// hash. Addition wraps; the index contributes through its decimal string so
// that indices and type contents cannot cancel out.
func HashIdx(h uint64, idx int) uint64 {
	return h + hashString(strconv.Itoa(idx))
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
