package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
)

// Subprogram returns the DISubprogram attached to f, or nil.
func Subprogram(f *ir.Func) *metadata.DISubprogram {
	for _, att := range f.Metadata {
		if sp, ok := att.Node.(*metadata.DISubprogram); ok {
			return sp
		}
	}
	return nil
}

// Location returns the debug location attached to a call, or nil.
func Location(call *ir.InstCall) *metadata.DILocation {
	for _, att := range call.Metadata {
		if loc, ok := att.Node.(*metadata.DILocation); ok {
			return loc
		}
	}
	return nil
}

// ScopeFilename resolves the source filename of a debug scope by walking the
// lexical scope chain up to the enclosing subprogram or file.
func ScopeFilename(scope any) string {
	for scope != nil {
		switch s := scope.(type) {
		case *metadata.DIFile:
			return s.Filename
		case *metadata.DISubprogram:
			if s.File != nil {
				return s.File.Filename
			}
			return ""
		case *metadata.DILexicalBlock:
			if s.File != nil {
				return s.File.Filename
			}
			scope = s.Scope
		case *metadata.DILexicalBlockFile:
			if s.File != nil {
				return s.File.Filename
			}
			scope = s.Scope
		case *metadata.DINamespace:
			scope = s.Scope
		default:
			return ""
		}
	}
	return ""
}

// InlinedAt returns the inlining site of a debug location, or nil.
func InlinedAt(loc *metadata.DILocation) *metadata.DILocation {
	if loc == nil {
		return nil
	}
	var at any = loc.InlinedAt
	l, _ := at.(*metadata.DILocation)
	return l
}

// GlobalClassNames extracts the mangled struct names ("class.NS::Name") of
// C++ class types named by a global variable's debug metadata.
func GlobalClassNames(g *ir.Global) []string {
	var names []string
	for _, att := range g.Metadata {
		gve, ok := att.Node.(*metadata.DIGlobalVariableExpression)
		if !ok || gve.Var == nil {
			continue
		}
		var varType any = gve.Var.Type
		ct, ok := varType.(*metadata.DICompositeType)
		if !ok || ct.Tag != enum.DwarfTagClassType {
			continue
		}
		names = append(names, "class."+scopeNamespace(ct.Scope)+ct.Name)
	}
	return names
}

// scopeNamespace renders the namespace chain of a debug scope as "a::b::".
func scopeNamespace(scope any) string {
	ns, ok := scope.(*metadata.DINamespace)
	if !ok || ns.Name == "" {
		return ""
	}
	return scopeNamespace(ns.Scope) + ns.Name + "::"
}
