package authz

import "fmt"

// Scope selects the set of existing privileges impacted by a structural
// change. A drop scope covers every privilege at or nested under its root; a
// rename scope additionally carries the new root every covered privilege is
// remapped to. The selector is computed here and interpreted by the store.
type Scope struct {
	root  Authorizable
	remap *Authorizable
}

// ScopeForDrop selects every privilege whose resource path is equal to or
// nested under key.
func ScopeForDrop(key Authorizable) Scope {
	return Scope{root: key}
}

// ScopeForRename selects every privilege rooted at or under oldKey and pairs
// it with its equivalent rooted at newKey. Both keys must have the same
// shape; a mismatch is a bug in the caller, not catalog input, and panics.
func ScopeForRename(oldKey, newKey Authorizable) Scope {
	if !oldKey.SameShape(newKey) {
		panic(fmt.Sprintf("authz: rename scope shape mismatch: %q -> %q",
			oldKey.Resource(), newKey.Resource()))
	}
	return Scope{root: oldKey, remap: &newKey}
}

// Root returns the key the selector is rooted at (the old key for renames)
func (s Scope) Root() Authorizable {
	return s.root
}

// IsRename reports whether the scope carries a remap target
func (s Scope) IsRename() bool {
	return s.remap != nil
}

// NewRoot returns the remap target of a rename scope
func (s Scope) NewRoot() Authorizable {
	if s.remap == nil {
		panic("authz: NewRoot on a non-rename scope")
	}
	return *s.remap
}

// Matches reports whether a privilege at resource falls under the selector
func (s Scope) Matches(resource Authorizable) bool {
	return s.root.Contains(resource)
}

// Remap rewrites a covered key so it is rooted at the rename target,
// preserving every component nested below the root. The second return is
// false when the key is outside the selector.
func (s Scope) Remap(resource Authorizable) (Authorizable, bool) {
	if s.remap == nil || !s.root.Contains(resource) {
		return Authorizable{}, false
	}
	out := resource
	out.Server = s.remap.Server
	out.Db = s.remap.Db
	if s.root.Table != "" {
		out.Table = s.remap.Table
	}
	return out, true
}
