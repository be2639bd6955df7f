package store

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rohankumardubey/sentry-core/authz"
)

// MemoryStore is an in-process AuthorizationStore backed by lock-free
// concurrent maps. Used by tests and dev mode; nothing survives a restart.
type MemoryStore struct {
	privileges *xsync.MapOf[string, Privilege] // keyed by resource|role|action
	paths      *xsync.MapOf[string, []string]  // keyed by authz object name
	watermark  atomic.Int64
}

// Ensure MemoryStore implements AuthorizationStore
var _ AuthorizationStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		privileges: xsync.NewMapOf[string, Privilege](),
		paths:      xsync.NewMapOf[string, []string](),
	}
}

func privilegeKey(p Privilege) string {
	return p.Resource.Resource() + "|" + p.Role + "|" + p.Action
}

// advanceWatermark moves the watermark forward, never backward
func (s *MemoryStore) advanceWatermark(id int64) {
	for {
		current := s.watermark.Load()
		if id <= current || s.watermark.CompareAndSwap(current, id) {
			return
		}
	}
}

func (s *MemoryStore) DropPrivilege(ctx context.Context, key authz.Authorizable, scope authz.Scope, token authz.UpdateToken) error {
	s.privileges.Range(func(k string, p Privilege) bool {
		if scope.Matches(p.Resource) {
			s.privileges.Delete(k)
		}
		return true
	})
	s.advanceWatermark(token.EventID)
	return nil
}

func (s *MemoryStore) RenamePrivilege(ctx context.Context, oldKey, newKey authz.Authorizable, scope authz.Scope, token authz.UpdateToken) error {
	var moved []Privilege
	s.privileges.Range(func(k string, p Privilege) bool {
		if remapped, ok := scope.Remap(p.Resource); ok {
			s.privileges.Delete(k)
			p.Resource = remapped
			moved = append(moved, p)
		}
		return true
	})
	for _, p := range moved {
		s.privileges.Store(privilegeKey(p), p)
	}
	s.advanceWatermark(token.EventID)
	return nil
}

func (s *MemoryStore) AddAuthzPathsMapping(ctx context.Context, key authz.Authorizable, paths []string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	existing, _ := s.paths.Load(obj)
	s.paths.Store(obj, mergePaths(existing, paths))
	s.advanceWatermark(token.EventID)
	return nil
}

func (s *MemoryStore) UpdateAuthzPathsMapping(ctx context.Context, key authz.Authorizable, oldPath, newPath string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	existing, _ := s.paths.Load(obj)
	s.paths.Store(obj, mergePaths(removePaths(existing, []string{oldPath}), []string{newPath}))
	s.advanceWatermark(token.EventID)
	return nil
}

func (s *MemoryStore) DeleteAuthzPathsMapping(ctx context.Context, key authz.Authorizable, paths []string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	if existing, ok := s.paths.Load(obj); ok {
		remaining := removePaths(existing, paths)
		if len(remaining) == 0 {
			s.paths.Delete(obj)
		} else {
			s.paths.Store(obj, remaining)
		}
	}
	s.advanceWatermark(token.EventID)
	return nil
}

func (s *MemoryStore) RenameAuthzObj(ctx context.Context, oldName, newName string, token authz.UpdateToken) error {
	if existing, ok := s.paths.Load(oldName); ok {
		s.paths.Delete(oldName)
		s.paths.Store(newName, existing)
	}
	s.advanceWatermark(token.EventID)
	return nil
}

func (s *MemoryStore) PersistLastProcessedNotificationID(ctx context.Context, id int64) error {
	s.advanceWatermark(id)
	return nil
}

func (s *MemoryStore) GrantPrivilege(ctx context.Context, p Privilege) error {
	s.privileges.Store(privilegeKey(p), p)
	return nil
}

func (s *MemoryStore) ListPrivileges(ctx context.Context) ([]Privilege, error) {
	privs := make([]Privilege, 0)
	s.privileges.Range(func(_ string, p Privilege) bool {
		privs = append(privs, p)
		return true
	})
	sortPrivileges(privs)
	return privs, nil
}

func (s *MemoryStore) GetPathsMapping(ctx context.Context, objName string) ([]string, bool, error) {
	paths, ok := s.paths.Load(objName)
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), paths...), true, nil
}

func (s *MemoryStore) LastProcessedNotificationID(ctx context.Context) (int64, error) {
	return s.watermark.Load(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
