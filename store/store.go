// Package store holds the authorization state the notification processor
// keeps in sync: privileges, filesystem path mappings and the
// processed-notification watermark. Three backends share one contract:
// memory (tests, dev mode), SQLite and Pebble.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/rohankumardubey/sentry-core/authz"
	"github.com/rohankumardubey/sentry-core/cfg"
)

// Privilege grants a role an action on a securable object
type Privilege struct {
	Role     string
	Action   string
	Resource authz.Authorizable
}

// AuthorizationStore is the full store surface: the mutation contract the
// processor consumes plus the read and seeding surface used by the admin
// API and tests. Every mutating call persists the token's event id as the
// watermark atomically with its own mutation; watermark writes are
// monotonic, a lower id never overwrites a higher one.
type AuthorizationStore interface {
	authz.Store

	// GrantPrivilege seeds a privilege outside notification processing
	GrantPrivilege(ctx context.Context, p Privilege) error
	// ListPrivileges returns all privileges ordered by resource, role, action
	ListPrivileges(ctx context.Context) ([]Privilege, error)
	// GetPathsMapping returns the path set mapped to an authz object name
	GetPathsMapping(ctx context.Context, objName string) ([]string, bool, error)
	// LastProcessedNotificationID returns the persisted watermark
	LastProcessedNotificationID(ctx context.Context) (int64, error)

	Close() error
}

// New creates the store backend named by the configuration
func New(config cfg.StoreConfiguration) (AuthorizationStore, error) {
	switch config.Backend {
	case cfg.StoreMemory:
		return NewMemoryStore(), nil
	case cfg.StoreSQLite:
		return NewSQLiteStore(config.Path, config.BusyTimeoutMS, config.CacheSize)
	case cfg.StorePebble:
		return NewPebbleStore(config.Path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", config.Backend)
	}
}

// privilegeRecord is the serialized form of a privilege
type privilegeRecord struct {
	Role      string   `msgpack:"role"`
	Action    string   `msgpack:"action"`
	Server    string   `msgpack:"server"`
	Db        string   `msgpack:"db"`
	Table     string   `msgpack:"table"`
	Partition []string `msgpack:"partition,omitempty"`
}

func recordOf(p Privilege) privilegeRecord {
	return privilegeRecord{
		Role:      p.Role,
		Action:    p.Action,
		Server:    p.Resource.Server,
		Db:        p.Resource.Db,
		Table:     p.Resource.Table,
		Partition: p.Resource.Partition,
	}
}

func (r privilegeRecord) privilege() Privilege {
	return Privilege{
		Role:   r.Role,
		Action: r.Action,
		Resource: authz.Authorizable{
			Server:    r.Server,
			Db:        r.Db,
			Table:     r.Table,
			Partition: r.Partition,
		},
	}
}

// updateLogRecord journals one applied update token
type updateLogRecord struct {
	NotificationID int64  `msgpack:"id"`
	Origin         uint64 `msgpack:"origin"`
	Fingerprint    uint64 `msgpack:"fp"`
	Op             string `msgpack:"op"`
	AppliedAt      int64  `msgpack:"at"`
}

func sortPrivileges(privs []Privilege) {
	sort.Slice(privs, func(i, j int) bool {
		ri, rj := privs[i].Resource.Resource(), privs[j].Resource.Resource()
		if ri != rj {
			return ri < rj
		}
		if privs[i].Role != privs[j].Role {
			return privs[i].Role < privs[j].Role
		}
		return privs[i].Action < privs[j].Action
	})
}

// mergePaths returns base with extra appended, deduplicated, order preserved
func mergePaths(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range base {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range extra {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// removePaths returns base without any path in drop
func removePaths(base, drop []string) []string {
	dropSet := make(map[string]struct{}, len(drop))
	for _, p := range drop {
		dropSet[p] = struct{}{}
	}
	out := base[:0:0]
	for _, p := range base {
		if _, ok := dropSet[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
