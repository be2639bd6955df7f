package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/authz"
	"github.com/rohankumardubey/sentry-core/encoding"
)

// Key layout:
//
//	/priv/<resource><role>\x00<action>  -> privilegeRecord
//	/paths/<obj_name>                   -> []string
//	/meta/watermark                     -> big-endian int64
//	/log/<event id hex>                 -> updateLogRecord
//
// The resource string ends with the path separator, so privilege keys for
// an object never prefix-collide with keys of a sibling whose name shares
// a prefix.
const (
	privKeyPrefix  = "/priv/"
	pathsKeyPrefix = "/paths/"
	logKeyPrefix   = "/log/"
	watermarkKey   = "/meta/watermark"
)

// PebbleStore implements AuthorizationStore on a Pebble key-value database.
// Mutations and the watermark advance go through one synced batch.
type PebbleStore struct {
	db *pebble.DB
}

// Ensure PebbleStore implements AuthorizationStore
var _ AuthorizationStore = (*PebbleStore)(nil)

// NewPebbleStore opens or creates a Pebble-backed AuthorizationStore
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func privKey(p Privilege) []byte {
	key := make([]byte, 0, len(privKeyPrefix)+len(p.Resource.Resource())+len(p.Role)+len(p.Action)+1)
	key = append(key, privKeyPrefix...)
	key = append(key, p.Resource.Resource()...)
	key = append(key, p.Role...)
	key = append(key, 0)
	key = append(key, p.Action...)
	return key
}

func pathsKey(objName string) []byte {
	return []byte(pathsKeyPrefix + objName)
}

func logKey(eventID int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", logKeyPrefix, eventID))
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func prefixIterOptions(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	}
}

// mutate applies fn to a batch, appends the watermark advance and the
// update journal entry, then commits with fsync.
func (p *PebbleStore) mutate(token authz.UpdateToken, op string, fn func(b *pebble.Batch) error) error {
	b := p.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(b); err != nil {
		return err
	}

	current, err := p.readWatermark()
	if err != nil {
		return err
	}
	if token.EventID > current {
		if err := b.Set([]byte(watermarkKey), encodeWatermark(token.EventID), nil); err != nil {
			return fmt.Errorf("failed to advance watermark: %w", err)
		}
	}

	logEntry, err := encoding.Marshal(updateLogRecord{
		NotificationID: token.EventID,
		Origin:         token.Origin,
		Fingerprint:    token.Fingerprint,
		Op:             op,
		AppliedAt:      time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode update log entry: %w", err)
	}
	if err := b.Set(logKey(token.EventID), logEntry, nil); err != nil {
		return fmt.Errorf("failed to journal update: %w", err)
	}

	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) DropPrivilege(ctx context.Context, key authz.Authorizable, scope authz.Scope, token authz.UpdateToken) error {
	prefix := []byte(privKeyPrefix + scope.Root().Resource())
	return p.mutate(token, "drop_privilege", func(b *pebble.Batch) error {
		if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
			return fmt.Errorf("failed to drop privileges: %w", err)
		}
		log.Debug().
			Str("resource", scope.Root().Resource()).
			Msg("Dropped privileges under resource")
		return nil
	})
}

func (p *PebbleStore) RenamePrivilege(ctx context.Context, oldKey, newKey authz.Authorizable, scope authz.Scope, token authz.UpdateToken) error {
	prefix := []byte(privKeyPrefix + scope.Root().Resource())
	return p.mutate(token, "rename_privilege", func(b *pebble.Batch) error {
		iter, err := b.NewIter(prefixIterOptions(prefix))
		if err != nil {
			return fmt.Errorf("failed to create iterator: %w", err)
		}
		defer iter.Close()

		type move struct {
			oldKey []byte
			priv   Privilege
		}
		var moves []move
		for iter.First(); iter.Valid(); iter.Next() {
			var rec privilegeRecord
			if err := encoding.Unmarshal(iter.Value(), &rec); err != nil {
				return fmt.Errorf("failed to decode privilege: %w", err)
			}
			priv := rec.privilege()
			remapped, ok := scope.Remap(priv.Resource)
			if !ok {
				continue
			}
			priv.Resource = remapped
			moves = append(moves, move{
				oldKey: append([]byte(nil), iter.Key()...),
				priv:   priv,
			})
		}
		if err := iter.Error(); err != nil {
			return err
		}

		for _, m := range moves {
			if err := b.Delete(m.oldKey, nil); err != nil {
				return fmt.Errorf("failed to delete old privilege key: %w", err)
			}
			value, err := encoding.Marshal(recordOf(m.priv))
			if err != nil {
				return fmt.Errorf("failed to encode privilege: %w", err)
			}
			if err := b.Set(privKey(m.priv), value, nil); err != nil {
				return fmt.Errorf("failed to write remapped privilege: %w", err)
			}
		}
		return nil
	})
}

func (p *PebbleStore) AddAuthzPathsMapping(ctx context.Context, key authz.Authorizable, paths []string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	return p.mutate(token, "add_paths", func(b *pebble.Batch) error {
		existing, err := readPathsFrom(b, obj)
		if err != nil {
			return err
		}
		return writePaths(b, obj, mergePaths(existing, paths))
	})
}

func (p *PebbleStore) UpdateAuthzPathsMapping(ctx context.Context, key authz.Authorizable, oldPath, newPath string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	return p.mutate(token, "update_paths", func(b *pebble.Batch) error {
		existing, err := readPathsFrom(b, obj)
		if err != nil {
			return err
		}
		updated := mergePaths(removePaths(existing, []string{oldPath}), []string{newPath})
		return writePaths(b, obj, updated)
	})
}

func (p *PebbleStore) DeleteAuthzPathsMapping(ctx context.Context, key authz.Authorizable, paths []string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	return p.mutate(token, "delete_paths", func(b *pebble.Batch) error {
		existing, err := readPathsFrom(b, obj)
		if err != nil {
			return err
		}
		return writePaths(b, obj, removePaths(existing, paths))
	})
}

func (p *PebbleStore) RenameAuthzObj(ctx context.Context, oldName, newName string, token authz.UpdateToken) error {
	return p.mutate(token, "rename_obj", func(b *pebble.Batch) error {
		oldPaths, err := readPathsFrom(b, oldName)
		if err != nil {
			return err
		}
		if len(oldPaths) == 0 {
			return nil
		}
		newPaths, err := readPathsFrom(b, newName)
		if err != nil {
			return err
		}
		if err := b.Delete(pathsKey(oldName), nil); err != nil {
			return fmt.Errorf("failed to delete old object paths: %w", err)
		}
		return writePaths(b, newName, mergePaths(newPaths, oldPaths))
	})
}

func (p *PebbleStore) PersistLastProcessedNotificationID(ctx context.Context, id int64) error {
	current, err := p.readWatermark()
	if err != nil {
		return err
	}
	if id <= current {
		return nil
	}
	if err := p.db.Set([]byte(watermarkKey), encodeWatermark(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist notification id: %w", err)
	}
	return nil
}

func (p *PebbleStore) GrantPrivilege(ctx context.Context, priv Privilege) error {
	value, err := encoding.Marshal(recordOf(priv))
	if err != nil {
		return fmt.Errorf("failed to encode privilege: %w", err)
	}
	if err := p.db.Set(privKey(priv), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to grant privilege: %w", err)
	}
	return nil
}

func (p *PebbleStore) ListPrivileges(ctx context.Context) ([]Privilege, error) {
	iter, err := p.db.NewIter(prefixIterOptions([]byte(privKeyPrefix)))
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var privs []Privilege
	for iter.First(); iter.Valid(); iter.Next() {
		var rec privilegeRecord
		if err := encoding.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode privilege: %w", err)
		}
		privs = append(privs, rec.privilege())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sortPrivileges(privs)
	return privs, nil
}

func (p *PebbleStore) GetPathsMapping(ctx context.Context, objName string) ([]string, bool, error) {
	value, closer, err := p.db.Get(pathsKey(objName))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read path mappings: %w", err)
	}
	defer closer.Close()

	var paths []string
	if err := encoding.Unmarshal(value, &paths); err != nil {
		return nil, false, fmt.Errorf("failed to decode path mappings: %w", err)
	}
	if len(paths) == 0 {
		return nil, false, nil
	}
	return paths, true, nil
}

func (p *PebbleStore) LastProcessedNotificationID(ctx context.Context) (int64, error) {
	return p.readWatermark()
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

func (p *PebbleStore) readWatermark() (int64, error) {
	value, closer, err := p.db.Get([]byte(watermarkKey))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, fmt.Errorf("invalid watermark value length %d", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func encodeWatermark(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func readPathsFrom(b *pebble.Batch, objName string) ([]string, error) {
	value, closer, err := b.Get(pathsKey(objName))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read path mappings: %w", err)
	}
	defer closer.Close()

	var paths []string
	if err := encoding.Unmarshal(value, &paths); err != nil {
		return nil, fmt.Errorf("failed to decode path mappings: %w", err)
	}
	return paths, nil
}

func writePaths(b *pebble.Batch, objName string, paths []string) error {
	if len(paths) == 0 {
		if err := b.Delete(pathsKey(objName), nil); err != nil {
			return fmt.Errorf("failed to delete path mappings: %w", err)
		}
		return nil
	}
	value, err := encoding.Marshal(paths)
	if err != nil {
		return fmt.Errorf("failed to encode path mappings: %w", err)
	}
	if err := b.Set(pathsKey(objName), value, nil); err != nil {
		return fmt.Errorf("failed to write path mappings: %w", err)
	}
	return nil
}
