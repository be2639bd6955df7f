package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/authz"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements AuthorizationStore using SQLite. A mutation and
// its watermark advance commit in one transaction, which is what makes the
// implicit advance atomic.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string

	qb goqu.DialectWrapper

	// Read cache for path mappings, invalidated on every path mutation
	pathsCache *lru.Cache[string, []string]
}

// Ensure SQLiteStore implements AuthorizationStore
var _ AuthorizationStore = (*SQLiteStore)(nil)

var sqliteSchemas = []string{
	`CREATE TABLE IF NOT EXISTS sentry_privileges (
		role_name        TEXT NOT NULL,
		action           TEXT NOT NULL,
		server           TEXT NOT NULL,
		db_name          TEXT NOT NULL DEFAULT '',
		table_name       TEXT NOT NULL DEFAULT '',
		partition_values TEXT NOT NULL DEFAULT '[]',
		resource         TEXT NOT NULL,
		PRIMARY KEY (role_name, action, resource)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_privileges_resource ON sentry_privileges (resource)`,
	`CREATE TABLE IF NOT EXISTS authz_paths (
		obj_name TEXT NOT NULL,
		path     TEXT NOT NULL,
		PRIMARY KEY (obj_name, path)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_notifications (
		id              INTEGER PRIMARY KEY CHECK (id = 0),
		notification_id INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO processed_notifications (id, notification_id) VALUES (0, 0)`,
	`CREATE TABLE IF NOT EXISTS authz_update_log (
		notification_id INTEGER NOT NULL,
		origin          INTEGER NOT NULL,
		fingerprint     TEXT NOT NULL,
		op              TEXT NOT NULL,
		applied_at      INTEGER NOT NULL,
		PRIMARY KEY (notification_id, fingerprint)
	)`,
}

// NewSQLiteStore creates a new SQLite-backed AuthorizationStore
func NewSQLiteStore(path string, busyTimeoutMS, cacheSize int) (*SQLiteStore, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection)
	writeDSN := path
	if !isMemoryDB {
		writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// Read connection pool
	readDSN := path
	if !isMemoryDB {
		readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	}

	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, db := range []*sql.DB{writeDB, readDB} {
			if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
			}
			if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
			}
		}
	}

	// Initialize schema
	for _, schema := range sqliteSchemas {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	var pathsCache *lru.Cache[string, []string]
	if cacheSize > 0 {
		pathsCache, err = lru.New[string, []string](cacheSize)
		if err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create paths cache: %w", err)
		}
	}

	return &SQLiteStore{
		writeDB:    writeDB,
		readDB:     readDB,
		path:       path,
		qb:         goqu.Dialect("sqlite3"),
		pathsCache: pathsCache,
	}, nil
}

// mutate runs fn and the watermark advance in one transaction, journaling
// the applied token.
func (s *SQLiteStore) mutate(ctx context.Context, token authz.UpdateToken, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE processed_notifications SET notification_id = MAX(notification_id, ?) WHERE id = 0`,
		token.EventID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO authz_update_log (notification_id, origin, fingerprint, op, applied_at)
		 VALUES (?, ?, ?, ?, ?)`,
		token.EventID, int64(token.Origin), strconv.FormatUint(token.Fingerprint, 16), op,
		time.Now().UnixMilli()); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to journal update: %w", err)
	}

	return tx.Commit()
}

// resourcePrefix builds the exact-prefix predicate used for scope matching.
// substr instead of LIKE so glob characters in object names cannot widen
// the match.
func resourcePrefix(root string) goqu.Expression {
	return goqu.L("substr(resource, 1, ?) = ?", len(root), root)
}

func (s *SQLiteStore) DropPrivilege(ctx context.Context, key authz.Authorizable, scope authz.Scope, token authz.UpdateToken) error {
	query, args, err := s.qb.Delete("sentry_privileges").
		Where(resourcePrefix(scope.Root().Resource())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build drop query: %w", err)
	}

	return s.mutate(ctx, token, "drop_privilege", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to drop privileges: %w", err)
		}
		if dropped, _ := res.RowsAffected(); dropped > 0 {
			log.Debug().
				Int64("dropped", dropped).
				Str("resource", scope.Root().Resource()).
				Msg("Dropped privileges under resource")
		}
		return nil
	})
}

func (s *SQLiteStore) RenamePrivilege(ctx context.Context, oldKey, newKey authz.Authorizable, scope authz.Scope, token authz.UpdateToken) error {
	query, args, err := s.qb.From("sentry_privileges").
		Select("role_name", "action", "server", "db_name", "table_name", "partition_values", "resource").
		Where(resourcePrefix(scope.Root().Resource())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build rename select: %w", err)
	}

	return s.mutate(ctx, token, "rename_privilege", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to select privileges for rename: %w", err)
		}
		privs, err := scanPrivileges(rows)
		if err != nil {
			return err
		}

		for _, p := range privs {
			remapped, ok := scope.Remap(p.Resource)
			if !ok {
				continue
			}
			partitionJSON, err := json.Marshal(remapped.Partition)
			if err != nil {
				return fmt.Errorf("failed to encode partition values: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE OR REPLACE sentry_privileges
				 SET server = ?, db_name = ?, table_name = ?, partition_values = ?, resource = ?
				 WHERE role_name = ? AND action = ? AND resource = ?`,
				remapped.Server, remapped.Db, remapped.Table, string(partitionJSON), remapped.Resource(),
				p.Role, p.Action, p.Resource.Resource()); err != nil {
				return fmt.Errorf("failed to remap privilege: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) AddAuthzPathsMapping(ctx context.Context, key authz.Authorizable, paths []string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	err := s.mutate(ctx, token, "add_paths", func(tx *sql.Tx) error {
		for _, path := range paths {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO authz_paths (obj_name, path) VALUES (?, ?)`,
				obj, path); err != nil {
				return fmt.Errorf("failed to add path mapping: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		s.invalidatePaths(obj)
	}
	return err
}

func (s *SQLiteStore) UpdateAuthzPathsMapping(ctx context.Context, key authz.Authorizable, oldPath, newPath string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()
	err := s.mutate(ctx, token, "update_paths", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE OR REPLACE authz_paths SET path = ? WHERE obj_name = ? AND path = ?`,
			newPath, obj, oldPath)
		if err != nil {
			return fmt.Errorf("failed to update path mapping: %w", err)
		}
		// The old path may never have been registered; the new location
		// still must be.
		if updated, _ := res.RowsAffected(); updated == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO authz_paths (obj_name, path) VALUES (?, ?)`,
				obj, newPath); err != nil {
				return fmt.Errorf("failed to insert updated path mapping: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		s.invalidatePaths(obj)
	}
	return err
}

func (s *SQLiteStore) DeleteAuthzPathsMapping(ctx context.Context, key authz.Authorizable, paths []string, token authz.UpdateToken) error {
	obj := key.AuthzObjName()

	vals := make([]interface{}, 0, len(paths))
	for _, p := range paths {
		vals = append(vals, p)
	}
	query, args, err := s.qb.Delete("authz_paths").
		Where(goqu.C("obj_name").Eq(obj), goqu.C("path").In(vals...)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	mutateErr := s.mutate(ctx, token, "delete_paths", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete path mappings: %w", err)
		}
		return nil
	})
	if mutateErr == nil {
		s.invalidatePaths(obj)
	}
	return mutateErr
}

func (s *SQLiteStore) RenameAuthzObj(ctx context.Context, oldName, newName string, token authz.UpdateToken) error {
	err := s.mutate(ctx, token, "rename_obj", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE OR REPLACE authz_paths SET obj_name = ? WHERE obj_name = ?`,
			newName, oldName); err != nil {
			return fmt.Errorf("failed to rename authz object: %w", err)
		}
		return nil
	})
	if err == nil {
		s.invalidatePaths(oldName)
		s.invalidatePaths(newName)
	}
	return err
}

func (s *SQLiteStore) PersistLastProcessedNotificationID(ctx context.Context, id int64) error {
	_, err := s.writeDB.ExecContext(ctx,
		`UPDATE processed_notifications SET notification_id = MAX(notification_id, ?) WHERE id = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to persist notification id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GrantPrivilege(ctx context.Context, p Privilege) error {
	partitionJSON, err := json.Marshal(p.Resource.Partition)
	if err != nil {
		return fmt.Errorf("failed to encode partition values: %w", err)
	}
	_, err = s.writeDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO sentry_privileges
		 (role_name, action, server, db_name, table_name, partition_values, resource)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Role, p.Action, p.Resource.Server, p.Resource.Db, p.Resource.Table,
		string(partitionJSON), p.Resource.Resource())
	if err != nil {
		return fmt.Errorf("failed to grant privilege: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPrivileges(ctx context.Context) ([]Privilege, error) {
	query, args, err := s.qb.From("sentry_privileges").
		Select("role_name", "action", "server", "db_name", "table_name", "partition_values", "resource").
		Order(goqu.C("resource").Asc(), goqu.C("role_name").Asc(), goqu.C("action").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list privileges: %w", err)
	}
	return scanPrivileges(rows)
}

func (s *SQLiteStore) GetPathsMapping(ctx context.Context, objName string) ([]string, bool, error) {
	if s.pathsCache != nil {
		if paths, ok := s.pathsCache.Get(objName); ok {
			return append([]string(nil), paths...), true, nil
		}
	}

	query, args, err := s.qb.From("authz_paths").
		Select("path").
		Where(goqu.C("obj_name").Eq(objName)).
		Order(goqu.C("path").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build paths query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query path mappings: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, false, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(paths) == 0 {
		return nil, false, nil
	}

	if s.pathsCache != nil {
		s.pathsCache.Add(objName, append([]string(nil), paths...))
	}
	return paths, true, nil
}

func (s *SQLiteStore) LastProcessedNotificationID(ctx context.Context) (int64, error) {
	var id int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT notification_id FROM processed_notifications WHERE id = 0`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Close() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func (s *SQLiteStore) invalidatePaths(objName string) {
	if s.pathsCache != nil {
		s.pathsCache.Remove(objName)
	}
}

func scanPrivileges(rows *sql.Rows) ([]Privilege, error) {
	defer rows.Close()

	var privs []Privilege
	for rows.Next() {
		var rec privilegeRecord
		var partitionJSON, resource string
		if err := rows.Scan(&rec.Role, &rec.Action, &rec.Server, &rec.Db, &rec.Table,
			&partitionJSON, &resource); err != nil {
			return nil, fmt.Errorf("failed to scan privilege: %w", err)
		}
		if err := json.Unmarshal([]byte(partitionJSON), &rec.Partition); err != nil {
			return nil, fmt.Errorf("failed to decode partition values: %w", err)
		}
		privs = append(privs, rec.privilege())
	}
	return privs, rows.Err()
}
