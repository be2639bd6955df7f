package authz

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankumardubey/sentry-core/catalog"
)

// storeCall records one mutating call the processor issued
type storeCall struct {
	op     string
	key    Authorizable
	scope  Scope
	token  UpdateToken
	paths  []string
	oldStr string
	newStr string
}

// recordingStore captures every mutation for assertions. failOn aborts the
// named operation with an error, simulating a store outage.
type recordingStore struct {
	calls     []storeCall
	persisted []int64
	failOn    string
}

func (s *recordingStore) fail(op string) error {
	if s.failOn == op {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (s *recordingStore) DropPrivilege(ctx context.Context, key Authorizable, scope Scope, token UpdateToken) error {
	if err := s.fail("DropPrivilege"); err != nil {
		return err
	}
	s.calls = append(s.calls, storeCall{op: "DropPrivilege", key: key, scope: scope, token: token})
	return nil
}

func (s *recordingStore) RenamePrivilege(ctx context.Context, oldKey, newKey Authorizable, scope Scope, token UpdateToken) error {
	if err := s.fail("RenamePrivilege"); err != nil {
		return err
	}
	s.calls = append(s.calls, storeCall{op: "RenamePrivilege", key: oldKey, scope: scope, token: token})
	return nil
}

func (s *recordingStore) AddAuthzPathsMapping(ctx context.Context, key Authorizable, paths []string, token UpdateToken) error {
	if err := s.fail("AddAuthzPathsMapping"); err != nil {
		return err
	}
	s.calls = append(s.calls, storeCall{op: "AddAuthzPathsMapping", key: key, paths: paths, token: token})
	return nil
}

func (s *recordingStore) UpdateAuthzPathsMapping(ctx context.Context, key Authorizable, oldPath, newPath string, token UpdateToken) error {
	if err := s.fail("UpdateAuthzPathsMapping"); err != nil {
		return err
	}
	s.calls = append(s.calls, storeCall{op: "UpdateAuthzPathsMapping", key: key, oldStr: oldPath, newStr: newPath, token: token})
	return nil
}

func (s *recordingStore) DeleteAuthzPathsMapping(ctx context.Context, key Authorizable, paths []string, token UpdateToken) error {
	if err := s.fail("DeleteAuthzPathsMapping"); err != nil {
		return err
	}
	s.calls = append(s.calls, storeCall{op: "DeleteAuthzPathsMapping", key: key, paths: paths, token: token})
	return nil
}

func (s *recordingStore) RenameAuthzObj(ctx context.Context, oldName, newName string, token UpdateToken) error {
	if err := s.fail("RenameAuthzObj"); err != nil {
		return err
	}
	s.calls = append(s.calls, storeCall{op: "RenameAuthzObj", oldStr: oldName, newStr: newName, token: token})
	return nil
}

func (s *recordingStore) PersistLastProcessedNotificationID(ctx context.Context, id int64) error {
	if err := s.fail("PersistLastProcessedNotificationID"); err != nil {
		return err
	}
	s.persisted = append(s.persisted, id)
	return nil
}

func (s *recordingStore) ops() []string {
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.op
	}
	return ops
}

func newTestProcessor(t *testing.T, store *recordingStore, syncOnCreate bool, filter SyncFilter) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorConfig{
		Store:        store,
		ServerName:   "server1",
		OriginID:     42,
		SyncOnCreate: syncOnCreate,
		Filter:       filter,
	})
	require.NoError(t, err)
	return p
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(ProcessorConfig{ServerName: "server1"})
	assert.Error(t, err)

	_, err = NewProcessor(ProcessorConfig{Store: &recordingStore{}})
	assert.Error(t, err)
}

func TestCreateTableAddsPathMapping(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateTable, `{"db": "db1", "table": "t1", "location": "hdfs://nn/db1/t1"}`),
	})
	require.NoError(t, err)

	require.Len(t, store.calls, 1)
	call := store.calls[0]
	assert.Equal(t, "AddAuthzPathsMapping", call.op)
	assert.Equal(t, TableScope("server1", "db1", "t1"), call.key)
	assert.Equal(t, []string{"hdfs://nn/db1/t1"}, call.paths)
	assert.Equal(t, int64(1), call.token.EventID)
	assert.Equal(t, uint64(42), call.token.Origin)
	assert.Empty(t, store.persisted)
}

func TestCreateTableNullLocationThenValid(t *testing.T) {
	// The event without a location is skipped with an explicit watermark
	// advance; the following valid event still applies
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateTable, `{"db": "db1", "table": "t1"}`),
		event(2, catalog.EventCreateTable, `{"db": "db1", "table": "t2", "location": "hdfs://nn/db1/t2"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, store.persisted)
	require.Equal(t, []string{"AddAuthzPathsMapping"}, store.ops())
	assert.Equal(t, int64(2), store.calls[0].token.EventID)
}

func TestCreateTableSyncOnCreateDropsFirst(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, true, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateTable, `{"db": "db1", "table": "t1", "location": "hdfs://nn/db1/t1"}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"DropPrivilege", "AddAuthzPathsMapping"}, store.ops())
	assert.Equal(t, TableScope("server1", "db1", "t1"), store.calls[0].key)
}

func TestCreateDatabaseSyncOnCreate(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, true, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateDatabase, `{"db": "db1", "location": "hdfs://nn/db1"}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"DropPrivilege"}, store.ops())
	assert.Equal(t, DatabaseScope("server1", "db1"), store.calls[0].key)
	assert.Empty(t, store.persisted)
}

func TestCreateDatabaseWithoutSyncOnCreate(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateDatabase, `{"db": "db1"}`),
	})
	require.NoError(t, err)

	assert.Empty(t, store.calls)
	assert.Equal(t, []int64{1}, store.persisted)
}

func TestDropDatabaseDropsPrivileges(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventDropDatabase, `{"db": "db1"}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"DropPrivilege"}, store.ops())
	call := store.calls[0]
	assert.Equal(t, DatabaseScope("server1", "db1"), call.key)
	assert.True(t, call.scope.Matches(TableScope("server1", "db1", "t1")))
}

func TestAlterTableRename(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAlterTable,
			`{"before": {"db": "db1", "table": "t1"}, "after": {"db": "db1", "table": "t2"}}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"RenamePrivilege", "RenameAuthzObj"}, store.ops())

	rename := store.calls[0]
	assert.Equal(t, TableScope("server1", "db1", "t1"), rename.key)
	require.True(t, rename.scope.IsRename())
	assert.Equal(t, TableScope("server1", "db1", "t2"), rename.scope.NewRoot())

	objRename := store.calls[1]
	assert.Equal(t, "db1.t1", objRename.oldStr)
	assert.Equal(t, "db1.t2", objRename.newStr)

	// Both mutations of one rename share the same token
	assert.Equal(t, rename.token, objRename.token)
	assert.Equal(t, int64(1), rename.token.EventID)
}

func TestAlterTableSameNameIsNoop(t *testing.T) {
	// Schema-only alters carry no authorization-relevant change
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAlterTable,
			`{"before": {"db": "db1", "table": "t1"}, "after": {"db": "DB1", "table": "T1"}}`),
	})
	require.NoError(t, err)

	assert.Empty(t, store.calls)
	assert.Equal(t, []int64{1}, store.persisted)
}

func TestAddPartition(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAddPartition,
			`{"db": "db1", "table": "t1", "partitions": [
				{"values": ["2024"], "location": "hdfs://p1"},
				{"values": ["2025"], "location": "hdfs://p2"}
			]}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"AddAuthzPathsMapping"}, store.ops())
	assert.Equal(t, []string{"hdfs://p1", "hdfs://p2"}, store.calls[0].paths)
}

func TestAddPartitionAllNullLocationsIsInvalid(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAddPartition,
			`{"db": "db1", "table": "t1", "partitions": [{"values": ["2024"]}]}`),
	})
	require.NoError(t, err)

	assert.Empty(t, store.calls)
	assert.Equal(t, []int64{1}, store.persisted)
}

func TestAlterPartitionUpdatesPath(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAlterPartition,
			`{"db": "db1", "table": "t1",
			  "before": {"values": ["2024"], "location": "hdfs://old"},
			  "after": {"values": ["2024"], "location": "hdfs://new"}}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"UpdateAuthzPathsMapping"}, store.ops())
	assert.Equal(t, "hdfs://old", store.calls[0].oldStr)
	assert.Equal(t, "hdfs://new", store.calls[0].newStr)
}

func TestAlterPartitionUnchangedLocationIsNoop(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAlterPartition,
			`{"db": "db1", "table": "t1",
			  "before": {"values": ["2024"], "location": "hdfs://same"},
			  "after": {"values": ["2024"], "location": "hdfs://same"}}`),
	})
	require.NoError(t, err)

	assert.Empty(t, store.calls)
	assert.Equal(t, []int64{1}, store.persisted)
}

func TestDropPartitionDeletesPaths(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventDropPartition,
			`{"db": "db1", "table": "t1", "partitions": [{"values": ["2024"], "location": "hdfs://p1"}]}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"DeleteAuthzPathsMapping"}, store.ops())
	assert.Equal(t, []string{"hdfs://p1"}, store.calls[0].paths)
}

func TestInvalidEventsNeverAbortBatch(t *testing.T) {
	store := &recordingStore{}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateTable, `garbage`),
		event(2, "UNKNOWN_KIND", `{}`),
		event(3, catalog.EventDropTable, `{"db": "db1", "table": "t1"}`),
	})
	require.NoError(t, err)

	// Both bad events advance the watermark explicitly, in order
	assert.Equal(t, []int64{1, 2}, store.persisted)
	assert.Equal(t, []string{"DropPrivilege"}, store.ops())
}

func TestStoreFailureAbortsBatch(t *testing.T) {
	store := &recordingStore{failOn: "DropPrivilege"}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventDropTable, `{"db": "db1", "table": "t1"}`),
		event(2, catalog.EventDropTable, `{"db": "db1", "table": "t2"}`),
	})

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, int64(1), storeErr.EventID)
	assert.Equal(t, "DropPrivilege", storeErr.Op)

	// The failing event left no trace; the later event was never attempted
	assert.Empty(t, store.calls)
	assert.Empty(t, store.persisted)
}

func TestWatermarkPersistFailureAborts(t *testing.T) {
	store := &recordingStore{failOn: "PersistLastProcessedNotificationID"}
	p := newTestProcessor(t, store, false, nil)

	err := p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, "UNKNOWN_KIND", `{}`),
	})

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
}

func TestFilteredEventsAdvanceOnly(t *testing.T) {
	filter, err := NewGlobFilter([]string{"db1"}, nil)
	require.NoError(t, err)

	store := &recordingStore{}
	p := newTestProcessor(t, store, true, filter)

	err = p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventCreateDatabase, `{"db": "db2"}`),
		event(2, catalog.EventCreateTable, `{"db": "db2", "table": "t1", "location": "hdfs://x"}`),
		event(3, catalog.EventDropDatabase, `{"db": "db1"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, store.persisted)
	require.Equal(t, []string{"DropPrivilege"}, store.ops())
	assert.Equal(t, DatabaseScope("server1", "db1"), store.calls[0].key)
}

func TestFilterMatchesEventCasedNames(t *testing.T) {
	// Keys lowercase object identity; the filter must agree with them on
	// events whose payloads carry upper-cased names
	filter, err := NewGlobFilter([]string{"db1"}, nil)
	require.NoError(t, err)

	store := &recordingStore{}
	p := newTestProcessor(t, store, false, filter)

	err = p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventDropDatabase, `{"db": "DB1"}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"DropPrivilege"}, store.ops())
	assert.Equal(t, DatabaseScope("server1", "db1"), store.calls[0].key)
	assert.Empty(t, store.persisted)
}

func TestRenameIntoFilterScopeStillApplies(t *testing.T) {
	// A rename applies when either side of it matches the filter, so a
	// table moving into scope is picked up
	filter, err := NewGlobFilter([]string{"db1"}, nil)
	require.NoError(t, err)

	store := &recordingStore{}
	p := newTestProcessor(t, store, false, filter)

	err = p.ProcessNotifications(context.Background(), []catalog.NotificationEvent{
		event(1, catalog.EventAlterTable,
			`{"before": {"db": "db2", "table": "t1"}, "after": {"db": "db1", "table": "t1"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"RenamePrivilege", "RenameAuthzObj"}, store.ops())
}
