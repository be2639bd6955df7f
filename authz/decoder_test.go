package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankumardubey/sentry-core/catalog"
)

func event(id int64, eventType, payload string) catalog.NotificationEvent {
	return catalog.NotificationEvent{ID: id, EventType: eventType, Payload: payload}
}

func TestDecodeCreateDatabase(t *testing.T) {
	change, err := DecodeEvent(event(1, catalog.EventCreateDatabase,
		`{"db": "db1", "location": "hdfs://nn/db1"}`))
	require.NoError(t, err)
	assert.Equal(t, DatabaseCreated{Name: "db1", Location: "hdfs://nn/db1"}, change)
}

func TestDecodeDropDatabase(t *testing.T) {
	change, err := DecodeEvent(event(2, catalog.EventDropDatabase, `{"db": "db1"}`))
	require.NoError(t, err)
	assert.Equal(t, DatabaseDropped{Name: "db1"}, change)
}

func TestDecodeCreateTable(t *testing.T) {
	change, err := DecodeEvent(event(3, catalog.EventCreateTable,
		`{"db": "db1", "table": "t1", "location": "hdfs://nn/db1/t1"}`))
	require.NoError(t, err)
	assert.Equal(t, TableCreated{Db: "db1", Table: "t1", Location: "hdfs://nn/db1/t1"}, change)
}

func TestDecodeCreateTableWithoutLocation(t *testing.T) {
	// A missing location is not a decode failure; the processor decides
	// what to do with it
	change, err := DecodeEvent(event(4, catalog.EventCreateTable,
		`{"db": "db1", "table": "t1"}`))
	require.NoError(t, err)
	assert.Equal(t, TableCreated{Db: "db1", Table: "t1"}, change)
}

func TestDecodeAlterTable(t *testing.T) {
	change, err := DecodeEvent(event(5, catalog.EventAlterTable,
		`{"before": {"db": "db1", "table": "t1"}, "after": {"db": "db1", "table": "t2"}}`))
	require.NoError(t, err)
	assert.Equal(t, TableAltered{OldDb: "db1", OldTable: "t1", NewDb: "db1", NewTable: "t2"}, change)
}

func TestDecodeAddPartition(t *testing.T) {
	change, err := DecodeEvent(event(6, catalog.EventAddPartition,
		`{"db": "db1", "table": "t1", "partitions": [
			{"values": ["2024"], "location": "hdfs://nn/db1/t1/2024"},
			{"values": ["2025"], "location": ""}
		]}`))
	require.NoError(t, err)
	// Partitions without a location contribute nothing
	assert.Equal(t, PartitionsAdded{
		Db: "db1", Table: "t1",
		Locations: []string{"hdfs://nn/db1/t1/2024"},
	}, change)
}

func TestDecodeAddPartitionAllNullLocations(t *testing.T) {
	change, err := DecodeEvent(event(7, catalog.EventAddPartition,
		`{"db": "db1", "table": "t1", "partitions": [{"values": ["2024"]}]}`))
	require.NoError(t, err)
	added, ok := change.(PartitionsAdded)
	require.True(t, ok)
	assert.Empty(t, added.Locations)
}

func TestDecodeAlterPartition(t *testing.T) {
	change, err := DecodeEvent(event(8, catalog.EventAlterPartition,
		`{"db": "db1", "table": "t1",
		  "before": {"values": ["2024"], "location": "hdfs://old"},
		  "after": {"values": ["2024"], "location": "hdfs://new"}}`))
	require.NoError(t, err)
	assert.Equal(t, PartitionAltered{
		Db: "db1", Table: "t1",
		OldLocation: "hdfs://old", NewLocation: "hdfs://new",
	}, change)
}

func TestDecodeDropPartition(t *testing.T) {
	change, err := DecodeEvent(event(9, catalog.EventDropPartition,
		`{"db": "db1", "table": "t1", "partitions": [{"values": ["2024"], "location": "hdfs://p"}]}`))
	require.NoError(t, err)
	assert.Equal(t, PartitionsDropped{Db: "db1", Table: "t1", Locations: []string{"hdfs://p"}}, change)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := DecodeEvent(event(10, catalog.EventCreateTable, `{not json`))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, int64(10), decodeErr.EventID)
}

func TestDecodeMissingIdentity(t *testing.T) {
	_, err := DecodeEvent(event(11, catalog.EventCreateTable, `{"location": "hdfs://x"}`))
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)

	_, err = DecodeEvent(event(12, catalog.EventCreateDatabase, `{}`))
	assert.ErrorAs(t, err, &decodeErr)
}

func TestDecodeUnrecognizedEventType(t *testing.T) {
	_, err := DecodeEvent(event(13, "OPEN_TXN", `{}`))
	var unrecognized *UnrecognizedEventError
	require.ErrorAs(t, err, &unrecognized)
	assert.Equal(t, "OPEN_TXN", unrecognized.EventType)
}
