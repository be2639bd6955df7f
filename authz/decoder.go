package authz

import (
	"encoding/json"
	"fmt"

	"github.com/rohankumardubey/sentry-core/catalog"
)

// Wire shapes of catalog payload messages, one per event kind. The catalog
// encodes these as JSON strings inside the notification event.

type databaseMessage struct {
	Name     string `json:"db"`
	Location string `json:"location"`
}

type tableMessage struct {
	Db       string `json:"db"`
	Table    string `json:"table"`
	Location string `json:"location"`
}

type alterTableMessage struct {
	Before tableMessage `json:"before"`
	After  tableMessage `json:"after"`
}

type partitionMessage struct {
	Values   []string `json:"values"`
	Location string   `json:"location"`
}

type partitionsMessage struct {
	Db         string             `json:"db"`
	Table      string             `json:"table"`
	Partitions []partitionMessage `json:"partitions"`
}

type alterPartitionMessage struct {
	Db     string           `json:"db"`
	Table  string           `json:"table"`
	Before partitionMessage `json:"before"`
	After  partitionMessage `json:"after"`
}

// DecodeEvent turns a raw notification event into a typed schema change.
// A payload that does not match the declared event type yields a
// *DecodeError; an event type outside the closed enumeration yields an
// *UnrecognizedEventError. Both classify as invalid events upstream.
func DecodeEvent(ev catalog.NotificationEvent) (SchemaChange, error) {
	switch ev.EventType {
	case catalog.EventCreateDatabase:
		var msg databaseMessage
		if err := decodePayload(ev, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" {
			return nil, malformed(ev, "empty database name")
		}
		return DatabaseCreated{Name: msg.Name, Location: msg.Location}, nil

	case catalog.EventDropDatabase:
		var msg databaseMessage
		if err := decodePayload(ev, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" {
			return nil, malformed(ev, "empty database name")
		}
		return DatabaseDropped{Name: msg.Name}, nil

	case catalog.EventCreateTable:
		var msg tableMessage
		if err := decodePayload(ev, &msg); err != nil {
			return nil, err
		}
		if msg.Db == "" || msg.Table == "" {
			return nil, malformed(ev, "empty table identity")
		}
		return TableCreated{Db: msg.Db, Table: msg.Table, Location: msg.Location}, nil

	case catalog.EventDropTable:
		var msg tableMessage
		if err := decodePayload(ev, &msg); err != nil {
			return nil, err
		}
		if msg.Db == "" || msg.Table == "" {
			return nil, malformed(ev, "empty table identity")
		}
		return TableDropped{Db: msg.Db, Table: msg.Table}, nil

	case catalog.EventAlterTable:
		var msg alterTableMessage
		if err := decodePayload(ev, &msg); err != nil {
			return nil, err
		}
		if msg.Before.Db == "" || msg.Before.Table == "" ||
			msg.After.Db == "" || msg.After.Table == "" {
			return nil, malformed(ev, "empty table identity")
		}
		return TableAltered{
			OldDb:    msg.Before.Db,
			OldTable: msg.Before.Table,
			NewDb:    msg.After.Db,
			NewTable: msg.After.Table,
		}, nil

	case catalog.EventAddPartition:
		msg, err := decodePartitions(ev)
		if err != nil {
			return nil, err
		}
		return PartitionsAdded{Db: msg.Db, Table: msg.Table, Locations: partitionLocations(msg.Partitions)}, nil

	case catalog.EventAlterPartition:
		var msg alterPartitionMessage
		if err := decodePayload(ev, &msg); err != nil {
			return nil, err
		}
		if msg.Db == "" || msg.Table == "" {
			return nil, malformed(ev, "empty table identity")
		}
		return PartitionAltered{
			Db:          msg.Db,
			Table:       msg.Table,
			OldLocation: msg.Before.Location,
			NewLocation: msg.After.Location,
		}, nil

	case catalog.EventDropPartition:
		msg, err := decodePartitions(ev)
		if err != nil {
			return nil, err
		}
		return PartitionsDropped{Db: msg.Db, Table: msg.Table, Locations: partitionLocations(msg.Partitions)}, nil

	default:
		return nil, &UnrecognizedEventError{EventID: ev.ID, EventType: ev.EventType}
	}
}

func decodePayload(ev catalog.NotificationEvent, v interface{}) error {
	if err := json.Unmarshal([]byte(ev.Payload), v); err != nil {
		return &DecodeError{EventID: ev.ID, EventType: ev.EventType, Err: err}
	}
	return nil
}

func decodePartitions(ev catalog.NotificationEvent) (partitionsMessage, error) {
	var msg partitionsMessage
	if err := decodePayload(ev, &msg); err != nil {
		return msg, err
	}
	if msg.Db == "" || msg.Table == "" {
		return msg, malformed(ev, "empty table identity")
	}
	if len(msg.Partitions) == 0 {
		return msg, malformed(ev, "no partitions in payload")
	}
	return msg, nil
}

// partitionLocations collects the storage locations present in a partition
// list. Partitions without a location are skipped; whether an empty result
// is acceptable depends on the event kind and is decided by the processor.
func partitionLocations(partitions []partitionMessage) []string {
	locations := make([]string, 0, len(partitions))
	for _, p := range partitions {
		if p.Location != "" {
			locations = append(locations, p.Location)
		}
	}
	return locations
}

func malformed(ev catalog.NotificationEvent, detail string) error {
	return &DecodeError{EventID: ev.ID, EventType: ev.EventType, Err: fmt.Errorf("%s", detail)}
}
