package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/catalog"
	"github.com/rohankumardubey/sentry-core/telemetry"
)

// Store is the narrow authorization-store contract the processor consumes.
// Every mutating call is expected to persist token.EventID as the watermark
// atomically with its own mutation; PersistLastProcessedNotificationID is
// the explicit advance for events that mutate nothing.
type Store interface {
	DropPrivilege(ctx context.Context, key Authorizable, scope Scope, token UpdateToken) error
	RenamePrivilege(ctx context.Context, oldKey, newKey Authorizable, scope Scope, token UpdateToken) error
	AddAuthzPathsMapping(ctx context.Context, key Authorizable, paths []string, token UpdateToken) error
	UpdateAuthzPathsMapping(ctx context.Context, key Authorizable, oldPath, newPath string, token UpdateToken) error
	DeleteAuthzPathsMapping(ctx context.Context, key Authorizable, paths []string, token UpdateToken) error
	RenameAuthzObj(ctx context.Context, oldName, newName string, token UpdateToken) error
	PersistLastProcessedNotificationID(ctx context.Context, id int64) error
}

// Event processing outcomes, used as metric labels
const (
	outcomeApplied  = "applied"
	outcomeNoop     = "noop"
	outcomeInvalid  = "invalid"
	outcomeFiltered = "filtered"
)

// ProcessorConfig configures a notification processor
type ProcessorConfig struct {
	Store        Store
	ServerName   string     // Server component of every authorizable key
	OriginID     uint64     // Follower instance id carried in update tokens
	SyncOnCreate bool       // Defensively drop stale privileges on create events
	Filter       SyncFilter // Optional; nil synchronizes everything
}

// Processor consumes ordered notification batches and applies the
// corresponding authorization-side effects. Not safe for concurrent
// batches: the surrounding poll loop must keep at most one
// ProcessNotifications call in flight per store.
type Processor struct {
	store        Store
	server       string
	origin       uint64
	syncOnCreate bool
	filter       SyncFilter
}

// NewProcessor creates a notification processor
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.ServerName == "" {
		return nil, fmt.Errorf("server name is required")
	}
	return &Processor{
		store:        config.Store,
		server:       config.ServerName,
		origin:       config.OriginID,
		syncOnCreate: config.SyncOnCreate,
		filter:       config.Filter,
	}, nil
}

// ProcessNotifications applies every event in the batch in strict list
// order. Invalid events (decode failures, unrecognized types, missing
// required fields) are skipped with an explicit watermark advance and never
// abort the batch; any store failure aborts immediately with the watermark
// left at its last advanced value, so the caller retries from there.
func (p *Processor) ProcessNotifications(ctx context.Context, events []catalog.NotificationEvent) error {
	for _, ev := range events {
		if err := p.processEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processEvent(ctx context.Context, ev catalog.NotificationEvent) error {
	change, err := DecodeEvent(ev)
	if err != nil {
		return p.skipInvalid(ctx, ev, err)
	}

	switch c := change.(type) {
	case DatabaseCreated:
		if !p.match(c.Name, "") {
			return p.skipFiltered(ctx, ev)
		}
		if !p.syncOnCreate {
			return p.advanceOnly(ctx, ev, outcomeNoop)
		}
		// Clear any stale privileges left from a prior same-named database
		key := DatabaseScope(p.server, c.Name)
		return p.finish(ctx, ev, p.dropPrivilege(ctx, ev, key))

	case DatabaseDropped:
		if !p.match(c.Name, "") {
			return p.skipFiltered(ctx, ev)
		}
		key := DatabaseScope(p.server, c.Name)
		return p.finish(ctx, ev, p.dropPrivilege(ctx, ev, key))

	case TableCreated:
		if !p.match(c.Db, c.Table) {
			return p.skipFiltered(ctx, ev)
		}
		if c.Location == "" {
			return p.skipInvalid(ctx, ev, &MissingFieldError{
				EventID: ev.ID, EventType: ev.EventType, Field: "location",
			})
		}
		key := TableScope(p.server, c.Db, c.Table)
		if p.syncOnCreate {
			if err := p.dropPrivilege(ctx, ev, key); err != nil {
				return err
			}
		}
		token := NewUpdateToken(ev.ID, p.origin, "add_paths", key.AuthzObjName())
		if err := p.store.AddAuthzPathsMapping(ctx, key, []string{c.Location}, token); err != nil {
			return p.storeFailed(ev, "AddAuthzPathsMapping", err)
		}
		return p.finish(ctx, ev, nil)

	case TableDropped:
		if !p.match(c.Db, c.Table) {
			return p.skipFiltered(ctx, ev)
		}
		key := TableScope(p.server, c.Db, c.Table)
		return p.finish(ctx, ev, p.dropPrivilege(ctx, ev, key))

	case TableAltered:
		return p.processAlterTable(ctx, ev, c)

	case PartitionsAdded:
		if !p.match(c.Db, c.Table) {
			return p.skipFiltered(ctx, ev)
		}
		if len(c.Locations) == 0 {
			return p.skipInvalid(ctx, ev, &MissingFieldError{
				EventID: ev.ID, EventType: ev.EventType, Field: "partition locations",
			})
		}
		key := TableScope(p.server, c.Db, c.Table)
		token := NewUpdateToken(ev.ID, p.origin, "add_paths", key.AuthzObjName())
		if err := p.store.AddAuthzPathsMapping(ctx, key, c.Locations, token); err != nil {
			return p.storeFailed(ev, "AddAuthzPathsMapping", err)
		}
		return p.finish(ctx, ev, nil)

	case PartitionAltered:
		return p.processAlterPartition(ctx, ev, c)

	case PartitionsDropped:
		if !p.match(c.Db, c.Table) {
			return p.skipFiltered(ctx, ev)
		}
		if len(c.Locations) == 0 {
			return p.skipInvalid(ctx, ev, &MissingFieldError{
				EventID: ev.ID, EventType: ev.EventType, Field: "partition locations",
			})
		}
		key := TableScope(p.server, c.Db, c.Table)
		token := NewUpdateToken(ev.ID, p.origin, "delete_paths", key.AuthzObjName())
		if err := p.store.DeleteAuthzPathsMapping(ctx, key, c.Locations, token); err != nil {
			return p.storeFailed(ev, "DeleteAuthzPathsMapping", err)
		}
		return p.finish(ctx, ev, nil)

	default:
		// Unreachable while the union stays closed; classified invalid so a
		// future kind cannot wedge the follower.
		return p.skipInvalid(ctx, ev, &UnrecognizedEventError{EventID: ev.ID, EventType: ev.EventType})
	}
}

// processAlterTable handles renames and identity-preserving alters. The
// no-op comparison is on the qualified name only: alters that touch other
// fields (column schema, properties) carry no authorization-relevant change
// and advance the watermark explicitly.
func (p *Processor) processAlterTable(ctx context.Context, ev catalog.NotificationEvent, c TableAltered) error {
	oldKey := TableScope(p.server, c.OldDb, c.OldTable)
	newKey := TableScope(p.server, c.NewDb, c.NewTable)

	if oldKey.Equal(newKey) {
		return p.advanceOnly(ctx, ev, outcomeNoop)
	}
	if !p.match(c.OldDb, c.OldTable) && !p.match(c.NewDb, c.NewTable) {
		return p.skipFiltered(ctx, ev)
	}

	scope := ScopeForRename(oldKey, newKey)
	token := NewUpdateToken(ev.ID, p.origin, "rename", oldKey.AuthzObjName())
	if err := p.store.RenamePrivilege(ctx, oldKey, newKey, scope, token); err != nil {
		return p.storeFailed(ev, "RenamePrivilege", err)
	}
	// Path mappings follow the renamed table
	if err := p.store.RenameAuthzObj(ctx, oldKey.AuthzObjName(), newKey.AuthzObjName(), token); err != nil {
		return p.storeFailed(ev, "RenameAuthzObj", err)
	}
	return p.finish(ctx, ev, nil)
}

func (p *Processor) processAlterPartition(ctx context.Context, ev catalog.NotificationEvent, c PartitionAltered) error {
	if !p.match(c.Db, c.Table) {
		return p.skipFiltered(ctx, ev)
	}
	if c.NewLocation == "" {
		return p.skipInvalid(ctx, ev, &MissingFieldError{
			EventID: ev.ID, EventType: ev.EventType, Field: "location",
		})
	}
	if c.OldLocation == c.NewLocation {
		return p.advanceOnly(ctx, ev, outcomeNoop)
	}

	key := TableScope(p.server, c.Db, c.Table)
	token := NewUpdateToken(ev.ID, p.origin, "update_paths", key.AuthzObjName())
	if err := p.store.UpdateAuthzPathsMapping(ctx, key, c.OldLocation, c.NewLocation, token); err != nil {
		return p.storeFailed(ev, "UpdateAuthzPathsMapping", err)
	}
	return p.finish(ctx, ev, nil)
}

// dropPrivilege issues the drop-privilege mutation for key, covering every
// privilege at or nested under it.
func (p *Processor) dropPrivilege(ctx context.Context, ev catalog.NotificationEvent, key Authorizable) error {
	token := NewUpdateToken(ev.ID, p.origin, "drop", key.AuthzObjName())
	if err := p.store.DropPrivilege(ctx, key, ScopeForDrop(key), token); err != nil {
		return p.storeFailed(ev, "DropPrivilege", err)
	}
	return nil
}

func (p *Processor) match(db, table string) bool {
	return p.filter == nil || p.filter.Match(db, table)
}

// finish records a successfully applied event. The watermark was carried by
// the last mutating store call; no explicit advance happens here.
func (p *Processor) finish(ctx context.Context, ev catalog.NotificationEvent, err error) error {
	if err != nil {
		return err
	}
	telemetry.NotificationsTotal.With(ev.EventType, outcomeApplied).Inc()
	telemetry.WatermarkID.Set(float64(ev.ID))
	log.Debug().
		Int64("event_id", ev.ID).
		Str("event_type", ev.EventType).
		Msg("Applied notification event")
	return nil
}

// skipInvalid advances the watermark past an event that cannot be applied.
// Processing is forward-only: the event is never retried.
func (p *Processor) skipInvalid(ctx context.Context, ev catalog.NotificationEvent, cause error) error {
	var unrecognized *UnrecognizedEventError
	logEvent := log.Warn().
		Int64("event_id", ev.ID).
		Str("event_type", ev.EventType)
	if errors.As(cause, &unrecognized) {
		logEvent.Msg("Skipping event with unrecognized type")
	} else {
		logEvent.Err(cause).Msg("Skipping invalid notification event")
	}
	return p.advanceOnly(ctx, ev, outcomeInvalid)
}

func (p *Processor) skipFiltered(ctx context.Context, ev catalog.NotificationEvent) error {
	log.Debug().
		Int64("event_id", ev.ID).
		Str("db", ev.DbName).
		Str("table", ev.TableName).
		Msg("Event excluded by sync filter")
	return p.advanceOnly(ctx, ev, outcomeFiltered)
}

// advanceOnly persists the watermark explicitly for an event that produced
// no store mutation.
func (p *Processor) advanceOnly(ctx context.Context, ev catalog.NotificationEvent, outcome string) error {
	if err := p.store.PersistLastProcessedNotificationID(ctx, ev.ID); err != nil {
		return p.storeFailed(ev, "PersistLastProcessedNotificationID", err)
	}
	telemetry.NotificationsTotal.With(ev.EventType, outcome).Inc()
	telemetry.WatermarkID.Set(float64(ev.ID))
	return nil
}

func (p *Processor) storeFailed(ev catalog.NotificationEvent, op string, err error) error {
	telemetry.StoreFailuresTotal.With(op).Inc()
	return &StoreError{EventID: ev.ID, Op: op, Err: err}
}
