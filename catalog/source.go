// Package catalog fetches schema-change notifications from an external
// metadata catalog. Sources return contiguous, ascending slices of the
// catalog's notification log; consuming and acknowledging them is the
// follower's job.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/rohankumardubey/sentry-core/cfg"
)

// Event type strings emitted by the catalog. This is a closed enumeration;
// anything else is reported as unrecognized by the decoder.
const (
	EventCreateDatabase = "CREATE_DATABASE"
	EventDropDatabase   = "DROP_DATABASE"
	EventCreateTable    = "CREATE_TABLE"
	EventDropTable      = "DROP_TABLE"
	EventAlterTable     = "ALTER_TABLE"
	EventAddPartition   = "ADD_PARTITION"
	EventAlterPartition = "ALTER_PARTITION"
	EventDropPartition  = "DROP_PARTITION"
)

// NotificationEvent is one entry of the catalog's change log. IDs are
// catalog-global and strictly increasing. The payload is an opaque encoded
// message whose shape depends on EventType.
type NotificationEvent struct {
	ID        int64  `json:"id"`
	DbName    string `json:"db_name"`
	TableName string `json:"table_name,omitempty"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"`
}

// Source fetches notification batches from the catalog.
type Source interface {
	// Fetch returns up to max events with id > afterID, in ascending id
	// order, contiguous with the catalog log. An empty slice means the
	// follower has caught up.
	Fetch(ctx context.Context, afterID int64, max int) ([]NotificationEvent, error)
	// Commit acknowledges everything returned by Fetch since the last
	// Commit. Called only after the batch's effects are durably in the
	// store; events never committed are redelivered, and the watermark
	// deduplicates any that were already applied.
	Commit(ctx context.Context) error
	// Close releases any resources held by the source
	Close() error
}

// SourceFactory creates a source from catalog configuration
type SourceFactory func(config cfg.CatalogConfiguration) (Source, error)

var (
	factoryMu       sync.RWMutex
	sourceFactories = make(map[cfg.CatalogSourceType]SourceFactory)
)

// RegisterSource registers a source factory for a source type
func RegisterSource(sourceType cfg.CatalogSourceType, factory SourceFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sourceFactories[sourceType] = factory
}

// NewSource creates the source named by the configuration
func NewSource(config cfg.CatalogConfiguration) (Source, error) {
	factoryMu.RLock()
	factory, exists := sourceFactories[config.Source]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown catalog source type: %s", config.Source)
	}
	return factory(config)
}
