// Package follower drives the synchronization loop: poll the catalog for
// notifications past the persisted watermark, hand each batch to the
// processor in order, back off on failure and resume from the watermark.
package follower

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/authz"
	"github.com/rohankumardubey/sentry-core/catalog"
	"github.com/rohankumardubey/sentry-core/store"
	"github.com/rohankumardubey/sentry-core/telemetry"
)

const (
	// Default interval between poll cycles
	DefaultPollInterval = 500 * time.Millisecond
	// Default events per poll cycle
	DefaultBatchSize = 100
	// Default initial retry delay after a failed cycle
	DefaultRetryInitial = 500 * time.Millisecond
	// Maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
)

// Config configures a follower
type Config struct {
	Source       catalog.Source
	Processor    *authz.Processor
	Store        store.AuthorizationStore
	PollInterval time.Duration
	BatchSize    int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Status is a point-in-time snapshot of the follower, served by the admin
// API
type Status struct {
	Running     bool      `json:"running"`
	Watermark   int64     `json:"watermark"`
	LastBatchAt time.Time `json:"last_batch_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Follower tails the catalog notification log and keeps the authorization
// store in sync
type Follower struct {
	config      Config
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	statusMu    sync.Mutex
	lastBatchAt time.Time
	lastError   string
}

// New creates a follower
func New(config Config) (*Follower, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("catalog source is required")
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}

	return &Follower{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the follower goroutine
func (f *Follower) Start() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running.Load() {
		return
	}

	f.running.Store(true)
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})

	log.Info().Msg("Starting catalog follower")
	go f.pollLoop()
}

// Stop stops the follower gracefully, waiting for the in-flight cycle
func (f *Follower) Stop() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running.Load() {
		return
	}

	log.Info().Msg("Stopping catalog follower")
	close(f.stopCh)
	<-f.doneCh
	f.running.Store(false)
	log.Info().Msg("Catalog follower stopped")
}

// Status returns a snapshot for the admin API
func (f *Follower) Status(ctx context.Context) Status {
	watermark, err := f.config.Store.LastProcessedNotificationID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read watermark for status")
	}

	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return Status{
		Running:     f.running.Load(),
		Watermark:   watermark,
		LastBatchAt: f.lastBatchAt,
		LastError:   f.lastError,
	}
}

func (f *Follower) pollLoop() {
	defer close(f.doneCh)

	retryDelay := f.config.RetryInitial
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		processed, err := f.runCycle()
		if err != nil {
			log.Error().Err(err).Msg("Synchronization cycle failed")
			telemetry.BatchesTotal.With("failed").Inc()
			f.recordError(err)
			f.sleep(retryDelay)
			retryDelay = min(retryDelay*2, f.config.RetryMax)
			continue
		}
		retryDelay = f.config.RetryInitial
		f.recordSuccess()

		// A full batch suggests more is waiting; poll again immediately
		if processed < f.config.BatchSize {
			f.sleep(f.config.PollInterval)
		}
	}
}

// runCycle fetches one batch past the watermark and processes it
func (f *Follower) runCycle() (int, error) {
	ctx := context.Background()

	watermark, err := f.config.Store.LastProcessedNotificationID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}

	fetchStart := time.Now()
	events, err := f.config.Source.Fetch(ctx, watermark, f.config.BatchSize)
	telemetry.FetchDurationSeconds.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	batchStart := time.Now()
	err = f.config.Processor.ProcessNotifications(ctx, events)
	telemetry.BatchDurationSeconds.Observe(time.Since(batchStart).Seconds())
	telemetry.BatchSize.Observe(float64(len(events)))
	if err != nil {
		return 0, fmt.Errorf("failed to process batch: %w", err)
	}

	// The batch is durably in the store; only now may the source drop it.
	// A failed commit just redelivers, and the watermark skips whatever
	// was already applied.
	if err := f.config.Source.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to commit catalog cursor")
	}

	telemetry.BatchesTotal.With("ok").Inc()
	log.Debug().
		Int("events", len(events)).
		Int64("first_id", events[0].ID).
		Int64("last_id", events[len(events)-1].ID).
		Msg("Processed notification batch")
	return len(events), nil
}

func (f *Follower) recordSuccess() {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	f.lastBatchAt = time.Now()
	f.lastError = ""
}

func (f *Follower) recordError(err error) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	f.lastError = err.Error()
}

// sleep waits for the duration but returns early on stop
func (f *Follower) sleep(d time.Duration) {
	select {
	case <-f.stopCh:
	case <-time.After(d):
	}
}
