// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IdentityProvider reports the currently authenticated account. An empty
// account ID means signed out, which blocks pushes and pulls.
type IdentityProvider interface {
	AccountID(ctx context.Context) (string, error)
}

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// PushBatchSize is the number of outbox items claimed per push batch.
	PushBatchSize int
	// PullPageSize is the page size for table pulls.
	PullPageSize int
	// PullParallelism is how many tables of one tier are pulled concurrently.
	PullParallelism int
	// QueueRetention is how long synced outbox items are kept for diagnosis.
	QueueRetention time.Duration
	// PulseThrottle is the minimum gap between pulse-triggered pulls.
	PulseThrottle time.Duration
	// SyncInterval is the period of the background consistency sync;
	// zero or negative disables the timer.
	SyncInterval time.Duration
	// DeltaLookback widens the delta window of lightweight pulls to absorb
	// clock skew between writers.
	DeltaLookback time.Duration
	// SnapshotRetry bounds retries of the authority snapshot fetch.
	SnapshotRetry RetryPolicy
	// ReconnectRetry bounds realtime reconnect attempts.
	ReconnectRetry RetryPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		PushBatchSize:   50,
		PullPageSize:    100,
		PullParallelism: 3,
		QueueRetention:  48 * time.Hour,
		PulseThrottle:   3 * time.Second,
		SyncInterval:    5 * time.Minute,
		DeltaLookback:   2 * time.Minute,
		SnapshotRetry:   DefaultRetryPolicy(),
		ReconnectRetry:  RetryPolicy{MaxAttempts: 10, BackoffMin: time.Second, BackoffMax: 30 * time.Second},
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.PushBatchSize <= 0 {
		out.PushBatchSize = d.PushBatchSize
	}
	if out.PullPageSize <= 0 {
		out.PullPageSize = d.PullPageSize
	}
	if out.PullParallelism <= 0 {
		out.PullParallelism = d.PullParallelism
	}
	if out.QueueRetention <= 0 {
		out.QueueRetention = d.QueueRetention
	}
	if out.PulseThrottle <= 0 {
		out.PulseThrottle = d.PulseThrottle
	}
	if out.DeltaLookback <= 0 {
		out.DeltaLookback = d.DeltaLookback
	}
	if out.SnapshotRetry.MaxAttempts <= 0 {
		out.SnapshotRetry = d.SnapshotRetry
	}
	if out.ReconnectRetry.MaxAttempts <= 0 {
		out.ReconnectRetry = d.ReconnectRetry
	}
	return &out
}

// Status is a point-in-time snapshot of engine state for UI layers.
type Status struct {
	Online        bool
	Syncing       bool
	Initialized   bool
	PendingPushes int
	LastSyncAt    int64
	LastError     string
}

// RowChange describes one remotely-applied row delivered to row observers.
type RowChange struct {
	Table string
	Op    string
	Row   map[string]any
}

// Engine coordinates the replica: it owns the outbox push path, the tiered
// pull path, the realtime listener, and the periodic consistency timer. All
// remote interaction goes through the injected RemoteStore; all local state
// through the injected Store.
type Engine struct {
	store    *Store
	remote   RemoteStore
	identity IdentityProvider
	pulser   Pulser
	feed     ChangeFeed
	config   *Config
	logger   *slog.Logger
	deviceID string

	pushMu sync.Mutex
	pullMu sync.Mutex

	mu           sync.Mutex
	status       Status
	observers    map[int]func(Status)
	rowObservers map[int]func(RowChange)
	nextObsID    int

	online      atomic.Bool
	lastPulseAt atomic.Int64
	onlineCh    chan struct{}

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewEngine wires an engine over an opened store. The device ID is resolved
// (and created if missing) immediately; a store that cannot even hold its
// device identity is not usable.
func NewEngine(store *Store, remote RemoteStore, identity IdentityProvider, config *Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	deviceID, err := store.EnsureDeviceID(context.Background())
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:        store,
		remote:       remote,
		identity:     identity,
		config:       config.withDefaults(),
		logger:       logger,
		deviceID:     deviceID,
		observers:    make(map[int]func(Status)),
		rowObservers: make(map[int]func(RowChange)),
		onlineCh:     make(chan struct{}, 1),
	}
	if p, ok := remote.(Pulser); ok {
		e.pulser = p
	}
	e.online.Store(true)
	e.status.Online = true

	anchor, err := store.LoadAnchor(context.Background())
	if err != nil {
		return nil, err
	}
	e.status.Initialized = anchor.IsInitialized
	if n, err := store.PendingCount(context.Background()); err == nil {
		e.status.PendingPushes = n
	}
	return e, nil
}

// DeviceID returns this installation's stable identifier.
func (e *Engine) DeviceID() string { return e.deviceID }

// Store returns the underlying local store.
func (e *Engine) Store() *Store { return e.store }

// AttachFeed sets the realtime change feed. Must be called before Start.
func (e *Engine) AttachFeed(feed ChangeFeed) { e.feed = feed }

// AttachPulser sets the pulse emitter when the RemoteStore does not provide
// one itself. Must be called before Start.
func (e *Engine) AttachPulser(p Pulser) { e.pulser = p }

// Start launches the realtime listener and the periodic consistency timer.
// It also re-checks the account guard: an anchor committed under a different
// account is invalidated so the next pull bootstraps.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if account, err := e.identity.AccountID(ctx); err == nil && account != "" {
		anchor, err := e.store.LoadAnchor(ctx)
		if err != nil {
			return err
		}
		if anchor.OwningAccountID != "" && anchor.OwningAccountID != account {
			e.logger.Info("account changed, invalidating sync anchor",
				"previous", anchor.OwningAccountID)
			if err := e.store.InvalidateAnchor(ctx); err != nil {
				return err
			}
			e.setStatus(func(st *Status) { st.Initialized = false })
		}
	}

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runRealtime(e.runCtx)
		}()
	}
	if e.config.SyncInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runTimer(e.runCtx)
		}()
	}
	return nil
}

// Stop cancels background work and waits for it to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// SetOnline flips the connectivity flag. Regaining connectivity immediately
// pushes the backlog and runs a lightweight pull; losing it stops the
// realtime reconnect loop until the next transition.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	e.setStatus(func(st *Status) { st.Online = online })
	if was == online {
		return
	}
	select {
	case e.onlineCh <- struct{}{}:
	default:
	}
	if online {
		ctx := e.backgroundCtx()
		go func() {
			if err := e.Push(ctx); err != nil {
				e.logger.Warn("push after reconnect failed", "error", err)
			}
			if err := e.Pull(ctx, true); err != nil {
				e.logger.Warn("pull after reconnect failed", "error", err)
			}
		}()
	}
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool { return e.online.Load() }

// Sync runs one full cycle: push the backlog, then a full pull.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.Push(ctx); err != nil {
		return err
	}
	return e.Pull(ctx, false)
}

// Enqueue records a local mutation in the outbox. With autoPush set and the
// device online, a push pass starts in the background.
func (e *Engine) Enqueue(ctx context.Context, entity, entityID, operation string, payload any, autoPush bool) (*QueueItem, error) {
	item, err := e.store.AppendQueue(ctx, entity, entityID, operation, payload)
	if err != nil {
		return nil, err
	}
	e.refreshPending(ctx)
	if autoPush && e.online.Load() {
		go func() {
			if err := e.Push(e.backgroundCtx()); err != nil {
				e.logger.Warn("auto push failed", "error", err)
			}
		}()
	}
	return item, nil
}

// Status returns the current status snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Subscribe registers a status observer. The returned closure removes it;
// calling the closure more than once is harmless.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextObsID
	e.nextObsID++
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// SubscribeRows registers an observer for remotely-applied row changes.
func (e *Engine) SubscribeRows(fn func(RowChange)) func() {
	e.mu.Lock()
	id := e.nextObsID
	e.nextObsID++
	e.rowObservers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.rowObservers, id)
		e.mu.Unlock()
	}
}

// setStatus mutates the status under lock and notifies observers outside it.
func (e *Engine) setStatus(mutate func(*Status)) {
	e.mu.Lock()
	mutate(&e.status)
	snapshot := e.status
	fns := make([]func(Status), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

func (e *Engine) notifyRow(change RowChange) {
	e.mu.Lock()
	fns := make([]func(RowChange), 0, len(e.rowObservers))
	for _, fn := range e.rowObservers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (e *Engine) refreshPending(ctx context.Context) {
	if n, err := e.store.PendingCount(ctx); err == nil {
		e.setStatus(func(st *Status) { st.PendingPushes = n })
	}
}

// backgroundCtx returns the run context when started, so background work
// stops with the engine, or a fresh context before Start.
func (e *Engine) backgroundCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// runTimer drives the periodic consistency sync.
func (e *Engine) runTimer(ctx context.Context) {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.online.Load() {
				continue
			}
			if err := e.Sync(ctx); err != nil {
				e.logger.Warn("periodic sync failed", "error", err)
			}
		}
	}
}
