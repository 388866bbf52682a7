// Package coordinator drives the sync cycle: push queued mutations, pull
// remote changes, reconcile the replica.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/wrapshop/fieldsync/config"
	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
	"github.com/wrapshop/fieldsync/internal/domain/localstore"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
	"github.com/wrapshop/fieldsync/internal/observability"
	"github.com/wrapshop/fieldsync/internal/sync/resolver"
)

// Coordinator owns the sync cycle. At most one cycle runs at a time;
// overlapping requests coalesce onto the running one.
type Coordinator struct {
	store       localstore.Store
	gw          gateway.Gateway
	cfg         config.SyncSettings
	pushTimeout time.Duration
	metrics     *observability.SyncMetrics

	running    atomic.Bool
	online     atomic.Bool
	offline    atomic.Bool // operator-requested offline mode
	background atomic.Bool

	mu      sync.Mutex
	current *Session
	past    *history

	notify chan Trigger
}

// New constructs a Coordinator. pushTimeout bounds each individual push call;
// the cycle as a whole runs under the caller's context.
func New(store localstore.Store, gw gateway.Gateway, cfg config.SyncSettings, pushTimeout time.Duration, metrics *observability.SyncMetrics) *Coordinator {
	c := &Coordinator{
		store:       store,
		gw:          gw,
		cfg:         cfg,
		pushTimeout: pushTimeout,
		metrics:     metrics,
		past:        newHistory(cfg.SessionHistory),
		notify:      make(chan Trigger, 1),
	}
	c.online.Store(true)
	c.offline.Store(cfg.OfflineMode)
	c.background.Store(cfg.Background)
	return c
}

// SetOnline records the connectivity state reported by the change notifier.
// Coming back online kicks a sync so queued work drains promptly.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	if online && !was {
		c.Request(TriggerNotified)
	}
}

// SetOffline toggles operator-requested offline mode. While set, no cycle
// starts regardless of connectivity.
func (c *Coordinator) SetOffline(offline bool) {
	c.offline.Store(offline)
}

// OfflineMode reports whether operator-requested offline mode is engaged.
func (c *Coordinator) OfflineMode() bool {
	return c.offline.Load()
}

// SetBackground toggles the scheduled background cycle. Manual and notified
// syncs still run while disabled.
func (c *Coordinator) SetBackground(enabled bool) {
	c.background.Store(enabled)
}

// BackgroundSync reports whether scheduled cycles are enabled.
func (c *Coordinator) BackgroundSync() bool {
	return c.background.Load()
}

// Online reports whether the coordinator believes the backend is reachable
// and offline mode is not engaged.
func (c *Coordinator) Online() bool {
	return c.online.Load() && !c.offline.Load()
}

// Request asks the background loop to run a cycle. Requests collapse: a
// pending request absorbs later ones until the loop picks it up.
func (c *Coordinator) Request(trigger Trigger) {
	select {
	case c.notify <- trigger:
	default:
	}
}

// Sessions returns recent finished sessions, newest first.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.past.list()
}

// Current returns the in-flight session, if a cycle is running.
func (c *Coordinator) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return *c.current, true
}

// SyncNow runs one full cycle. If a cycle is already running the in-flight
// session is returned instead of starting another. Offline mode and lost
// connectivity surface errs.CodeUnavailable without touching the queue.
func (c *Coordinator) SyncNow(ctx context.Context, trigger Trigger) (Session, error) {
	if !c.Online() {
		return Session{}, errs.New("sync/coordinator", errs.CodeUnavailable,
			errs.WithMessage("sync unavailable while offline"))
	}
	if !c.running.CompareAndSwap(false, true) {
		if cur, ok := c.Current(); ok {
			return cur, nil
		}
		return Session{}, errs.New("sync/coordinator", errs.CodeUnavailable,
			errs.WithMessage("sync cycle already running"))
	}
	defer c.running.Store(false)

	session := Session{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.current = &session
	c.mu.Unlock()

	observability.Log().Info("sync cycle started",
		observability.Field{Key: "session", Value: session.ID},
		observability.Field{Key: "trigger", Value: string(trigger)})

	cycleErr := c.runCycle(ctx, &session)
	finished := time.Now().UTC()
	session.FinishedAt = &finished
	session.Result = c.classify(ctx, &session, cycleErr)

	// An interrupted delivery must not leave entries stuck in flight.
	if _, err := c.store.RevertInFlight(context.WithoutCancel(ctx)); err != nil {
		observability.Log().Error("revert in-flight entries",
			observability.Field{Key: "error", Value: err.Error()})
	}
	if session.Result == ResultSuccess || session.Result == ResultPartial {
		if err := c.store.SetLastSyncedAt(context.WithoutCancel(ctx), finished); err != nil {
			observability.Log().Error("record last sync time",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}

	c.metrics.RecordCycle(context.WithoutCancel(ctx),
		session.Uploaded, session.Downloaded, session.Conflicts, session.Failures,
		finished.Sub(session.StartedAt), string(session.Result))

	c.mu.Lock()
	c.current = nil
	c.past.add(session)
	c.mu.Unlock()

	observability.Log().Info("sync cycle finished",
		observability.Field{Key: "session", Value: session.ID},
		observability.Field{Key: "result", Value: string(session.Result)},
		observability.Field{Key: "uploaded", Value: session.Uploaded},
		observability.Field{Key: "downloaded", Value: session.Downloaded},
		observability.Field{Key: "conflicts", Value: session.Conflicts},
		observability.Field{Key: "failures", Value: session.Failures})

	if cycleErr != nil && !errors.Is(cycleErr, context.Canceled) {
		return session, cycleErr
	}
	return session, nil
}

func (c *Coordinator) classify(ctx context.Context, s *Session, cycleErr error) Result {
	switch {
	case errors.Is(cycleErr, context.Canceled) || ctx.Err() != nil:
		return ResultCancelled
	case cycleErr != nil:
		s.Error = cycleErr.Error()
		return ResultFailed
	case s.Conflicts > 0 || s.Failures > 0 || s.Error != "":
		return ResultPartial
	default:
		return ResultSuccess
	}
}

func (c *Coordinator) runCycle(ctx context.Context, session *Session) error {
	if err := c.pushPhase(ctx, session); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.pullPhase(ctx, session)
}

// pushPhase drains the outbox. Each pass takes one due head per entity and
// delivers them concurrently; applied heads expose their successors, so the
// phase loops until a pass makes no progress.
func (c *Coordinator) pushPhase(ctx context.Context, session *Session) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		heads, err := c.store.ListHeads(ctx, time.Now().UTC(), 0)
		if err != nil {
			return fmt.Errorf("coordinator: list heads: %w", err)
		}
		if len(heads) == 0 {
			return nil
		}

		var (
			mu       sync.Mutex
			applied  int
			storeErr error
		)
		p := pool.New().WithMaxGoroutines(c.cfg.Workers)
		for _, head := range heads {
			entry := head
			p.Go(func() {
				if ctx.Err() != nil {
					return
				}
				ok, err := c.deliver(ctx, entry, session)
				mu.Lock()
				defer mu.Unlock()
				if err != nil && storeErr == nil {
					storeErr = err
				}
				if ok {
					applied++
				}
			})
		}
		p.Wait()

		if storeErr != nil {
			return storeErr
		}
		if applied == 0 {
			return nil
		}
	}
}

// deliver pushes one entry and applies the verdict. The returned bool reports
// whether the entry was applied (and a successor may now be due). Only
// replica errors are returned; gateway failures are resolved into the entry's
// own state.
func (c *Coordinator) deliver(ctx context.Context, entry outbox.Entry, session *Session) (bool, error) {
	if err := c.store.MarkInFlight(ctx, entry.ID); err != nil {
		return false, fmt.Errorf("coordinator: mark in flight %d: %w", entry.ID, err)
	}

	pushCtx := ctx
	if c.pushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, c.pushTimeout)
		defer cancel()
	}
	res, pushErr := c.gw.Push(pushCtx, gateway.PushRequest{
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Operation:   entry.Operation,
		Payload:     entry.Payload,
		BaseVersion: entry.BaseVersion,
	})
	if ctx.Err() != nil {
		// Cycle cancelled: leave the entry in flight; the end-of-cycle
		// revert returns it to pending untouched.
		return false, nil
	}

	outcome := resolver.Resolve(entry, res, pushErr)
	// Attempt count was bumped by MarkInFlight.
	attempts := entry.AttemptCount + 1

	storeCtx := context.WithoutCancel(ctx)
	switch outcome.Kind {
	case resolver.KindApplied:
		if err := c.store.MarkApplied(storeCtx, entry.ID); err != nil {
			return false, fmt.Errorf("coordinator: mark applied %d: %w", entry.ID, err)
		}
		queued, err := c.store.EntriesFor(storeCtx, entry.EntityType, entry.EntityID)
		if err != nil {
			return false, fmt.Errorf("coordinator: list successors %s: %w", entry.Key(), err)
		}
		if len(queued) > 0 {
			// Successors were stamped against the pre-apply base. Move them
			// onto the confirmed version and leave the newer local payload
			// alone; the final successor confirms the snapshot.
			if err := c.store.Rebase(storeCtx, entry.EntityType, entry.EntityID, outcome.NewVersion); err != nil {
				return false, fmt.Errorf("coordinator: rebase %s: %w", entry.Key(), err)
			}
			c.count(session, func(s *Session) { s.Uploaded++ })
			return true, nil
		}
		snap := entity.Snapshot{
			Type:          entry.EntityType,
			ID:            entry.EntityID,
			BaseVersion:   outcome.NewVersion,
			RemoteVersion: outcome.NewVersion,
			Payload:       entry.Payload,
			Deleted:       entry.Operation == outbox.OpDelete,
			UpdatedAt:     time.Now().UTC(),
		}
		if err := c.store.ApplyRemote(storeCtx, snap); err != nil {
			return false, fmt.Errorf("coordinator: confirm %s: %w", entry.Key(), err)
		}
		c.count(session, func(s *Session) { s.Uploaded++ })
		return true, nil

	case resolver.KindRetry:
		if attempts >= c.cfg.RetryCeiling {
			parked := errs.New("sync/coordinator", errs.CodeRetryExhausted,
				errs.WithMessage(fmt.Sprintf("delivery attempts exhausted after %d tries: %s", attempts, outcome.Reason)))
			if err := c.store.MarkFailed(storeCtx, entry.ID, parked.Error()); err != nil {
				return false, fmt.Errorf("coordinator: mark failed %d: %w", entry.ID, err)
			}
			c.count(session, func(s *Session) { s.Failures++ })
			observability.Log().Error("mutation parked after retry limit",
				observability.Field{Key: "entity", Value: entry.Key().String()},
				observability.Field{Key: "reason", Value: outcome.Reason})
			return false, nil
		}
		next := time.Now().UTC().Add(c.retryDelay(attempts))
		if err := c.store.MarkRetry(storeCtx, entry.ID, outcome.Reason, next); err != nil {
			return false, fmt.Errorf("coordinator: mark retry %d: %w", entry.ID, err)
		}
		return false, nil

	case resolver.KindConflict:
		if err := c.store.MarkConflict(storeCtx, entry.ID, outcome.ServerState, outcome.Reason); err != nil {
			return false, fmt.Errorf("coordinator: mark conflict %d: %w", entry.ID, err)
		}
		if outcome.ServerVersion > 0 {
			if err := c.store.NoteRemoteVersion(storeCtx, entry.EntityType, entry.EntityID, outcome.ServerVersion); err != nil {
				return false, fmt.Errorf("coordinator: note remote version %s: %w", entry.Key(), err)
			}
		}
		c.count(session, func(s *Session) { s.Conflicts++ })
		observability.Log().Info("mutation parked as conflict",
			observability.Field{Key: "entity", Value: entry.Key().String()},
			observability.Field{Key: "reason", Value: outcome.Reason})
		return false, nil

	default: // resolver.KindRejected
		if err := c.store.MarkFailed(storeCtx, entry.ID, outcome.Reason); err != nil {
			return false, fmt.Errorf("coordinator: mark failed %d: %w", entry.ID, err)
		}
		c.count(session, func(s *Session) { s.Failures++ })
		return false, nil
	}
}

// pullPhase applies the remote change feed per type. Records that still have
// queued local mutations only get their remote version noted; their local
// state stays untouched until the queue drains or the conflict is resolved.
func (c *Coordinator) pullPhase(ctx context.Context, session *Session) error {
	pending, err := c.store.PendingKeys(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: pending keys: %w", err)
	}

	for _, typ := range entity.Types() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		since, err := c.store.Watermark(ctx, typ)
		if err != nil {
			return fmt.Errorf("coordinator: watermark %s: %w", typ, err)
		}
		changes, err := c.gw.Changes(ctx, typ, since)
		if err != nil {
			// One unreachable feed should not block the other types.
			c.count(session, func(s *Session) {
				if s.Error == "" {
					s.Error = fmt.Sprintf("pull %s: %v", typ, err)
				}
			})
			observability.Log().Error("pull change feed",
				observability.Field{Key: "type", Value: string(typ)},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}

		mark := since
		for _, ch := range changes {
			key := entity.Key{Type: ch.EntityType, ID: ch.EntityID}
			if _, busy := pending[key]; busy {
				if err := c.store.NoteRemoteVersion(ctx, ch.EntityType, ch.EntityID, ch.Version); err != nil {
					return fmt.Errorf("coordinator: note remote version %s: %w", key, err)
				}
			} else {
				snap := entity.Snapshot{
					Type:          ch.EntityType,
					ID:            ch.EntityID,
					BaseVersion:   ch.Version,
					RemoteVersion: ch.Version,
					Payload:       ch.Snapshot,
					Deleted:       ch.Deleted,
					UpdatedAt:     ch.ChangedAt,
				}
				if err := c.store.ApplyRemote(ctx, snap); err != nil {
					return fmt.Errorf("coordinator: apply remote %s: %w", key, err)
				}
				c.count(session, func(s *Session) { s.Downloaded++ })
			}
			if ch.ChangedAt.After(mark) {
				mark = ch.ChangedAt
			}
		}
		if mark.After(since) {
			if err := c.store.SetWatermark(ctx, typ, mark); err != nil {
				return fmt.Errorf("coordinator: set watermark %s: %w", typ, err)
			}
		}
	}
	return nil
}

func (c *Coordinator) count(session *Session, fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(session)
}

func (c *Coordinator) retryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax
	delay := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// Run drives scheduled and requested cycles until ctx is cancelled. The
// startup cycle drains mutations recorded while the daemon was down.
func (c *Coordinator) Run(ctx context.Context) {
	if c.cfg.OnStartup && c.Online() {
		if _, err := c.SyncNow(ctx, TriggerStartup); err != nil && errs.CodeOf(err) != errs.CodeUnavailable {
			observability.Log().Error("startup sync",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.background.Load() || !c.Online() {
				continue
			}
			if _, err := c.SyncNow(ctx, TriggerScheduled); err != nil && errs.CodeOf(err) != errs.CodeUnavailable {
				observability.Log().Error("scheduled sync",
					observability.Field{Key: "error", Value: err.Error()})
			}
		case trigger := <-c.notify:
			if !c.Online() {
				continue
			}
			if _, err := c.SyncNow(ctx, trigger); err != nil && errs.CodeOf(err) != errs.CodeUnavailable {
				observability.Log().Error("requested sync",
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}
