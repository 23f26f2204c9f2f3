package diabetactic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Trigger names the event that started a sync run.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerForeground   Trigger = "foreground"
	TriggerManual       Trigger = "manual"
)

// SyncerState is the processor state.
type SyncerState string

const (
	SyncerIdle     SyncerState = "IDLE"
	SyncerDraining SyncerState = "DRAINING"
	SyncerBackoff  SyncerState = "BACKOFF"
)

// Syncer defaults.
const (
	DefaultMaxSyncAttempts = 5
	DefaultSyncBackoffBase = time.Second
	DefaultSyncBackoffCap  = 30 * time.Second
	DefaultSyncConcurrency = 4

	// doneRetention is how long done entries are kept for inspection.
	doneRetention = 24 * time.Hour
)

// SyncerOptions configures a Syncer. Zero values select defaults.
type SyncerOptions struct {
	// MaxAttempts before an entry becomes a conflict. Default 5.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the requeue delay, which grows
	// linearly with the attempt count.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Concurrency caps entities processed at once. Default 4.
	Concurrency int

	Now   func() time.Time
	Sleep Sleeper

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (o SyncerOptions) withDefaults() SyncerOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxSyncAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultSyncBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultSyncBackoffCap
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = o.BackoffBase
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultSyncConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	return o
}

// SyncResult summarizes one run.
type SyncResult struct {
	Trigger     Trigger
	StartedAt   time.Time
	FinishedAt  time.Time
	Sent        int
	Collapsed   int
	Rescheduled int
	Conflicts   []*SyncConflictError
}

// SyncStatus is a snapshot of the processor.
type SyncStatus struct {
	State      SyncerState
	Online     bool
	LastRun    *SyncResult
	LastError  string
	QueueStats *QueueStats
}

// Syncer drains the sync queue against the gateway. It only runs when
// triggered; there is no background timer.
type Syncer struct {
	store LocalStore
	d     *Dispatcher
	opts  SyncerOptions
	log   logrus.FieldLogger

	online atomic.Bool

	mu      sync.Mutex
	state   SyncerState
	running bool
	rerun   bool
	last    *SyncResult
	lastErr error
}

// NewSyncer creates an idle, online syncer.
func NewSyncer(store LocalStore, d *Dispatcher, opts SyncerOptions) *Syncer {
	opts = opts.withDefaults()
	s := &Syncer{
		store: store,
		d:     d,
		opts:  opts,
		log:   opts.Logger,
		state: SyncerIdle,
	}
	s.online.Store(true)
	return s
}

// SetOnline records connectivity. It never starts a run by itself.
func (s *Syncer) SetOnline(online bool) { s.online.Store(online) }

// Online reports the last recorded connectivity.
func (s *Syncer) Online() bool { return s.online.Load() }

// Trigger drains the queue. It returns ErrOffline when offline. When a run
// is already in progress the request is folded into one rerun after it and
// Trigger returns nil immediately.
//
// Entries that became conflicts are reported as *SyncConflictError values
// joined into the returned error. A session that cannot be refreshed
// aborts the run with *AuthExpiredError.
func (s *Syncer) Trigger(ctx context.Context, reason Trigger) error {
	if !s.Online() {
		return ErrOffline
	}

	s.mu.Lock()
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	var err error
	for {
		err = s.run(ctx, reason)

		s.mu.Lock()
		again := s.rerun && !errors.Is(err, ErrAuthExpired) && ctx.Err() == nil && s.Online()
		s.rerun = false
		if !again {
			s.running = false
			s.state = SyncerIdle
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
	}
}

// Status returns the processor state, the last run and queue statistics.
func (s *Syncer) Status(ctx context.Context) (*SyncStatus, error) {
	s.mu.Lock()
	st := &SyncStatus{State: s.state, Online: s.Online(), LastRun: s.last}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.QueueStats = stats
	return st, nil
}

// Conflicts returns entries that stopped auto-retrying.
func (s *Syncer) Conflicts(ctx context.Context) ([]QueueEntry, error) {
	return s.store.ListEntries(ctx, StatusFailed)
}

// DismissConflict drops a failed entry at the user's request.
func (s *Syncer) DismissConflict(ctx context.Context, entryID int64) error {
	if err := s.store.DismissEntry(ctx, entryID); err != nil {
		return fmt.Errorf("sync: dismiss entry %d: %w", entryID, err)
	}
	s.log.WithField("entry_id", entryID).Info("conflict dismissed")
	return nil
}

// RetryConflict puts a failed entry back in the queue with a fresh attempt
// budget. It is sent on the next run.
func (s *Syncer) RetryConflict(ctx context.Context, entryID int64) error {
	if err := s.store.ResetEntry(ctx, entryID); err != nil {
		return fmt.Errorf("sync: retry entry %d: %w", entryID, err)
	}
	s.log.WithField("entry_id", entryID).Info("conflict requeued")
	return nil
}

func (s *Syncer) setState(st SyncerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// run is one triggered run: drain passes separated by backoff waits until
// nothing is due or the gateway is unreachable.
func (s *Syncer) run(ctx context.Context, reason Trigger) error {
	s.opts.Metrics.syncRun(reason)
	res := &SyncResult{Trigger: reason, StartedAt: s.opts.Now()}
	log := s.log.WithField("trigger", string(reason))

	err := s.drainLoop(ctx, res, log)

	res.FinishedAt = s.opts.Now()
	if len(res.Conflicts) > 0 && err == nil {
		errs := make([]error, len(res.Conflicts))
		for i, c := range res.Conflicts {
			errs[i] = c
		}
		err = errors.Join(errs...)
	}

	cleanup := context.WithoutCancel(ctx)
	if n, perr := s.store.PruneDone(cleanup, s.opts.Now().Add(-doneRetention)); perr == nil && n > 0 {
		log.WithField("pruned", n).Debug("pruned done entries")
	}
	if stats, serr := s.store.Stats(cleanup); serr == nil {
		s.opts.Metrics.queue(stats)
	}

	s.mu.Lock()
	s.last = res
	s.lastErr = err
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"sent":        res.Sent,
		"collapsed":   res.Collapsed,
		"rescheduled": res.Rescheduled,
		"conflicts":   len(res.Conflicts),
	}).Info("sync run finished")
	return err
}

func (s *Syncer) drainLoop(ctx context.Context, res *SyncResult, log logrus.FieldLogger) error {
	if _, err := s.store.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("sync: reset in-flight: %w", err)
	}

	for {
		s.setState(SyncerDraining)
		out, err := s.drain(ctx, res)
		if err != nil {
			if _, rerr := s.store.ResetInFlight(context.WithoutCancel(ctx)); rerr != nil {
				log.WithError(rerr).Warn("reset in-flight entries failed")
			}
			return err
		}
		if out.unreachable || out.nextDue.IsZero() {
			return nil
		}

		wait := out.nextDue.Sub(s.opts.Now())
		if wait < 0 {
			wait = 0
		}
		s.setState(SyncerBackoff)
		log.WithField("delay", wait).Debug("sync backing off")
		if err := s.opts.Sleep(ctx, wait); err != nil {
			return err
		}
		if !s.Online() {
			return nil
		}
	}
}

// drainOutcome reports why a drain pass stopped.
type drainOutcome struct {
	// nextDue is the earliest time a rescheduled entry becomes due, or zero
	// when nothing is left to retry.
	nextDue time.Time

	// unreachable is set when the gateway could not be reached at all.
	unreachable bool
}

// drain makes one pass over the pending entries.
func (s *Syncer) drain(ctx context.Context, res *SyncResult) (drainOutcome, error) {
	var out drainOutcome

	pending, err := s.store.PendingEntries(ctx)
	if err != nil {
		return out, fmt.Errorf("sync: load queue: %w", err)
	}
	failed, err := s.store.ListEntries(ctx, StatusFailed)
	if err != nil {
		return out, fmt.Errorf("sync: load conflicts: %w", err)
	}

	blocked := make(map[entityKey]bool, len(failed))
	for _, e := range failed {
		blocked[entityKey{e.Kind, e.LocalID}] = true
	}

	var (
		order  []entityKey
		groups = make(map[entityKey][]QueueEntry)
	)
	for _, e := range pending {
		k := entityKey{e.Kind, e.LocalID}
		if blocked[k] {
			continue
		}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var (
		mu          sync.Mutex
		unreachable atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, k := range order {
		entries := groups[k]
		g.Go(func() error {
			if unreachable.Load() {
				return nil
			}
			eo, err := s.processEntity(gctx, k, entries)

			mu.Lock()
			defer mu.Unlock()
			res.Sent += eo.sent
			res.Collapsed += eo.collapsed
			res.Rescheduled += eo.rescheduled
			res.Conflicts = append(res.Conflicts, eo.conflicts...)
			if !eo.nextDue.IsZero() && (out.nextDue.IsZero() || eo.nextDue.Before(out.nextDue)) {
				out.nextDue = eo.nextDue
			}
			if eo.unreachable {
				unreachable.Store(true)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	out.unreachable = unreachable.Load()
	return out, nil
}

type entityOutcome struct {
	sent        int
	collapsed   int
	rescheduled int
	conflicts   []*SyncConflictError
	nextDue     time.Time
	unreachable bool
}

// processEntity replays one entity's entries strictly in order. It stops at
// the first entry that is not yet due or did not complete.
func (s *Syncer) processEntity(ctx context.Context, k entityKey, entries []QueueEntry) (entityOutcome, error) {
	var eo entityOutcome

	entries, collapsed := collapse(entries)
	if len(collapsed) > 0 {
		if err := s.store.CollapseEntries(ctx, collapsed); err != nil {
			return eo, fmt.Errorf("sync: collapse %s %s: %w", k.kind, k.localID, err)
		}
		for range collapsed {
			eo.collapsed++
			s.opts.Metrics.syncEntry("collapsed")
		}
	}

	for _, entry := range entries {
		if next := entry.NextAttemptAt; next != nil && next.After(s.opts.Now()) {
			eo.nextDue = *next
			return eo, nil
		}

		done, err := s.processEntry(ctx, entry, &eo)
		if err != nil || !done {
			return eo, err
		}
	}
	return eo, nil
}

// collapse drops create and update entries that precede a delete of the
// same entity. It returns the entries still to send and the superseded ids.
func collapse(entries []QueueEntry) ([]QueueEntry, []int64) {
	last := -1
	for i, e := range entries {
		if e.Operation == QueueDelete {
			last = i
		}
	}
	if last <= 0 {
		return entries, nil
	}

	var superseded []int64
	keep := make([]QueueEntry, 0, len(entries)-last)
	for i, e := range entries {
		if i < last {
			superseded = append(superseded, e.EntryID)
			continue
		}
		keep = append(keep, e)
	}
	return keep, superseded
}

// processEntry sends one entry. done reports whether the entity may move on
// to its next entry.
func (s *Syncer) processEntry(ctx context.Context, entry QueueEntry, eo *entityOutcome) (bool, error) {
	log := s.log.WithFields(logrus.Fields{
		"entry_id": entry.EntryID,
		"kind":     string(entry.Kind),
		"op":       string(entry.Operation),
	})

	ent, err := s.store.GetEntity(ctx, entry.Kind, entry.LocalID)
	if errors.Is(err, ErrNotFound) {
		// Entity already gone locally; nothing left to replay.
		if err := s.store.CompleteEntry(ctx, entry.EntryID, "", nil); err != nil {
			return false, fmt.Errorf("sync: close orphan entry %d: %w", entry.EntryID, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("sync: load entity: %w", err)
	}

	if entry.Operation == QueueDelete && ent.ServerID == "" {
		// Never uploaded: drop it locally and send nothing.
		if err := s.store.DeleteEntity(ctx, entry.Kind, entry.LocalID); err != nil && !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("sync: drop local entity: %w", err)
		}
		eo.collapsed++
		s.opts.Metrics.syncEntry("collapsed")
		log.Debug("delete of never-uploaded entity resolved locally")
		return true, nil
	}

	claimed, err := s.store.MarkInFlight(ctx, entry.EntryID, s.opts.Now())
	if err != nil {
		return false, fmt.Errorf("sync: claim entry %d: %w", entry.EntryID, err)
	}
	if !claimed {
		// Another run finished or holds it.
		return true, nil
	}

	pr, err := push(ctx, s.d, entry.Kind, entry.Operation, ent.ServerID, entry.Payload)
	if err == nil {
		if err := s.store.CompleteEntry(ctx, entry.EntryID, pr.ServerID, pr.Payload); err != nil {
			return false, fmt.Errorf("sync: complete entry %d: %w", entry.EntryID, err)
		}
		eo.sent++
		s.opts.Metrics.syncEntry("sent")
		log.Debug("entry synced")
		return true, nil
	}

	attempts := entry.AttemptCount + 1
	switch {
	case errors.Is(err, ErrAuthExpired):
		return false, err
	case ctx.Err() != nil:
		return false, ctx.Err()
	case IsRetryable(err) && attempts < s.opts.MaxAttempts:
		delay := s.backoff(attempts)
		next := s.opts.Now().Add(delay)
		if rerr := s.store.RescheduleEntry(ctx, entry.EntryID, attempts, next, err.Error()); rerr != nil {
			return false, fmt.Errorf("sync: reschedule entry %d: %w", entry.EntryID, rerr)
		}
		eo.rescheduled++
		eo.nextDue = next
		s.opts.Metrics.syncEntry("rescheduled")
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempts, "delay": delay}).Warn("entry rescheduled")

		var ge *GatewayError
		if errors.As(err, &ge) && ge.Kind == Unavailable && ge.StatusCode == 0 {
			eo.unreachable = true
		}
		return false, nil
	default:
		if ferr := s.store.FailEntry(ctx, entry.EntryID, attempts, err.Error()); ferr != nil {
			return false, fmt.Errorf("sync: fail entry %d: %w", entry.EntryID, ferr)
		}
		eo.conflicts = append(eo.conflicts, &SyncConflictError{
			EntryID:  entry.EntryID,
			Kind:     entry.Kind,
			LocalID:  entry.LocalID,
			Attempts: attempts,
			Err:      err,
		})
		s.opts.Metrics.syncEntry("conflict")
		log.WithError(err).WithField("attempt", attempts).Warn("entry needs attention")
		return false, nil
	}
}

// backoff is proportional to the attempt count and capped.
func (s *Syncer) backoff(attempts int) time.Duration {
	d := s.opts.BackoffBase * time.Duration(attempts)
	if d > s.opts.BackoffCap {
		d = s.opts.BackoffCap
	}
	return d
}
