package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/triage"
)

// Sync status values written to SyncState.Status.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Defaults for RunnerConfig.
const (
	DefaultMaxPages    = 50
	DefaultBaseBackoff = time.Minute
	DefaultMaxBackoff  = 6 * time.Hour
)

// Ingester persists and triages one envelope.
type Ingester interface {
	Ingest(ctx context.Context, env *triage.Envelope, opts triage.RunOptions) (*triage.IngestResult, error)
}

// StateStore holds per-source SyncState.
type StateStore interface {
	GetSyncState(ctx context.Context, source string) (*intake.SyncState, bool, error)
	PutSyncState(ctx context.Context, st *intake.SyncState) error
	ListSyncStates(ctx context.Context) ([]intake.SyncState, error)
}

// SyncError is a source-side failure. It is recorded in SyncState and never
// affects other sources.
type SyncError struct {
	Source Source
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Source, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Report summarises one Run.
type Report struct {
	Source     Source        `json:"source"`
	Processed  int           `json:"processed"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Unchanged  int           `json:"unchanged"`
	Triaged    int           `json:"triaged"`
	Errors     []string      `json:"errors,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Aborted    bool          `json:"aborted,omitempty"`
	Cursor     string        `json:"cursor,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RunnerConfig tunes the Runner.
type RunnerConfig struct {
	// MaxPages bounds how many pages one run fetches.
	MaxPages    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	SkipOracle  bool
	Now         func() time.Time
}

// RunnerHooks are optional observation callbacks.
type RunnerHooks struct {
	OnRun func(src Source, status string, dur float64, processed int)
}

// Runner syncs registered sources into the service.
type Runner struct {
	registry *Registry
	ingester Ingester
	states   StateStore
	locker   Locker
	logger   log.Logger
	hooks    RunnerHooks
	cfg      RunnerConfig
}

// NewRunner wires a Runner. A nil locker becomes a LocalLocker.
func NewRunner(reg *Registry, ing Ingester, states StateStore, locker Locker, logger log.Logger, hooks RunnerHooks, cfg RunnerConfig) (*Runner, error) {
	var errs []error
	if reg == nil {
		errs = append(errs, errors.New("syncer: registry is required"))
	}
	if ing == nil {
		errs = append(errs, errors.New("syncer: ingester is required"))
	}
	if states == nil {
		errs = append(errs, errors.New("syncer: state store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		registry: reg,
		ingester: ing,
		states:   states,
		locker:   locker,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
	}, nil
}

// Sources returns the registered sources.
func (r *Runner) Sources() []Source {
	return r.registry.Sources()
}

// States returns the stored sync state of every source.
func (r *Runner) States(ctx context.Context) ([]intake.SyncState, error) {
	return r.states.ListSyncStates(ctx)
}

// Backoff is how long a source waits after the given number of consecutive
// failures. Zero failures means no wait.
func (r *Runner) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: r.cfg.BaseBackoff,
		Multiplier:      2,
		MaxInterval:     r.cfg.MaxBackoff,
	}
	b.Reset()
	var d time.Duration
	for range failures {
		d = b.NextBackOff()
	}
	return d
}

// Run syncs one source. The returned error is ErrUnknownSource, ErrLocked,
// ErrLockLost, a persistence error, the context's error when the run was
// cancelled, or a *SyncError. SyncState has been written for the last two;
// a cancelled run keeps its committed cursor without counting a failure.
func (r *Runner) Run(ctx context.Context, src Source) (*Report, error) {
	adapter, ok := r.registry.Get(src)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	parent := ctx
	ctx, unlock, err := r.locker.Acquire(ctx, src)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn(ctx, "releasing sync lock failed", "source", src, "error", err)
		}
	}()

	L := r.logger.With("source", src)
	start := r.cfg.Now()
	rep := &Report{Source: src}

	st, found, err := r.states.GetSyncState(ctx, string(src))
	if err != nil {
		return nil, fmt.Errorf("loading sync state for %s: %w", src, err)
	}
	if !found {
		st = &intake.SyncState{Source: string(src)}
	}
	rep.Cursor = st.Cursor

	if wait := r.Backoff(st.ConsecutiveFailures); wait > 0 {
		if retryAt := st.LastSyncAt.Add(wait); start.Before(retryAt) {
			rep.Skipped = true
			rep.SkipReason = fmt.Sprintf("backing off after %d failures until %s", st.ConsecutiveFailures, retryAt.UTC().Format(time.RFC3339))
			L.Info(ctx, "sync skipped", "failures", st.ConsecutiveFailures, "retry_at", retryAt)
			r.observe(src, "skipped", 0, 0)
			return rep, nil
		}
	}

	syncErr, persistErr := r.pull(ctx, adapter, st, rep)
	rep.Duration = r.cfg.Now().Sub(start)

	if errors.Is(context.Cause(ctx), ErrLockLost) {
		// the state belongs to whoever holds the lock now
		rep.Aborted = true
		L.Warn(ctx, "sync lock lost mid-run", "processed", rep.Processed)
		r.observe(src, "lock_lost", rep.Duration.Seconds(), rep.Processed)
		return rep, fmt.Errorf("sync %s: %w", src, ErrLockLost)
	}
	if parent.Err() != nil && (syncErr != nil || persistErr != nil) {
		rep.Aborted = true
		return rep, r.interrupted(parent, L, src, st, rep)
	}

	if persistErr != nil {
		L.Error(ctx, persistErr, "sync aborted on persistence failure", "processed", rep.Processed)
		r.observe(src, "aborted", rep.Duration.Seconds(), rep.Processed)
		return rep, persistErr
	}

	st.LastSyncAt = start
	if syncErr != nil {
		st.Status = StatusError
		st.LastError = syncErr.Error()
		st.ConsecutiveFailures++
	} else {
		st.Status = StatusOK
		st.LastError = ""
		st.ConsecutiveFailures = 0
		st.LastSuccessAt = start
	}
	st.ItemsSynced += int64(rep.Processed)
	st.Cursor = rep.Cursor

	if err := r.states.PutSyncState(context.WithoutCancel(ctx), st); err != nil {
		return rep, fmt.Errorf("writing sync state for %s: %w", src, err)
	}

	if syncErr != nil {
		L.Warn(ctx, "sync failed", "error", syncErr, "failures", st.ConsecutiveFailures, "processed", rep.Processed)
		r.observe(src, StatusError, rep.Duration.Seconds(), rep.Processed)
		return rep, &SyncError{Source: src, Err: syncErr}
	}
	L.Info(ctx, "sync complete",
		"processed", rep.Processed,
		"created", rep.Created,
		"updated", rep.Updated,
		"unchanged", rep.Unchanged,
		"item_errors", len(rep.Errors),
		"duration_ms", rep.Duration.Milliseconds(),
	)
	r.observe(src, StatusOK, rep.Duration.Seconds(), rep.Processed)
	return rep, nil
}

// interrupted records the pages committed before cancellation. Status,
// failure count and backoff are left as they were.
func (r *Runner) interrupted(ctx context.Context, L log.Logger, src Source, st *intake.SyncState, rep *Report) error {
	if rep.Processed > 0 || rep.Cursor != st.Cursor {
		st.ItemsSynced += int64(rep.Processed)
		st.Cursor = rep.Cursor
		if err := r.states.PutSyncState(context.WithoutCancel(ctx), st); err != nil {
			return fmt.Errorf("writing sync state for %s: %w", src, err)
		}
	}
	L.Info(ctx, "sync interrupted", "processed", rep.Processed, "cursor", rep.Cursor)
	r.observe(src, "cancelled", rep.Duration.Seconds(), rep.Processed)
	return fmt.Errorf("sync %s interrupted: %w", src, ctx.Err())
}

// pull validates the adapter and pages from the stored cursor. It separates
// source failures from persistence failures; only the latter abort a run
// without recording state.
func (r *Runner) pull(ctx context.Context, a Adapter, st *intake.SyncState, rep *Report) (syncErr, persistErr error) {
	if err := a.Validate(ctx); err != nil {
		return fmt.Errorf("validate: %w", err), nil
	}
	cursor := st.Cursor
	opts := triage.RunOptions{SkipOracle: r.cfg.SkipOracle}
	for range r.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return err, nil
		}
		page, err := a.Sync(ctx, cursor)
		if err != nil {
			return fmt.Errorf("fetch page: %w", err), nil
		}
		for _, c := range page.Conversations {
			env, err := transform(a, c)
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", c.ID, err))
				continue
			}
			res, err := r.ingester.Ingest(ctx, env, opts)
			if err != nil {
				if errors.Is(err, intake.ErrInvalidItem) {
					rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", c.ID, err))
					continue
				}
				return nil, fmt.Errorf("ingesting %s/%s: %w", a.Source(), c.ID, err)
			}
			rep.Processed++
			switch res.Outcome {
			case intake.Created:
				rep.Created++
			case intake.Updated:
				rep.Updated++
			case intake.Unchanged:
				rep.Unchanged++
			}
			if res.Triaged {
				rep.Triaged++
			}
			if res.Result != nil && len(res.Result.LayerErrors) > 0 {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: degraded triage: %v", c.ID, res.Result.LayerErrors))
			}
		}
		// a page is only committed once every conversation in it is stored
		cursor = page.NextCursor
		rep.Cursor = cursor
		if !page.More {
			break
		}
	}
	return nil, nil
}

func transform(a Adapter, c Conversation) (*triage.Envelope, error) {
	it, err := a.TransformItem(c)
	if err != nil {
		return nil, fmt.Errorf("transform item: %w", err)
	}
	msgs, err := a.TransformMessages(c)
	if err != nil {
		return nil, fmt.Errorf("transform messages: %w", err)
	}
	if it.Source == "" {
		it.Source = string(a.Source())
	}
	return &triage.Envelope{Item: *it, Messages: msgs}, nil
}

// RunAll syncs every registered source concurrently.
func (r *Runner) RunAll(ctx context.Context) ([]*Report, error) {
	var (
		mu      sync.Mutex
		reports []*Report
		errs    []error
	)
	var g errgroup.Group
	for _, src := range r.registry.Sources() {
		g.Go(func() error {
			rep, err := r.Run(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if rep != nil {
				reports = append(reports, rep)
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// Loop runs RunAll every interval until ctx is done.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.RunAll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn(ctx, "scheduled sync had failures", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (r *Runner) observe(src Source, status string, dur float64, processed int) {
	if r.hooks.OnRun != nil {
		r.hooks.OnRun(src, status, dur, processed)
	}
}
