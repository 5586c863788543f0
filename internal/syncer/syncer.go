package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/worker"
)

// ErrCycleInProgress is returned by Cycle while another cycle runs.
var ErrCycleInProgress = errors.New("syncer: cycle already in progress")

const (
	// DefaultBatchSize is the number of items per upload call.
	DefaultBatchSize = 50

	// DefaultTimeout bounds each transport call.
	DefaultTimeout = 30 * time.Second
)

// UploadPolicy decides what happens when the remote reports a conflict
// for an uploaded change.
type UploadPolicy string

const (
	// FailOnConflict fails the cycle with a ConflictError and keeps the
	// change pending for manual resolution.
	FailOnConflict UploadPolicy = "fail"

	// LastWriterWins re-sends the change once, forcing the remote to
	// accept it.
	LastWriterWins UploadPolicy = "last-writer-wins"
)

// ParseUploadPolicy parses a policy name. The empty string is
// FailOnConflict.
func ParseUploadPolicy(s string) (UploadPolicy, error) {
	switch UploadPolicy(s) {
	case FailOnConflict, LastWriterWins:
		return UploadPolicy(s), nil
	case "":
		return FailOnConflict, nil
	}
	return "", fmt.Errorf("unknown upload conflict policy %q", s)
}

// Report summarizes one cycle. It is returned even when the cycle fails
// and then covers the work done before the failure.
type Report struct {
	// Uploaded counts accepted items, Forced those accepted on a forced
	// re-send, and Skipped the squashed chains that cancelled out.
	Uploaded int
	Forced   int
	Skipped  int

	// Confirmed counts the local changes purged.
	Confirmed int

	Pages      int
	Downloaded int
	Applied    int
	Unchanged  int
	Deferred   int
	Discarded  int

	Retries int

	// Token is the sync token after the cycle.
	Token string
}

// Syncer runs sync cycles between a store and a transport.
//
// Thread-safety: safe for concurrent use; cycles never overlap.
type Syncer struct {
	store     *store.Store
	transport Transport

	batchSize      int
	retry          RetryPolicy
	timeout        time.Duration
	uploadPolicy   UploadPolicy
	downloadPolicy store.ConflictPolicy
	squash         bool
	pool           *worker.Pool
	observer       func(Transition)
	sleep          Sleeper
	logger         zerolog.Logger
	metrics        *metrics.Collector

	running atomic.Bool

	mu    sync.Mutex
	state State
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithBatchSize sets the number of items per upload call.
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p RetryPolicy) Option {
	return func(s *Syncer) { s.retry = p }
}

// WithTimeout bounds each transport call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Syncer) { s.timeout = d }
}

// WithUploadPolicy sets the upload conflict policy.
func WithUploadPolicy(p UploadPolicy) Option {
	return func(s *Syncer) { s.uploadPolicy = p }
}

// WithDownloadPolicy sets the policy for remote versions that meet
// pending local changes.
func WithDownloadPolicy(p store.ConflictPolicy) Option {
	return func(s *Syncer) { s.downloadPolicy = p }
}

// WithSquash enables or disables folding each record's changes into one
// upload item. Enabled by default.
func WithSquash(on bool) Option {
	return func(s *Syncer) { s.squash = on }
}

// WithPool runs transport calls on p.
func WithPool(p *worker.Pool) Option {
	return func(s *Syncer) { s.pool = p }
}

// WithObserver registers a function called on every state change, from
// the goroutine running the cycle.
func WithObserver(fn func(Transition)) Option {
	return func(s *Syncer) { s.observer = fn }
}

// WithSleeper replaces the backoff wait. Tests use it to skip delays.
func WithSleeper(fn Sleeper) Option {
	return func(s *Syncer) { s.sleep = fn }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Syncer) { s.metrics = c }
}

// New creates a syncer for st and tr.
func New(st *store.Store, tr Transport, opts ...Option) *Syncer {
	s := &Syncer{
		store:          st,
		transport:      tr,
		batchSize:      DefaultBatchSize,
		retry:          DefaultRetryPolicy(),
		timeout:        DefaultTimeout,
		uploadPolicy:   FailOnConflict,
		downloadPolicy: store.LocalWins,
		squash:         true,
		sleep:          sleep,
		logger:         zerolog.Nop(),
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state. After a failed cycle it stays Failed
// until the next cycle starts.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycle runs one sync cycle.
func (s *Syncer) Cycle(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	c := &cycle{s: s, versions: map[resource.Reference]string{}}
	err := c.run(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.RecordSyncCycle(outcome, time.Since(start))
	s.metrics.RecordSyncItems("upload", c.report.Uploaded)
	s.metrics.RecordSyncItems("download", c.report.Downloaded)
	s.metrics.RecordDeferred(c.report.Deferred)
	return c.report, err
}

func (s *Syncer) transition(to State, cause error) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		panic(fmt.Sprintf("syncer: invalid transition %s -> %s", from, to))
	}
	s.state = to
	s.mu.Unlock()

	s.metrics.SetSyncState(string(from), string(to))
	s.logger.Debug().
		Str("from", string(from)).
		Str("state", string(to)).
		Msg("sync state changed")
	if s.observer != nil {
		s.observer(Transition{From: from, To: to, Err: cause})
	}
}

// cycle holds the bookkeeping of one run.
type cycle struct {
	s      *Syncer
	report Report

	// confirmed are seqs the remote holds that are not purged yet.
	confirmed []int64

	// versions are remote versions accepted during this cycle.
	versions map[resource.Reference]string
}

func (c *cycle) run(ctx context.Context) error {
	c.s.transition(StateUploading, nil)
	if err := c.upload(ctx); err != nil {
		return c.fail(ctx, err)
	}

	for {
		c.s.transition(StateDownloading, nil)
		token, err := c.s.store.SyncToken(ctx)
		if err != nil {
			return c.fail(ctx, err)
		}
		page, err := c.download(ctx, token)
		if err != nil {
			return c.fail(ctx, err)
		}
		if page.More && (page.Token == "" || page.Token == token) {
			return c.fail(ctx, resource.NewSyncError("remote reported more changes without advancing the token", nil))
		}

		c.s.transition(StateReconciling, nil)
		if err := c.reconcile(ctx, page); err != nil {
			return c.fail(ctx, err)
		}
		if !page.More {
			break
		}
	}

	c.s.transition(StateIdle, nil)
	c.s.logger.Info().
		Int("uploaded", c.report.Uploaded).
		Int("downloaded", c.report.Downloaded).
		Int("deferred", c.report.Deferred).
		Int("retries", c.report.Retries).
		Str("token", c.report.Token).
		Msg("sync cycle completed")
	return nil
}

// fail ends the cycle. Changes the remote already accepted are purged
// even when ctx is cancelled, since the remote holds them.
func (c *cycle) fail(ctx context.Context, err error) error {
	if len(c.confirmed) > 0 {
		if perr := c.s.store.PurgeChanges(context.WithoutCancel(ctx), c.confirmed); perr != nil {
			c.s.logger.Error().Err(perr).Msg("purge of uploaded changes failed")
		} else {
			c.report.Confirmed += len(c.confirmed)
			c.confirmed = nil
		}
	}
	c.s.transition(StateFailed, err)
	c.s.logger.Warn().
		Err(err).
		Int("uploaded", c.report.Uploaded).
		Int("pages", c.report.Pages).
		Msg("sync cycle failed")
	return err
}

func (c *cycle) upload(ctx context.Context) error {
	changes, err := c.s.store.LocalChanges(ctx)
	if err != nil {
		return err
	}
	units := store.Unsquashed(changes)
	if c.s.squash {
		units = store.SquashChanges(changes)
	}

	var batch []store.Squashed
	inBatch := map[resource.Reference]bool{}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.uploadBatch(ctx, batch)
		batch, inBatch = nil, map[resource.Reference]bool{}
		return err
	}

	for _, u := range units {
		if u.Type == store.ChangeNoop {
			c.confirmed = append(c.confirmed, u.Seqs...)
			c.report.Skipped++
			continue
		}
		// A record appears once per batch so later changes upload
		// against the version its earlier change produced.
		if len(batch) == c.s.batchSize || inBatch[u.Ref()] {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, u)
		inBatch[u.Ref()] = true
	}
	return flush()
}

func (c *cycle) item(u store.Squashed) UploadItem {
	base := u.BaseRemoteVersion
	if v, ok := c.versions[u.Ref()]; ok {
		base = v
	}
	typ := u.Type
	// A create rebased onto a remote version overwrites that version.
	if typ == store.ChangeCreate && base != "" {
		typ = store.ChangeUpdate
	}
	return UploadItem{Type: typ, Ref: u.Ref(), Resource: u.Resource, BaseVersion: base}
}

// uploadBatch sends one batch and settles every ack. The first failure
// is returned after all acks are settled, so accepted items are never
// re-sent.
func (c *cycle) uploadBatch(ctx context.Context, batch []store.Squashed) error {
	items := make([]UploadItem, len(batch))
	for i, u := range batch {
		items[i] = c.item(u)
	}
	acks, err := c.send(ctx, items)
	if err != nil {
		return err
	}

	var first error
	for i, ack := range acks {
		if err := c.settle(ctx, batch[i], items[i], ack); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *cycle) send(ctx context.Context, items []UploadItem) ([]Ack, error) {
	acks, err := call(ctx, c.s, "upload", &c.report, func(ctx context.Context) ([]Ack, error) {
		return c.s.transport.Upload(ctx, items)
	})
	if err != nil {
		return nil, err
	}
	if len(acks) != len(items) {
		return nil, resource.NewSyncError(fmt.Sprintf("remote answered %d of %d uploaded items", len(acks), len(items)), nil)
	}
	return acks, nil
}

func (c *cycle) settle(ctx context.Context, u store.Squashed, item UploadItem, ack Ack) error {
	ref := u.Ref()
	switch ack.Status {
	case AckAccepted:
		if err := c.s.store.RecordUpload(ctx, ref, ack.RemoteVersion); err != nil {
			return err
		}
		c.versions[ref] = ack.RemoteVersion
		c.confirmed = append(c.confirmed, u.Seqs...)
		c.report.Uploaded++
		if item.Force {
			c.report.Forced++
		}
		return nil

	case AckConflict:
		if c.s.uploadPolicy == LastWriterWins && !item.Force {
			c.s.logger.Warn().
				Str("resource_type", ref.Type).
				Str("logical_id", ref.ID).
				Str("remote_message", ack.Message).
				Msg("upload conflict: re-sending as last writer")
			item.Force = true
			acks, err := c.send(ctx, []UploadItem{item})
			if err != nil {
				return err
			}
			return c.settle(ctx, u, item, acks[0])
		}
		e := resource.NewConflictError(ref.Type, ref.ID, "remote holds a different version")
		e.Details = map[string]string{"base_version": item.BaseVersion, "remote": ack.Message}
		if ack.Current != nil {
			// Kept for ResolveDeferredConflict; until then every cycle
			// fails on this record again.
			current := *ack.Current
			current.Type, current.ID = ref.Type, ref.ID
			if err := c.s.store.RecordConflict(ctx, store.RemoteChange{Resource: current, RemoteVersion: ack.RemoteVersion}); err != nil {
				return fmt.Errorf("record conflict %s: %w", ref, err)
			}
			c.report.Deferred++
			e.Details["remote_version"] = ack.RemoteVersion
		}
		return e

	case AckRejected:
		e := resource.NewSyncError(fmt.Sprintf("remote rejected %s %s", item.Type, ref), errors.New(ack.Message))
		e.ResourceType, e.LogicalID = ref.Type, ref.ID
		return e
	}
	return resource.NewSyncError(fmt.Sprintf("unknown ack status %q for %s", ack.Status, ref), nil)
}

func (c *cycle) download(ctx context.Context, token string) (Page, error) {
	return call(ctx, c.s, "download", &c.report, func(ctx context.Context) (Page, error) {
		return c.s.transport.Download(ctx, token)
	})
}

// reconcile applies one page together with the pending confirmations.
func (c *cycle) reconcile(ctx context.Context, page Page) error {
	res, err := c.s.store.ApplyRemoteBatch(ctx, store.RemoteBatch{
		Changes:   page.Resources,
		Token:     page.Token,
		Confirmed: c.confirmed,
		Policy:    c.s.downloadPolicy,
	})
	if err != nil {
		return err
	}

	c.report.Confirmed += len(c.confirmed)
	c.confirmed = nil
	c.report.Pages++
	c.report.Downloaded += len(page.Resources)
	c.report.Applied += res.Applied
	c.report.Unchanged += res.Unchanged
	c.report.Deferred += res.Deferred
	c.report.Discarded += res.Discarded
	if page.Token != "" {
		c.report.Token = page.Token
	}
	return nil
}

// call runs fn with the per-call timeout, on the pool when one is set,
// retrying transient failures per the retry policy. Exhausted retries
// become a SyncError; cancellation of ctx returns ctx.Err().
func call[T any](ctx context.Context, s *Syncer, phase string, rep *Report, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := s.retry.Backoff(attempt)
			rep.Retries++
			s.metrics.RecordSyncRetry(phase)
			s.logger.Warn().
				Str("phase", phase).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("retrying transport call")
			if err := s.sleep(ctx, wait); err != nil {
				return zero, err
			}
		}

		out, err := attemptCall(ctx, s, phase, fn)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt >= s.retry.MaxRetries {
			return zero, resource.NewSyncError(fmt.Sprintf("%s failed after %d attempts", phase, attempt+1), err)
		}
	}
}

func attemptCall[T any](ctx context.Context, s *Syncer, phase string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	// Each attempt has its own result; a timed-out job that finishes late
	// writes to a variable nobody reads.
	var out T
	job := func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	}

	var err error
	if s.pool != nil {
		err = s.pool.Do(callCtx, job)
	} else {
		err = job(callCtx)
	}
	if err == nil {
		return out, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = NewTransientError(phase, fmt.Errorf("timed out after %s: %w", s.timeout, err))
	}
	var zero T
	return zero, err
}
