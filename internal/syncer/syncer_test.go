package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/remote"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/syncer"
	"github.com/roach88/fhirengine/internal/testutil"
	"github.com/roach88/fhirengine/internal/worker"
)

func TestCycle_UploadsThenDownloads(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	mem.Put(testutil.Patient("2", "Remote"))

	mustCreate(t, st, testutil.Patient("1", "Local"))
	mustCreate(t, st, testutil.Immunization("i1", "1", testutil.CVXModerna, "2021-01-05"))

	rec := &recorder{}
	s := syncer.New(st, mem, syncer.WithObserver(rec.observe), syncer.WithMetrics(metrics.NewCollector("test")))
	rep, err := s.Cycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, syncer.Report{
		Uploaded:   2,
		Confirmed:  2,
		Pages:      1,
		Downloaded: 3,
		Applied:    1,
		Unchanged:  2,
		Token:      "3",
	}, rep)
	assert.Equal(t, []syncer.State{
		syncer.StateUploading,
		syncer.StateDownloading,
		syncer.StateReconciling,
		syncer.StateIdle,
	}, rec.states())
	assert.Equal(t, syncer.StateIdle, s.State())

	assert.Zero(t, pending(t, st))
	assert.Equal(t, "3", token(t, st))
	got, err := st.Get(ctx, "Patient", "2")
	require.NoError(t, err)
	assert.Equal(t, "Remote", familyOf(got))
	assert.Contains(t, mem.Contents(), "Immunization/i1")

	rep, err = s.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.Report{Pages: 1, Token: "3"}, rep)
}

func TestCycle_EditAfterUploadSyncsWithoutConflict(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	s := syncer.New(st, mem)

	mustCreate(t, st, testutil.Patient("1", "First"))
	_, err := s.Cycle(ctx)
	require.NoError(t, err)

	mustUpdateFamily(t, st, "1", "Second")
	rep, err := s.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)

	r, version, ok := mem.Get(resource.Reference{Type: "Patient", ID: "1"})
	require.True(t, ok)
	assert.Equal(t, "2", version)
	assert.Equal(t, "Second", familyOf(r))
}

func TestCycle_UploadConflictKeepsChangePending(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	rec := &recorder{}
	s := syncer.New(st, mem, syncer.WithObserver(rec.observe))

	mustCreate(t, st, testutil.Patient("1", "Smith"))
	_, err := s.Cycle(ctx)
	require.NoError(t, err)
	tokenBefore := token(t, st)

	mem.Put(testutil.Patient("1", "Jones"))
	mustUpdateFamily(t, st, "1", "Brown")

	rep, err := s.Cycle(ctx)
	require.Error(t, err)
	assert.True(t, resource.IsConflict(err))
	var rerr *resource.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "Patient", rerr.ResourceType)
	assert.Equal(t, "1", rerr.LogicalID)
	assert.Equal(t, "1", rerr.Details["base_version"])

	assert.Zero(t, rep.Uploaded)
	assert.Equal(t, 1, rep.Deferred)
	assert.Equal(t, "2", rerr.Details["remote_version"])
	assert.Equal(t, 1, pending(t, st))
	assert.Equal(t, tokenBefore, token(t, st))
	assert.Equal(t, syncer.StateFailed, s.State())
	last := rec.last()
	assert.Equal(t, syncer.StateUploading, last.From)
	assert.Equal(t, syncer.StateFailed, last.To)
	assert.Equal(t, err, last.Err)

	r, _, _ := mem.Get(resource.Reference{Type: "Patient", ID: "1"})
	assert.Equal(t, "Jones", familyOf(r))

	t.Run("last writer wins forces the change", func(t *testing.T) {
		lww := syncer.New(st, mem, syncer.WithUploadPolicy(syncer.LastWriterWins))
		rep, err := lww.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Uploaded)
		assert.Equal(t, 1, rep.Forced)
		assert.Zero(t, pending(t, st))

		r, version, _ := mem.Get(resource.Reference{Type: "Patient", ID: "1"})
		assert.Equal(t, "3", version)
		assert.Equal(t, "Brown", familyOf(r))

		local, err := st.Get(ctx, "Patient", "1")
		require.NoError(t, err)
		assert.Equal(t, "Brown", familyOf(local))
	})
}

func TestCycle_UploadConflictIsResolvable(t *testing.T) {
	ctx := context.Background()
	ref := resource.Reference{Type: "Patient", ID: "1"}

	// conflicted leaves Patient/1 edited locally to Brown while the remote
	// moved to Jones, after one failed cycle.
	conflicted := func(t *testing.T) (*store.Store, *remote.Memory, *syncer.Syncer) {
		t.Helper()
		st := createTestStore(t)
		mem := remote.NewMemory()
		s := syncer.New(st, mem)

		mustCreate(t, st, testutil.Patient("1", "Smith"))
		_, err := s.Cycle(ctx)
		require.NoError(t, err)
		mem.Put(testutil.Patient("1", "Jones"))
		mustUpdateFamily(t, st, "1", "Brown")

		_, err = s.Cycle(ctx)
		require.True(t, resource.IsConflict(err))

		conflicts, err := st.DeferredConflicts(ctx)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "Patient", conflicts[0].ResourceType)
		assert.Equal(t, "1", conflicts[0].LogicalID)
		assert.Equal(t, "2", conflicts[0].RemoteVersion)
		assert.Equal(t, "Jones", familyOf(conflicts[0].Remote))
		return st, mem, s
	}

	t.Run("unresolved keeps failing", func(t *testing.T) {
		st, _, s := conflicted(t)
		_, err := s.Cycle(ctx)
		assert.True(t, resource.IsConflict(err))
		assert.Equal(t, 1, pending(t, st))
		conflicts, err := st.DeferredConflicts(ctx)
		require.NoError(t, err)
		assert.Len(t, conflicts, 1)
	})

	t.Run("keep local", func(t *testing.T) {
		st, mem, s := conflicted(t)
		require.NoError(t, st.ResolveDeferredConflict(ctx, "Patient", "1", store.KeepLocal))

		rep, err := s.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Uploaded)
		assert.Zero(t, rep.Forced)
		assert.Zero(t, pending(t, st))
		assert.Equal(t, syncer.StateIdle, s.State())

		r, version, ok := mem.Get(ref)
		require.True(t, ok)
		assert.Equal(t, "3", version)
		assert.Equal(t, "Brown", familyOf(r))

		local, err := st.Get(ctx, "Patient", "1")
		require.NoError(t, err)
		assert.Equal(t, "Brown", familyOf(local))
		conflicts, err := st.DeferredConflicts(ctx)
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("accept remote", func(t *testing.T) {
		st, mem, s := conflicted(t)
		require.NoError(t, st.ResolveDeferredConflict(ctx, "Patient", "1", store.AcceptRemote))
		assert.Zero(t, pending(t, st))

		rep, err := s.Cycle(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Uploaded)
		assert.Equal(t, syncer.StateIdle, s.State())

		r, version, ok := mem.Get(ref)
		require.True(t, ok)
		assert.Equal(t, "2", version)
		assert.Equal(t, "Jones", familyOf(r))

		local, err := st.Get(ctx, "Patient", "1")
		require.NoError(t, err)
		assert.Equal(t, "Jones", familyOf(local))
	})

	t.Run("remote deletion", func(t *testing.T) {
		st := createTestStore(t)
		mem := remote.NewMemory()
		s := syncer.New(st, mem)
		mustCreate(t, st, testutil.Patient("1", "Smith"))
		_, err := s.Cycle(ctx)
		require.NoError(t, err)
		require.True(t, mem.Remove(ref))
		mustUpdateFamily(t, st, "1", "Brown")

		_, err = s.Cycle(ctx)
		require.True(t, resource.IsConflict(err))
		require.NoError(t, st.ResolveDeferredConflict(ctx, "Patient", "1", store.KeepLocal))

		_, err = s.Cycle(ctx)
		require.NoError(t, err)
		r, _, ok := mem.Get(ref)
		require.True(t, ok, "keeping the local record restores it remotely")
		assert.Equal(t, "Brown", familyOf(r))
	})
}

func TestCycle_RejectedItemFailsAfterSettlingBatch(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory(remote.WithValidator(func(r resource.Resource) error {
		if familyOf(r) == "Invalid" {
			return errors.New("family not allowed")
		}
		return nil
	}))

	mustCreate(t, st, testutil.Patient("1", "Invalid"))
	mustCreate(t, st, testutil.Patient("2", "Valid"))

	rep, err := syncer.New(st, mem).Cycle(ctx)
	require.Error(t, err)
	assert.True(t, resource.IsSync(err))
	assert.Contains(t, err.Error(), "family not allowed")

	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, rep.Confirmed)
	changes, err := st.LocalChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "1", changes[0].LogicalID)
	assert.Equal(t, "", token(t, st))
}

func TestCycle_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	mustCreate(t, st, testutil.Patient("1", "Smith"))

	flaky := syncer.NewTransientError("upload", errors.New("connection reset"))
	mem.FailNext(2, flaky)

	sl := &noSleep{}
	s := syncer.New(st, mem,
		syncer.WithRetry(syncer.RetryPolicy{MaxRetries: 3, Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 2}),
		syncer.WithSleeper(sl.sleep),
	)
	rep, err := s.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Retries)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sl.waits)
	assert.Equal(t, 3, mem.Calls("upload"))
}

func TestCycle_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	mustCreate(t, st, testutil.Patient("1", "Smith"))
	mem.FailNext(10, syncer.NewTransientError("upload", errors.New("unavailable")))

	s := syncer.New(st, mem,
		syncer.WithRetry(syncer.RetryPolicy{MaxRetries: 2, Initial: time.Millisecond}),
		syncer.WithSleeper((&noSleep{}).sleep),
	)
	rep, err := s.Cycle(ctx)
	require.Error(t, err)
	assert.True(t, resource.IsSync(err))
	assert.Contains(t, err.Error(), "upload failed after 3 attempts")
	assert.Equal(t, 2, rep.Retries)
	assert.Equal(t, 1, pending(t, st))
	assert.Equal(t, syncer.StateFailed, s.State())
}

func TestCycle_NonTransientErrorIsNotRetried(t *testing.T) {
	st := createTestStore(t)
	mem := remote.NewMemory()
	mem.FailNext(1, errors.New("bad request"))

	rep, err := syncer.New(st, mem, syncer.WithSleeper((&noSleep{}).sleep)).Cycle(context.Background())
	require.EqualError(t, err, "bad request")
	assert.Zero(t, rep.Retries)
	assert.Equal(t, 1, mem.Calls("download"))
}

func TestCycle_CallTimeoutIsRetried(t *testing.T) {
	st := createTestStore(t)
	mem := remote.NewMemory()
	mem.Put(testutil.Patient("1", "Smith"))

	var blocked atomic.Int32
	tr := &hookTransport{Memory: mem, beforeDownload: func(ctx context.Context) error {
		if blocked.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}

	s := syncer.New(st, tr, syncer.WithTimeout(20*time.Millisecond), syncer.WithSleeper((&noSleep{}).sleep))
	rep, err := s.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retries)
	assert.Equal(t, 1, rep.Applied)
}

func TestCycle_CancelledDuringDownload(t *testing.T) {
	st := createTestStore(t)
	mem := remote.NewMemory()
	mem.Put(testutil.Patient("9", "Remote"))
	mustCreate(t, st, testutil.Patient("1", "Smith"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &hookTransport{Memory: mem, beforeDownload: func(context.Context) error {
		cancel()
		return nil
	}}

	s := syncer.New(st, tr)
	rep, err := s.Cycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, syncer.StateFailed, s.State())

	// The remote holds the upload, so the change is purged anyway.
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Zero(t, pending(t, st))
	assert.Equal(t, "", token(t, st))
	_, err = st.Get(context.Background(), "Patient", "9")
	assert.True(t, resource.IsNotFound(err))
}

func TestCycle_InterruptedBatchIsReappliedIdempotently(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	for i := 0; i < 100; i++ {
		mem.Put(testutil.Patient(fmt.Sprintf("p%03d", i), "Remote"))
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tr := &hookTransport{Memory: mem, afterDownload: func(page syncer.Page) (syncer.Page, error) {
		cancel()
		return page, nil
	}}
	_, err := syncer.New(st, tr).Cycle(cycleCtx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "", token(t, st))
	_, err = st.Get(ctx, "Patient", "p000")
	assert.True(t, resource.IsNotFound(err), "nothing of the interrupted batch is committed")

	rep, err := syncer.New(st, mem).Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Applied)
	assert.Equal(t, "100", rep.Token)

	page, err := mem.DownloadPage(ctx, "", 0)
	require.NoError(t, err)
	res, err := st.ApplyRemoteBatch(ctx, store.RemoteBatch{Changes: page.Resources, Token: page.Token})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyResult{Unchanged: 100}, res)
}

func TestCycle_DownloadConflictPolicies(t *testing.T) {
	setup := func(t *testing.T, policy store.ConflictPolicy) (*store.Store, syncer.Report) {
		t.Helper()
		ctx := context.Background()
		st := createTestStore(t)
		mem := remote.NewMemory()
		mustCreate(t, st, testutil.Patient("1", "Smith"))
		_, err := syncer.New(st, mem).Cycle(ctx)
		require.NoError(t, err)

		mem.Put(testutil.Patient("1", "Remote"))
		tr := &hookTransport{Memory: mem, beforeDownload: func(context.Context) error {
			mustUpdateFamily(t, st, "1", "Local")
			return nil
		}}
		rep, err := syncer.New(st, tr, syncer.WithDownloadPolicy(policy)).Cycle(ctx)
		require.NoError(t, err)
		return st, rep
	}

	t.Run("local wins defers", func(t *testing.T) {
		st, rep := setup(t, store.LocalWins)
		assert.Equal(t, 1, rep.Deferred)

		ctx := context.Background()
		local, err := st.Get(ctx, "Patient", "1")
		require.NoError(t, err)
		assert.Equal(t, "Local", familyOf(local))
		assert.Equal(t, 1, pending(t, st))

		deferred, err := st.DeferredConflicts(ctx)
		require.NoError(t, err)
		require.Len(t, deferred, 1)
		assert.Equal(t, "2", deferred[0].RemoteVersion)
		assert.Equal(t, "Remote", familyOf(deferred[0].Remote))
	})

	t.Run("remote wins discards", func(t *testing.T) {
		st, rep := setup(t, store.RemoteWins)
		assert.Equal(t, 1, rep.Discarded)
		assert.Equal(t, 1, rep.Applied)

		local, err := st.Get(context.Background(), "Patient", "1")
		require.NoError(t, err)
		assert.Equal(t, "Remote", familyOf(local))
		assert.Zero(t, pending(t, st))
	})
}

func TestCycle_KeptLocalCreateOverwritesRemote(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	mem := remote.NewMemory()
	version := mem.Put(testutil.Patient("1", "Remote"))

	mustCreate(t, st, testutil.Patient("1", "Local"))
	_, err := st.ApplyRemoteBatch(ctx, store.RemoteBatch{Changes: []store.RemoteChange{{
		Resource:      testutil.Patient("1", "Remote"),
		RemoteVersion: version,
	}}})
	require.NoError(t, err)
	require.NoError(t, st.ResolveDeferredConflict(ctx, "Patient", "1", store.KeepLocal))

	rep, err := syncer.New(st, mem).Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Zero(t, rep.Forced)
	assert.Zero(t, pending(t, st))

	r, _, ok := mem.Get(resource.Reference{Type: "Patient", ID: "1"})
	require.True(t, ok)
	assert.Equal(t, "Local", familyOf(r))
}

func TestCycle_SquashedAndUnsquashedAgree(t *testing.T) {
	run := func(t *testing.T, squash bool) (*remote.Memory, syncer.Report) {
		t.Helper()
		ctx := context.Background()
		st := createTestStore(t)
		mustCreate(t, st, testutil.Patient("1", "A"))
		mustUpdateFamily(t, st, "1", "B")
		mustCreate(t, st, testutil.Patient("2", "Temp"))
		require.NoError(t, st.Delete(ctx, "Patient", "2"))
		mustCreate(t, st, testutil.Patient("3", "C"))
		mustUpdateFamily(t, st, "3", "D")
		mustUpdateFamily(t, st, "3", "E")

		mem := remote.NewMemory()
		rep, err := syncer.New(st, mem, syncer.WithSquash(squash), syncer.WithBatchSize(2)).Cycle(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending(t, st))
		return mem, rep
	}

	squashed, srep := run(t, true)
	plain, prep := run(t, false)

	assert.Equal(t, squashed.Contents(), plain.Contents())
	assert.Equal(t, 2, srep.Uploaded)
	assert.Equal(t, 1, srep.Skipped)
	assert.Equal(t, 7, prep.Uploaded)
	assert.Zero(t, prep.Skipped)
	assert.Equal(t, 7, srep.Confirmed)
	assert.Equal(t, 7, prep.Confirmed)

	_, _, ok := squashed.Get(resource.Reference{Type: "Patient", ID: "2"})
	assert.False(t, ok)
	assert.Equal(t, []resource.Reference{{Type: "Patient", ID: "1"}, {Type: "Patient", ID: "3"}}, squashed.Refs())
}

func TestCycle_RejectsOverlap(t *testing.T) {
	st := createTestStore(t)
	mem := remote.NewMemory()
	entered := make(chan struct{})
	release := make(chan struct{})
	tr := &hookTransport{Memory: mem, beforeDownload: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}}
	s := syncer.New(st, tr)

	done := make(chan error, 1)
	go func() {
		_, err := s.Cycle(context.Background())
		done <- err
	}()

	<-entered
	assert.Equal(t, syncer.StateDownloading, s.State())
	_, err := s.Cycle(context.Background())
	assert.ErrorIs(t, err, syncer.ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, syncer.StateIdle, s.State())
}

func TestCycle_DownloadsAllPages(t *testing.T) {
	st := createTestStore(t)
	mem := remote.NewMemory(remote.WithPageSize(2))
	for i := 0; i < 5; i++ {
		mem.Put(testutil.Patient(fmt.Sprintf("p%d", i), "Remote"))
	}

	rec := &recorder{}
	rep, err := syncer.New(st, mem, syncer.WithObserver(rec.observe)).Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pages)
	assert.Equal(t, 5, rep.Downloaded)
	assert.Equal(t, "5", rep.Token)
	assert.Equal(t, []syncer.State{
		syncer.StateUploading,
		syncer.StateDownloading, syncer.StateReconciling,
		syncer.StateDownloading, syncer.StateReconciling,
		syncer.StateDownloading, syncer.StateReconciling,
		syncer.StateIdle,
	}, rec.states())
}

func TestCycle_MoreWithoutTokenAdvanceFails(t *testing.T) {
	st := createTestStore(t)
	tr := &hookTransport{Memory: remote.NewMemory(), afterDownload: func(page syncer.Page) (syncer.Page, error) {
		page.More = true
		return page, nil
	}}

	_, err := syncer.New(st, tr).Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, resource.IsSync(err))
}

func TestCycle_AckCountMismatchFails(t *testing.T) {
	st := createTestStore(t)
	mustCreate(t, st, testutil.Patient("1", "Smith"))
	tr := &hookTransport{Memory: remote.NewMemory(), afterUpload: func([]syncer.Ack) ([]syncer.Ack, error) {
		return nil, nil
	}}

	_, err := syncer.New(st, tr).Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, resource.IsSync(err))
	assert.Contains(t, err.Error(), "answered 0 of 1")
	assert.Equal(t, 1, pending(t, st))
}

func TestCycle_RunsOnPool(t *testing.T) {
	pool := worker.New(2)
	defer pool.Close()

	st := createTestStore(t)
	mem := remote.NewMemory()
	mustCreate(t, st, testutil.Patient("1", "Smith"))

	rep, err := syncer.New(st, mem, syncer.WithPool(pool)).Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, mem.Calls("upload"))
	assert.Equal(t, 1, mem.Calls("download"))
}

func TestParseUploadPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    syncer.UploadPolicy
		wantErr bool
	}{
		{"", syncer.FailOnConflict, false},
		{"fail", syncer.FailOnConflict, false},
		{"last-writer-wins", syncer.LastWriterWins, false},
		{"merge", "", true},
	}
	for _, tt := range tests {
		got, err := syncer.ParseUploadPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := syncer.RetryPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 900*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))

	flat := syncer.RetryPolicy{Initial: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.Backoff(5))
}
