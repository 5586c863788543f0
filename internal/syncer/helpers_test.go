package syncer_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/remote"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/syncer"
	"github.com/roach88/fhirengine/internal/testutil"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), store.WithClock(testutil.NewFakeClock()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func mustCreate(t *testing.T, st *store.Store, r resource.Resource) {
	t.Helper()
	_, err := st.Create(context.Background(), r)
	require.NoError(t, err)
}

func mustUpdateFamily(t *testing.T, st *store.Store, id, family string) {
	t.Helper()
	ctx := context.Background()
	r, err := st.Get(ctx, "Patient", id)
	require.NoError(t, err)
	r.Content["name"] = []any{map[string]any{"family": family}}
	_, err = st.Update(ctx, r)
	require.NoError(t, err)
}

func familyOf(r resource.Resource) string {
	names, _ := r.Content["name"].([]any)
	if len(names) == 0 {
		return ""
	}
	name, _ := names[0].(map[string]any)
	family, _ := name["family"].(string)
	return family
}

func pending(t *testing.T, st *store.Store) int {
	t.Helper()
	changes, err := st.LocalChanges(context.Background())
	require.NoError(t, err)
	return len(changes)
}

func token(t *testing.T, st *store.Store) string {
	t.Helper()
	tok, err := st.SyncToken(context.Background())
	require.NoError(t, err)
	return tok
}

// noSleep skips backoff waits and records them.
type noSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *noSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

// recorder collects state transitions.
type recorder struct {
	mu          sync.Mutex
	transitions []syncer.Transition
}

func (r *recorder) observe(tr syncer.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) states() []syncer.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]syncer.State, len(r.transitions))
	for i, tr := range r.transitions {
		out[i] = tr.To
	}
	return out
}

func (r *recorder) last() syncer.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[len(r.transitions)-1]
}

// hookTransport wraps a Memory with hooks around its calls.
type hookTransport struct {
	*remote.Memory

	beforeDownload func(ctx context.Context) error
	afterDownload  func(page syncer.Page) (syncer.Page, error)
	afterUpload    func(acks []syncer.Ack) ([]syncer.Ack, error)
}

func (h *hookTransport) Upload(ctx context.Context, items []syncer.UploadItem) ([]syncer.Ack, error) {
	acks, err := h.Memory.Upload(ctx, items)
	if err != nil || h.afterUpload == nil {
		return acks, err
	}
	return h.afterUpload(acks)
}

func (h *hookTransport) Download(ctx context.Context, tok string) (syncer.Page, error) {
	if h.beforeDownload != nil {
		if err := h.beforeDownload(ctx); err != nil {
			return syncer.Page{}, err
		}
	}
	page, err := h.Memory.Download(ctx, tok)
	if err != nil || h.afterDownload == nil {
		return page, err
	}
	return h.afterDownload(page)
}
