package remote

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/syncer"
)

// DefaultPageSize is the number of changes per downloaded page.
const DefaultPageSize = 100

// Memory is an in-memory remote repository. Every record has its own
// version counter and every write is appended to a sequenced change log;
// download tokens are decimal log positions.
//
// Memory implements syncer.Transport directly.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	records  map[resource.Reference]*record
	log      []logEntry
	pageSize int
	validate func(resource.Resource) error
	failures []error
	calls    map[string]int
}

type record struct {
	version int64
	deleted bool
	content map[string]any
}

type logEntry struct {
	ref     resource.Reference
	version int64
	deleted bool
	content map[string]any
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithPageSize sets the download page size.
func WithPageSize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithValidator makes uploads whose resource fails fn come back
// rejected.
func WithValidator(fn func(resource.Resource) error) MemoryOption {
	return func(m *Memory) { m.validate = fn }
}

// NewMemory creates an empty repository.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records:  make(map[resource.Reference]*record),
		pageSize: DefaultPageSize,
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next n Upload or Download calls fail with err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// Calls returns how many times op ("upload" or "download") was called,
// failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// begin counts a call and pops an injected failure. Callers hold mu.
func (m *Memory) begin(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

// Upload applies items in order, each on its own.
func (m *Memory) Upload(ctx context.Context, items []syncer.UploadItem) ([]syncer.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "upload"); err != nil {
		return nil, err
	}
	acks := make([]syncer.Ack, len(items))
	for i, item := range items {
		acks[i] = m.apply(item)
	}
	return acks, nil
}

func (m *Memory) apply(item syncer.UploadItem) syncer.Ack {
	rec := m.records[item.Ref]
	current := ""
	if rec != nil {
		current = formatVersion(rec.version)
	}
	conflict := func(format string, args ...any) syncer.Ack {
		held := resource.Resource{Type: item.Ref.Type, ID: item.Ref.ID, Deleted: true}
		if rec != nil && !rec.deleted {
			held.Deleted = false
			held.VersionID = rec.version
			held.Content = resource.Resource{Content: rec.content}.Clone().Content
		}
		return syncer.Ack{
			Status:        syncer.AckConflict,
			RemoteVersion: current,
			Current:       &held,
			Message:       fmt.Sprintf(format, args...),
		}
	}

	switch item.Type {
	case store.ChangeCreate, store.ChangeUpdate:
		if item.Resource == nil {
			return rejected("%s %s without a resource", item.Type, item.Ref)
		}
		if item.Resource.Ref() != item.Ref {
			return rejected("resource %s does not match %s", item.Resource.Ref(), item.Ref)
		}
		if m.validate != nil {
			if err := m.validate(*item.Resource); err != nil {
				return rejected("%s: %v", item.Ref, err)
			}
		}
		if !item.Force {
			switch {
			case item.Type == store.ChangeCreate && rec != nil && !rec.deleted:
				return conflict("%s already exists at version %s", item.Ref, current)
			case item.Type == store.ChangeUpdate && current != item.BaseVersion:
				return conflict("%s is at version %q, change was made against %q", item.Ref, current, item.BaseVersion)
			}
		}
		v := m.write(item.Ref, item.Resource.Content, false)
		return syncer.Ack{Status: syncer.AckAccepted, RemoteVersion: formatVersion(v)}

	case store.ChangeDelete:
		if rec == nil || rec.deleted {
			return syncer.Ack{Status: syncer.AckAccepted, RemoteVersion: current}
		}
		if !item.Force && current != item.BaseVersion {
			return conflict("%s is at version %q, delete was made against %q", item.Ref, current, item.BaseVersion)
		}
		v := m.write(item.Ref, nil, true)
		return syncer.Ack{Status: syncer.AckAccepted, RemoteVersion: formatVersion(v)}
	}
	return rejected("unsupported change type %q", item.Type)
}

func rejected(format string, args ...any) syncer.Ack {
	return syncer.Ack{Status: syncer.AckRejected, Message: fmt.Sprintf(format, args...)}
}

// write stores the next version of ref and logs it. Callers hold mu.
func (m *Memory) write(ref resource.Reference, content map[string]any, deleted bool) int64 {
	rec := m.records[ref]
	if rec == nil {
		rec = &record{}
		m.records[ref] = rec
	}
	rec.version++
	rec.deleted = deleted
	rec.content = nil
	if !deleted {
		c := resource.Resource{Content: content}.Clone().Content
		if c == nil {
			c = map[string]any{}
		}
		c["resourceType"] = ref.Type
		c["id"] = ref.ID
		c["meta"] = map[string]any{"versionId": formatVersion(rec.version)}
		rec.content = c
	}
	m.log = append(m.log, logEntry{ref: ref, version: rec.version, deleted: deleted, content: rec.content})
	return rec.version
}

// Download returns up to the page size of changes logged after token.
func (m *Memory) Download(ctx context.Context, token string) (syncer.Page, error) {
	return m.DownloadPage(ctx, token, 0)
}

// DownloadPage is Download with an explicit page size; count <= 0 uses
// the configured size.
func (m *Memory) DownloadPage(ctx context.Context, token string, count int) (syncer.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "download"); err != nil {
		return syncer.Page{}, err
	}

	since, err := parseToken(token)
	if err != nil {
		return syncer.Page{}, err
	}
	if since > len(m.log) {
		return syncer.Page{}, fmt.Errorf("sync token %q is ahead of the change log", token)
	}
	if count <= 0 {
		count = m.pageSize
	}
	end := min(since+count, len(m.log))

	page := syncer.Page{Token: token, More: end < len(m.log)}
	for _, e := range m.log[since:end] {
		r := resource.Resource{Type: e.ref.Type, ID: e.ref.ID, Deleted: e.deleted}
		if !e.deleted {
			r.Content = resource.Resource{Content: e.content}.Clone().Content
		}
		page.Resources = append(page.Resources, store.RemoteChange{Resource: r, RemoteVersion: formatVersion(e.version)})
	}
	if end > since {
		page.Token = strconv.Itoa(end)
	}
	return page, nil
}

// Put writes r as another client would and returns the new remote
// version.
func (m *Memory) Put(r resource.Resource) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return formatVersion(m.write(r.Ref(), r.Content, false))
}

// Remove deletes ref as another client would. It reports whether a live
// record was deleted.
func (m *Memory) Remove(ref resource.Reference) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[ref]
	if rec == nil || rec.deleted {
		return false
	}
	m.write(ref, nil, true)
	return true
}

// Get returns the live record at ref and its remote version.
func (m *Memory) Get(ref resource.Reference) (resource.Resource, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[ref]
	if rec == nil || rec.deleted {
		return resource.Resource{}, "", false
	}
	r := resource.Resource{Type: ref.Type, ID: ref.ID, VersionID: rec.version, Content: rec.content}
	return r.Clone(), formatVersion(rec.version), true
}

// Contents returns the content of every live record keyed by reference,
// without meta.
func (m *Memory) Contents() map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]any)
	for ref, rec := range m.records {
		if rec.deleted {
			continue
		}
		c := resource.Resource{Content: rec.content}.Clone().Content
		delete(c, "meta")
		out[ref.String()] = c
	}
	return out
}

// Refs returns the live references in sorted order.
func (m *Memory) Refs() []string {
	return slices.Sorted(maps.Keys(m.Contents()))
}

// Token returns the token that covers the whole change log.
func (m *Memory) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(len(m.log))
}

func formatVersion(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid sync token %q", token)
	}
	return n, nil
}
