package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/syncer"
)

// DefaultRateLimit is the default number of requests per second.
const DefaultRateLimit = 10

// maxResponseBytes bounds response bodies read by the client.
const maxResponseBytes = 64 << 20

// Client is an HTTP transport to a FHIR repository speaking the batch
// and history Bundles described in the package documentation.
//
// Network errors, 429 and 5xx responses are TransientErrors. Other
// non-2xx responses fail the call with a SyncError.
type Client struct {
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	pageSize int
	logger   zerolog.Logger
}

var _ syncer.Transport = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit limits outgoing requests to rps per second with the
// given burst. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithDownloadPageSize sets the _count of history requests.
func WithDownloadPageSize(n int) ClientOption {
	return func(cl *Client) { cl.pageSize = n }
}

// WithClientLogger sets the logger. Defaults to a no-op logger.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client for the repository at base.
func NewClient(base string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote url %q: want scheme://host[/path]", base)
	}
	c := &Client{
		base:    strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(DefaultRateLimit, DefaultRateLimit),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload posts items as one batch Bundle. A conflict answered without
// the remote's current record is completed by reading that record.
func (c *Client) Upload(ctx context.Context, items []syncer.UploadItem) ([]syncer.Ack, error) {
	body, err := encodeUpload(items)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, "upload", http.MethodPost, c.base+"/", body)
	if err != nil {
		return nil, err
	}
	acks, err := decodeAcks(data, items)
	if err != nil {
		return nil, resource.NewSyncError("upload: unreadable response", err)
	}

	for i := range acks {
		if acks[i].Status != syncer.AckConflict || acks[i].Current != nil {
			continue
		}
		cur, version, err := c.read(ctx, items[i].Ref)
		if err != nil {
			return nil, err
		}
		acks[i].Current = &cur
		if version != "" {
			acks[i].RemoteVersion = version
		}
	}
	return acks, nil
}

// read fetches the record at ref and its version. A record the remote
// does not hold comes back deleted.
func (c *Client) read(ctx context.Context, ref resource.Reference) (resource.Resource, string, error) {
	rep, err := c.roundTrip(ctx, "read", http.MethodGet, c.base+"/"+ref.String(), nil)
	if err != nil {
		return resource.Resource{}, "", err
	}
	switch code := rep.status; {
	case code == http.StatusNotFound || code == http.StatusGone:
		return resource.Resource{Type: ref.Type, ID: ref.ID, Deleted: true}, parseETag(rep.header.Get("ETag")), nil
	case code >= 200 && code < 300:
		content, err := resource.DecodeJSON(rep.data)
		if err != nil {
			return resource.Resource{}, "", resource.NewSyncError("read "+ref.String()+": unreadable response", err)
		}
		version := parseETag(rep.header.Get("ETag"))
		if version == "" {
			version = gjson.GetBytes(rep.data, "meta.versionId").String()
		}
		return resource.Resource{Type: ref.Type, ID: ref.ID, Content: content}, version, nil
	default:
		return resource.Resource{}, "", unexpected("read", rep)
	}
}

// Download fetches the history page after token.
func (c *Client) Download(ctx context.Context, token string) (syncer.Page, error) {
	q := url.Values{}
	if token != "" {
		q.Set("_since", token)
	}
	if c.pageSize > 0 {
		q.Set("_count", strconv.Itoa(c.pageSize))
	}
	target := c.base + "/_history"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	data, err := c.do(ctx, "download", http.MethodGet, target, nil)
	if err != nil {
		return syncer.Page{}, err
	}
	page, err := decodeHistory(data)
	if err != nil {
		return syncer.Page{}, resource.NewSyncError("download: unreadable response", err)
	}
	if page.Token == "" {
		page.Token = token
	}
	return page, nil
}

type reply struct {
	status int
	header http.Header
	data   []byte
}

// do sends a request and returns the body of a 2xx answer.
func (c *Client) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	rep, err := c.roundTrip(ctx, op, method, target, body)
	if err != nil {
		return nil, err
	}
	if rep.status < 200 || rep.status >= 300 {
		return nil, unexpected(op, rep)
	}
	return rep.data, nil
}

// roundTrip sends a request. Network errors, 429 and 5xx answers are
// TransientErrors; other answers are returned as they are.
func (c *Client) roundTrip(ctx context.Context, op, method, target string, body []byte) (reply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return reply{}, ctx.Err()
		}
		// The deadline passed, or passes before a request is allowed.
		return reply{}, syncer.NewTransientError(op, fmt.Errorf("rate limit: %w", err))
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return reply{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return reply{}, ctx.Err()
		}
		return reply{}, syncer.NewTransientError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return reply{}, syncer.NewTransientError(op, fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("remote request")

	if code := resp.StatusCode; code == http.StatusTooManyRequests || code >= 500 {
		return reply{}, syncer.NewTransientError(op, fmt.Errorf("status %d", code))
	}
	return reply{status: resp.StatusCode, header: resp.Header, data: data}, nil
}

func unexpected(op string, rep reply) error {
	return resource.NewSyncError(fmt.Sprintf("%s: remote answered %s", op, statusLine(rep.status)), errors.New(diagnostics(rep.data)))
}

// diagnostics extracts the first OperationOutcome diagnostics, falling
// back to the raw body.
func diagnostics(data []byte) string {
	if msg := gjson.GetBytes(data, "issue.0.diagnostics").String(); msg != "" {
		return msg
	}
	return strings.TrimSpace(string(data))
}
