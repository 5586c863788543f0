package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/syncer"
)

// SyncTokenExtension is the meta extension of a history Bundle that
// carries the token to pass as _since for the next page.
const SyncTokenExtension = "http://fhirengine.dev/StructureDefinition/sync-token"

type bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Meta         *bundleMeta   `json:"meta,omitempty"`
	Link         []bundleLink  `json:"link,omitempty"`
	Entry        []bundleEntry `json:"entry"`
}

type bundleMeta struct {
	Extension []extension `json:"extension,omitempty"`
}

type extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString"`
}

type bundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type bundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *bundleRequest  `json:"request,omitempty"`
	Response *bundleResponse `json:"response,omitempty"`
}

type bundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneMatch string `json:"ifNoneMatch,omitempty"`
}

type bundleResponse struct {
	Status  string         `json:"status"`
	Etag    string         `json:"etag,omitempty"`
	Outcome map[string]any `json:"outcome,omitempty"`
}

func etag(version string) string {
	return `W/"` + version + `"`
}

// parseETag accepts W/"v", "v" and v.
func parseETag(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	return strings.Trim(s, `"`)
}

func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}

// statusCode reads the leading code of "409 Conflict".
func statusCode(s string) int {
	code, _ := strconv.Atoi(strings.SplitN(strings.TrimSpace(s), " ", 2)[0])
	return code
}

func operationOutcome(code, diagnostics string) map[string]any {
	return map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []any{map[string]any{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	}
}

func encodeResource(r *resource.Resource) (json.RawMessage, error) {
	content := make(map[string]any, len(r.Content)+2)
	for k, v := range r.Content {
		if k != "meta" {
			content[k] = v
		}
	}
	content["resourceType"] = r.Type
	content["id"] = r.ID
	return resource.MarshalCanonical(content)
}

// encodeUpload renders upload items as a batch Bundle.
func encodeUpload(items []syncer.UploadItem) ([]byte, error) {
	b := bundle{ResourceType: "Bundle", Type: "batch", Entry: make([]bundleEntry, len(items))}
	for i, item := range items {
		req := &bundleRequest{Method: http.MethodPut, URL: item.Ref.String()}
		entry := bundleEntry{Request: req}

		switch item.Type {
		case store.ChangeCreate, store.ChangeUpdate:
			if item.Resource == nil {
				return nil, fmt.Errorf("encode %s %s: no resource", item.Type, item.Ref)
			}
			raw, err := encodeResource(item.Resource)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", item.Ref, err)
			}
			entry.Resource = raw
		case store.ChangeDelete:
			req.Method = http.MethodDelete
		default:
			return nil, fmt.Errorf("encode %s: unsupported change type %q", item.Ref, item.Type)
		}

		if !item.Force {
			if item.Type == store.ChangeCreate {
				req.IfNoneMatch = "*"
			} else {
				req.IfMatch = etag(item.BaseVersion)
			}
		}
		b.Entry[i] = entry
	}
	return json.Marshal(b)
}

// decodeUpload parses a batch Bundle back into upload items.
func decodeUpload(data []byte) ([]syncer.UploadItem, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("resourceType").String() != "Bundle" || doc.Get("type").String() != "batch" {
		return nil, fmt.Errorf("expected a batch Bundle")
	}

	var items []syncer.UploadItem
	for i, entry := range doc.Get("entry").Array() {
		req := entry.Get("request")
		ref, err := resource.ParseReference(req.Get("url").String())
		if err != nil {
			return nil, fmt.Errorf("entry[%d]: %w", i, err)
		}
		item := syncer.UploadItem{Ref: ref}
		ifMatch := req.Get("ifMatch")
		ifNoneMatch := req.Get("ifNoneMatch").String()

		switch req.Get("method").String() {
		case http.MethodPut:
			raw := entry.Get("resource")
			if !raw.IsObject() {
				return nil, fmt.Errorf("entry[%d]: PUT without a resource", i)
			}
			content, err := resource.DecodeJSON([]byte(raw.Raw))
			if err != nil {
				return nil, fmt.Errorf("entry[%d]: %w", i, err)
			}
			r, err := resource.New(content)
			if err != nil {
				return nil, fmt.Errorf("entry[%d]: %w", i, err)
			}
			item.Resource = &r
			item.Type = store.ChangeUpdate
			if ifNoneMatch == "*" {
				item.Type = store.ChangeCreate
			}
		case http.MethodDelete:
			item.Type = store.ChangeDelete
		default:
			return nil, fmt.Errorf("entry[%d]: unsupported method %q", i, req.Get("method").String())
		}

		switch {
		case ifMatch.Exists():
			item.BaseVersion = parseETag(ifMatch.String())
		case ifNoneMatch != "*":
			item.Force = true
		}
		items = append(items, item)
	}
	return items, nil
}

// encodeAcks renders acks as a batch-response Bundle. A conflict entry
// carries the record the remote holds, unless the remote holds none.
func encodeAcks(items []syncer.UploadItem, acks []syncer.Ack) (bundle, error) {
	b := bundle{ResourceType: "Bundle", Type: "batch-response", Entry: make([]bundleEntry, len(acks))}
	for i, ack := range acks {
		resp := &bundleResponse{}
		entry := bundleEntry{Response: resp}
		switch ack.Status {
		case syncer.AckAccepted:
			code := http.StatusOK
			if items[i].Type == store.ChangeCreate {
				code = http.StatusCreated
			}
			resp.Status = statusLine(code)
		case syncer.AckConflict:
			code := http.StatusPreconditionFailed
			if items[i].Type == store.ChangeCreate {
				code = http.StatusConflict
			}
			resp.Status = statusLine(code)
			resp.Outcome = operationOutcome("conflict", ack.Message)
			if cur := ack.Current; cur != nil && !cur.Deleted {
				raw, err := encodeResource(cur)
				if err != nil {
					return bundle{}, fmt.Errorf("encode %s: %w", cur.Ref(), err)
				}
				entry.Resource = raw
			}
		default:
			resp.Status = statusLine(http.StatusBadRequest)
			resp.Outcome = operationOutcome("invalid", ack.Message)
		}
		if ack.RemoteVersion != "" {
			resp.Etag = etag(ack.RemoteVersion)
		}
		b.Entry[i] = entry
	}
	return b, nil
}

// decodeAcks reads the batch-response Bundle answering items. 2xx is
// accepted, 409 and 412 are conflicts, anything else is a rejection.
// Conflicts keep the resource of their entry as the remote's current
// record when one is present.
func decodeAcks(data []byte, items []syncer.UploadItem) ([]syncer.Ack, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON in batch response")
	}
	entries := gjson.GetBytes(data, "entry").Array()
	if len(entries) != len(items) {
		return nil, fmt.Errorf("batch response has %d entries, want %d", len(entries), len(items))
	}

	acks := make([]syncer.Ack, len(entries))
	for i, entry := range entries {
		resp := entry.Get("response")
		ack := syncer.Ack{
			RemoteVersion: parseETag(resp.Get("etag").String()),
			Message:       resp.Get("outcome.issue.0.diagnostics").String(),
		}
		switch code := statusCode(resp.Get("status").String()); {
		case code >= 200 && code < 300:
			ack.Status = syncer.AckAccepted
		case code == http.StatusConflict || code == http.StatusPreconditionFailed:
			ack.Status = syncer.AckConflict
			if raw := entry.Get("resource"); raw.IsObject() {
				content, err := resource.DecodeJSON([]byte(raw.Raw))
				if err != nil {
					return nil, fmt.Errorf("entry[%d]: %w", i, err)
				}
				ref := items[i].Ref
				ack.Current = &resource.Resource{Type: ref.Type, ID: ref.ID, Content: content}
			}
		default:
			ack.Status = syncer.AckRejected
			if ack.Message == "" {
				ack.Message = "status " + resp.Get("status").String()
			}
		}
		acks[i] = ack
	}
	return acks, nil
}

// encodeHistory renders a downloaded page as a history Bundle. next is
// the URL of the following page, empty on the last one.
func encodeHistory(page syncer.Page, next string) (bundle, error) {
	b := bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Meta:         &bundleMeta{Extension: []extension{{URL: SyncTokenExtension, ValueString: page.Token}}},
		Entry:        make([]bundleEntry, len(page.Resources)),
	}
	if next != "" {
		b.Link = []bundleLink{{Relation: "next", URL: next}}
	}
	for i, ch := range page.Resources {
		r := ch.Resource
		entry := bundleEntry{
			FullURL:  r.Ref().String(),
			Request:  &bundleRequest{Method: http.MethodPut, URL: r.Ref().String()},
			Response: &bundleResponse{Status: statusLine(http.StatusOK), Etag: etag(ch.RemoteVersion)},
		}
		if r.Deleted {
			entry.Request.Method = http.MethodDelete
			entry.Response.Status = statusLine(http.StatusNoContent)
		} else {
			raw, err := resource.MarshalCanonical(r.Content)
			if err != nil {
				return bundle{}, fmt.Errorf("encode %s: %w", r.Ref(), err)
			}
			entry.Resource = raw
		}
		b.Entry[i] = entry
	}
	return b, nil
}

// decodeHistory reads a history Bundle into a page.
func decodeHistory(data []byte) (syncer.Page, error) {
	if !gjson.ValidBytes(data) {
		return syncer.Page{}, fmt.Errorf("invalid JSON in history response")
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("resourceType").String() != "Bundle" {
		return syncer.Page{}, fmt.Errorf("history response is not a Bundle")
	}

	page := syncer.Page{
		Token: doc.Get(`meta.extension.#(url=="` + SyncTokenExtension + `").valueString`).String(),
		More:  doc.Get(`link.#(relation=="next")`).Exists(),
	}
	for i, entry := range doc.Get("entry").Array() {
		ref, err := resource.ParseReference(entry.Get("request.url").String())
		if err != nil {
			return syncer.Page{}, fmt.Errorf("entry[%d]: %w", i, err)
		}
		ch := store.RemoteChange{RemoteVersion: parseETag(entry.Get("response.etag").String())}

		if entry.Get("request.method").String() == http.MethodDelete {
			ch.Resource = resource.Resource{Type: ref.Type, ID: ref.ID, Deleted: true}
		} else {
			content, err := resource.DecodeJSON([]byte(entry.Get("resource").Raw))
			if err != nil {
				return syncer.Page{}, fmt.Errorf("entry[%d]: %w", i, err)
			}
			ch.Resource = resource.Resource{Type: ref.Type, ID: ref.ID, Content: content}
		}
		if ch.RemoteVersion == "" {
			ch.RemoteVersion = entry.Get("resource.meta.versionId").String()
		}
		page.Resources = append(page.Resources, ch)
	}
	return page, nil
}
