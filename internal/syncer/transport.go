package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
)

// Transport is the remote repository as seen by the sync engine.
//
// Upload returns one Ack per item, in item order. Download returns the
// remote changes made after token; the empty token means from the start.
type Transport interface {
	Upload(ctx context.Context, items []UploadItem) ([]Ack, error)
	Download(ctx context.Context, token string) (Page, error)
}

// UploadItem is the net local change of one record.
type UploadItem struct {
	Type store.ChangeType
	Ref  resource.Reference

	// Resource is the content to store; nil for DELETE.
	Resource *resource.Resource

	// BaseVersion is the remote version the change was made against,
	// empty for records the remote has never seen.
	BaseVersion string

	// Force asks the remote to apply the change whatever version it holds.
	Force bool
}

// AckStatus is the remote's verdict on one uploaded item.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckConflict AckStatus = "conflict"
	AckRejected AckStatus = "rejected"
)

// Ack answers one UploadItem.
type Ack struct {
	Status AckStatus

	// RemoteVersion is the version the remote now holds.
	RemoteVersion string

	// Current is the record the remote holds at RemoteVersion; set on
	// conflicts. Current.Deleted marks a record the remote does not hold.
	Current *resource.Resource

	// Message explains a conflict or rejection.
	Message string
}

// Page is one batch of remote changes.
type Page struct {
	Resources []store.RemoteChange

	// Token marks the end of this page; pass it to the next Download.
	Token string

	// More is true when further pages follow.
	More bool
}

// TransientError marks a transport failure worth retrying: network
// errors, timeouts, throttling and server errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
