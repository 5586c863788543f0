// Package syncer reconciles the local change log with a remote
// repository.
//
// A sync cycle runs
//
//	Idle -> Uploading -> Downloading -> Reconciling -> Idle
//
// and moves to Failed from any active state when it cannot finish.
// Downloading and Reconciling alternate once per downloaded page.
//
// Uploading sends the pending local changes, squashed per record unless
// disabled, in order of their first change. A conflict fails the cycle
// with a ConflictError and leaves the change pending, unless the upload
// policy is LastWriterWins. A rejected payload fails the cycle with a
// SyncError.
//
// Reconciling applies one downloaded page with Store.ApplyRemoteBatch:
// the changes the remote confirmed are purged, remote versions are
// written or deferred according to the download policy, and the sync
// token advances, all in one transaction. An interrupted cycle therefore
// resumes from the last committed token and re-applies the same page.
//
// Transport calls that fail with a TransientError or exceed the per-call
// timeout are retried with bounded exponential backoff. Cancelling the
// context passed to Cycle moves the cycle to Failed and returns the
// context error.
package syncer
