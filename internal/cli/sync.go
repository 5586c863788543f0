package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/config"
	"github.com/roach88/fhirengine/internal/remote"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/syncer"
	"github.com/roach88/fhirengine/internal/worker"
)

// SyncReport is the output of sync.
type SyncReport struct {
	Uploaded   int    `json:"uploaded"`
	Forced     int    `json:"forced"`
	Skipped    int    `json:"skipped"`
	Confirmed  int    `json:"confirmed"`
	Pages      int    `json:"pages"`
	Downloaded int    `json:"downloaded"`
	Applied    int    `json:"applied"`
	Unchanged  int    `json:"unchanged"`
	Deferred   int    `json:"deferred"`
	Discarded  int    `json:"discarded"`
	Retries    int    `json:"retries"`
	Token      string `json:"token"`
	State      string `json:"state"`
}

func newSyncReport(rep syncer.Report, state syncer.State) SyncReport {
	return SyncReport{
		Uploaded:   rep.Uploaded,
		Forced:     rep.Forced,
		Skipped:    rep.Skipped,
		Confirmed:  rep.Confirmed,
		Pages:      rep.Pages,
		Downloaded: rep.Downloaded,
		Applied:    rep.Applied,
		Unchanged:  rep.Unchanged,
		Deferred:   rep.Deferred,
		Discarded:  rep.Discarded,
		Retries:    rep.Retries,
		Token:      rep.Token,
		State:      string(state),
	}
}

func (r SyncReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "uploaded %d (forced %d, skipped %d), confirmed %d\n", r.Uploaded, r.Forced, r.Skipped, r.Confirmed)
	fmt.Fprintf(w, "downloaded %d in %d page(s): applied %d, unchanged %d, deferred %d, discarded %d\n",
		r.Downloaded, r.Pages, r.Applied, r.Unchanged, r.Deferred, r.Discarded)
	if r.Retries > 0 {
		fmt.Fprintf(w, "retries %d\n", r.Retries)
	}
	fmt.Fprintf(w, "state %s, sync token %q\n", r.State, r.Token)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the remote repository",
		Long: `Upload pending local changes and download remote changes since the
last sync token.

Without a schedule one cycle runs and its report is printed. With
--schedule (a cron spec such as "*/5 * * * *" or "@every 30s") cycles
run until the process is interrupted.

Exit codes:
  0 - Cycle completed
  1 - Cycle failed (conflict, rejected payload, retries exhausted)
  2 - Command error (no remote configured, etc.)

Examples:
  fhirengine sync --remote http://localhost:8080/fhir
  fhirengine sync --remote http://localhost:8080/fhir --schedule "@every 1m"
  FHIRENGINE_SYNC_UPLOAD_POLICY=last-writer-wins fhirengine sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("remote", "", "base URL of the remote repository")
	flags.String("schedule", "", "cron spec for periodic cycles")
	flags.Int("batch-size", 0, "items per upload call")
	flags.String("upload-policy", "", "upload conflict policy (fail|last-writer-wins)")
	flags.String("download-policy", "", "download conflict policy (local-wins|remote-wins)")
	if v := rootOpts.Viper; v != nil {
		_ = v.BindPFlag("remote_url", flags.Lookup("remote"))
		_ = v.BindPFlag("sync.schedule", flags.Lookup("schedule"))
		_ = v.BindPFlag("sync.batch_size", flags.Lookup("batch-size"))
		_ = v.BindPFlag("sync.upload_policy", flags.Lookup("upload-policy"))
		_ = v.BindPFlag("sync.download_policy", flags.Lookup("download-policy"))
	}

	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if cfg.RemoteURL == "" {
		return NewExitError(ExitCommandError, "no remote repository: set --remote or remote_url")
	}

	return withApp(opts, func(a *app) error {
		pool := worker.New(cfg.Workers)
		defer pool.Close()

		s, err := newSyncer(opts, a, pool)
		if err != nil {
			return err
		}

		if cfg.Sync.Schedule != "" {
			return runScheduled(opts, s, cmd)
		}

		rep, err := s.Cycle(cmd.Context())
		out := newSyncReport(rep, s.State())
		formatter := opts.formatter(cmd)
		if err == nil {
			return formatter.Success(out)
		}
		if reportErr := formatter.Report(out, &CLIError{Code: errorCode(err), Message: err.Error(), Details: errorDetails(err)}); reportErr != nil {
			return reportErr
		}
		return &ExitError{Code: GetExitCode(err), Message: "sync failed", Err: err, Reported: formatter.Format == "json"}
	})
}

// newSyncer wires a syncer to the configured remote.
func newSyncer(opts *RootOptions, a *app, pool *worker.Pool) (*syncer.Syncer, error) {
	cfg := opts.Config
	client, err := remote.NewClient(cfg.RemoteURL,
		remote.WithRateLimit(cfg.Remote.RateLimit, burst(cfg.Remote)),
		remote.WithDownloadPageSize(cfg.Remote.PageSize),
		remote.WithClientLogger(opts.Logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "remote", err)
	}

	// Both policies were checked by Config.Validate.
	upload, _ := syncer.ParseUploadPolicy(cfg.Sync.UploadPolicy)
	download, _ := store.ParseConflictPolicy(cfg.Sync.DownloadPolicy)

	logger := opts.Logger
	return syncer.New(a.store, client,
		syncer.WithBatchSize(cfg.Sync.BatchSize),
		syncer.WithRetry(cfg.Retry()),
		syncer.WithTimeout(cfg.Sync.Timeout),
		syncer.WithUploadPolicy(upload),
		syncer.WithDownloadPolicy(download),
		syncer.WithSquash(cfg.Sync.Squash),
		syncer.WithPool(pool),
		syncer.WithLogger(logger),
		syncer.WithMetrics(a.metrics),
		syncer.WithObserver(func(tr syncer.Transition) {
			ev := logger.Debug()
			if tr.Err != nil {
				ev = logger.Warn().Err(tr.Err)
			}
			ev.Str("from", string(tr.From)).Str("to", string(tr.To)).Msg("sync state")
		}),
	), nil
}

// burst allows one second of requests at the configured rate.
func burst(rc config.RemoteConfig) int {
	return max(1, int(math.Ceil(rc.RateLimit)))
}

func runScheduled(opts *RootOptions, s *syncer.Syncer, cmd *cobra.Command) error {
	sched, err := syncer.NewScheduler(s, opts.Config.Sync.Schedule)
	if err != nil {
		return WrapExitError(ExitCommandError, "schedule", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	sched.Start(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Sync scheduled %q. Press Ctrl-C to stop.\n", opts.Config.Sync.Schedule)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.Config.Sync.Timeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		opts.Logger.Warn().Err(err).Msg("running sync cycle cancelled")
	}
	opts.Logger.Info().Msg("sync scheduler stopped")
	return nil
}

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Resolve      string // Type/id
	AcceptRemote bool
	KeepLocal    bool
}

// ConflictEntry is one deferred conflict.
type ConflictEntry struct {
	Reference     string         `json:"reference"`
	RemoteVersion string         `json:"remoteVersion"`
	RemoteDeleted bool           `json:"remoteDeleted,omitempty"`
	Remote        map[string]any `json:"remote,omitempty"`
	RecordedAt    string         `json:"recordedAt"`
}

// ConflictList is the output of conflicts.
type ConflictList []ConflictEntry

func (cs ConflictList) renderText(w io.Writer) {
	if len(cs) == 0 {
		fmt.Fprintln(w, "No deferred conflicts.")
		return
	}
	for _, c := range cs {
		what := "remote version " + c.RemoteVersion
		if c.RemoteDeleted {
			what += " (deleted)"
		}
		fmt.Fprintf(w, "%s: %s, recorded %s\n", c.Reference, what, c.RecordedAt)
	}
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List or resolve deferred download conflicts",
		Long: `A remote version that arrives while the record has pending local
changes is held back as a deferred conflict under the local-wins policy.

Without flags the deferred conflicts are listed. --resolve settles one:
--keep-local rebases the local changes onto the remote version so the
next sync overwrites it; --accept-remote applies the remote version and
drops the local changes.

Examples:
  fhirengine conflicts
  fhirengine conflicts --resolve Patient/123 --accept-remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Resolve, "resolve", "", "reference of the conflict to resolve (Type/id)")
	cmd.Flags().BoolVar(&opts.AcceptRemote, "accept-remote", false, "apply the remote version")
	cmd.Flags().BoolVar(&opts.KeepLocal, "keep-local", false, "keep the local changes")
	cmd.MarkFlagsMutuallyExclusive("accept-remote", "keep-local")

	return cmd
}

func runConflicts(opts *ConflictsOptions, cmd *cobra.Command) error {
	if opts.Resolve == "" && (opts.AcceptRemote || opts.KeepLocal) {
		return NewExitError(ExitCommandError, "--accept-remote and --keep-local need --resolve")
	}

	var (
		ref resource.Reference
		how store.Resolution
		err error
	)
	if opts.Resolve != "" {
		if ref, err = resource.ParseReference(opts.Resolve); err != nil {
			return WrapExitError(ExitCommandError, "--resolve", err)
		}
		switch {
		case opts.AcceptRemote:
			how = store.AcceptRemote
		case opts.KeepLocal:
			how = store.KeepLocal
		default:
			return NewExitError(ExitCommandError, "--resolve needs --accept-remote or --keep-local")
		}
	}

	return withApp(opts.RootOptions, func(a *app) error {
		ctx := cmd.Context()
		if how != "" {
			if err := a.store.ResolveDeferredConflict(ctx, ref.Type, ref.ID, how); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(map[string]string{
				"resolved":   ref.String(),
				"resolution": string(how),
			})
		}

		deferred, err := a.store.DeferredConflicts(ctx)
		if err != nil {
			return err
		}
		out := make(ConflictList, len(deferred))
		for i, d := range deferred {
			entry := ConflictEntry{
				Reference:     resource.Reference{Type: d.ResourceType, ID: d.LogicalID}.String(),
				RemoteVersion: d.RemoteVersion,
				RemoteDeleted: d.Remote.Deleted,
				RecordedAt:    d.RecordedAt.Format(time.RFC3339),
			}
			if !d.Remote.Deleted {
				entry.Remote = d.Remote.Content
			}
			out[i] = entry
		}
		return opts.formatter(cmd).Success(out)
	})
}
