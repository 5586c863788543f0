package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/remote"
)

// shutdownTimeout bounds how long in-flight requests may take after an
// interrupt.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve-remote command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	PageSize int
}

// NewServeRemoteCommand creates the serve-remote command.
func NewServeRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve-remote",
		Short: "Run an in-memory remote repository",
		Long: `Serve an in-memory remote repository over HTTP for local sync testing.

The server accepts batch Bundle uploads on POST /, answers history
downloads on GET /_history and exposes prometheus metrics on /metrics.
Nothing is persisted; the repository is empty on every start.

Examples:
  fhirengine serve-remote
  fhirengine serve-remote --addr 127.0.0.1:9090 --page-size 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeRemote(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "history page size (default remote.page_size)")

	return cmd
}

func runServeRemote(opts *ServeOptions, cmd *cobra.Command) error {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = opts.Config.Remote.PageSize
	}

	mem := remote.NewMemory(remote.WithPageSize(pageSize))
	e := remote.NewServer(mem, metrics.NewCollector("fhirengine"), remote.WithServerLogger(opts.Logger))

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	srv := &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signalContext(cmd)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Remote repository listening on %s\n", ln.Addr())
	opts.Logger.Info().Str("addr", ln.Addr().String()).Int("page_size", pageSize).Msg("remote server started")

	select {
	case err := <-serveErr:
		return WrapExitError(ExitCommandError, "serve", err)
	case <-ctx.Done():
	}

	opts.Logger.Info().Msg("shutting down remote server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "shutdown", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "serve", err)
	}
	return nil
}
