package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is a bytes.Buffer safe for one writer and a polling reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const listeningPrefix = "Remote repository listening on "

func TestServeRemote_ServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr lockedBuffer
	args := []string{"--db", tempDB(t), "serve-remote", "--addr", "127.0.0.1:0"}
	done := make(chan int, 1)
	go func() {
		done <- Execute(ctx, args, &stdout, &stderr)
	}()

	var addr string
	require.Eventually(t, func() bool {
		out := stdout.String()
		i := strings.Index(out, listeningPrefix)
		if i < 0 {
			return false
		}
		addr = strings.TrimSpace(out[i+len(listeningPrefix):])
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/_history")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"history"`)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, ExitSuccess, code, stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("serve-remote did not stop")
	}
}

func TestServeRemote_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := executeContext(t, ctx, "--db", tempDB(t), "serve-remote", "--addr", "127.0.0.1:0", "--page-size", "5")
	require.Equal(t, ExitSuccess, run.code, run.stderr)
	assert.Contains(t, run.stdout, listeningPrefix+"127.0.0.1:")
}

func TestServeRemote_BadAddress(t *testing.T) {
	run := execute(t, "--db", tempDB(t), "serve-remote", "--addr", "not-an-address")
	assert.Equal(t, ExitCommandError, run.code)
	assert.Contains(t, run.stderr, "listen")
}
