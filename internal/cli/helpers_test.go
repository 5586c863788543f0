package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/remote"
)

var (
	covidBundle   = filepath.Join("..", "..", "testdata", "bundles", "covid-check.cue")
	cohortFile    = filepath.Join("..", "..", "testdata", "resources", "cohort.json")
	janssenFile   = filepath.Join("..", "..", "testdata", "resources", "janssen.json")
	scenariosPath = filepath.Join("..", "..", "testdata", "scenarios")
)

// cliRun is the outcome of one CLI invocation.
type cliRun struct {
	code   int
	stdout string
	stderr string
}

// execute runs the CLI with args.
func execute(t *testing.T, args ...string) cliRun {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) cliRun {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(ctx, args, &stdout, &stderr)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// tempDB returns a database path in a fresh temp directory.
func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// decodeResponse decodes a --format json response.
func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// decodeData re-decodes the data of a JSON response into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	resp := decodeResponse(t, out)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
	return resp
}

// writeTempFile writes content to name in a temp directory.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// startRemote serves mem over HTTP for the test's duration.
func startRemote(t *testing.T, mem *remote.Memory) string {
	t.Helper()
	srv := httptest.NewServer(remote.NewServer(mem, metrics.NewCollector("test")))
	t.Cleanup(srv.Close)
	return srv.URL
}
