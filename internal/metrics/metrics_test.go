package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("test")
	require.NotNil(t, c)
	assert.NotNil(t, c.Registry())
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordStoreOp("create", nil)
		c.RecordSyncCycle("ok", time.Second)
		c.RecordSyncItems("upload", 3)
		c.RecordSyncRetry("upload")
		c.RecordDeferred(1)
		c.SetSyncState("idle", "uploading")
		c.RecordCacheLookup("hit")
		c.RecordCompile(nil)
		c.RecordEvaluation(time.Millisecond, nil)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("test")

	c.RecordStoreOp("create", nil)
	c.RecordStoreOp("create", nil)
	c.RecordStoreOp("create", errors.New("boom"))
	c.RecordSyncItems("download", 4)
	c.RecordSyncItems("download", 0)
	c.RecordDeferred(2)
	c.SetSyncState("", "uploading")
	c.SetSyncState("uploading", "idle")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.storeOps.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeOps.WithLabelValues("create", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.syncItems.WithLabelValues("download")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.syncDeferred))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.syncState.WithLabelValues("uploading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncState.WithLabelValues("idle")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.RecordCacheLookup("miss")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_eval_cache_total{result="miss"} 1`)
}
