package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkilian/bulkupsert/internal/config"
	"github.com/arkilian/bulkupsert/internal/journal"
	"github.com/arkilian/bulkupsert/pkg/types"
	"github.com/arkilian/bulkupsert/pkg/upsert"
)

func newTestApp(t *testing.T, journaled bool) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Journal.Enabled = journaled
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.store.DB().Exec(`CREATE TABLE foos (id TEXT PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	return a
}

func names(t *testing.T, a *App) map[string]string {
	t.Helper()
	rows, err := a.store.DB().Query(`SELECT id, name FROM foos`)
	require.NoError(t, err)
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}

func TestNew_RejectsBadPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Upsert.DuplicatePolicy = "first_wins"
	cfg.Resolve()

	_, err := New(cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, upsert.IsInvalidInput(err))
}

func TestLoad_FromLocalFile(t *testing.T) {
	a := newTestApp(t, false)
	path := filepath.Join(t.TempDir(), "foos.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\",\"name\":\"A\"}\n{\"id\":\"b\",\"name\":\"B\"}\n"), 0644))

	rc, err := a.OpenInput(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()

	summary, err := a.Load(context.Background(), "foos", rc)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Received)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, map[string]string{"a": "A", "b": "B"}, names(t, a))

	summary, err = a.Load(context.Background(), "foos", strings.NewReader(`[{"id":"a","name":"AA"}]`))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, "AA", names(t, a)["a"])
}

func TestLoad_FromDirectory(t *testing.T) {
	a := newTestApp(t, false)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.ndjson"), []byte(`{"id":"a","name":"first"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.ndjson"), []byte(`{"id":"a","name":"second"}`), 0644))

	rc, err := a.OpenInput(context.Background(), dir)
	require.NoError(t, err)
	defer rc.Close()

	summary, err := a.Load(context.Background(), "foos", rc)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Received)
	assert.Equal(t, 1, summary.Superseded)
	assert.Equal(t, "second", names(t, a)["a"])
}

func TestLoad_UnknownTable(t *testing.T) {
	a := newTestApp(t, false)
	_, err := a.Load(context.Background(), "missing", strings.NewReader(`{"id":"a"}`))
	require.Error(t, err)
	assert.Equal(t, "INVALID_SCHEMA", upsert.Code(err))
}

func TestReplay_RequiresJournal(t *testing.T) {
	a := newTestApp(t, false)
	_, err := a.Replay(context.Background())
	require.Error(t, err)
}

func TestReplay_ReappliesRolledBackInvocations(t *testing.T) {
	a := newTestApp(t, true)
	j := a.Journal()
	require.NotNil(t, j)

	require.NoError(t, j.RecordWindow("inv-1", "foos", journal.Options{}, []types.Record{
		{"id": "a", "name": "A"},
		{"id": "b", "name": "B"},
	}))
	require.NoError(t, j.RecordOutcome("inv-1", "foos", journal.KindRolledBack, assert.AnError))

	n, err := a.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"a": "A", "b": "B"}, names(t, a))

	n, err = a.Replay(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoad_FailureIsJournaled(t *testing.T) {
	a := newTestApp(t, true)

	_, err := a.Load(context.Background(), "foos", strings.NewReader(`{"id":"a"}`))
	require.Error(t, err)
	assert.True(t, upsert.IsUpsertExecution(err))

	invs, err := a.Journal().Invocations()
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "foos", invs[0].Table)
	assert.Equal(t, journal.KindRolledBack, invs[0].Outcome)
	assert.True(t, invs[0].Abandoned, "a constraint violation fails the same way on replay")

	pending, err := a.Journal().Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandler_ServesAPIAndHealth(t *testing.T) {
	a := newTestApp(t, false)
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tables/foos/upsert", strings.NewReader(`{"id":"a","name":"A"}`)))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bulkupsert_invocations_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	a := newTestApp(t, false)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/live")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Error(t, a.store.Ping(context.Background()))
}
