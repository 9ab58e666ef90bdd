package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/fyrsmithlabs/consultd/internal/store"
)

func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreateSession(ctx, "sess_one", now))
	require.NoError(t, st.CreateSession(ctx, "sess_two", now))

	log := dialogue.NewLog()
	_, err = log.Append(dialogue.RoleAssistant, "What's the business called?", "intro")
	require.NoError(t, err)
	_, err = log.Append(dialogue.RoleSubject, "Acme Plumbing, we do boilers.", "intro")
	require.NoError(t, err)

	rec := record.New()
	rec.Version = 2
	rec.Fields["company_name"] = record.FieldValue{Text: "Acme Plumbing", EvidenceCount: 1}
	rec.Fields["services"] = record.FieldValue{Items: []string{"boilers", "bathrooms"}, Pinned: true}
	require.NoError(t, st.Persist(ctx, "sess_one", rec, log.All(), store.Meta{}))
	require.NoError(t, st.UpdateState(ctx, "sess_one", lifecycle.StateActive, lifecycle.StateReviewing, now))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionsList(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "sessions", "list", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "sess_one")
	assert.Contains(t, out, "sess_two")
	assert.Contains(t, out, "REVIEWING")
	assert.Contains(t, out, "ACTIVE")
}

func TestSessionsList_Limit(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "sessions", "list", "--db", path, "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("sess_")))
}

func TestSessionsShow(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "sessions", "show", "sess_one", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Session sess_one")
	assert.Contains(t, out, "company_name: Acme Plumbing")
	assert.Contains(t, out, "services: boilers, bathrooms")
	assert.Contains(t, out, "[edited]")
	assert.Contains(t, out, "Dialogue (2 messages)")
	assert.Contains(t, out, "Acme Plumbing, we do boilers.")
}

func TestSessionsShow_NotFound(t *testing.T) {
	path := seedStore(t)

	_, err := execute(t, "sessions", "show", "missing", "--db", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessions_MissingDatabase(t *testing.T) {
	_, err := execute(t, "sessions", "list", "--db", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.db")
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","live_sessions":3}`))
	}))
	defer srv.Close()

	out, err := execute(t, "health", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Live Sessions: 3")
}

func TestHealth_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := execute(t, "health", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCell(t *testing.T) {
	assert.Len(t, []rune(cell(dimStyle, 8, "abc")), 8)
	assert.Contains(t, cell(dimStyle, 6, "abcdefghij"), "…")
}
