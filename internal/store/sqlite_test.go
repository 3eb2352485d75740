package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/swiftshield-sync/internal/events"
)

func openTestDB(t *testing.T, driver string) *SQLite {
	t.Helper()
	db, err := OpenSQLite(driver, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLite_KV(t *testing.T) {
	for _, driver := range []string{"sqlite", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			db := openTestDB(t, driver)

			_, ok, err := db.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, db.Set(ctx, "k", "v1"))
			require.NoError(t, db.Set(ctx, "k", "v2"))

			v, ok, err := db.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", v)

			require.NoError(t, db.Delete(ctx, "k"))
			_, ok, err = db.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSQLite_UnknownDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
}

func TestSQLite_RecordAndList(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "sqlite")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	threat := events.Event{
		ID:      "e1",
		Name:    events.NewThreatDetected,
		Payload: events.ThreatDetected{Type: "email", DetectionID: "x1"},
		At:      at,
	}
	expired := events.Event{
		ID:      "e2",
		Name:    events.GmailLinkExpired,
		Payload: events.LinkExpired{Message: "re-link"},
		At:      at.Add(time.Minute),
	}
	require.NoError(t, db.Record(threat))
	require.NoError(t, db.Record(threat), "replay is ignored")
	require.NoError(t, db.Record(expired))

	all, err := db.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e2", all[0].EventID)

	threats, err := db.ListEvents(ctx, events.NewThreatDetected, 10)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.JSONEq(t, `{"type":"email","detectionId":"x1","sender":"","subject":"","preview":"","messageId":""}`, string(threats[0].Payload))
	assert.Equal(t, at, threats[0].CreatedAt)
}

func TestSQLite_SyncStatus(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "sqlite")

	st, err := db.LoadSyncStatus(ctx, "gmail")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, db.SaveSyncStatus(ctx, "gmail", "10", "error", "timeout"))
	require.NoError(t, db.SaveSyncStatus(ctx, "gmail", "10", "error", "timeout"))

	st, err = db.LoadSyncStatus(ctx, "gmail")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, "timeout", st.LastError)

	require.NoError(t, db.SaveSyncStatus(ctx, "gmail", "12", "ok", ""))
	st, err = db.LoadSyncStatus(ctx, "gmail")
	require.NoError(t, err)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, "12", st.Cursor)
	assert.Equal(t, "ok", st.Status)
}
