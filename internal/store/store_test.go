package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
	"github.com/banshee-data/urbo/internal/sensor"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	db, err := Open(filepath.Join(dir, "urbo.db"), images)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, images
}

func testSnapshot(id int64, selected *poi.Poi) *recognition.Snapshot {
	eiffel := &poi.Poi{ClientID: "c-eiffel", ID: "eiffel", Name: "Eiffel Tower"}
	return &recognition.Snapshot{
		ID:              id,
		ClientTimestamp: t0.Add(time.Duration(id) * time.Second),
		SessionID:       "sess/../1",
		Sensors: sensor.State{
			Heading:  91,
			Pitch:    4,
			Location: geo.Location{Lat: 48.8584, Lon: 2.2945, Accuracy: 5},
		},
		Votes:    []recognition.Vote{{Poi: eiffel, Confidence: 0.9}},
		Selected: selected,
		Outcome:  recognition.Recognition,
		Image:    &buffer.Image{Format: "jpeg", Width: 2, Height: 2, Data: []byte{0xff, 0xd8, 0xff, 0xd9}},
	}
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()
	db, _ := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestRecordTagAndPending(t *testing.T) {
	t.Parallel()
	db, images := openTestDB(t)
	ctx := context.Background()

	sel := &poi.Poi{ClientID: "c-eiffel", ID: "eiffel", Name: "Eiffel Tower"}
	snap := testSnapshot(1, sel)
	require.NoError(t, db.RecordTag(ctx, "confirm", snap, recognition.TagResult{Poi: sel, IsIndex: true, UserFeedback: true}))
	require.NoError(t, db.RecordTag(ctx, "reject", testSnapshot(2, nil), recognition.TagResult{UserFeedback: true}))

	events, err := db.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	ev := events[0]
	assert.Equal(t, int64(1), ev.SnapshotID)
	assert.Equal(t, "confirm", ev.Action)
	assert.Equal(t, "RECOGNITION", ev.Outcome)
	assert.Equal(t, "c-eiffel", ev.PoiClientID)
	assert.Equal(t, "eiffel", ev.PoiServerID)
	assert.True(t, ev.IsIndex)
	assert.Equal(t, []string{"s:eiffel"}, ev.Votes)
	assert.InDelta(t, 48.8584, ev.Location().Lat, 1e-9)
	assert.Equal(t, t0.Add(time.Second).UnixNano(), ev.ClientTime)

	require.NotEmpty(t, ev.ImagePath)
	assert.Equal(t, images, filepath.Dir(ev.ImagePath), "session id is sanitised")
	data, err := os.ReadFile(ev.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, data)

	assert.Empty(t, events[1].PoiClientID)
	assert.False(t, events[1].IsIndex)

	n, err := db.MarkSynced(ctx, ev.EventID, ev.EventID, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err = db.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].SnapshotID)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Events: 2, Pending: 1}, stats, "server POIs are not kept locally")

	removed, err := db.Prune(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestRebindPoi(t *testing.T) {
	t.Parallel()
	db, _ := openTestDB(t)
	ctx := context.Background()

	cafe := &poi.Poi{ClientID: "c-cafe", Name: "Cafe", Location: geo.Location{Lat: 48.86, Lon: 2.29}, Metadata: map[string]string{"kind": "cafe"}}
	snap := testSnapshot(3, nil)
	snap.Outcome = recognition.NoRecognition
	require.NoError(t, db.RecordTag(ctx, "tag", snap, recognition.TagResult{Poi: cafe, IsIndex: true, UserFeedback: true}))

	events, err := db.SessionEvents(ctx, snap.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, err = db.MarkSynced(ctx, events[0].EventID)
	require.NoError(t, err)

	require.NoError(t, db.RebindPoi(ctx, "c-cafe", "srv-9"))

	events, err = db.PendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "rebinding queues the event again")
	assert.Equal(t, "srv-9", events[0].PoiServerID)

	local, err := db.LocalPois(ctx)
	require.NoError(t, err)
	want := []poi.Poi{{ClientID: "c-cafe", ID: "srv-9", Name: "Cafe", Location: geo.Location{Lat: 48.86, Lon: 2.29}, Metadata: map[string]string{"kind": "cafe"}}}
	if diff := cmp.Diff(want, local); diff != "" {
		t.Errorf("LocalPois mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordTagFailureLeavesNoImage(t *testing.T) {
	t.Parallel()
	db, images := openTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, db.RecordTag(ctx, "confirm", testSnapshot(3, nil), recognition.TagResult{UserFeedback: true}))

	entries, err := os.ReadDir(images)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, db.RecordTag(context.Background(), "confirm", testSnapshot(3, nil), recognition.TagResult{UserFeedback: true}))
	entries, err = os.ReadDir(images)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordTagWithoutImageDir(t *testing.T) {
	t.Parallel()
	db, err := Open(filepath.Join(t.TempDir(), "urbo.db"), "")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RecordTag(context.Background(), "tag", testSnapshot(1, nil), recognition.TagResult{}))
	events, err := db.PendingEvents(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ImagePath)

	assert.Error(t, db.RecordTag(context.Background(), "tag", nil, recognition.TagResult{}))
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	db, _ := openTestDB(t)
	require.NoError(t, db.RecordTag(context.Background(), "tag", testSnapshot(1, nil), recognition.TagResult{}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/reco-events?limit=5", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats  Stats   `json:"stats"`
		Events []Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Stats.Pending)
	assert.Len(t, body.Events, 1)

	req = httptest.NewRequest(http.MethodGet, "/debug/reco-events?limit=x", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
