package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railsignal/railwatch/internal/config"
	"github.com/railsignal/railwatch/internal/db"
	"github.com/railsignal/railwatch/internal/hub"
	"github.com/railsignal/railwatch/internal/rail"
	"github.com/railsignal/railwatch/internal/scheduler"
	"github.com/railsignal/railwatch/internal/topocache"
)

// newTestServer stands up the full stack over a temp SQLite file: two
// express trains with fresh positions in a single-track section, so an
// on-demand cycle always detects one spatial collision.
func newTestServer(t *testing.T) (*httptest.Server, *db.DB) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "railwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.SaveSection(ctx, rail.Section{
		ID: 100, Code: "MAIN-1", Kind: rail.SectionTrack, LengthM: 5000,
		MaxSpeedKmh: 160, Capacity: 1, Active: true,
	}))
	for id, number := range map[int64]string{1: "EX-1", 2: "EX-2"} {
		require.NoError(t, database.SaveTrain(ctx, rail.Train{
			ID: id, Number: number, Kind: rail.TrainExpress, Priority: 3,
			MaxSpeedKmh: 200, Load: 450, Status: rail.StatusActive,
		}))
		require.NoError(t, database.RecordPosition(ctx, rail.Position{
			TrainID: id, Timestamp: time.Now(), SectionID: 100,
			SpeedKmh: 100, DistanceM: float64(id) * 200,
		}))
	}

	cfg := config.EmptyTuningConfig()
	cache := topocache.New(database, cfg.GetCacheTTL())
	h := hub.New()
	sessions := func(ctx context.Context) (scheduler.Session, error) {
		return database.NewSession(ctx)
	}
	sched := scheduler.New(cfg, cache, sessions, h)
	t.Cleanup(sched.Stop)

	srv := httptest.NewServer(LoggingMiddleware(NewServer(sched, h, nil, cache, cfg, database).ServeMux()))
	t.Cleanup(srv.Close)
	return srv, database
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url, body string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestSchedulerLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var status scheduler.Status
	resp := getJSON(t, srv.URL+"/api/scheduler/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, status.Running)

	resp = postJSON(t, srv.URL+"/api/scheduler/start", "", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Running)

	// double start conflicts
	resp = postJSON(t, srv.URL+"/api/scheduler/start", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/scheduler/stop", "", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, status.Running)
}

func TestIntervalEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/scheduler/interval", `{"seconds":9}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/scheduler/interval", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var status scheduler.Status
	resp = postJSON(t, srv.URL+"/api/scheduler/interval", `{"seconds":60}`, &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 60.0, status.IntervalSeconds)
}

func TestDetectEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var result scheduler.CycleResult
	resp := postJSON(t, srv.URL+"/api/detect", "", &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, result.Trains)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.Persisted)

	// re-detection updates the open conflict instead of inserting
	resp = postJSON(t, srv.URL+"/api/detect", "", &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, result.Conflicts)
}

func TestPositionIngest(t *testing.T) {
	srv, database := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/positions",
		`{"train_id":1,"section_id":100,"speed_kmh":88,"distance_m":1200,"heading":90}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/positions", `{"section_id":100}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sess, err := database.NewSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	positions, err := sess.LatestPositions(context.Background(), time.Now(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 88.0, positions[1].SpeedKmh)
}

func TestConfigAndStatsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var cfg map[string]any
	resp := getJSON(t, srv.URL+"/api/config", &cfg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 60.0, cfg["prediction_horizon_minutes"])
	assert.Equal(t, float64(6), cfg["alert_severity_threshold"])

	var stats map[string]any
	resp = getJSON(t, srv.URL+"/api/hub/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, stats, "hub")
	assert.Contains(t, stats, "cache")
	assert.NotContains(t, stats, "bridge")
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/scheduler/status", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = getJSON(t, srv.URL+"/api/detect", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCacheRefreshEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var stats topocache.Stats
	resp := postJSON(t, srv.URL+"/api/cache/refresh", "", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, stats.Trains)
	assert.Equal(t, 1, stats.Sections)
}

func TestWebsocketEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage := func() hub.Message {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg hub.Message
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	assert.Equal(t, hub.TypeConnectionEstablished, readMessage().Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe_all"}`)))
	assert.Equal(t, hub.TypeSubscriptionConfirmed, readMessage().Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, hub.TypePong, readMessage().Type)

	// a detection run pushes a conflict alert to the subscriber
	resp, err := http.Post(srv.URL+"/api/detect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	types := map[string]bool{}
	for i := 0; i < 2; i++ {
		types[readMessage().Type] = true
	}
	assert.True(t, types[hub.TypeConflictAlert], "expected a conflict_alert frame, got %v", types)
}
