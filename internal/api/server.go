// Package api is the HTTP control surface: scheduler control, on-demand
// detection, stats and the websocket entry point into the hub.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/railsignal/railwatch/internal/bridge"
	"github.com/railsignal/railwatch/internal/config"
	"github.com/railsignal/railwatch/internal/db"
	"github.com/railsignal/railwatch/internal/hub"
	"github.com/railsignal/railwatch/internal/monitoring"
	"github.com/railsignal/railwatch/internal/rail"
	"github.com/railsignal/railwatch/internal/scheduler"
	"github.com/railsignal/railwatch/internal/topocache"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	sched  *scheduler.Scheduler
	hub    *hub.Hub
	bridge *bridge.Bridge // nil when running without Redis
	cache  *topocache.Cache
	cfg    *config.TuningConfig
	db     *db.DB

	upgrader websocket.Upgrader
}

func NewServer(sched *scheduler.Scheduler, h *hub.Hub, b *bridge.Bridge, cache *topocache.Cache, cfg *config.TuningConfig, database *db.DB) *Server {
	return &Server{
		sched:  sched,
		hub:    h,
		bridge: b,
		cache:  cache,
		cfg:    cfg,
		db:     database,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scheduler/status", s.schedulerStatus)
	mux.HandleFunc("/api/scheduler/start", s.schedulerStart)
	mux.HandleFunc("/api/scheduler/stop", s.schedulerStop)
	mux.HandleFunc("/api/scheduler/run-once", s.schedulerRunOnce)
	mux.HandleFunc("/api/scheduler/interval", s.schedulerInterval)
	mux.HandleFunc("/api/detect", s.detectNow)
	mux.HandleFunc("/api/positions", s.ingestPosition)
	mux.HandleFunc("/api/hub/stats", s.hubStats)
	mux.HandleFunc("/api/cache/refresh", s.cacheRefresh)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/ws", s.serveWebsocket)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: failed to write response: %v", err)
	}
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.sched.Status())
}

func (s *Server) schedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.sched.Start(); err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, s.sched.Status())
}

func (s *Server) schedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.sched.Stop()
	s.writeJSON(w, s.sched.Status())
}

func (s *Server) schedulerRunOnce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	result, err := s.sched.RunOnce(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Detection cycle failed: %v", err))
		return
	}
	s.writeJSON(w, result)
}

func (s *Server) schedulerInterval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.sched.SetInterval(req.Seconds); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, s.sched.Status())
}

// detectNow runs one on-demand detection cycle, independent of the
// scheduler loop.
func (s *Server) detectNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	result, err := s.sched.RunOnce(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Detection cycle failed: %v", err))
		return
	}
	s.writeJSON(w, result)
}

type positionRequest struct {
	TrainID   int64    `json:"train_id"`
	SectionID int64    `json:"section_id"`
	SpeedKmh  float64  `json:"speed_kmh"`
	DistanceM float64  `json:"distance_m"`
	Heading   float64  `json:"heading"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
}

// ingestPosition records a position sample and fans it out to local
// subscribers and, when bridged, to the other instances.
func (s *Server) ingestPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TrainID <= 0 || req.SectionID <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "train_id and section_id are required")
		return
	}

	now := time.Now()
	pos := rail.Position{
		TrainID:   req.TrainID,
		Timestamp: now,
		SectionID: req.SectionID,
		SpeedKmh:  req.SpeedKmh,
		DistanceM: req.DistanceM,
		Lat:       req.Lat,
		Lon:       req.Lon,
	}
	if err := s.db.RecordPosition(r.Context(), pos); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to record position: %v", err))
		return
	}

	update := hub.PositionUpdate{
		TrainID: req.TrainID,
		Position: hub.PositionPayload{
			SectionID: req.SectionID,
			SpeedKmh:  req.SpeedKmh,
			Heading:   req.Heading,
			Timestamp: now,
		},
	}
	if req.Lat != nil && req.Lon != nil {
		update.Position.Coordinates = &hub.Coordinates{Lat: *req.Lat, Lon: *req.Lon}
	}
	if snap := s.cache.Snapshot(); snap != nil {
		if train, ok := snap.Train(req.TrainID); ok {
			update.TrainNumber = train.Number
			update.TrainType = string(train.Kind)
		}
	}
	s.hub.BroadcastPositionUpdate(update)
	if s.bridge != nil {
		if err := s.bridge.PublishPosition(r.Context(), update); err != nil {
			monitoring.Logf("api: failed to publish position for train %d: %v", req.TrainID, err)
		}
	}

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]any{"recorded": true, "train_id": req.TrainID})
}

func (s *Server) hubStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp := map[string]any{
		"hub":   s.hub.ConnectionStats(),
		"cache": s.cache.Stats(),
	}
	if s.bridge != nil {
		resp["bridge"] = s.bridge.Stats()
	}
	s.writeJSON(w, resp)
}

func (s *Server) cacheRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.cache.ForceRefresh(r.Context()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to refresh cache: %v", err))
		return
	}
	s.writeJSON(w, s.cache.Stats())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]any{
		"prediction_horizon_minutes":   s.cfg.GetPredictionHorizon().Minutes(),
		"safety_buffer_minutes":        s.cfg.GetSafetyBuffer().Minutes(),
		"detection_interval_seconds":   s.cfg.GetDetectionInterval().Seconds(),
		"alert_severity_threshold":     s.cfg.GetAlertSeverityThreshold(),
		"alert_time_threshold_minutes": s.cfg.GetAlertTimeThreshold().Minutes(),
		"cache_ttl_minutes":            s.cfg.GetCacheTTL().Minutes(),
		"max_parallel_operations":      s.cfg.GetMaxParallelOperations(),
		"max_consecutive_failures":     s.cfg.GetMaxConsecutiveFailures(),
	})
}

// serveWebsocket upgrades the connection and hands it to the hub. The
// read loop runs on this handler's goroutine until the peer goes away.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("api: websocket upgrade failed: %v", err)
		return
	}
	session := s.hub.Connect(conn, r.URL.Query().Get("principal"))
	s.hub.ReadLoop(session)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: LoggingMiddleware(s.ServeMux()),
	}
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("api: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
