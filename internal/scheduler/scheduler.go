// Package scheduler drives the detection pipeline on a fixed cadence:
// refresh the topology cache, predict occupancy, detect conflicts,
// persist them and fan out alerts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/railsignal/railwatch/internal/config"
	"github.com/railsignal/railwatch/internal/detect"
	"github.com/railsignal/railwatch/internal/hub"
	"github.com/railsignal/railwatch/internal/monitoring"
	"github.com/railsignal/railwatch/internal/predict"
	"github.com/railsignal/railwatch/internal/rail"
	"github.com/railsignal/railwatch/internal/topocache"
)

// durationWindow is how many recent cycle durations feed the rolling
// average reported by Status.
const durationWindow = 32

// Session is the storage session one detection cycle runs against. It
// is a superset of the prediction engine's Source.
type Session interface {
	LatestPositions(ctx context.Context, now time.Time, maxAge time.Duration) (map[int64]rail.Position, error)
	ActiveSchedule(ctx context.Context, trainID int64) (*rail.Schedule, error)
	PersistConflicts(ctx context.Context, conflicts []rail.Conflict, now time.Time) ([]int64, error)
	Close() error
}

// SessionFactory opens a fresh storage session for one cycle.
type SessionFactory func(ctx context.Context) (Session, error)

// Alerter receives the conflicts that cross the alert thresholds and a
// status summary after each cycle. *hub.Hub satisfies it.
type Alerter interface {
	BroadcastConflictAlert(alert hub.ConflictAlert)
	BroadcastSystemStatus(status any)
}

// CycleResult summarizes one detection cycle.
type CycleResult struct {
	StartedAt   time.Time `json:"started_at"`
	DurationMS  float64   `json:"duration_ms"`
	Trains      int       `json:"trains"`
	Predictions int       `json:"predictions"`
	Conflicts   int       `json:"conflicts"`
	Persisted   int       `json:"persisted"`
	Alerts      int       `json:"alerts"`
	Error       string    `json:"error,omitempty"`
}

// Status is the scheduler's externally visible state.
type Status struct {
	Running             bool         `json:"running"`
	IntervalSeconds     float64      `json:"interval_seconds"`
	RunsCompleted       int64        `json:"runs_completed"`
	RunsFailed          int64        `json:"runs_failed"`
	ConflictsFound      int64        `json:"conflicts_found"`
	AlertsSent          int64        `json:"alerts_sent"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	MaxFailures         int          `json:"max_consecutive_failures"`
	AvgCycleSeconds     float64      `json:"avg_cycle_seconds"`
	UptimeSeconds       float64      `json:"uptime_seconds"`
	LastCycle           *CycleResult `json:"last_cycle,omitempty"`
}

// Scheduler owns the periodic detection loop. It is stopped or running;
// consecutive cycle failures beyond the configured maximum stop it
// automatically, and a later Start resumes with a clean failure count.
type Scheduler struct {
	cache    *topocache.Cache
	engine   *predict.Engine
	detector *detect.Detector
	sessions SessionFactory
	alerter  Alerter

	sevThreshold  int
	timeThreshold time.Duration
	maxFailures   int

	mu             sync.Mutex
	running        bool
	interval       time.Duration
	stopCh         chan struct{}
	doneCh         chan struct{}
	startedAt      time.Time
	failures       int
	runsCompleted  int64
	runsFailed     int64
	conflictsFound int64
	alertsSent     int64
	lastCycle      *CycleResult
	durations      []float64 // successful-cycle seconds, most recent last
}

// New wires a scheduler from the tuning config and its pipeline
// dependencies. alerter may be nil when no fan-out is wanted.
func New(cfg *config.TuningConfig, cache *topocache.Cache, sessions SessionFactory, alerter Alerter) *Scheduler {
	return &Scheduler{
		cache:         cache,
		engine:        predict.New(cfg.GetPredictionHorizon(), cfg.GetMaxParallelOperations()),
		detector:      detect.New(cfg.GetSafetyBuffer()),
		sessions:      sessions,
		alerter:       alerter,
		sevThreshold:  cfg.GetAlertSeverityThreshold(),
		timeThreshold: cfg.GetAlertTimeThreshold(),
		maxFailures:   cfg.GetMaxConsecutiveFailures(),
		interval:      cfg.GetDetectionInterval(),
	}
}

// Start launches the detection loop. Starting an already running
// scheduler is an error; the failure count resets on every start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.running = true
	s.failures = 0
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
	monitoring.Logf("scheduler: started, interval %s", s.interval)
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish. It
// is a no-op when the scheduler is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	monitoring.Logf("scheduler: stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetInterval changes the cycle cadence. The new interval takes effect
// after the current tick. Values outside the guardrails are rejected.
func (s *Scheduler) SetInterval(seconds int) error {
	if seconds < config.MinDetectionIntervalSeconds || seconds > config.MaxDetectionIntervalSeconds {
		return fmt.Errorf("detection interval must be between %d and %d seconds, got %d",
			config.MinDetectionIntervalSeconds, config.MaxDetectionIntervalSeconds, seconds)
	}
	s.mu.Lock()
	s.interval = time.Duration(seconds) * time.Second
	s.mu.Unlock()
	monitoring.Logf("scheduler: interval set to %ds", seconds)
	return nil
}

// RunOnce executes a single detection cycle outside the loop. It does
// not touch the running state or the failure count.
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleResult, error) {
	result, err := s.cycle(ctx)
	s.record(result, err)
	return result, err
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:             s.running,
		IntervalSeconds:     s.interval.Seconds(),
		RunsCompleted:       s.runsCompleted,
		RunsFailed:          s.runsFailed,
		ConflictsFound:      s.conflictsFound,
		AlertsSent:          s.alertsSent,
		ConsecutiveFailures: s.failures,
		MaxFailures:         s.maxFailures,
		LastCycle:           s.lastCycle,
	}
	if s.running {
		st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	if len(s.durations) > 0 {
		st.AvgCycleSeconds = stat.Mean(s.durations, nil)
	}
	return st
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// first cycle immediately, then on the ticker
	if s.runAndRecord(stopCh) {
		s.autoStop(stopCh)
		return
	}

	ticker := time.NewTicker(s.currentInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.runAndRecord(stopCh) {
				s.autoStop(stopCh)
				return
			}
			// pick up SetInterval changes
			ticker.Reset(s.currentInterval())
		}
	}
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// runAndRecord runs one cycle and updates the failure accounting. It
// reports true when the failure count has reached the maximum and the
// loop must stop. The cycle carries no deadline; a slow cycle runs to
// completion and is cancelled only by Stop.
func (s *Scheduler) runAndRecord(stopCh chan struct{}) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := s.cycle(ctx)
	s.record(result, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.failures = 0
		return false
	}
	s.failures++
	monitoring.Logf("scheduler: cycle failed (%d/%d consecutive): %v", s.failures, s.maxFailures, err)
	return s.failures >= s.maxFailures
}

// autoStop marks the scheduler stopped after too many consecutive
// failures. A concurrent Stop may already have flipped the flag.
func (s *Scheduler) autoStop(stopCh chan struct{}) {
	s.mu.Lock()
	if s.running && s.stopCh == stopCh {
		s.running = false
		monitoring.Logf("scheduler: stopping after %d consecutive failures", s.failures)
	}
	s.mu.Unlock()
}

// record books the cycle's stats. Failed cycles only bump the failure
// counter; conflict, alert and duration accounting tracks successful
// cycles.
func (s *Scheduler) record(result *CycleResult, err error) {
	if result == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = result
	if err != nil {
		s.runsFailed++
		return
	}
	s.runsCompleted++
	s.conflictsFound += int64(result.Conflicts)
	s.alertsSent += int64(result.Alerts)
	s.durations = append(s.durations, result.DurationMS/1000)
	if len(s.durations) > durationWindow {
		s.durations = s.durations[len(s.durations)-durationWindow:]
	}
}

// cycle runs the pipeline once. A persistence failure is logged and
// does not fail the cycle: the next cycle re-detects the conflicts.
func (s *Scheduler) cycle(ctx context.Context) (*CycleResult, error) {
	started := time.Now()
	result := &CycleResult{StartedAt: started}
	fail := func(err error) (*CycleResult, error) {
		result.DurationMS = float64(time.Since(started)) / float64(time.Millisecond)
		result.Error = err.Error()
		return result, err
	}

	if err := s.cache.EnsureFresh(ctx); err != nil {
		return fail(fmt.Errorf("cache refresh failed: %w", err))
	}
	snap := s.cache.Snapshot()
	if snap == nil {
		return fail(errors.New("no topology snapshot available"))
	}
	result.Trains = snap.TrainCount()

	sess, err := s.sessions(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to open storage session: %w", err))
	}
	defer sess.Close()

	now := time.Now()
	preds, err := s.engine.Predict(ctx, snap, sess, now)
	if err != nil {
		return fail(fmt.Errorf("prediction failed: %w", err))
	}
	result.Predictions = len(preds)

	conflicts := s.detector.Detect(snap, preds, now)
	result.Conflicts = len(conflicts)

	ids, err := sess.PersistConflicts(ctx, conflicts, now)
	if err != nil {
		monitoring.Logf("scheduler: failed to persist %d conflicts: %v", len(conflicts), err)
	} else {
		result.Persisted = len(ids)
	}

	result.Alerts = s.fanOut(conflicts, ids)
	result.DurationMS = float64(time.Since(started)) / float64(time.Millisecond)
	if s.alerter != nil {
		s.alerter.BroadcastSystemStatus(result)
	}
	return result, nil
}

// fanOut pushes the conflicts that cross both alert thresholds to the
// alerter and returns how many were sent.
func (s *Scheduler) fanOut(conflicts []rail.Conflict, ids []int64) int {
	if s.alerter == nil {
		return 0
	}
	sent := 0
	for i, c := range conflicts {
		if c.Severity < s.sevThreshold || c.TimeToImpactMin > s.timeThreshold.Minutes() {
			continue
		}
		var id int64
		if i < len(ids) {
			id = ids[i]
		}
		s.alerter.BroadcastConflictAlert(hub.ConflictAlert{
			ConflictID:            id,
			Type:                  string(c.Kind),
			Severity:              c.Severity,
			TrainsInvolved:        c.Trains,
			SectionsInvolved:      c.Sections,
			TimeToImpact:          c.TimeToImpactMin,
			Description:           c.Description,
			ResolutionSuggestions: c.Suggestions,
		})
		sent++
	}
	return sent
}
