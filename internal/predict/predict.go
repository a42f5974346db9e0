// Package predict computes per-train time-windowed section occupancy
// over the prediction horizon.
package predict

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/railsignal/railwatch/internal/monitoring"
	"github.com/railsignal/railwatch/internal/rail"
	"github.com/railsignal/railwatch/internal/topocache"
)

// Position samples older than this are considered stale; a stale train
// produces no predictions.
const positionMaxAge = 10 * time.Minute

// Confidence starts at 0.9 for the current section and decays by 0.05
// per route step, never below 0.5.
const (
	baseConfidence  = 0.9
	confidenceDecay = 0.05
	minConfidence   = 0.5
)

// minTraverse clamps the per-section traverse time so a near-zero
// effective speed cannot produce unordered or divide-by-zero windows.
const minTraverse = 6 * time.Second

// Source is the per-cycle storage dependency of the engine.
type Source interface {
	LatestPositions(ctx context.Context, now time.Time, maxAge time.Duration) (map[int64]rail.Position, error)
	ActiveSchedule(ctx context.Context, trainID int64) (*rail.Schedule, error)
}

// Engine produces occupancy predictions for the active fleet.
type Engine struct {
	Horizon     time.Duration
	MaxParallel int
}

// New creates an engine with the given horizon and per-train
// concurrency bound.
func New(horizon time.Duration, maxParallel int) *Engine {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Engine{Horizon: horizon, MaxParallel: maxParallel}
}

// Predict returns the occupancy predictions for every active train with
// a fresh position sample. Trains are predicted concurrently, bounded by
// MaxParallel; a failure for one train is logged and skipped so the
// cycle continues for the others.
func (e *Engine) Predict(ctx context.Context, snap *topocache.Snapshot, src Source, now time.Time) ([]rail.Prediction, error) {
	positions, err := src.LatestPositions(ctx, now, positionMaxAge)
	if err != nil {
		return nil, err
	}

	trains := snap.ActiveTrains()
	perTrain := make(map[int64][]rail.Prediction, len(trains))
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.MaxParallel)

	for _, train := range trains {
		pos, ok := positions[train.ID]
		if !ok {
			continue // no fresh position sample
		}
		train := train
		group.Go(func() error {
			sched, err := src.ActiveSchedule(gctx, train.ID)
			if err != nil {
				monitoring.Logf("predict: schedule lookup failed for train %d: %v", train.ID, err)
				return nil
			}
			preds := PredictTrain(snap, train, pos, sched, now, e.Horizon)
			if len(preds) == 0 {
				return nil
			}
			mu.Lock()
			perTrain[train.ID] = preds
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// assemble in stable train order so detection output is deterministic
	var all []rail.Prediction
	for _, train := range trains {
		all = append(all, perTrain[train.ID]...)
	}
	return all, nil
}

// PredictTrain simulates one train's occupancy of its current section
// and the route beyond it, up to the horizon. It is pure: all inputs
// come from the snapshot and the arguments.
func PredictTrain(snap *topocache.Snapshot, train rail.Train, pos rail.Position, sched *rail.Schedule, now time.Time, horizon time.Duration) []rail.Prediction {
	section, ok := snap.Section(pos.SectionID)
	if !ok {
		return nil
	}

	speed := effectiveSpeed(pos.SpeedKmh, section.MaxSpeedKmh)
	remaining := section.LengthM - pos.DistanceM
	if remaining < 0 {
		remaining = 0
	}
	exit := now.Add(traverseTime(remaining, speed))

	preds := []rail.Prediction{{
		TrainID:    train.ID,
		SectionID:  section.ID,
		Arrival:    now,
		Exit:       exit,
		SpeedKmh:   speed,
		Confidence: baseConfidence,
	}}

	deadline := now.Add(horizon)
	sim := exit
	for step, sectionID := range sched.RouteAfter(pos.SectionID) {
		if sim.After(deadline) {
			break
		}
		next, ok := snap.Section(sectionID)
		if !ok {
			break // route references an unknown section; stop simulating
		}
		speed := effectiveSpeed(pos.SpeedKmh, next.MaxSpeedKmh)
		traverse := traverseTime(next.LengthM, speed)

		confidence := baseConfidence - confidenceDecay*float64(step+1)
		if confidence < minConfidence {
			confidence = minConfidence
		}
		preds = append(preds, rail.Prediction{
			TrainID:    train.ID,
			SectionID:  next.ID,
			Arrival:    sim,
			Exit:       sim.Add(traverse),
			SpeedKmh:   speed,
			Confidence: confidence,
		})
		sim = sim.Add(traverse)
	}
	return preds
}

// effectiveSpeed caps the current speed at the section limit. A resting
// train is assumed to move off at 70% of the section limit.
func effectiveSpeed(currentKmh, sectionMaxKmh float64) float64 {
	if currentKmh == 0 {
		return 0.7 * sectionMaxKmh
	}
	if currentKmh > sectionMaxKmh {
		return sectionMaxKmh
	}
	return currentKmh
}

// traverseTime returns the time to cover the given distance at the
// given speed, clamped to minTraverse.
func traverseTime(meters, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		return minTraverse
	}
	minutes := meters / (speedKmh * 1000 / 60)
	d := time.Duration(minutes * float64(time.Minute))
	if d < minTraverse {
		return minTraverse
	}
	return d
}
