package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railsignal/railwatch/internal/rail"
	"github.com/railsignal/railwatch/internal/topocache"
)

func testSnapshot() *topocache.Snapshot {
	sections := []rail.Section{
		{ID: 100, Code: "A", Kind: rail.SectionTrack, LengthM: 6000, MaxSpeedKmh: 120, Capacity: 1, Active: true},
		{ID: 101, Code: "B", Kind: rail.SectionTrack, LengthM: 3000, MaxSpeedKmh: 90, Capacity: 1, Active: true},
		{ID: 102, Code: "C", Kind: rail.SectionStation, LengthM: 800, MaxSpeedKmh: 40, Capacity: 2, Active: true},
	}
	trains := []rail.Train{
		{ID: 1, Number: "R-1", Kind: rail.TrainLocal, Priority: 5, MaxSpeedKmh: 140, Status: rail.StatusActive},
	}
	return topocache.NewSnapshot(trains, sections, time.Now())
}

func TestPredictTrainInvariants(t *testing.T) {
	snap := testSnapshot()
	now := time.Now()
	train, _ := snap.Train(1)
	pos := rail.Position{TrainID: 1, Timestamp: now, SectionID: 100, SpeedKmh: 120, DistanceM: 2000}
	sched := &rail.Schedule{TrainID: 1, RouteSections: []int64{100, 101, 102}}

	preds := PredictTrain(snap, train, pos, sched, now, time.Hour)
	require.Len(t, preds, 3)

	for i, p := range preds {
		assert.False(t, p.Arrival.After(p.Exit), "prediction %d arrival after exit", i)
		assert.False(t, p.Arrival.After(now.Add(time.Hour)), "prediction %d beyond horizon", i)
	}
	// contiguous: each exit equals the next arrival
	for i := 0; i < len(preds)-1; i++ {
		assert.True(t, preds[i].Exit.Equal(preds[i+1].Arrival))
	}
	// confidence non-increasing, floored at 0.5
	for i := 0; i < len(preds)-1; i++ {
		assert.GreaterOrEqual(t, preds[i].Confidence, preds[i+1].Confidence)
	}
	assert.InDelta(t, 0.9, preds[0].Confidence, 1e-9)
	assert.InDelta(t, 0.85, preds[1].Confidence, 1e-9)

	// 4000 m remaining at 120 km/h = 2 minutes to exit section 100
	assert.InDelta(t, 2.0, preds[0].Exit.Sub(now).Minutes(), 0.01)
	// section 101: 3000 m at min(120, 90) = 90 km/h = 2 minutes
	assert.InDelta(t, 2.0, preds[1].Exit.Sub(preds[1].Arrival).Minutes(), 0.01)
}

func TestPredictTrainNoRoute(t *testing.T) {
	snap := testSnapshot()
	now := time.Now()
	train, _ := snap.Train(1)
	pos := rail.Position{TrainID: 1, Timestamp: now, SectionID: 100, SpeedKmh: 80}

	// schedule missing entirely
	preds := PredictTrain(snap, train, pos, nil, now, time.Hour)
	require.Len(t, preds, 1)
	assert.Equal(t, int64(100), preds[0].SectionID)

	// current section not on the route
	sched := &rail.Schedule{TrainID: 1, RouteSections: []int64{101, 102}}
	preds = PredictTrain(snap, train, pos, sched, now, time.Hour)
	require.Len(t, preds, 1)
}

func TestPredictTrainRestingUsesSectionFraction(t *testing.T) {
	snap := testSnapshot()
	now := time.Now()
	train, _ := snap.Train(1)
	pos := rail.Position{TrainID: 1, Timestamp: now, SectionID: 100, SpeedKmh: 0, DistanceM: 0}

	preds := PredictTrain(snap, train, pos, nil, now, time.Hour)
	require.Len(t, preds, 1)
	// 0.7 * 120 km/h = 84 km/h over 6000 m
	assert.InDelta(t, 84, preds[0].SpeedKmh, 1e-9)
}

func TestPredictTrainHorizonCutoff(t *testing.T) {
	snap := testSnapshot()
	now := time.Now()
	train, _ := snap.Train(1)
	pos := rail.Position{TrainID: 1, Timestamp: now, SectionID: 100, SpeedKmh: 120, DistanceM: 0}
	sched := &rail.Schedule{TrainID: 1, RouteSections: []int64{100, 101, 102}}

	// horizon shorter than the time to exit the current section: only the
	// current-section tuple is emitted
	preds := PredictTrain(snap, train, pos, sched, now, time.Minute)
	require.Len(t, preds, 1)
}

func TestPredictTrainMinimumTraverse(t *testing.T) {
	sections := []rail.Section{
		{ID: 200, Code: "Z", Kind: rail.SectionTrack, LengthM: 1, MaxSpeedKmh: 100, Capacity: 1, Active: true},
		{ID: 201, Code: "Z2", Kind: rail.SectionTrack, LengthM: 1, MaxSpeedKmh: 100, Capacity: 1, Active: true},
	}
	snap := topocache.NewSnapshot([]rail.Train{{ID: 9}}, sections, time.Now())
	now := time.Now()
	train, _ := snap.Train(9)
	pos := rail.Position{TrainID: 9, Timestamp: now, SectionID: 200, SpeedKmh: 100}
	sched := &rail.Schedule{TrainID: 9, RouteSections: []int64{200, 201}}

	preds := PredictTrain(snap, train, pos, sched, now, time.Hour)
	require.Len(t, preds, 2)
	for _, p := range preds {
		assert.GreaterOrEqual(t, p.Exit.Sub(p.Arrival), 6*time.Second)
	}
}

type fakeSource struct {
	positions map[int64]rail.Position
	schedules map[int64]*rail.Schedule
	schedErr  map[int64]error
}

func (f *fakeSource) LatestPositions(ctx context.Context, now time.Time, maxAge time.Duration) (map[int64]rail.Position, error) {
	return f.positions, nil
}

func (f *fakeSource) ActiveSchedule(ctx context.Context, trainID int64) (*rail.Schedule, error) {
	if err := f.schedErr[trainID]; err != nil {
		return nil, err
	}
	return f.schedules[trainID], nil
}

func TestEngineSkipsStaleAndFailedTrains(t *testing.T) {
	sections := []rail.Section{
		{ID: 100, Code: "A", Kind: rail.SectionTrack, LengthM: 5000, MaxSpeedKmh: 100, Capacity: 1, Active: true},
	}
	trains := []rail.Train{
		{ID: 1, Status: rail.StatusActive},
		{ID: 2, Status: rail.StatusActive}, // no position sample
		{ID: 3, Status: rail.StatusActive}, // schedule lookup fails
	}
	snap := topocache.NewSnapshot(trains, sections, time.Now())
	now := time.Now()

	src := &fakeSource{
		positions: map[int64]rail.Position{
			1: {TrainID: 1, Timestamp: now, SectionID: 100, SpeedKmh: 100},
			3: {TrainID: 3, Timestamp: now, SectionID: 100, SpeedKmh: 100},
		},
		schedules: map[int64]*rail.Schedule{},
		schedErr:  map[int64]error{3: errors.New("schedule query failed")},
	}

	engine := New(time.Hour, 4)
	preds, err := engine.Predict(context.Background(), snap, src, now)
	require.NoError(t, err)

	// train 2 has no fresh sample and train 3's schedule lookup failed;
	// neither contributes predictions, train 1 is unaffected
	byTrain := map[int64]int{}
	for _, p := range preds {
		byTrain[p.TrainID]++
	}
	assert.Equal(t, 1, byTrain[1])
	assert.Zero(t, byTrain[2])
	assert.Zero(t, byTrain[3])
}
