// Package rail defines the domain model shared by the prediction,
// detection, scheduling and fan-out components: trains, sections,
// position samples, schedules, predictions and conflicts.
//
// Entities reference each other by stable integer ID, never by pointer.
package rail

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TrainKind classifies a train service.
type TrainKind string

const (
	TrainExpress     TrainKind = "express"
	TrainLocal       TrainKind = "local"
	TrainFreight     TrainKind = "freight"
	TrainMaintenance TrainKind = "maintenance"
)

// TrainStatus is the operational status of a train. Only active trains
// enter prediction.
type TrainStatus string

const (
	StatusActive       TrainStatus = "active"
	StatusMaintenance  TrainStatus = "maintenance"
	StatusOutOfService TrainStatus = "out_of_service"
	StatusEmergency    TrainStatus = "emergency"
)

// SectionKind classifies a track element.
type SectionKind string

const (
	SectionTrack    SectionKind = "track"
	SectionStation  SectionKind = "station"
	SectionJunction SectionKind = "junction"
	SectionYard     SectionKind = "yard"
)

// ConflictKind is the closed set of detectable conflict classes.
type ConflictKind string

const (
	SpatialCollision ConflictKind = "spatial_collision"
	TemporalConflict ConflictKind = "temporal_conflict"
	PriorityConflict ConflictKind = "priority_conflict"
	JunctionConflict ConflictKind = "junction_conflict"
)

// SeverityBucket is the coarse severity classification stored with a
// persisted conflict.
type SeverityBucket string

const (
	SeverityLow      SeverityBucket = "low"
	SeverityMedium   SeverityBucket = "medium"
	SeverityHigh     SeverityBucket = "high"
	SeverityCritical SeverityBucket = "critical"
)

// BucketForScore maps a numeric 1..10 severity score to its bucket.
func BucketForScore(score int) SeverityBucket {
	switch {
	case score < 4:
		return SeverityLow
	case score < 6:
		return SeverityMedium
	case score < 8:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Train is a rolling-stock unit operating on the network.
type Train struct {
	ID               int64
	Number           string
	Kind             TrainKind
	Priority         int // 1..10, higher is more important
	MaxSpeedKmh      float64
	LengthM          float64
	WeightT          float64
	CurrentSectionID *int64
	SpeedKmh         float64
	Load             int
	Status           TrainStatus
}

// Section is a track element: plain track, station, junction or yard.
type Section struct {
	ID          int64
	Code        string
	Kind        SectionKind
	LengthM     float64
	MaxSpeedKmh float64
	Capacity    int // maximum concurrent trains; 1 for single track
	Neighbors   []int64
	Active      bool
}

// Position is one position sample for a train. The core only ever reads
// the latest sample per train.
type Position struct {
	TrainID   int64
	Timestamp time.Time
	SectionID int64
	SpeedKmh  float64
	DistanceM float64 // distance from section start
	Lat, Lon  *float64
}

// Schedule is the planned route of a train: the ordered section IDs it
// will traverse.
type Schedule struct {
	ID            int64
	TrainID       int64
	RouteSections []int64
}

// RouteAfter returns the slice of the route strictly after the given
// section, or nil when the section is not on the route.
func (s *Schedule) RouteAfter(sectionID int64) []int64 {
	if s == nil {
		return nil
	}
	for i, id := range s.RouteSections {
		if id == sectionID {
			return s.RouteSections[i+1:]
		}
	}
	return nil
}

// Prediction is one time-windowed section occupancy for a train within
// the current detection cycle. Invariant: Arrival <= Exit.
type Prediction struct {
	TrainID    int64
	SectionID  int64
	Arrival    time.Time
	Exit       time.Time
	SpeedKmh   float64
	Confidence float64 // in [0,1], decays with horizon depth
}

// Overlaps reports whether the two occupancy windows intersect with
// positive duration.
func (p Prediction) Overlaps(q Prediction) bool {
	start := p.Arrival
	if q.Arrival.After(start) {
		start = q.Arrival
	}
	end := p.Exit
	if q.Exit.Before(end) {
		end = q.Exit
	}
	return end.After(start)
}

// Conflict is a detected constraint violation between predicted train
// movements. It is ephemeral until persisted.
type Conflict struct {
	Kind            ConflictKind
	Severity        int // 1..10
	Trains          []int64
	Sections        []int64
	TimeToImpactMin float64 // minutes from now; negative if overdue
	ImpactTime      time.Time
	Description     string
	Suggestions     []string
	Metadata        map[string]any
}

// Key returns the deduplication key for a conflict: the sorted train IDs,
// sorted section IDs and kind. Two conflicts with equal keys describe the
// same situation.
func (c *Conflict) Key() string {
	trains := append([]int64(nil), c.Trains...)
	sections := append([]int64(nil), c.Sections...)
	sort.Slice(trains, func(i, j int) bool { return trains[i] < trains[j] })
	sort.Slice(sections, func(i, j int) bool { return sections[i] < sections[j] })
	return fmt.Sprintf("%s|%s|%s", joinIDs(trains), joinIDs(sections), c.Kind)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
