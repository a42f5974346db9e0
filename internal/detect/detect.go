// Package detect scans a cycle's occupancy predictions for capacity,
// safety and priority violations and scores their severity.
package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/railsignal/railwatch/internal/rail"
	"github.com/railsignal/railwatch/internal/topocache"
)

// Detector holds the detection tunables. Detection itself is a pure
// function over the prediction set and a topology snapshot.
type Detector struct {
	// SafetyBuffer is the minimum gap between consecutive trains in the
	// same section.
	SafetyBuffer time.Duration
}

// New creates a detector with the given safety buffer.
func New(safetyBuffer time.Duration) *Detector {
	return &Detector{SafetyBuffer: safetyBuffer}
}

// DetectOnce runs a single detection pass without constructing a
// detector, for on-demand runs.
func DetectOnce(snap *topocache.Snapshot, preds []rail.Prediction, now time.Time, safetyBuffer time.Duration) []rail.Conflict {
	return New(safetyBuffer).Detect(snap, preds, now)
}

// Detect returns the deduplicated, severity-sorted conflicts implied by
// the given predictions.
func (d *Detector) Detect(snap *topocache.Snapshot, preds []rail.Prediction, now time.Time) []rail.Conflict {
	bySection := groupBySection(preds)

	var conflicts []rail.Conflict
	conflicts = append(conflicts, detectSpatial(snap, bySection, now)...)
	conflicts = append(conflicts, detectTemporal(snap, bySection, now, d.SafetyBuffer)...)
	conflicts = append(conflicts, detectPriority(snap, bySection, now)...)
	conflicts = append(conflicts, detectJunction(snap, bySection, now)...)

	conflicts = dedupe(conflicts)
	// stable sort keeps insertion order for severity ties
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Severity > conflicts[j].Severity
	})
	return conflicts
}

func groupBySection(preds []rail.Prediction) map[int64][]rail.Prediction {
	bySection := make(map[int64][]rail.Prediction)
	for _, p := range preds {
		bySection[p.SectionID] = append(bySection[p.SectionID], p)
	}
	return bySection
}

// sectionIDs returns the section keys in stable order so detection
// output does not depend on map iteration.
func sectionIDs(bySection map[int64][]rail.Prediction) []int64 {
	ids := make([]int64, 0, len(bySection))
	for id := range bySection {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortByArrival(preds []rail.Prediction) []rail.Prediction {
	sorted := append([]rail.Prediction(nil), preds...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Arrival.Before(sorted[j].Arrival)
	})
	return sorted
}

// detectSpatial finds overlapping occupancy of single-track sections
// with a sweep-line: events sorted by time, per-section active set, and
// a conflict emitted when an arrival pushes the set over capacity.
func detectSpatial(snap *topocache.Snapshot, bySection map[int64][]rail.Prediction, now time.Time) []rail.Conflict {
	var conflicts []rail.Conflict
	for _, sectionID := range sectionIDs(bySection) {
		section, ok := snap.Section(sectionID)
		if !ok || section.Capacity != 1 {
			continue
		}
		preds := bySection[sectionID]
		if len(preds) < 2 {
			continue
		}

		type event struct {
			at      time.Time
			arrive  bool
			predIdx int
		}
		events := make([]event, 0, 2*len(preds))
		for i, p := range preds {
			events = append(events, event{p.Arrival, true, i})
			events = append(events, event{p.Exit, false, i})
		}
		// departures before arrivals at equal times: touching windows do
		// not overlap
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].at.Equal(events[j].at) {
				return !events[i].arrive && events[j].arrive
			}
			return events[i].at.Before(events[j].at)
		})

		active := make(map[int]struct{})
		for _, ev := range events {
			if !ev.arrive {
				delete(active, ev.predIdx)
				continue
			}
			active[ev.predIdx] = struct{}{}
			if len(active) <= section.Capacity {
				continue
			}
			group := make([]rail.Prediction, 0, len(active))
			for idx := range active {
				group = append(group, preds[idx])
			}
			conflicts = append(conflicts, spatialConflict(snap, section, group, ev.at, now))
		}
	}
	return conflicts
}

func spatialConflict(snap *topocache.Snapshot, section rail.Section, group []rail.Prediction, impact time.Time, now time.Time) rail.Conflict {
	sort.Slice(group, func(i, j int) bool { return group[i].Arrival.Before(group[j].Arrival) })
	trainIDs := make([]int64, len(group))
	for i, p := range group {
		trainIDs[i] = p.TrainID
	}
	earlier, later := group[0], group[len(group)-1]

	c := rail.Conflict{
		Kind:            rail.SpatialCollision,
		Trains:          trainIDs,
		Sections:        []int64{section.ID},
		TimeToImpactMin: impact.Sub(now).Minutes(),
		ImpactTime:      impact,
		Description: fmt.Sprintf("Trains %s predicted simultaneously in single-track section %s",
			formatIDs(trainIDs), section.Code),
		Suggestions: []string{
			fmt.Sprintf("Reduce speed of train %d to clear section %s first", earlier.TrainID, section.Code),
			fmt.Sprintf("Delay train %d by 3-5 minutes", later.TrainID),
			fmt.Sprintf("Reroute one train via an alternate section around %s", section.Code),
		},
		Metadata: map[string]any{
			"section_capacity": section.Capacity,
			"overlap_start":    impact,
		},
	}
	c.Severity = Score(c.Kind, involvedTrains(snap, trainIDs), len(c.Sections), c.TimeToImpactMin)
	return c
}

// detectTemporal flags adjacent trains in a section whose separation is
// positive but below the safety buffer.
func detectTemporal(snap *topocache.Snapshot, bySection map[int64][]rail.Prediction, now time.Time, buffer time.Duration) []rail.Conflict {
	var conflicts []rail.Conflict
	for _, sectionID := range sectionIDs(bySection) {
		section, ok := snap.Section(sectionID)
		if !ok {
			continue
		}
		preds := sortByArrival(bySection[sectionID])
		for i := 0; i < len(preds)-1; i++ {
			prev, next := preds[i], preds[i+1]
			if prev.TrainID == next.TrainID {
				continue
			}
			gap := next.Arrival.Sub(prev.Exit)
			if gap <= 0 || gap >= buffer {
				continue
			}
			requiredDelay := (buffer - gap).Minutes() + 0.5
			c := rail.Conflict{
				Kind:            rail.TemporalConflict,
				Trains:          []int64{prev.TrainID, next.TrainID},
				Sections:        []int64{section.ID},
				TimeToImpactMin: next.Arrival.Sub(now).Minutes(),
				ImpactTime:      next.Arrival,
				Description: fmt.Sprintf("Train %d enters section %s %.1f minutes behind train %d, inside the %.0f-minute safety buffer",
					next.TrainID, section.Code, gap.Minutes(), prev.TrainID, buffer.Minutes()),
				Suggestions: []string{
					fmt.Sprintf("Delay train %d by %.1f minutes to restore the safety buffer", next.TrainID, requiredDelay),
					fmt.Sprintf("Reduce speed of train %d on approach to %s", next.TrainID, section.Code),
				},
				Metadata: map[string]any{
					"gap_minutes":            gap.Minutes(),
					"safety_buffer_minutes":  buffer.Minutes(),
					"required_delay_minutes": requiredDelay,
				},
			}
			c.Severity = Score(c.Kind, involvedTrains(snap, c.Trains), len(c.Sections), c.TimeToImpactMin)
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// detectPriority flags a freight train holding a section ahead of a
// strictly higher-priority express.
func detectPriority(snap *topocache.Snapshot, bySection map[int64][]rail.Prediction, now time.Time) []rail.Conflict {
	var conflicts []rail.Conflict
	for _, sectionID := range sectionIDs(bySection) {
		section, ok := snap.Section(sectionID)
		if !ok {
			continue
		}
		preds := sortByArrival(bySection[sectionID])
		for i := 0; i < len(preds)-1; i++ {
			earlier, later := preds[i], preds[i+1]
			freight, ok := snap.Train(earlier.TrainID)
			if !ok || freight.Kind != rail.TrainFreight {
				continue
			}
			express, ok := snap.Train(later.TrainID)
			if !ok || express.Kind != rail.TrainExpress || express.Priority <= freight.Priority {
				continue
			}
			c := rail.Conflict{
				Kind:            rail.PriorityConflict,
				Trains:          []int64{freight.ID, express.ID},
				Sections:        []int64{section.ID},
				TimeToImpactMin: later.Arrival.Sub(now).Minutes(),
				ImpactTime:      later.Arrival,
				Description: fmt.Sprintf("Freight train %s (priority %d) blocks express %s (priority %d) in section %s",
					freight.Number, freight.Priority, express.Number, express.Priority, section.Code),
				Suggestions: []string{
					fmt.Sprintf("Hold freight train %d in the next siding until express %d passes", freight.ID, express.ID),
					fmt.Sprintf("Bypass express train %d via an adjacent section", express.ID),
				},
				Metadata: map[string]any{
					"freight_priority":       freight.Priority,
					"express_priority":       express.Priority,
					"speed_differential_kmh": express.MaxSpeedKmh - freight.MaxSpeedKmh,
				},
			}
			c.Severity = Score(c.Kind, []rail.Train{freight, express}, len(c.Sections), c.TimeToImpactMin)
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// detectJunction flags junctions where the set of overlapping arrivals
// exceeds the junction's capacity. Predictions already claimed by an
// emitted group are not reused as the start of another.
func detectJunction(snap *topocache.Snapshot, bySection map[int64][]rail.Prediction, now time.Time) []rail.Conflict {
	var conflicts []rail.Conflict
	for _, sectionID := range sectionIDs(bySection) {
		section, ok := snap.Section(sectionID)
		if !ok || section.Kind != rail.SectionJunction {
			continue
		}
		preds := sortByArrival(bySection[sectionID])
		claimed := make([]bool, len(preds))
		for i := 0; i < len(preds); i++ {
			if claimed[i] {
				continue
			}
			group := []int{i}
			for j := i + 1; j < len(preds); j++ {
				if preds[i].Overlaps(preds[j]) {
					group = append(group, j)
				}
			}
			if len(group) <= section.Capacity {
				continue
			}
			trainIDs := make([]int64, len(group))
			for k, idx := range group {
				trainIDs[k] = preds[idx].TrainID
				claimed[idx] = true
			}
			c := rail.Conflict{
				Kind:            rail.JunctionConflict,
				Trains:          trainIDs,
				Sections:        []int64{section.ID},
				TimeToImpactMin: preds[i].Arrival.Sub(now).Minutes(),
				ImpactTime:      preds[i].Arrival,
				Description: fmt.Sprintf("%d trains converge on junction %s (capacity %d)",
					len(group), section.Code, section.Capacity),
				Suggestions: []string{
					fmt.Sprintf("Sequence arrivals at junction %s by priority", section.Code),
					fmt.Sprintf("Delay the %d lowest-priority trains by 2-4 minutes", len(group)-section.Capacity),
				},
				Metadata: map[string]any{
					"junction_capacity": section.Capacity,
					"overflow":          len(group) - section.Capacity,
				},
			}
			c.Severity = Score(c.Kind, involvedTrains(snap, trainIDs), len(c.Sections), c.TimeToImpactMin)
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

// dedupe keeps the first conflict per (trains, sections, kind) key.
func dedupe(conflicts []rail.Conflict) []rail.Conflict {
	seen := make(map[string]struct{}, len(conflicts))
	out := conflicts[:0]
	for _, c := range conflicts {
		key := c.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func involvedTrains(snap *topocache.Snapshot, ids []int64) []rail.Train {
	trains := make([]rail.Train, 0, len(ids))
	for _, id := range ids {
		if t, ok := snap.Train(id); ok {
			trains = append(trains, t)
		}
	}
	return trains
}

func formatIDs(ids []int64) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", id)
	}
	return s
}
