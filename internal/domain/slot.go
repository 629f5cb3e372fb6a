package domain

import "time"

// SegmentKind separates productive time from scheduling filler.
type SegmentKind string

const (
	SegmentWorkingTime SegmentKind = "WorkingTime"
	SegmentBreak       SegmentKind = "Break"
)

// Segment is a contiguous part of an allocated slot.
type Segment struct {
	Kind  SegmentKind `json:"kind"`
	Start time.Time   `json:"start"`
	End   time.Time   `json:"end"`
}

// Duration returns End-Start.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether the segment intersects the half-open range [start, end).
func (s Segment) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

// AllocatedSlot is a committed block of provider capacity.
type AllocatedSlot struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	RequestID  string    `json:"requestId,omitempty"`
	StepNumber int       `json:"stepNumber,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Segments   []Segment `json:"segments"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WorkingDuration sums the WorkingTime segments.
func (a AllocatedSlot) WorkingDuration() time.Duration {
	var total time.Duration
	for _, s := range a.Segments {
		if s.Kind == SegmentWorkingTime {
			total += s.Duration()
		}
	}
	return total
}

// RangeOverlaps reports whether the slot's [Start, End) intersects [start, end).
func (a AllocatedSlot) RangeOverlaps(start, end time.Time) bool {
	return a.Start.Before(end) && start.Before(a.End)
}

// Overlaps reports whether any segment of the slot intersects [start, end).
func (a AllocatedSlot) Overlaps(start, end time.Time) bool {
	if len(a.Segments) == 0 {
		return a.Start.Before(end) && start.Before(a.End)
	}
	for _, s := range a.Segments {
		if s.Overlaps(start, end) {
			return true
		}
	}
	return false
}
