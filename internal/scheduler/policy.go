package scheduler

import (
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// Policy splits working time into blocks separated by breaks.
type Policy struct {
	WorkBlock time.Duration
	Break     time.Duration
}

// DefaultPolicy is four-hour work blocks with thirty-minute breaks.
func DefaultPolicy() Policy {
	return Policy{WorkBlock: 4 * time.Hour, Break: 30 * time.Minute}
}

// Validate checks the policy can produce segments.
func (p Policy) Validate() error {
	if p.WorkBlock <= 0 {
		return fmt.Errorf("%w: work block must be positive, got %s", domain.ErrInvalidArgument, p.WorkBlock)
	}
	if p.Break < 0 {
		return fmt.Errorf("%w: break must not be negative, got %s", domain.ErrInvalidArgument, p.Break)
	}
	return nil
}

// blocks returns how many work blocks required needs.
func (p Policy) blocks(required time.Duration) int {
	return int((required + p.WorkBlock - 1) / p.WorkBlock)
}

// Span returns the wall-clock length of the segments for required working
// time, breaks included.
func (p Policy) Span(required time.Duration) time.Duration {
	if required <= 0 || p.WorkBlock <= 0 {
		return 0
	}
	n := p.blocks(required)
	return required + time.Duration(n-1)*p.Break
}

// Segments lays out required working time from start. Work blocks are at
// most WorkBlock long; a Break follows every block but the last. The working
// segments sum to exactly required.
func (p Policy) Segments(start time.Time, required time.Duration) ([]domain.Segment, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if required <= 0 {
		return nil, fmt.Errorf("%w: required working time must be positive, got %s", domain.ErrInvalidArgument, required)
	}

	start = start.UTC()
	segments := make([]domain.Segment, 0, 2*p.blocks(required)-1)
	remaining := required
	cursor := start
	for remaining > 0 {
		work := min(remaining, p.WorkBlock)
		segments = append(segments, domain.Segment{Kind: domain.SegmentWorkingTime, Start: cursor, End: cursor.Add(work)})
		cursor = cursor.Add(work)
		remaining -= work
		if remaining > 0 && p.Break > 0 {
			segments = append(segments, domain.Segment{Kind: domain.SegmentBreak, Start: cursor, End: cursor.Add(p.Break)})
			cursor = cursor.Add(p.Break)
		}
	}
	return segments, nil
}
