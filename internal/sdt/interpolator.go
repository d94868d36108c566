package sdt

import (
	"context"
	"sort"
	"time"
)

// PointIterator is a lazy, ordered, strictly-increasing sequence of
// archived DataPoints, as produced by a row store scan. Next returns
// ok=false once the sequence is exhausted.
type PointIterator interface {
	Next() (DataPoint, bool, error)
}

// At performs point interpolation. It accepts either one or
// two anchors: with two, it sorts them by timestamp (so the order the
// caller passes them in never changes the result) and interpolates
// linearly at t. With fewer than two anchors it fails with
// KindUnreconstructable — the caller is expected to have already
// supplied the buffer's snapshot as a second anchor when only one
// persisted point exists.
func At(t time.Time, anchors ...DataPoint) (DataPoint, error) {
	if len(anchors) < 2 {
		return DataPoint{}, newError(KindUnreconstructable,
			"need two anchors to interpolate at %s, got %d", t.Format(wireTimestampLayout), len(anchors))
	}
	a, b := anchors[0], anchors[1]
	if b.Timestamp.Before(a.Timestamp) {
		a, b = b, a
	}
	slope, err := slopeBetween(a, b, 0)
	if err != nil {
		return DataPoint{}, err
	}
	deltaSeconds := t.Sub(a.Timestamp).Seconds()
	return NewDataPoint(t, a.Value+slope*deltaSeconds), nil
}

func linearInterpolate(t time.Time, a, b DataPoint) DataPoint {
	slope, err := slopeBetween(a, b, 0)
	if err != nil {
		// a == b in time, degenerate; value is unambiguous.
		return NewDataPoint(t, a.Value)
	}
	deltaSeconds := t.Sub(a.Timestamp).Seconds()
	return NewDataPoint(t, a.Value+slope*deltaSeconds)
}

// RangeConfig configures range interpolation.
type RangeConfig struct {
	// Start and End bound the requested range; either may be nil.
	Start *time.Time
	End   *time.Time

	// Archived is the lazy, ordered sequence of persisted points covering
	// the range. It must be drained to completion by the iterator even on
	// early termination, per the row-store cursor protocol.
	Archived PointIterator

	// TimeStep is the Compressor's interpolation stride. Required; a
	// missing time step fails with KindUnconfigured.
	TimeStep *time.Duration

	// Snapshot is the buffer's current candidate point, used as the right
	// anchor for in-flight (not yet persisted) data, and as the default
	// End when End is nil.
	Snapshot *DataPoint
}

// RangeIterator is the pull-based, cancelable output of Range.
type RangeIterator struct {
	out    chan DataPoint
	errc   chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// Next returns the next interpolated or anchored point in increasing
// timestamp order, or ok=false when the range is exhausted (with err nil
// on clean exhaustion, non-nil if the underlying scan failed).
func (r *RangeIterator) Next() (DataPoint, bool, error) {
	p, ok := <-r.out
	if ok {
		return p, true, nil
	}
	// out closed; check whether an error accompanies it.
	select {
	case err := <-r.errc:
		return DataPoint{}, false, err
	default:
		return DataPoint{}, false, nil
	}
}

// Close cancels the iterator. The producing goroutine still drains its
// underlying Archived source before exiting, per the cursor protocol.
// Close blocks until that drain completes.
func (r *RangeIterator) Close() {
	r.cancel()
	<-r.done
}

// Done returns a channel that is closed once the iterator's producing
// goroutine has finished — either by natural exhaustion, by an error, or
// by draining after cancellation. Callers that own the underlying
// Archived source (e.g. a row-store cursor) use this to know when it is
// safe to release that source.
func (r *RangeIterator) Done() <-chan struct{} {
	return r.done
}

// Range performs range interpolation. It returns a lazy,
// cancelable RangeIterator; the caller must consume it to completion or
// call Close.
func Range(ctx context.Context, cfg RangeConfig) (*RangeIterator, error) {
	if cfg.TimeStep == nil {
		return nil, newError(KindUnconfigured, "time_step is not yet known; fewer than two points have ever been accepted")
	}
	step := *cfg.TimeStep

	end := cfg.End
	if end == nil {
		if cfg.Snapshot == nil {
			return nil, newError(KindUnconfigured, "range end was not supplied and no snapshot is available to default it from")
		}
		t := cfg.Snapshot.Timestamp
		end = &t
	}

	runCtx, cancel := context.WithCancel(ctx)
	it := &RangeIterator{
		out:    make(chan DataPoint),
		errc:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go runRange(runCtx, cfg.Archived, cfg.Start, *end, step, cfg.Snapshot, it)

	return it, nil
}

func runRange(ctx context.Context, archived PointIterator, start *time.Time, end time.Time, step time.Duration, snapshot *DataPoint, it *RangeIterator) {
	defer close(it.done)
	defer close(it.out)

	drainRest := func() {
		for {
			_, ok, err := archived.Next()
			if err != nil || !ok {
				return
			}
		}
	}

	send := func(p DataPoint) bool {
		select {
		case it.out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error) {
		it.errc <- err
		drainRest()
	}

	if start != nil && start.After(end) {
		drainRest()
		return
	}

	var lastSeen *DataPoint
	tailAppended := false
	next := func() (DataPoint, bool, error) {
		p, ok, err := archived.Next()
		if err != nil {
			return DataPoint{}, false, err
		}
		if ok {
			v := p
			lastSeen = &v
			return p, true, nil
		}
		if !tailAppended && snapshot != nil && lastSeen != nil && lastSeen.Timestamp.Before(end) {
			tailAppended = true
			return *snapshot, true, nil
		}
		return DataPoint{}, false, nil
	}

	pointPrev, ok, err := next()
	if err != nil {
		fail(err)
		return
	}
	if !ok {
		return
	}

	if start == nil {
		t := pointPrev.Timestamp
		start = &t
	}

	var workingTime time.Time
	if !pointPrev.Timestamp.Before(*start) {
		workingTime = pointPrev.Timestamp
		if !pointPrev.Timestamp.After(end) {
			if !send(pointPrev) {
				drainRest()
				return
			}
		}
	} else {
		workingTime = start.Add(-step)
	}

	for {
		pointNext, ok, err := next()
		if err != nil {
			fail(err)
			return
		}
		if !ok {
			return
		}
		if !pointNext.Timestamp.After(pointPrev.Timestamp) {
			fail(newError(KindProtocolViolation, "scan yielded out-of-order point %s after %s",
				pointNext.FormatTimestamp(), pointPrev.FormatTimestamp()))
			return
		}

		for !workingTime.Add(step).After(pointNext.Timestamp) {
			workingTime = workingTime.Add(step)
			if workingTime.After(end) {
				drainRest()
				return
			}
			if !send(linearInterpolate(workingTime, pointPrev, pointNext)) {
				drainRest()
				return
			}
		}

		if !workingTime.Equal(pointNext.Timestamp) {
			// Snap to the real sample so the next stride restarts from an
			// anchor rather than drifting past it.
			workingTime = pointNext.Timestamp
			if workingTime.After(end) {
				drainRest()
				return
			}
			if !workingTime.Before(*start) {
				if !send(pointNext) {
					drainRest()
					return
				}
			}
		}

		pointPrev = pointNext
	}
}

// SliceIterator adapts a pre-materialized, already-sorted slice of
// DataPoints into a PointIterator, for tests and for small in-memory
// result sets.
type SliceIterator struct {
	points []DataPoint
	pos    int
}

// NewSliceIterator constructs a PointIterator over a sorted slice. The
// slice is copied and re-sorted defensively.
func NewSliceIterator(points []DataPoint) *SliceIterator {
	cp := make([]DataPoint, len(points))
	copy(cp, points)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	return &SliceIterator{points: cp}
}

// Next implements PointIterator.
func (s *SliceIterator) Next() (DataPoint, bool, error) {
	if s.pos >= len(s.points) {
		return DataPoint{}, false, nil
	}
	p := s.points[s.pos]
	s.pos++
	return p, true, nil
}
