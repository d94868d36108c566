package sdt

import "time"

// Compressor implements swinging-door trending (SDT) for a single table.
// It consumes a stream of strictly time-increasing points via Accept and
// reports which points must be persisted; everything else is absorbed
// into the slope corridor and held in the Buffer until the corridor
// swings shut.
//
// A Compressor is owned by exactly one session; there is no internal
// locking (see the session package for the serialization callers need).
type Compressor struct {
	devMargin float64

	buffer Buffer

	timeStep *time.Duration

	// slopeMin/slopeMax are explicit optionals: a nil pointer means
	// "not yet set", distinct from "set to zero". A zero slope is a
	// legitimate bound and must never be treated as falsy/absent.
	slopeMin *float64
	slopeMax *float64
}

// NewCompressor constructs a Compressor with the given deviation margin.
// devMargin must be strictly positive.
func NewCompressor(devMargin float64) (*Compressor, error) {
	if devMargin <= 0 {
		return nil, newError(KindInvalidConfig, "dev_margin must be positive, got %v", devMargin)
	}
	return &Compressor{devMargin: devMargin}, nil
}

// DevMargin returns the compressor's fixed deviation margin.
func (c *Compressor) DevMargin() float64 {
	return c.devMargin
}

// TimeStep returns the interpolation stride derived from the first two
// accepted points, if known yet.
func (c *Compressor) TimeStep() (time.Duration, bool) {
	if c.timeStep == nil {
		return 0, false
	}
	return *c.timeStep, true
}

// Buffer exposes the compressor's buffer for read-only use by the
// interpolator (e.g. to fetch the current snapshot as a right anchor).
func (c *Compressor) Buffer() *Buffer {
	return &c.buffer
}

// SlopeBounds returns the current corridor, if both bounds are set.
func (c *Compressor) SlopeBounds() (min, max float64, ok bool) {
	if c.slopeMin == nil || c.slopeMax == nil {
		return 0, 0, false
	}
	return *c.slopeMin, *c.slopeMax, true
}

// Accept feeds one point into the compressor. p.Timestamp must be
// strictly greater than any previously accepted timestamp. A non-nil
// returned DataPoint must be persisted by the caller; a nil return means
// the point was absorbed into the corridor. Compressor state is never
// left partially updated: either the whole accept succeeds, or an error
// is returned and nothing changes.
func (c *Compressor) Accept(p DataPoint) (*DataPoint, error) {
	archived, hasArchived := c.buffer.Archived()

	// Case 1: cold start.
	if !hasArchived {
		c.buffer.Push(p)
		out := p
		return &out, nil
	}

	// Monotonicity is checked against the newest accepted point, which is
	// the snapshot once one exists, not just the archived point.
	latest := archived
	snapshot, hasSnapshot := c.buffer.Snapshot()
	if hasSnapshot {
		latest = snapshot
	}
	if err := validateMonotonic(latest, p); err != nil {
		return nil, err
	}

	// Case 2: warming — this is the second point ever accepted.
	if !hasSnapshot {
		step := p.Timestamp.Sub(archived.Timestamp)
		c.timeStep = &step
		c.buffer.Push(p)
		c.updateCorridor(archived, p)
		return nil, nil
	}

	// Case 3: steady state.
	slope, err := slopeBetween(archived, p, 0)
	if err != nil {
		return nil, err
	}

	min, max, _ := c.SlopeBounds()
	if min <= slope && slope <= max {
		c.updateCorridor(archived, p)
		c.buffer.UpdateSnapshot(p)
		return nil, nil
	}

	saved := c.buffer.SaveSnapshot(p)
	c.slopeMin, c.slopeMax = nil, nil
	newArchived, _ := c.buffer.Archived()
	c.updateCorridor(newArchived, p)
	return &saved, nil
}

// Flush emits the pending snapshot (if any) as the final point to
// persist, e.g. at session shutdown. It does not reset the corridor;
// a Compressor that is flushed can continue to Accept further points.
func (c *Compressor) Flush() (*DataPoint, error) {
	snap, ok := c.buffer.Snapshot()
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// updateCorridor narrows the slope corridor using the new point p against
// archived: slopeMin only increases, slopeMax only decreases.
func (c *Compressor) updateCorridor(archived, p DataPoint) {
	minCandidate, _ := slopeBetween(archived, p, -c.devMargin)
	maxCandidate, _ := slopeBetween(archived, p, c.devMargin)

	if c.slopeMin == nil || minCandidate > *c.slopeMin {
		v := minCandidate
		c.slopeMin = &v
	}
	if c.slopeMax == nil || maxCandidate < *c.slopeMax {
		v := maxCandidate
		c.slopeMax = &v
	}
}

// validateMonotonic enforces the Accept input constraint: strictly
// increasing timestamps.
func validateMonotonic(latest, p DataPoint) error {
	if p.Timestamp.Equal(latest.Timestamp) {
		return newError(KindInvalidInput, "zero delta-t: timestamp %s repeats the last accepted point", p.FormatTimestamp())
	}
	if p.Timestamp.Before(latest.Timestamp) {
		return newError(KindInvalidInput, "timestamp %s is not strictly increasing after %s", p.FormatTimestamp(), latest.FormatTimestamp())
	}
	return nil
}

// slopeBetween computes (p.Value - old.Value + offset) / deltaSeconds.
func slopeBetween(old, p DataPoint, offset float64) (float64, error) {
	deltaSeconds := p.Timestamp.Sub(old.Timestamp).Seconds()
	if deltaSeconds == 0 {
		return 0, newError(KindInvalidInput, "zero delta-t between %s and %s", old.FormatTimestamp(), p.FormatTimestamp())
	}
	return (p.Value - old.Value + offset) / deltaSeconds, nil
}
