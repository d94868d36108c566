package sdt

import (
	"strconv"
	"time"
)

// wireTimestampLayout is the wire format the row store expects:
// "YYYY-MM-DD HH:MM:SS".
const wireTimestampLayout = "2006-01-02 15:04:05"

// equalityTolerance is the absolute tolerance used when comparing two
// DataPoint values for equality.
const equalityTolerance = 1e-5

// DataPoint is an immutable (timestamp, value) pair. Two DataPoints are
// equal when their timestamps are equal and their values are equal within
// equalityTolerance.
type DataPoint struct {
	Timestamp time.Time
	Value     float64
}

// NewDataPoint constructs a DataPoint from a timestamp and value.
func NewDataPoint(timestamp time.Time, value float64) DataPoint {
	return DataPoint{Timestamp: timestamp, Value: value}
}

// FormatTimestamp renders the point's timestamp in the row store's wire
// format.
func (p DataPoint) FormatTimestamp() string {
	return p.Timestamp.Format(wireTimestampLayout)
}

// Equal reports whether p and other represent the same point within
// equalityTolerance.
func (p DataPoint) Equal(other DataPoint) bool {
	if !p.Timestamp.Equal(other.Timestamp) {
		return false
	}
	delta := p.Value - other.Value
	if delta < 0 {
		delta = -delta
	}
	return delta < equalityTolerance
}

func (p DataPoint) String() string {
	return "(" + p.FormatTimestamp() + ", " + strconv.FormatFloat(p.Value, 'g', -1, 64) + ")"
}
