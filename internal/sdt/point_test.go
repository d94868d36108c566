package sdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDataPoint_EqualWithinTolerance(t *testing.T) {
	a := NewDataPoint(at(0), 1.000001)
	b := NewDataPoint(at(0), 1.000002)
	assert.True(t, a.Equal(b))

	c := NewDataPoint(at(0), 1.1)
	assert.False(t, a.Equal(c))
}

func TestDataPoint_EqualRequiresSameTimestamp(t *testing.T) {
	a := NewDataPoint(at(0), 1)
	b := NewDataPoint(at(1), 1)
	assert.False(t, a.Equal(b))
}

func TestDataPoint_FormatTimestamp(t *testing.T) {
	p := NewDataPoint(time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC), 1)
	assert.Equal(t, "2024-03-05 07:08:09", p.FormatTimestamp())
}
