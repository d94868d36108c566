package sdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_PushArchivesFirstThenSnapshots(t *testing.T) {
	var b Buffer

	b.Push(NewDataPoint(at(0), 0))
	archived, ok := b.Archived()
	require.True(t, ok)
	assert.True(t, archived.Equal(NewDataPoint(at(0), 0)))
	_, ok = b.Snapshot()
	assert.False(t, ok)

	b.Push(NewDataPoint(at(10), 1))
	snapshot, ok := b.Snapshot()
	require.True(t, ok)
	assert.True(t, snapshot.Equal(NewDataPoint(at(10), 1)))
}

func TestBuffer_SaveSnapshotPromotesAndReturnsOld(t *testing.T) {
	var b Buffer
	b.Push(NewDataPoint(at(0), 0))
	b.Push(NewDataPoint(at(10), 1))

	saved := b.SaveSnapshot(NewDataPoint(at(20), 10))
	assert.True(t, saved.Equal(NewDataPoint(at(10), 1)))

	archived, _ := b.Archived()
	assert.True(t, archived.Equal(NewDataPoint(at(10), 1)))
	snapshot, _ := b.Snapshot()
	assert.True(t, snapshot.Equal(NewDataPoint(at(20), 10)))
}
