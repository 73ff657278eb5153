package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsHubCounters(t *testing.T) {
	h := newStatsHub()
	h.RecordConnection(true)
	h.RecordConnection(false)
	h.RecordTransfer(1024, true, 20)
	h.RecordTransfer(512, false, 40)
	h.RecordError()
	h.RecordTimeout()
	h.UpdateActive(3)

	s := h.Snapshot()
	assert.EqualValues(t, 2, s.Connections)
	assert.EqualValues(t, 1, s.ConnectionsOK)
	assert.EqualValues(t, 2, s.Transfers)
	assert.EqualValues(t, 1, s.TransfersOK)
	assert.EqualValues(t, 1, s.TransferErrors)
	assert.EqualValues(t, 1536, s.Bytes)
	assert.EqualValues(t, 1, s.Errors)
	assert.EqualValues(t, 1, s.Timeouts)
	assert.EqualValues(t, 30, s.AvgMs)
	assert.Equal(t, 3, s.Active)
	assert.NotEmpty(t, s.Recent)
}

func TestEventHubRingKeepsMostRecent(t *testing.T) {
	h := newEventHub(4)
	for i := 0; i < 6; i++ {
		h.add(Event{Filename: string(rune('a' + i))})
	}

	all := h.snapshot(0)
	assert.Len(t, all, 4)
	assert.Equal(t, "c", all[0].Filename)
	assert.Equal(t, "f", all[3].Filename)

	last2 := h.snapshot(2)
	assert.Len(t, last2, 2)
	assert.Equal(t, "e", last2[0].Filename)
	assert.Equal(t, "f", last2[1].Filename)

	// IDs are monotonic.
	assert.Greater(t, last2[1].ID, last2[0].ID)
}
