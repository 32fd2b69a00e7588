package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/internal/clocktest"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)

func TestApplySnapshotDiff(t *testing.T) {
	clk := clocktest.New(t0)
	s := New(clk)

	p, changed := s.ApplySnapshot("lamp1-brightness", "80", "2024-01-01 10:00:00")
	assert.True(t, changed)
	assert.True(t, p.Valid)
	assert.Equal(t, t0, p.LocalUpdateTime)

	clk.Advance(time.Minute)
	s.Invalidate([]fhemsync.Identity{"lamp1-brightness"})
	p, changed = s.ApplySnapshot("lamp1-brightness", "80", "2024-01-01 10:00:00")
	assert.False(t, changed)
	assert.True(t, p.Valid, "identical snapshot still confirms the parameter")
	assert.Equal(t, t0, p.LocalUpdateTime, "no-op diff keeps the update time")

	_, changed = s.ApplySnapshot("lamp1-brightness", "80", "2024-01-01 10:05:00")
	assert.True(t, changed, "a new timestamp is a change")
}

func TestApplyEventTimestampOnly(t *testing.T) {
	s := New(clocktest.New(t0))
	s.ApplySnapshot("dev", "on", "2024-01-01 09:00:00")

	p := s.ApplyEvent(fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateTimestamp, Value: "12:00:00"})
	assert.Equal(t, "on", p.Value)
	assert.Equal(t, "12:00:00", p.SourceTimestamp)
}

func TestApplyEventValueOnly(t *testing.T) {
	s := New(clocktest.New(t0))
	s.ApplySnapshot("dev", "20", "2024-01-01 09:00:00")

	p := s.ApplyEvent(fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateValue, Value: "21", HTML: "21"})
	assert.Equal(t, "21", p.Value)
	assert.Equal(t, "2024-01-01 09:00:00", p.SourceTimestamp)
}

func TestApplyEventState(t *testing.T) {
	clk := clocktest.New(t0)
	s := New(clk)
	clk.Advance(5 * time.Second)

	p := s.ApplyEvent(fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateState, Value: "on", HTML: "<b>on</b>"})
	assert.Equal(t, "on", p.Value)
	assert.Equal(t, t0.Add(5*time.Second), p.LocalUpdateTime)
	assert.Equal(t, p.LocalUpdateTime.Format(fhemsync.TimeLayout), p.SourceTimestamp)
}

func TestApplyEventTriggerKeepsValue(t *testing.T) {
	s := New(clocktest.New(t0))
	s.ApplySnapshot("dev", "on", "2024-01-01 09:00:00")
	s.Invalidate([]fhemsync.Identity{"dev"})

	p := s.ApplyEvent(fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateTrigger})
	assert.Equal(t, "on", p.Value)
	assert.Equal(t, "2024-01-01 09:00:00", p.SourceTimestamp)
	assert.False(t, p.Valid)
}

func TestInvalid(t *testing.T) {
	s := New(clocktest.New(t0))
	s.ApplySnapshot("a", "1", "")
	s.ApplySnapshot("b", "2", "")
	s.Invalidate([]fhemsync.Identity{"a", "b", "missing"})
	s.ApplySnapshot("b", "2", "")

	assert.Equal(t, []fhemsync.Identity{"a", "c"}, s.Invalid([]fhemsync.Identity{"a", "b", "c"}))
}

func TestAllSorted(t *testing.T) {
	s := New(clocktest.New(t0))
	s.ApplySnapshot("z", "1", "")
	s.ApplySnapshot("a", "2", "")
	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, fhemsync.Identity("a"), all[0].ID)
	assert.Equal(t, 2, s.Len())

	_, ok := s.Get("nope")
	assert.False(t, ok)
}
