package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	m := NewManual(start)
	require.True(t, m.Now().Equal(start))
	require.Equal(t, time.UTC, m.Now().Location())

	m.Advance(90 * time.Second)
	require.True(t, m.Now().Equal(start.Add(90*time.Second)))
}
