package crawler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		from JobStatus
		to   JobStatus
		ok   bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusFailed, false},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusPending, true},
		{JobStatusCompleted, JobStatusPending, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusFailed, JobStatusProcessing, false},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
			err := tc.from.CheckTransition(tc.to)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestJobStatusTerminalAndParse(t *testing.T) {
	t.Parallel()

	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatusProcessing.Terminal())

	s, err := ParseJobStatus("pending")
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, s)

	_, err = ParseJobStatus("queued")
	require.Error(t, err)
}

func TestErrorTaxonomyMatchesSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("net::ERR_TIMED_OUT")
	fetchErr := fmt.Errorf("render chapter: %w", NewFetchError("https://example.test/1", cause))
	require.ErrorIs(t, fetchErr, ErrFetchFailure)
	require.ErrorIs(t, fetchErr, cause)

	var fe *FetchError
	require.ErrorAs(t, fetchErr, &fe)
	require.Equal(t, "https://example.test/1", fe.URL)

	require.ErrorIs(t, NewPersistenceError("upsert chapter", cause), ErrPersistenceFailure)
	require.ErrorIs(t, &UnresolvedConnectorError{URL: "https://nowhere.test"}, ErrUnresolvedConnector)
	require.ErrorIs(t, &ContentTooShortError{Number: 3, Length: 10, Min: 100}, ErrContentTooShort)
}

func TestChapterRange(t *testing.T) {
	t.Parallel()

	start, end := 10, 12
	bounded := ChapterRange{Start: &start, End: &end}
	require.True(t, bounded.Bounded())
	require.True(t, bounded.Contains(10))
	require.True(t, bounded.Contains(12))
	require.False(t, bounded.Contains(13))
	require.False(t, bounded.Contains(9))

	open := ChapterRange{Start: &start}
	require.False(t, open.Bounded())
	require.True(t, open.Contains(1000))

	require.True(t, ChapterRange{}.Empty())
	require.True(t, ChapterRange{}.Contains(1))
}
