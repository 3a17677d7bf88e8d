package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/clock/system"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/ingest"
	"github.com/JakeFAU/novelcrawl/internal/storage/memory"
	"github.com/JakeFAU/novelcrawl/internal/worker"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type countingProcessor struct {
	calls chan string
}

func (p *countingProcessor) Process(
	_ context.Context,
	url string,
	_ crawler.ChapterRange,
	_ ingest.Heartbeat,
) (ingest.Result, error) {
	p.calls <- url
	return ingest.Result{}, nil
}

func intPtr(v int) *int { return &v }

func TestEnqueueCreatesPendingJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	d := New(store, fixedIDs{"job-1"}, system.NewManual(now), nil, nil, zap.NewNop())

	job, err := d.Enqueue(context.Background(), Submission{
		URL:         "HTTPS://Example.test/series/foo#latest",
		Start:       intPtr(10),
		End:         intPtr(12),
		RequestedBy: "cli",
	})
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, "https://example.test/series/foo", job.URL)

	stored, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, stored.Status)
	require.Equal(t, 10, *stored.StartChapter)
	require.Equal(t, 12, *stored.EndChapter)
	require.Equal(t, "cli", stored.RequestedBy)
	require.True(t, stored.CreatedAt.Equal(now))
}

func TestEnqueueRejectsInvalidSubmissions(t *testing.T) {
	t.Parallel()

	d := New(memory.NewStore(), fixedIDs{"x"}, system.New(), nil, nil, nil)
	cases := map[string]Submission{
		"missing url":     {},
		"relative url":    {URL: "/series/foo"},
		"ftp url":         {URL: "ftp://example.test/foo"},
		"negative":        {URL: "https://example.test/a", Start: intPtr(-1)},
		"start after end": {URL: "https://example.test/a", Start: intPtr(5), End: intPtr(2)},
	}
	for name, s := range cases {
		_, err := d.Enqueue(context.Background(), s)
		require.ErrorIs(t, err, ErrInvalidSubmission, name)
	}
}

func TestEnqueueWrapsIDErrors(t *testing.T) {
	t.Parallel()

	d := New(memory.NewStore(), failingIDs{}, system.New(), nil, nil, nil)
	_, err := d.Enqueue(context.Background(), Submission{URL: "https://example.test/a"})
	require.ErrorContains(t, err, "entropy exhausted")
}

func TestRunStartsWorkersAndStops(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	proc := &countingProcessor{calls: make(chan string, 4)}
	w, err := worker.New(store, proc, nil, system.New(), worker.Config{
		Owner: "w1", IdlePoll: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	reaper, err := worker.NewReaper(store, system.New(), "@every 1h", zap.NewNop())
	require.NoError(t, err)
	d := New(store, fixedIDs{"job-1"}, system.New(), []*worker.Worker{w}, reaper, zap.NewNop())

	_, err = d.Enqueue(context.Background(), Submission{URL: "https://example.test/series/foo"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case url := <-proc.calls:
		require.Equal(t, "https://example.test/series/foo", url)
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the job")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}
