package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/clock/system"
	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/ingest"
	pubmemory "github.com/JakeFAU/novelcrawl/internal/publisher/memory"
	"github.com/JakeFAU/novelcrawl/internal/storage/memory"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu     sync.Mutex
	calls  []string
	result ingest.Result
	err    error
	during func(ctx context.Context, hb ingest.Heartbeat) error
}

func (p *fakeProcessor) Process(
	ctx context.Context,
	url string,
	_ crawler.ChapterRange,
	hb ingest.Heartbeat,
) (ingest.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, url)
	during := p.during
	p.mu.Unlock()
	if during != nil {
		if err := during(ctx, hb); err != nil {
			return ingest.Result{}, err
		}
	}
	return p.result, p.err
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// racingStore loses every claim.
type racingStore struct {
	*memory.Store
}

func (racingStore) ClaimJob(context.Context, string, crawler.Claim) (bool, error) {
	return false, nil
}

func newWorker(t *testing.T, store crawler.JobStore, proc Processor, pub crawler.Publisher, clk crawler.Clock) *Worker {
	t.Helper()
	w, err := New(store, proc, pub, clk, Config{Owner: "worker-1", IdlePoll: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	return w
}

func addJob(t *testing.T, store *memory.Store, id string, created time.Time) {
	t.Helper()
	require.NoError(t, store.CreateJob(context.Background(), crawler.CrawlJob{
		ID: id, URL: "https://example.test/series/" + id, CreatedAt: created,
	}))
}

func TestRunOnceCompletesJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	pub := pubmemory.New()
	addJob(t, store, "j1", epoch)
	proc := &fakeProcessor{result: ingest.Result{
		Work:      crawler.Work{ID: "w1"},
		Connector: "fake",
		Stats:     crawler.IngestStats{Total: 2, Stored: 2},
	}}

	w := newWorker(t, store, proc, pub, system.NewManual(epoch))
	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, "worker-1", job.ClaimedBy)
	require.Nil(t, job.LeaseExpiresAt)
	require.Equal(t,
		[]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusProcessing, crawler.JobStatusCompleted},
		store.History("j1"))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventJobCompleted, msgs[0].Event)
	var ev JobEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	require.Equal(t, "j1", ev.JobID)
	require.Equal(t, "w1", ev.WorkID)
	require.Equal(t, 2, ev.Stats.Stored)
}

func TestRunOnceMarksFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	pub := pubmemory.New()
	addJob(t, store, "j1", epoch)
	proc := &fakeProcessor{err: crawler.NewFetchError("https://example.test/series/j1", errors.New("timeout"))}

	w := newWorker(t, store, proc, pub, system.NewManual(epoch))
	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err, "job errors are recorded, not returned")
	require.True(t, processed)

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "timeout")
	require.Equal(t, []string{EventJobFailed}, pub.Events())
}

func TestRunOnceWithoutPendingJobs(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	w := newWorker(t, memory.NewStore(), proc, nil, system.NewManual(epoch))
	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
	require.Zero(t, proc.callCount())
}

func TestRunOnceOldestFirst(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "newer", epoch.Add(time.Minute))
	addJob(t, store, "older", epoch)
	proc := &fakeProcessor{}

	w := newWorker(t, store, proc, nil, system.NewManual(epoch))
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.test/series/older"}, proc.calls)
}

func TestRunOnceLostClaimHasNoSideEffects(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "j1", epoch)
	proc := &fakeProcessor{}

	w := newWorker(t, racingStore{store}, proc, nil, system.NewManual(epoch))
	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
	require.Zero(t, proc.callCount())

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "j1", epoch)
	clk := system.NewManual(epoch)
	var leases []time.Time
	proc := &fakeProcessor{during: func(ctx context.Context, hb ingest.Heartbeat) error {
		for i := 0; i < 2; i++ {
			clk.Advance(time.Minute)
			if err := hb(ctx); err != nil {
				return err
			}
			job, err := store.GetJob(ctx, "j1")
			if err != nil {
				return err
			}
			leases = append(leases, *job.LeaseExpiresAt)
		}
		return nil
	}}

	w := newWorker(t, store, proc, nil, clk)
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []time.Time{
		epoch.Add(time.Minute + DefaultLeaseDuration),
		epoch.Add(2*time.Minute + DefaultLeaseDuration),
	}, leases)
}

func TestCancellationReleasesJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "j1", epoch)
	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcessor{during: func(ctx context.Context, _ ingest.Heartbeat) error {
		cancel()
		return ctx.Err()
	}}

	w := newWorker(t, store, proc, pubmemory.New(), system.NewManual(epoch))
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Empty(t, job.ClaimedBy)
	require.Equal(t,
		[]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusProcessing, crawler.JobStatusPending},
		store.History("j1"))
}

func TestExpiredLeaseBlocksTerminalWrite(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "j1", epoch)
	clk := system.NewManual(epoch)
	pub := pubmemory.New()
	proc := &fakeProcessor{during: func(ctx context.Context, _ ingest.Heartbeat) error {
		clk.Advance(DefaultLeaseDuration + time.Second)
		_, err := store.RequeueExpired(ctx, clk.Now())
		return err
	}}

	w := newWorker(t, store, proc, pub, clk)
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status, "requeued job must not be overwritten")
	require.Empty(t, pub.Messages())
}

func TestClaimLostDuringProcessingSkipsTerminalWrite(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "j1", epoch)
	proc := &fakeProcessor{err: crawler.ErrClaimLost}

	w := newWorker(t, store, proc, nil, system.NewManual(epoch))
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusProcessing, job.Status)
}

func TestRunDrainsQueueUntilCanceled(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	addJob(t, store, "a", epoch)
	addJob(t, store, "b", epoch.Add(time.Second))
	proc := &fakeProcessor{}
	w, err := New(store, proc, nil, system.New(), Config{
		Owner: "worker-1", IdlePoll: 5 * time.Millisecond, PostJobDelay: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		jobs, err := store.ListJobs(context.Background(), crawler.JobStatusCompleted, 0)
		return err == nil && len(jobs) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &fakeProcessor{}, nil, system.New(), Config{Owner: "x"}, nil)
	require.Error(t, err)
	_, err = New(memory.NewStore(), &fakeProcessor{}, nil, system.New(), Config{}, nil)
	require.Error(t, err)
}
