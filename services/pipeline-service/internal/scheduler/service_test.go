package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/mailsift/services/pipeline-service/internal/config"
	"github.com/stoik/mailsift/services/pipeline-service/internal/guard"
	"github.com/stoik/mailsift/services/pipeline-service/internal/pipeline"
)

type staticUsers struct {
	ids []string
	err error
}

func (s staticUsers) ListUsers(context.Context) ([]string, error) { return s.ids, s.err }

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	active  int32
	peak    int32
	block   chan struct{}
	entered chan string
	fail    map[string]error
	panicOn string
}

func newRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, userID string) (pipeline.Report, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[userID]++
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- userID
	}
	if f.block != nil {
		<-f.block
	}
	if userID == f.panicOn {
		panic("boom")
	}
	if err := f.fail[userID]; err != nil {
		return pipeline.Report{}, err
	}
	time.Sleep(5 * time.Millisecond)
	return pipeline.Report{State: pipeline.Done, Processed: 2}, nil
}

type fakePurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePurger) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func schedCfg(workers int) config.SchedulerConfig {
	return config.SchedulerConfig{
		ProcessInterval:   time.Hour,
		RetentionInterval: time.Hour,
		Retention:         24 * time.Hour,
		Workers:           workers,
	}
}

func newService(users UserLister, r Runner, g guard.Guard, workers int) *Service {
	logger, _ := test.NewNullLogger()
	return NewService(users, r, g, &fakePurger{}, &fakePurger{}, schedCfg(workers), logger)
}

func TestSweepRunsEveryUserWithBoundedWorkers(t *testing.T) {
	r := newRunner()
	s := newService(staticUsers{ids: []string{"a", "b", "c", "d", "e", "f"}}, r, guard.NewLocal(), 2)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Users)
	assert.Equal(t, 6, res.Ran)
	assert.Equal(t, 12, res.Processed)
	assert.NotEmpty(t, res.ID)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, 1, r.calls[id], id)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&r.peak), int32(2))

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Sweeps)
	assert.EqualValues(t, 6, stats.UserRuns)
	assert.EqualValues(t, 12, stats.Processed)
}

func TestSweepSkipsUsersInFlight(t *testing.T) {
	g := guard.NewLocal()
	release, ok, err := g.TryAcquire(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	r := newRunner()
	s := newService(staticUsers{ids: []string{"a", "b"}}, r, g, 4)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.InFlight)
	assert.Equal(t, 1, res.Ran)
	assert.Zero(t, r.calls["a"])
	assert.Equal(t, 1, r.calls["b"])
}

func TestOverlappingSweepsNeverShareAUser(t *testing.T) {
	r := newRunner()
	r.block = make(chan struct{})
	r.entered = make(chan string, 1)
	g := guard.NewLocal()
	s := newService(staticUsers{ids: []string{"a"}}, r, g, 1)

	first := make(chan SweepResult)
	go func() {
		res, _ := s.Sweep(context.Background())
		first <- res
	}()
	assert.Equal(t, "a", <-r.entered)

	second, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.InFlight)
	assert.Zero(t, second.Ran)

	close(r.block)
	res := <-first
	assert.Equal(t, 1, res.Ran)
	assert.Equal(t, 1, r.calls["a"])

	// The marker is cleared once the run ends.
	release, ok, err := g.TryAcquire(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestSweepIsolatesUserFailures(t *testing.T) {
	r := newRunner()
	r.fail["b"] = errors.New("store unreachable")
	r.panicOn = "c"
	g := guard.NewLocal()
	s := newService(staticUsers{ids: []string{"a", "b", "c", "d"}}, r, g, 2)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ran)
	assert.Equal(t, 2, res.Failed)

	for _, id := range []string{"b", "c"} {
		release, ok, err := g.TryAcquire(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok, id)
		release()
	}
}

func TestSweepUserListingFailure(t *testing.T) {
	s := newService(staticUsers{err: errors.New("db down")}, newRunner(), guard.NewLocal(), 1)

	_, err := s.Sweep(context.Background())
	assert.ErrorContains(t, err, "listing users")
}

func TestCleanup(t *testing.T) {
	logger, _ := test.NewNullLogger()
	msgs := &fakePurger{n: 3}
	events := &fakePurger{err: errors.New("locked")}
	s := NewService(staticUsers{}, newRunner(), guard.NewLocal(), msgs, events, schedCfg(1), logger)
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	purgedMsgs, purgedEvents, err := s.Cleanup(context.Background())
	assert.ErrorContains(t, err, "purging events")
	assert.EqualValues(t, 3, purgedMsgs)
	assert.Zero(t, purgedEvents)
	assert.Equal(t, now.Add(-24*time.Hour), msgs.cutoff)
	assert.Equal(t, now.Add(-24*time.Hour), events.cutoff)
	assert.EqualValues(t, 3, s.Stats().MessagesPurged)
}

func TestRunSweepsImmediatelyAndShutsDown(t *testing.T) {
	r := newRunner()
	r.entered = make(chan string, 16)
	logger, _ := test.NewNullLogger()
	cfg := schedCfg(1)
	cfg.ProcessInterval = 20 * time.Millisecond
	s := NewService(staticUsers{ids: []string{"a"}}, r, guard.NewLocal(), &fakePurger{}, &fakePurger{}, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep ran")
	}
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not trigger a second sweep")
	}

	cancel()
	require.NoError(t, <-done)
	assert.True(t, s.Shutdown(2*time.Second))
}
