package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/marketdata/internal/properties"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

const scheduleKey = "test:schedule"

var (
	marketA = model.Market{RegionID: 10000002, TypeID: 34}
	marketB = model.Market{RegionID: 10000043, TypeID: 35}
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLedger(rdb, scheduleKey), mr
}

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func fixedInterval(d time.Duration) func(context.Context) time.Duration {
	return func(context.Context) time.Duration { return d }
}

func newService(l Backend, c *clock, interval time.Duration, opts ...Option) *Service {
	opts = append([]Option{WithClock(c.now), WithInterval(fixedInterval(interval))}, opts...)
	return New(l, "redis", opts...)
}

func TestClaimNext_UnscheduledFirst(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLedger(t)
	c := &clock{t: t0.Add(-2 * time.Minute)}
	svc := newService(l, c, 5*time.Minute)

	// B was scheduled two minutes ago, A never.
	require.NoError(t, svc.Register(ctx, marketB))
	inst, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, marketB, inst.Market)
	require.NoError(t, svc.Register(ctx, marketA))
	scoreB, err := mr.ZScore(scheduleKey, member(marketB))
	require.NoError(t, err)

	c.set(t0)
	inst, err = svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, marketA, inst.Market)
	require.NotNil(t, inst.LastScheduled)
	assert.True(t, t0.Equal(*inst.LastScheduled))

	after, err := mr.ZScore(scheduleKey, member(marketB))
	require.NoError(t, err)
	assert.Equal(t, scoreB, after)

	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestClaimNext_IntervalGating(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	c := &clock{t: t0}
	svc := newService(l, c, 5*time.Minute)
	require.NoError(t, svc.Register(ctx, marketA))

	_, err := svc.ClaimNext(ctx)
	require.NoError(t, err)

	c.set(t0.Add(4*time.Minute + 59*time.Second))
	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotEligible)

	c.set(t0.Add(5 * time.Minute))
	inst, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, marketA, inst.Market)
	assert.True(t, t0.Add(5*time.Minute).Equal(*inst.LastScheduled))
}

func TestClaimNext_SubMillisecondGating(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLedger(t)
	claimedAt := t0.Add(900 * time.Microsecond)
	c := &clock{t: claimedAt}
	svc := newService(l, c, 5*time.Minute)
	require.NoError(t, svc.Register(ctx, marketA))

	inst, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.True(t, claimedAt.Equal(*inst.LastScheduled))
	score, err := mr.ZScore(scheduleKey, member(marketA))
	require.NoError(t, err)
	assert.Equal(t, float64(claimedAt.UnixMicro()), score)

	c.set(claimedAt.Add(5*time.Minute - 500*time.Microsecond))
	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotEligible)

	c.set(claimedAt.Add(5*time.Minute - time.Microsecond))
	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotEligible)

	c.set(claimedAt.Add(5 * time.Minute))
	inst, err = svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, marketA, inst.Market)
}

func TestRegister_RejectsNonPositiveIDs(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLedger(t)

	for _, m := range []model.Market{{RegionID: -1, TypeID: 34}, {RegionID: 10000002, TypeID: 0}} {
		err := l.Register(ctx, m)
		assert.ErrorIs(t, err, ErrInvalidMarket)
	}
	assert.False(t, mr.Exists(scheduleKey))
}

func TestClaimNext_TieBreakByRegionThenType(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	svc := newService(l, &clock{t: t0}, time.Hour)

	for _, m := range []model.Market{{RegionID: 2, TypeID: 1}, {RegionID: 1, TypeID: 5}, {RegionID: 1, TypeID: 3}} {
		require.NoError(t, svc.Register(ctx, m))
	}

	var got []model.Market
	for i := 0; i < 3; i++ {
		inst, err := svc.ClaimNext(ctx)
		require.NoError(t, err)
		got = append(got, inst.Market)
	}
	assert.Equal(t, []model.Market{{RegionID: 1, TypeID: 3}, {RegionID: 1, TypeID: 5}, {RegionID: 2, TypeID: 1}}, got)
}

func TestClaimNext_OldestFirst(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	c := &clock{t: t0}
	svc := newService(l, c, time.Minute)
	require.NoError(t, svc.Register(ctx, marketB))
	_, err := svc.ClaimNext(ctx) // B at t0
	require.NoError(t, err)
	require.NoError(t, svc.Register(ctx, marketA))
	c.set(t0.Add(time.Second))
	_, err = svc.ClaimNext(ctx) // A at t0+1s
	require.NoError(t, err)

	c.set(t0.Add(time.Hour))
	inst, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, marketB, inst.Market)
}

func TestRegister_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLedger(t)
	svc := newService(l, &clock{t: t0}, time.Hour)
	require.NoError(t, svc.Register(ctx, marketA))
	_, err := svc.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Register(ctx, marketA))

	score, err := mr.ZScore(scheduleKey, member(marketA))
	require.NoError(t, err)
	assert.Equal(t, float64(t0.UnixMicro()), score)
	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestClaimNext_ConcurrentExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	svc := newService(l, &clock{t: t0}, 5*time.Minute)

	const instruments = 10
	for i := int32(1); i <= instruments; i++ {
		require.NoError(t, svc.Register(ctx, model.Market{RegionID: 1, TypeID: i}))
	}

	var (
		mu       sync.Mutex
		claimed  = map[model.Market]int{}
		notReady int
		wg       sync.WaitGroup
	)
	for w := 0; w < 50; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := svc.ClaimNext(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed[inst.Market]++
			case errors.Is(err, ErrNotEligible):
				notReady++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, instruments)
	for m, n := range claimed {
		assert.Equal(t, 1, n, "market %s claimed more than once", m)
	}
	assert.Equal(t, 40, notReady)
}

func TestClaimNext_ReadsIntervalEveryCall(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	c := &clock{t: t0}
	reads := 0
	interval := time.Hour
	svc := New(l, "redis", WithClock(c.now), WithInterval(func(context.Context) time.Duration {
		reads++
		return interval
	}))
	require.NoError(t, svc.Register(ctx, marketA))
	_, err := svc.ClaimNext(ctx)
	require.NoError(t, err)

	c.set(t0.Add(time.Minute))
	_, err = svc.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotEligible)

	interval = time.Minute
	_, err = svc.ClaimNext(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, reads)
}

type mapSource map[string]string

func (s mapSource) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

func TestClaimNext_DefaultIntervalFromProperties(t *testing.T) {
	ctx := context.Background()
	properties.Init(mapSource{properties.MinSchedInterval: "1000"}, nil)
	t.Cleanup(properties.Reset)

	l, _ := newTestLedger(t)
	c := &clock{t: t0}
	svc := New(l, "redis", WithClock(c.now))
	require.NoError(t, svc.Register(ctx, marketA))
	_, err := svc.ClaimNext(ctx)
	require.NoError(t, err)

	c.set(t0.Add(time.Second))
	_, err = svc.ClaimNext(ctx)
	assert.NoError(t, err)
}

type failingBackend struct{ err error }

func (b failingBackend) ClaimNext(context.Context, time.Time, time.Duration) (model.Instrument, bool, error) {
	return model.Instrument{}, false, b.err
}
func (b failingBackend) Register(context.Context, model.Market) error { return b.err }
func (b failingBackend) Backlog(context.Context, time.Time, time.Duration) (int64, int64, error) {
	return 0, 0, b.err
}

func TestClaimNext_StorageFailure(t *testing.T) {
	boom := errors.New("storage offline")
	svc := newService(failingBackend{err: boom}, &clock{t: t0}, time.Minute)

	_, err := svc.ClaimNext(context.Background())
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrNotEligible)

	assert.ErrorIs(t, svc.Register(context.Background(), marketA), ErrInternal)
}

func TestClaimNext_RedisDown(t *testing.T) {
	l, mr := newTestLedger(t)
	svc := newService(l, &clock{t: t0}, time.Minute)
	mr.Close()

	_, err := svc.ClaimNext(context.Background())
	assert.ErrorIs(t, err, ErrInternal)
}

type recordingNotifier struct {
	events []model.InstrumentClaimedEvent
}

func (n *recordingNotifier) PublishInstrumentClaimed(_ context.Context, evt model.InstrumentClaimedEvent) error {
	n.events = append(n.events, evt)
	return errors.New("best effort")
}

func TestClaimNext_Notifies(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	n := &recordingNotifier{}
	svc := newService(l, &clock{t: t0}, time.Minute, WithNotifier(n))
	require.NoError(t, svc.Register(ctx, marketA))

	_, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = svc.ClaimNext(ctx)
	require.ErrorIs(t, err, ErrNotEligible)

	require.Len(t, n.events, 1)
	assert.Equal(t, marketA, n.events[0].Market)
	assert.True(t, t0.Equal(n.events[0].ClaimedAt))
}

func TestBacklog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	c := &clock{t: t0}
	svc := newService(l, c, 5*time.Minute)
	require.NoError(t, svc.Register(ctx, marketA))
	require.NoError(t, svc.Register(ctx, marketB))
	_, err := svc.ClaimNext(ctx)
	require.NoError(t, err)

	tracked, eligible, err := svc.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tracked)
	assert.EqualValues(t, 1, eligible)

	c.set(t0.Add(5 * time.Minute))
	_, eligible, err = svc.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, eligible)
}

func TestMemberEncoding(t *testing.T) {
	assert.Equal(t, "0010000002:0000000034", member(marketA))
	m, err := parseMember(member(marketB))
	require.NoError(t, err)
	assert.Equal(t, marketB, m)

	_, err = parseMember("garbage")
	assert.Error(t, err)
}
