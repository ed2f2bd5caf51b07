package searchcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchcache/searchcache/internal/config"
	"github.com/searchcache/searchcache/internal/keys"
	"github.com/searchcache/searchcache/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefault()
	cfg.HotBudgetBytes = 1024
	cfg.WarmBudgetBytes = 4096
	cfg.ColdBudgetBytes = 16384
	cfg.ReaperInterval = 20 * time.Millisecond
	cfg.ReaperBatchSize = 64
	cfg.PromotionThreshold = 3
	cfg.PromotionWindow = time.Minute
	cfg.Storage.Backend = "fs"
	cfg.Storage.Directory = t.TempDir()
	return cfg
}

func newTestCache(t *testing.T, cfg *config.Config) *Cache {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func staticFill(payload []byte, calls *atomic.Int64) FillFunc {
	return func(ctx context.Context) ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		return payload, nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestGetOrComputeFillsOnce verifies the second lookup is a hit and the
// fill does not run again.
func TestGetOrComputeFillsOnce(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "golang", "page": "1"}

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("results"), &calls))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "results" {
			t.Fatalf("payload = %q", got)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fill ran %d times, want 1", n)
	}

	snap := c.Stats()
	if snap.Hits != 2 || snap.Misses != 1 {
		t.Errorf("stats hits/misses = %d/%d, want 2/1", snap.Hits, snap.Misses)
	}
}

// TestTTLExpiry verifies an entry with a short TTL hits immediately and
// misses after the deadline.
func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "ephemeral"}

	var calls atomic.Int64
	fill := staticFill([]byte("v"), &calls)

	if _, err := c.GetOrCompute(context.Background(), params, 60*time.Millisecond, fill); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompute(context.Background(), params, 60*time.Millisecond, fill); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatal("lookup before expiry did not hit")
	}

	time.Sleep(120 * time.Millisecond)
	if _, err := c.GetOrCompute(context.Background(), params, 60*time.Millisecond, fill); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Error("lookup after expiry did not rerun the fill")
	}
}

// TestEvictionDemotesToWarm verifies a key pushed out of the hot tier
// reappears from the warm tier.
func TestEvictionDemotesToWarm(t *testing.T) {
	cfg := testConfig(t)
	cfg.HotBudgetBytes = 64 // room for two 32-byte payloads
	c := newTestCache(t, cfg)

	payload := make([]byte, 32)
	fillKey := func(i int) Params { return Params{"query": fmt.Sprintf("k%d", i)} }

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		if _, err := c.GetOrCompute(context.Background(), fillKey(i), 0, staticFill(payload, &calls)); err != nil {
			t.Fatal(err)
		}
	}

	// k0 is the LRU victim; the migrator moves it to warm asynchronously.
	waitFor(t, time.Second, func() bool { return c.warm.Len() == 1 },
		"evicted entry never reached the warm tier")

	got, err := c.GetOrCompute(context.Background(), fillKey(0), 0, staticFill(payload, &calls))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 32 {
		t.Fatalf("payload length = %d", len(got))
	}
	if calls.Load() != 3 {
		t.Error("demoted entry was refilled instead of served from warm")
	}
	if c.Stats().PerTier["warm"].Hits != 1 {
		t.Error("warm hit not recorded")
	}
}

// TestColdPromotion verifies repeated cold hits move the entry up a tier.
func TestColdPromotion(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "promoted"}
	key := keys.Derive(params)

	id, compressed, err := c.registry.Compress([]byte("cold-resident"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := c.cold.Put(&types.Entry{
		Key:            key,
		Payload:        compressed,
		Codec:          uint8(id),
		CreatedAt:      now,
		TTL:            time.Hour,
		AccessCount:    1,
		LastAccessedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	fill := func(ctx context.Context) ([]byte, error) {
		t.Error("fill ran for a cold-resident key")
		return nil, errors.New("unexpected fill")
	}
	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(context.Background(), params, 0, fill)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "cold-resident" {
			t.Fatalf("payload = %q", got)
		}
	}

	waitFor(t, time.Second, func() bool {
		_, inWarm := c.warm.Get(key)
		_, inHot := c.hot.Get(key)
		return inWarm || inHot
	}, "entry never promoted out of the cold tier")

	if c.cold.Len() != 0 {
		t.Error("promoted entry still resident in cold")
	}
}

// TestCorruptColdEntryIsMiss verifies an undecodable cold payload is a
// plain miss: the fill runs, the caller sees no error, and the record is
// dropped.
func TestCorruptColdEntryIsMiss(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "corrupt"}
	key := keys.Derive(params)

	now := time.Now()
	if _, err := c.cold.Put(&types.Entry{
		Key:            key,
		Payload:        []byte("not a valid snappy stream"),
		Codec:          1,
		CreatedAt:      now,
		TTL:            time.Hour,
		AccessCount:    1,
		LastAccessedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	got, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("fresh"), &calls))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "fresh" {
		t.Fatalf("payload = %q", got)
	}
	if calls.Load() != 1 {
		t.Error("fill did not run for the corrupt entry")
	}
	if c.cold.Len() != 0 {
		t.Error("corrupt cold entry still indexed")
	}
}

// TestConcurrentFillsCoalesce verifies concurrent misses for one key run
// the fill at most once and all callers get the value.
func TestConcurrentFillsCoalesce(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "stampede"}

	var calls atomic.Int64
	release := make(chan struct{})
	fill := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const callers = 16
	results := make([][]byte, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), params, 0, fill)
		}(i)
	}

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 }, "fill never started")
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Fatalf("caller %d payload = %q", i, results[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fill ran %d times, want 1", n)
	}
}

// TestCancelledLeaderDoesNotPoisonWaiters verifies a waiter re-attempts
// the fill when the leader's context is cancelled mid-flight.
func TestCancelledLeaderDoesNotPoisonWaiters(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "cancelled-leader"}

	var calls atomic.Int64
	started := make(chan struct{}, 2)
	fill := func(ctx context.Context) ([]byte, error) {
		n := calls.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte("second-try"), nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaderCtx, params, 0, fill)
		leaderErr <- err
	}()
	<-started

	waiterDone := make(chan struct{})
	var waiterGot []byte
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterGot, waiterErr = c.GetOrCompute(context.Background(), params, 0, fill)
	}()

	// Give the waiter time to join the in-flight fill, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	<-waiterDone
	if waiterErr != nil {
		t.Fatalf("waiter err = %v", waiterErr)
	}
	if string(waiterGot) != "second-try" {
		t.Fatalf("waiter payload = %q", waiterGot)
	}
	if calls.Load() != 2 {
		t.Errorf("fill ran %d times, want 2", calls.Load())
	}
}

// TestFillErrorPropagatesUncached verifies fill failures reach the caller
// verbatim and nothing is cached.
func TestFillErrorPropagatesUncached(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "failing"}
	boom := errors.New("search backend down")

	var calls atomic.Int64
	fill := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrCompute(context.Background(), params, 0, fill); !errors.Is(err, boom) {
			t.Fatalf("err = %v, want the fill error", err)
		}
	}
	if calls.Load() != 2 {
		t.Error("error result was cached")
	}
	if c.hot.Len() != 0 {
		t.Error("failed fill left a resident entry")
	}

	// Failed fills are still misses; a flapping backend must not inflate
	// the hit rate by vanishing from the denominator.
	snap := c.Stats()
	if snap.Misses != 2 {
		t.Errorf("misses = %d, want 2", snap.Misses)
	}
	if snap.HitRate != 0 {
		t.Errorf("hit rate = %v, want 0", snap.HitRate)
	}
}

// TestInvalidate verifies removal across tiers.
func TestInvalidate(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "doomed"}

	if _, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("v"), nil)); err != nil {
		t.Fatal(err)
	}

	if !c.Invalidate(params) {
		t.Fatal("Invalidate missed a resident key")
	}
	if c.Invalidate(params) {
		t.Error("second Invalidate of the same key reported a removal")
	}

	var calls atomic.Int64
	if _, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("v"), &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Error("invalidated key still served from cache")
	}
}

// TestClearAll verifies every tier empties.
func TestClearAll(t *testing.T) {
	c := newTestCache(t, nil)

	for i := 0; i < 5; i++ {
		params := Params{"query": fmt.Sprintf("k%d", i)}
		if _, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("v"), nil)); err != nil {
			t.Fatal(err)
		}
	}

	c.ClearAll()
	if c.hot.Len() != 0 || c.warm.Len() != 0 || c.cold.Len() != 0 {
		t.Error("tiers not empty after ClearAll")
	}
}

// TestDisabledPassthrough verifies a disabled cache runs the fill every
// time and holds nothing.
func TestDisabledPassthrough(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enabled = false
	c := newTestCache(t, cfg)
	params := Params{"query": "passthrough"}

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("v"), &calls))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "v" {
			t.Fatalf("payload = %q", got)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("fill ran %d times, want 3", calls.Load())
	}
	if snap := c.Stats(); snap.Hits != 0 || snap.Misses != 0 {
		t.Error("disabled cache recorded traffic")
	}
}

// TestSingleResidency verifies a key lives in at most one tier after a
// demotion settles.
func TestSingleResidency(t *testing.T) {
	cfg := testConfig(t)
	cfg.HotBudgetBytes = 64
	c := newTestCache(t, cfg)

	payload := make([]byte, 32)
	for i := 0; i < 4; i++ {
		params := Params{"query": fmt.Sprintf("k%d", i)}
		if _, err := c.GetOrCompute(context.Background(), params, 0, staticFill(payload, nil)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, time.Second, func() bool { return c.warm.Len() == 2 },
		"demotions never settled")

	for i := 0; i < 4; i++ {
		key := keys.Derive(Params{"query": fmt.Sprintf("k%d", i)})
		resident := 0
		if _, ok := c.hot.Get(key); ok {
			resident++
		}
		if _, ok := c.warm.Get(key); ok {
			resident++
		}
		if _, ok := c.cold.Get(key); ok {
			resident++
		}
		if resident > 1 {
			t.Errorf("k%d resident in %d tiers", i, resident)
		}
	}
}

// TestStatsSnapshotFields verifies the snapshot carries usage, hot keys
// and compression figures.
func TestStatsSnapshotFields(t *testing.T) {
	c := newTestCache(t, nil)
	params := Params{"query": "tracked"}

	for i := 0; i < 5; i++ {
		if _, err := c.GetOrCompute(context.Background(), params, 0, staticFill([]byte("payload"), nil)); err != nil {
			t.Fatal(err)
		}
	}

	snap := c.Stats()
	if snap.HitRate <= 0 {
		t.Error("hit rate not computed")
	}
	if snap.PerTierUsageBytes["hot"] == 0 {
		t.Error("hot usage missing from snapshot")
	}
	if len(snap.HotKeys) == 0 || snap.HotKeys[0] != keys.Derive(params).String() {
		t.Error("hot key ranking missing the dominant key")
	}
	if _, ok := snap.PerTier["cold"]; !ok {
		t.Error("cold tier missing from snapshot")
	}
}

// TestCloseStopsLookups verifies lookups after Close fail closed.
func TestCloseStopsLookups(t *testing.T) {
	c := newTestCache(t, nil)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal("second Close errored")
	}

	_, err := c.GetOrCompute(context.Background(), Params{"query": "late"}, 0, staticFill([]byte("v"), nil))
	if err == nil {
		t.Fatal("lookup after Close succeeded")
	}
}

// TestParamsNormalize verifies absent optional fields collapse to the
// explicit empty sentinel.
func TestParamsNormalize(t *testing.T) {
	explicit := Params{"query": "q", "filter": ""}
	implicit := Params{"query": "q"}.Normalize("filter")

	if keys.Derive(explicit) != keys.Derive(implicit) {
		t.Error("normalized absent field derives a different key than an explicit empty one")
	}
	if keys.Derive(implicit) == keys.Derive(Params{"query": "q", "filter": "set"}) {
		t.Error("normalization erased a set field")
	}
}
