package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestGetSetDel(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if _, ok, err := a.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok:%v err:%v, want ok:false err:nil", ok, err)
	}

	if err := a.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok, err := a.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get(k) = %q, %v, %v; want v, true, nil", v, ok, err)
	}

	if err := a.Del(ctx, "k"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, ok, _ := a.Get(ctx, "k"); ok {
		t.Fatal("Get(k) after Del should miss")
	}
}

func TestIncrWithTTL(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	n, err := a.IncrWithTTL(ctx, "counter", 30*time.Second)
	if err != nil || n != 1 {
		t.Fatalf("IncrWithTTL() = %d, %v; want 1, nil", n, err)
	}
	ttl := mr.TTL("counter")
	if ttl <= 0 {
		t.Errorf("expected TTL to be set on first increment, got %v", ttl)
	}

	n, err = a.IncrWithTTL(ctx, "counter", 30*time.Second)
	if err != nil || n != 2 {
		t.Fatalf("IncrWithTTL() second call = %d, %v; want 2, nil", n, err)
	}
}

func TestBufferAppend(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		vals, err := a.BufferAppend(ctx, "refs", string(rune('a'+i)), 3, time.Minute)
		if err != nil {
			t.Fatalf("BufferAppend() error = %v", err)
		}
		if len(vals) > 3 {
			t.Fatalf("BufferAppend() returned %d entries, want at most 3", len(vals))
		}
	}

	vals, err := a.BufferAppend(ctx, "refs", "f", 3, time.Minute)
	if err != nil {
		t.Fatalf("BufferAppend() error = %v", err)
	}
	want := []string{"d", "e", "f"}
	if len(vals) != len(want) {
		t.Fatalf("BufferAppend() = %v, want %v", vals, want)
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("BufferAppend()[%d] = %q, want %q", i, vals[i], want[i])
		}
	}

	if ttl := mr.TTL("refs"); ttl <= 0 {
		t.Errorf("expected TTL to be set on the buffer key, got %v", ttl)
	}
}

func TestLockLifecycle(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	ownerA := "owner-a"
	ownerB := "owner-b"

	ok, err := a.TryLock(ctx, "rule:1", ownerA, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock(ownerA) = %v, %v; want true, nil", ok, err)
	}

	ok, err = a.TryLock(ctx, "rule:1", ownerB, time.Minute)
	if err != nil || ok {
		t.Fatalf("TryLock(ownerB) while held = %v, %v; want false, nil", ok, err)
	}

	if err := a.ReleaseLock(ctx, "rule:1", ownerB); err != nil {
		t.Fatalf("ReleaseLock(ownerB) should be a silent no-op")
	}

	ok, err = a.RefreshLock(ctx, "rule:1", ownerA, 2*time.Minute)
	if err != nil || !ok {
		t.Fatalf("RefreshLock(ownerA) = %v, %v; want true, nil", ok, err)
	}

	if err := a.ReleaseLock(ctx, "rule:1", ownerA); err != nil {
		t.Fatalf("ReleaseLock(ownerA) error = %v", err)
	}

	ok, err = a.TryLock(ctx, "rule:1", ownerB, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock(ownerB) after release = %v, %v; want true, nil", ok, err)
	}
}

func TestTokenBucket(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	// burst of 10 at rate 1/s: first 10 requests of cost 1 succeed, 11th
	// fails with a positive retry_after.
	for i := 0; i < 10; i++ {
		res, err := a.tokenBucket(ctx, "tb", 1, 10, 1, start)
		if err != nil {
			t.Fatalf("TokenBucket() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed, tokens_left=%v", i, res.TokensLeft)
		}
	}

	res, err := a.tokenBucket(ctx, "tb", 1, 10, 1, start)
	if err != nil {
		t.Fatalf("TokenBucket() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("11th request should be throttled")
	}
	if res.RetryAfterMs <= 0 {
		t.Errorf("RetryAfterMs = %d, want > 0", res.RetryAfterMs)
	}

	// after waiting long enough, tokens refill and the request succeeds.
	later := start.Add(2 * time.Second)
	res, err = a.tokenBucket(ctx, "tb", 1, 10, 1, later)
	if err != nil {
		t.Fatalf("TokenBucket() error = %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after refill window should be allowed")
	}
}

func TestPublishSubscribe(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, closeFn := a.Subscribe(ctx, "events.acme")
	defer closeFn()

	// miniredis delivers pub/sub asynchronously; give the subscription a
	// moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := a.Publish(ctx, "events.acme", `{"event_id":"e1"}`); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-ch:
		if msg != `{"event_id":"e1"}` {
			t.Errorf("received %q, want event payload", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}
