package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/testutil"
)

func newTestCodeCache(clock *testutil.MockTime) *CodeCache {
	c := NewCodeCache(time.Minute, testutil.DiscardLogger())
	c.now = clock.Now
	return c
}

func TestCodeCache_PutGet(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCodeCache(clock)

	c.Put(&AuthorizationCode{CodeHash: "h1", UserID: "user-1", ExpiresAt: clock.Now().Add(10 * time.Minute)})

	got, ok := c.Get("h1")
	if !ok {
		t.Fatal("Get() should find a fresh code")
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}

	// Returned values are copies
	got.UserID = "mutated"
	again, _ := c.Get("h1")
	if again.UserID != "user-1" {
		t.Error("Get() should return a copy")
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get() should not find an unknown hash")
	}
}

func TestCodeCache_ExpiredCodesFailOnRead(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCodeCache(clock)
	c.Put(&AuthorizationCode{CodeHash: "h1", ExpiresAt: clock.Now().Add(10 * time.Minute)})

	clock.Advance(10*time.Minute + time.Second)

	if _, ok := c.Get("h1"); ok {
		t.Error("Get() should not return an expired code")
	}
	if _, ok := c.Take("h1"); ok {
		t.Error("Take() should not return an expired code")
	}
	if c.Len() != 0 {
		t.Errorf("Take() should remove the expired entry, Len() = %d", c.Len())
	}
}

func TestCodeCache_TakeIsSingleUse(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCodeCache(clock)
	c.Put(&AuthorizationCode{CodeHash: "h1", ExpiresAt: clock.Now().Add(time.Minute)})

	if _, ok := c.Take("h1"); !ok {
		t.Fatal("first Take() should succeed")
	}
	if _, ok := c.Take("h1"); ok {
		t.Error("second Take() should fail")
	}
}

func TestCodeCache_TakeConcurrent(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCodeCache(clock)
	c.Put(&AuthorizationCode{CodeHash: "h1", ExpiresAt: clock.Now().Add(time.Minute)})

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Take("h1"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}

func TestCodeCache_SweepIsBounded(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	c := newTestCodeCache(clock)

	for i := 0; i < 250; i++ {
		c.Put(&AuthorizationCode{CodeHash: fmt.Sprintf("expired-%d", i), ExpiresAt: clock.Now().Add(-time.Second)})
	}
	for i := 0; i < 5; i++ {
		c.Put(&AuthorizationCode{CodeHash: fmt.Sprintf("fresh-%d", i), ExpiresAt: clock.Now().Add(time.Hour)})
	}

	tests := []struct {
		wantDeleted int
		wantLen     int
	}{
		{wantDeleted: 100, wantLen: 155},
		{wantDeleted: 100, wantLen: 55},
		{wantDeleted: 50, wantLen: 5},
		{wantDeleted: 0, wantLen: 5},
	}
	for i, tt := range tests {
		if got := c.Sweep(clock.Now()); got != tt.wantDeleted {
			t.Errorf("sweep %d deleted %d, want %d", i+1, got, tt.wantDeleted)
		}
		if got := c.Len(); got != tt.wantLen {
			t.Errorf("after sweep %d Len() = %d, want %d", i+1, got, tt.wantLen)
		}
	}
}

func TestCodeCache_StartStop(t *testing.T) {
	c := NewCodeCache(10*time.Millisecond, testutil.DiscardLogger())
	swept := make(chan int, 1)
	c.onSweep = func(n int) {
		select {
		case swept <- n:
		default:
		}
	}
	c.Put(&AuthorizationCode{CodeHash: "old", ExpiresAt: time.Now().Add(-time.Minute)})

	c.Start()
	c.Start()
	defer c.Stop()

	select {
	case n := <-swept:
		if n != 1 {
			t.Errorf("swept %d codes, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background sweep did not run")
	}

	c.Stop()
	c.Stop()
}
