package bluetooth

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterFirstCommandAllowed(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{MaxCommandsPerSecond: 20, BurstSize: 5, MinSendGap: 50 * time.Millisecond})

	if !rl.Allow() {
		t.Error("first command should be allowed")
	}
}

func TestRateLimiterEnforcesSpacing(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{MaxCommandsPerSecond: 20, BurstSize: 5, MinSendGap: 50 * time.Millisecond})

	if !rl.Allow() {
		t.Fatal("first command should be allowed")
	}
	if rl.Allow() {
		t.Error("second command inside the send gap should be denied")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow() {
		t.Error("command after the send gap should be allowed")
	}
}

func TestRateLimiterMinSendGapFloor(t *testing.T) {
	// The per-second rate would allow 1ms spacing, the gap must still win.
	rl := NewRateLimiter(&RateLimitConfig{MaxCommandsPerSecond: 1000, BurstSize: 5, MinSendGap: 50 * time.Millisecond})

	if !rl.Allow() {
		t.Fatal("first command should be allowed")
	}

	time.Sleep(5 * time.Millisecond)
	if rl.Allow() {
		t.Error("command inside the minimum send gap should be denied")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow() {
		t.Error("command after the minimum send gap should be allowed")
	}
}

func TestRateLimiterTokenExhaustion(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{MaxCommandsPerSecond: 2, BurstSize: 1, MinSendGap: 0})

	if !rl.Allow() {
		t.Fatal("first command should be allowed")
	}

	// 10ms at 2 tokens/s refills nothing.
	time.Sleep(10 * time.Millisecond)
	if rl.Allow() {
		t.Error("command with an empty bucket should be denied")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{MaxCommandsPerSecond: 2, BurstSize: 1, MinSendGap: 0})

	if !rl.Allow() {
		t.Fatal("first command should be allowed")
	}
	if rl.Allow() {
		t.Fatal("second command should be denied before reset")
	}

	rl.Reset()
	if !rl.Allow() {
		t.Error("command after reset should be allowed")
	}
}

func TestRateLimiterGetStats(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{MaxCommandsPerSecond: 20, BurstSize: 5, MinSendGap: 0})

	tokens, lastCommand := rl.GetStats()
	if tokens != 5 {
		t.Errorf("tokens = %d, want 5", tokens)
	}
	if !lastCommand.IsZero() {
		t.Error("lastCommand should be zero before any command")
	}
}

// fastQueueConfig keeps queue tests quick without hitting rate denials.
func fastQueueConfig() *RateLimitConfig {
	return &RateLimitConfig{MaxCommandsPerSecond: 1000, BurstSize: maxQueuedCommands, MinSendGap: 0}
}

type sendRecorder struct {
	mu       sync.Mutex
	sent     []string
	failNext int
	err      error
}

func (r *sendRecorder) send(cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext > 0 {
		r.failNext--
		return r.err
	}
	if r.failNext < 0 {
		return r.err
	}
	r.sent = append(r.sent, cmd.Char)
	return nil
}

func (r *sendRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	copy(out, r.sent)
	return out
}

func TestCommandQueueSendsInOrder(t *testing.T) {
	rec := &sendRecorder{}
	cq := NewCommandQueue(fastQueueConfig(), rec.send)
	cq.Start()
	defer cq.Stop()

	cq.Enqueue("F")
	cq.Enqueue("S")

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 2 })

	got := rec.snapshot()
	if got[0] != "F" || got[1] != "S" {
		t.Errorf("sent order = %v, want [F S]", got)
	}
}

func TestCommandQueueDropsWhenFull(t *testing.T) {
	rec := &sendRecorder{}
	cq := NewCommandQueue(fastQueueConfig(), rec.send)

	for i := 0; i < maxQueuedCommands; i++ {
		if !cq.Enqueue("F") {
			t.Fatalf("enqueue %d should succeed", i)
		}
	}
	if cq.Enqueue("B") {
		t.Error("enqueue beyond the backlog cap should be dropped")
	}
	if got := cq.Len(); got != maxQueuedCommands {
		t.Errorf("Len() = %d, want %d", got, maxQueuedCommands)
	}
}

func TestEnqueueUrgentFlushesBacklog(t *testing.T) {
	rec := &sendRecorder{}
	cq := NewCommandQueue(fastQueueConfig(), rec.send)

	cq.Enqueue("F")
	cq.Enqueue("B")
	cq.Enqueue("L")
	cq.EnqueueUrgent("S")

	if got := cq.Len(); got != 1 {
		t.Fatalf("Len() after urgent = %d, want 1", got)
	}

	cq.Start()
	defer cq.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })

	if got := rec.snapshot(); got[0] != "S" {
		t.Errorf("sent = %v, want [S]", got)
	}
}

func TestUrgentStopBeatsInFlightRetry(t *testing.T) {
	// A press whose send fails while a stop arrives mid-flight must not
	// be re-queued ahead of the stop; it is stale and gets dropped.
	var (
		mu      sync.Mutex
		sent    []string
		started = make(chan struct{})
		release = make(chan struct{})
		first   = true
	)
	send := func(cmd *Command) error {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()

		if isFirst {
			close(started)
			<-release
			return errors.New("write failed")
		}

		mu.Lock()
		sent = append(sent, cmd.Char)
		mu.Unlock()
		return nil
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(sent))
		copy(out, sent)
		return out
	}

	cq := NewCommandQueue(fastQueueConfig(), send)
	cq.Start()
	defer cq.Stop()

	cq.Enqueue("F")
	<-started
	cq.EnqueueUrgent("S")
	close(release)

	waitFor(t, 2*time.Second, func() bool { return len(snapshot()) >= 1 })

	if got := snapshot(); got[0] != "S" {
		t.Fatalf("send order = %v, want the stop first", got)
	}

	// The stale press must not be replayed after the stop either.
	time.Sleep(50 * time.Millisecond)
	if got := snapshot(); len(got) != 1 {
		t.Errorf("sent = %v, want [S] only", got)
	}
	if got := cq.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestCommandQueueRetriesTransientFailure(t *testing.T) {
	rec := &sendRecorder{failNext: 2, err: errors.New("write failed")}
	cq := NewCommandQueue(fastQueueConfig(), rec.send)
	cq.Start()
	defer cq.Stop()

	cq.Enqueue("F")

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })

	if got := rec.snapshot(); got[0] != "F" {
		t.Errorf("sent = %v, want [F]", got)
	}
}

func TestCommandQueueGivesUpAfterRetries(t *testing.T) {
	rec := &sendRecorder{failNext: -1, err: errors.New("write failed")}
	cq := NewCommandQueue(fastQueueConfig(), rec.send)
	cq.Start()
	defer cq.Stop()

	cq.Enqueue("F")

	waitFor(t, 2*time.Second, func() bool {
		stats := cq.Stats()
		return stats["failed"].(uint64) == 1
	})

	if got := cq.Len(); got != 0 {
		t.Errorf("Len() after giving up = %d, want 0", got)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("sent = %v, want none", got)
	}
}

func TestCommandQueueClear(t *testing.T) {
	rec := &sendRecorder{}
	cq := NewCommandQueue(fastQueueConfig(), rec.send)

	cq.Enqueue("F")
	cq.Enqueue("B")
	cq.Clear()

	if got := cq.Len(); got != 0 {
		t.Errorf("Len() after clear = %d, want 0", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
