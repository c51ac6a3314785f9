package bluetooth

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateLimiter implements a token bucket rate limiter for car commands
type RateLimiter struct {
	mu           sync.Mutex
	config       *RateLimitConfig
	tokens       int
	lastRefill   time.Time
	commandDelay time.Duration
	lastCommand  time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	delay := time.Second / time.Duration(config.MaxCommandsPerSecond)
	if config.MinSendGap > delay {
		delay = config.MinSendGap
	}

	return &RateLimiter{
		config:       config,
		tokens:       config.BurstSize,
		lastRefill:   time.Now(),
		commandDelay: delay,
		lastCommand:  time.Time{},
	}
}

// Allow checks if a command can be sent now, considering rate limits
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	// Refill tokens based on elapsed time
	rl.refillTokens(now)

	// Check if we have tokens available
	if rl.tokens <= 0 {
		return false
	}

	// Check if enough time has passed since last command
	if !rl.lastCommand.IsZero() && now.Sub(rl.lastCommand) < rl.commandDelay {
		return false
	}

	// Consume a token and update last command time
	rl.tokens--
	rl.lastCommand = now

	return true
}

// refillTokens adds tokens to the bucket based on elapsed time
// Must be called with mutex locked
func (rl *RateLimiter) refillTokens(now time.Time) {
	elapsed := now.Sub(rl.lastRefill)
	if elapsed <= 0 {
		return
	}

	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.MaxCommandsPerSecond))

	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.config.BurstSize {
			rl.tokens = rl.config.BurstSize
		}
		rl.lastRefill = now
	}
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() (tokens int, lastCommand time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillTokens(time.Now())
	return rl.tokens, rl.lastCommand
}

// Reset resets the rate limiter to its initial state
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.config.BurstSize
	rl.lastRefill = time.Now()
	rl.lastCommand = time.Time{}
}

// maxQueuedCommands bounds the backlog. A mashed button is better dropped
// than replayed seconds late.
const maxQueuedCommands = 64

const maxCommandRetries = 3

// CommandQueue serializes command characters onto the link with rate
// limiting and bounded retry.
type CommandQueue struct {
	mu          sync.RWMutex
	queue       []*Command
	rateLimiter *RateLimiter
	stopChan    chan struct{}
	isRunning   bool
	sendFunc    func(*Command) error

	// flushes counts backlog flushes. A popped command is only re-queued
	// for retry when no flush happened while its send was in flight;
	// otherwise a stale press would be replayed ahead of an urgent stop.
	flushes uint64

	enqueued uint64
	sent     uint64
	dropped  uint64
	failed   uint64
}

// NewCommandQueue creates a new command queue with rate limiting
func NewCommandQueue(config *RateLimitConfig, sendFunc func(*Command) error) *CommandQueue {
	return &CommandQueue{
		queue:       make([]*Command, 0),
		rateLimiter: NewRateLimiter(config),
		stopChan:    make(chan struct{}),
		sendFunc:    sendFunc,
	}
}

// Start starts the command queue processor
func (cq *CommandQueue) Start() {
	cq.mu.Lock()
	if cq.isRunning {
		cq.mu.Unlock()
		return
	}
	cq.isRunning = true
	cq.stopChan = make(chan struct{})
	stopChan := cq.stopChan
	cq.mu.Unlock()

	go cq.processQueue(stopChan)
}

// Stop stops the command queue processor
func (cq *CommandQueue) Stop() {
	cq.mu.Lock()
	if !cq.isRunning {
		cq.mu.Unlock()
		return
	}
	cq.isRunning = false
	cq.mu.Unlock()

	close(cq.stopChan)
}

// Enqueue queues a command character for sending. Returns false when the
// backlog is full and the command was dropped.
func (cq *CommandQueue) Enqueue(char string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if len(cq.queue) >= maxQueuedCommands {
		cq.dropped++
		log.Printf("CMD_QUEUE: backlog full, dropping %q", char)
		return false
	}

	cq.enqueued++
	cq.queue = append(cq.queue, &Command{
		Char:      char,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	})
	return true
}

// EnqueueUrgent clears the backlog and puts the command at the front.
// Used for stop: nothing queued before a stop should still reach the car.
func (cq *CommandQueue) EnqueueUrgent(char string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if n := len(cq.queue); n > 0 {
		cq.dropped += uint64(n)
		cq.queue = cq.queue[:0]
	}
	cq.flushes++

	cq.enqueued++
	cq.queue = append(cq.queue, &Command{
		Char:      char,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	})
}

// processQueue processes commands from the queue with rate limiting
func (cq *CommandQueue) processQueue(stopChan <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			cq.processNextCommand()
		}
	}
}

// processNextCommand processes the next command in the queue if rate limits allow
func (cq *CommandQueue) processNextCommand() {
	cq.mu.Lock()

	if len(cq.queue) == 0 {
		cq.mu.Unlock()
		return
	}

	if !cq.rateLimiter.Allow() {
		cq.mu.Unlock()
		return
	}

	cmd := cq.queue[0]
	cq.queue = cq.queue[1:]
	flushes := cq.flushes

	cq.mu.Unlock()

	if err := cq.sendFunc(cmd); err != nil {
		cmd.Retries++
		cq.mu.Lock()
		switch {
		case cq.flushes != flushes:
			// The backlog was flushed while this send was in flight; the
			// command is stale and must not overtake what flushed it.
			cq.dropped++
			cq.mu.Unlock()
			log.Printf("CMD_QUEUE: dropping %q, backlog flushed mid-send", cmd.Char)
		case cmd.Retries < maxCommandRetries:
			cq.queue = append([]*Command{cmd}, cq.queue...)
			cq.mu.Unlock()
		default:
			cq.failed++
			cq.mu.Unlock()
			log.Printf("CMD_QUEUE: giving up on %q after %d attempts: %v", cmd.Char, cmd.Retries, err)
		}
		return
	}

	cq.mu.Lock()
	cq.sent++
	cq.mu.Unlock()
}

// Len returns the current queue length
func (cq *CommandQueue) Len() int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	return len(cq.queue)
}

// Clear removes all commands from the queue
func (cq *CommandQueue) Clear() {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.queue = cq.queue[:0]
	cq.flushes++
}

// Stats returns queue counters for the stats endpoint.
func (cq *CommandQueue) Stats() map[string]interface{} {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	tokens, _ := cq.rateLimiter.GetStats()
	return map[string]interface{}{
		"queued":   len(cq.queue),
		"enqueued": cq.enqueued,
		"sent":     cq.sent,
		"dropped":  cq.dropped,
		"failed":   cq.failed,
		"tokens":   tokens,
	}
}
