package reliability

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry tracks registrations in memory for a bounded window.
type MemoryRegistry struct {
	mu sync.Mutex
	// expiry per registration key
	received map[string]time.Time
	window   time.Duration
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryRegistry creates a registry that forgets messages after window,
// DefaultWindow when window is not positive. A cleanup goroutine runs
// every interval until Close is called.
func NewMemoryRegistry(window, interval time.Duration) *MemoryRegistry {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &MemoryRegistry{
		received: make(map[string]time.Time),
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if interval <= 0 {
		interval = time.Hour
	}
	go r.cleanupLoop(interval)
	return r
}

// RegisterAndCheck records the message and reports whether it was already
// registered within the window.
func (r *MemoryRegistry) RegisterAndCheck(ctx context.Context, messageID, profileID, pmodeID string) (Outcome, error) {
	return r.RegisterAndCheckWithin(ctx, r.window, messageID, profileID, pmodeID)
}

// RegisterAndCheckWithin is RegisterAndCheck with an explicit window.
func (r *MemoryRegistry) RegisterAndCheckWithin(ctx context.Context, window time.Duration, messageID, profileID, pmodeID string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeNew, err
	}
	if window <= 0 {
		window = r.window
	}
	key := Key(messageID, profileID, pmodeID)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if exp, ok := r.received[key]; ok && now.Before(exp) {
		return OutcomeDuplicate, nil
	}
	r.received[key] = now.Add(window)
	return OutcomeNew, nil
}

// Release forgets the registration.
func (r *MemoryRegistry) Release(ctx context.Context, messageID, profileID, pmodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.received, Key(messageID, profileID, pmodeID))
	r.mu.Unlock()
	return nil
}

// Len returns the number of retained registrations.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// Close stops the cleanup goroutine.
func (r *MemoryRegistry) Close() error {
	r.once.Do(func() { close(r.stop) })
	return nil
}

func (r *MemoryRegistry) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *MemoryRegistry) evictExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, exp := range r.received {
		if !now.Before(exp) {
			delete(r.received, key)
		}
	}
}
