package p2p

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// maxTrackedIPs caps the limiter table so an address-spoofing flood cannot
// grow it without bound; the least recently seen IPs are dropped first.
const maxTrackedIPs = 4096

// compactionInterval controls how often stale per-IP windows are trimmed.
const compactionInterval = 10 * time.Second

// RateLimiter enforces a per-IP sliding-window request budget. A request is
// admitted iff fewer than limit requests from the same IP were admitted in
// the trailing window, so a burst of k > limit within one window yields
// exactly limit admissions.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	table  *lru.Cache // ip -> *ipWindow
	now    func() time.Time

	stop chan struct{}
	once sync.Once
}

type ipWindow struct {
	hits []time.Time // admitted request times, oldest first
}

// NewRateLimiter builds a limiter admitting limit requests per window per IP
// and starts its background compaction loop.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	table, _ := lru.New(maxTrackedIPs)
	rl := &RateLimiter{
		limit:  limit,
		window: window,
		table:  table,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go rl.compactLoop()
	return rl
}

// Allow reports whether a request from ip is admitted now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	var win *ipWindow
	if v, ok := rl.table.Get(ip); ok {
		win = v.(*ipWindow)
	} else {
		win = &ipWindow{}
		rl.table.Add(ip, win)
	}
	win.trim(cutoff)
	if len(win.hits) >= rl.limit {
		return false
	}
	win.hits = append(win.hits, now)
	return true
}

// Stop terminates the compaction loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (w *ipWindow) trim(cutoff time.Time) {
	drop := 0
	for drop < len(w.hits) && !w.hits[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.hits = append(w.hits[:0], w.hits[drop:]...)
	}
}

func (rl *RateLimiter) compactLoop() {
	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.compact()
		case <-rl.stop:
			return
		}
	}
}

// compact drops IPs whose whole window has aged out.
func (rl *RateLimiter) compact() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for _, key := range rl.table.Keys() {
		v, ok := rl.table.Peek(key)
		if !ok {
			continue
		}
		win := v.(*ipWindow)
		win.trim(cutoff)
		if len(win.hits) == 0 {
			rl.table.Remove(key)
		}
	}
}
