package resilience

import (
	"sync"
	"time"
)

// BreakerGroup manages one circuit breaker per collaborator, created
// lazily on first reference and swept when idle.
type BreakerGroup struct {
	config   BreakerConfig
	onChange func(collaborator string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
	lastUsed map[string]time.Time
}

// NewBreakerGroup creates a group whose breakers share config.
func NewBreakerGroup(config BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		config:   config,
		breakers: make(map[string]*Breaker),
		lastUsed: make(map[string]time.Time),
	}
}

// OnStateChange registers fn to observe every breaker's transitions
// with the owning collaborator. It only affects breakers created after
// the call, so register before the first Get.
func (g *BreakerGroup) OnStateChange(fn func(collaborator string, from, to State)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// Get returns the breaker for the given collaborator, creating it on
// first reference.
func (g *BreakerGroup) Get(collaborator string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[collaborator]
	g.mu.RUnlock()

	if ok {
		g.touch(collaborator)
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[collaborator]; !ok {
		cfg := g.config
		if g.onChange != nil {
			base := cfg.OnStateChange
			hook := g.onChange
			cfg.OnStateChange = func(from, to State) {
				if base != nil {
					base(from, to)
				}
				hook(collaborator, from, to)
			}
		}
		b = NewBreaker(cfg)
		g.breakers[collaborator] = b
	}
	g.lastUsed[collaborator] = time.Now()
	return b
}

func (g *BreakerGroup) touch(collaborator string) {
	g.mu.Lock()
	g.lastUsed[collaborator] = time.Now()
	g.mu.Unlock()
}

// Sweep removes breakers with no activity for at least maxIdle and whose
// circuit is closed. Returns the number of breakers removed.
func (g *BreakerGroup) Sweep(maxIdle time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdle)
	for key, used := range g.lastUsed {
		if used.After(cutoff) {
			continue
		}
		if b := g.breakers[key]; b != nil && b.State() != StateClosed {
			continue
		}
		delete(g.breakers, key)
		delete(g.lastUsed, key)
		removed++
	}
	return removed
}

// States returns the current state of every tracked breaker.
func (g *BreakerGroup) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]State, len(g.breakers))
	for key, b := range g.breakers {
		states[key] = b.State()
	}
	return states
}
