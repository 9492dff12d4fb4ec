package engine

import (
	"sync"
	"time"

	"aura/internal/model"
)

// compactThreshold is the map size above which stale cooldown entries are swept.
const compactThreshold = 10000

type Policy struct {
	CriticalRepeat        time.Duration
	ImportantCooldown     time.Duration
	InformationalCooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		CriticalRepeat:        3 * time.Second,
		ImportantCooldown:     30 * time.Second,
		InformationalCooldown: 10 * time.Second,
	}
}

func (p Policy) cooldown(priority model.Priority) (time.Duration, bool) {
	switch priority {
	case model.PriorityImportant:
		return p.ImportantCooldown, true
	case model.PriorityInformational:
		return p.InformationalCooldown, true
	}
	return 0, false
}

func (p Policy) maxCooldown() time.Duration {
	if p.ImportantCooldown > p.InformationalCooldown {
		return p.ImportantCooldown
	}
	return p.InformationalCooldown
}

// Ledger decides whether a finding may become an alert. Critical findings share
// one global repeat timer; other tiers cool down per dedup key.
type Ledger struct {
	mu           sync.Mutex
	policy       Policy
	paused       bool
	lastCritical time.Time
	cooldowns    map[string]time.Time
	now          func() time.Time
}

func NewLedger(policy Policy) *Ledger {
	return &Ledger{
		policy:    policy,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *Ledger) ShouldAdmit(key string, priority model.Priority) bool {
	l.mu.Lock()
	now := l.now()
	l.mu.Unlock()
	return l.ShouldAdmitAt(key, priority, now)
}

func (l *Ledger) ShouldAdmitAt(key string, priority model.Priority, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return false
	}
	if priority == model.PriorityCritical {
		if !l.lastCritical.IsZero() && now.Sub(l.lastCritical) < l.policy.CriticalRepeat {
			return false
		}
		if now.After(l.lastCritical) {
			l.lastCritical = now
		}
		return true
	}
	cooldown, ok := l.policy.cooldown(priority)
	if !ok {
		return false
	}
	if ts, seen := l.cooldowns[key]; seen {
		if now.Sub(ts) < cooldown {
			return false
		}
		if !now.After(ts) {
			return true
		}
	}
	l.cooldowns[key] = now
	if len(l.cooldowns) > compactThreshold {
		l.compact(now)
	}
	return true
}

// compact drops entries older than the largest tier cooldown. Such entries can
// never reject a finding, so decisions are unaffected.
func (l *Ledger) compact(now time.Time) {
	horizon := l.policy.maxCooldown()
	for k, ts := range l.cooldowns {
		if now.Sub(ts) >= horizon {
			delete(l.cooldowns, k)
		}
	}
}

func (l *Ledger) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *Ledger) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
}

func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// ClearCooldowns wipes per-key entries. The global critical timer is kept.
func (l *Ledger) ClearCooldowns() {
	l.mu.Lock()
	l.cooldowns = make(map[string]time.Time)
	l.mu.Unlock()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cooldowns)
}

func (l *Ledger) Policy() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

func (l *Ledger) UpdatePolicy(p Policy) {
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
}
