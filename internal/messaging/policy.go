package messaging

import (
	"sync"
	"time"
)

// Defaults for the send policy.
const (
	// DefaultDailyRateLimit is the maximum number of outbound messages per
	// recipient per calendar day.
	DefaultDailyRateLimit = 1000
	// DefaultWindowDuration is how long a conversation window stays open
	// after the last message in either direction.
	DefaultWindowDuration = 24 * time.Hour
)

// SendPolicy tracks per-recipient daily send counts and conversation
// windows. It is shared by the send paths of a backend and is safe for
// concurrent use.
type SendPolicy struct {
	mu             sync.Mutex
	messageCounts  map[string]int       // keyed by "phone:YYYY-MM-DD"
	windows        map[string]time.Time // last window-opening event per phone
	rateLimit      int
	windowDuration time.Duration
	now            func() time.Time
}

// NewSendPolicy creates a policy with the given limits. Zero values select
// the defaults.
func NewSendPolicy(rateLimit int, windowDuration time.Duration) *SendPolicy {
	if rateLimit <= 0 {
		rateLimit = DefaultDailyRateLimit
	}
	if windowDuration <= 0 {
		windowDuration = DefaultWindowDuration
	}
	return &SendPolicy{
		messageCounts:  make(map[string]int),
		windows:        make(map[string]time.Time),
		rateLimit:      rateLimit,
		windowDuration: windowDuration,
		now:            time.Now,
	}
}

// AllowSend reports whether another message may be sent to the recipient
// today.
func (p *SendPolicy) AllowSend(phone string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageCounts[p.countKey(phone)] < p.rateLimit
}

// WindowOpen reports whether the conversation window with the recipient is
// still open.
func (p *SendPolicy) WindowOpen(phone string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	opened, ok := p.windows[phone]
	if !ok {
		return false
	}
	return p.now().Sub(opened) < p.windowDuration
}

// RecordSend counts an outbound message against the daily limit and
// refreshes the conversation window.
func (p *SendPolicy) RecordSend(phone string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageCounts[p.countKey(phone)]++
	p.windows[phone] = p.now()
}

// RecordInbound opens or refreshes the conversation window when the
// customer messages us.
func (p *SendPolicy) RecordInbound(phone string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windows[phone] = p.now()
}

func (p *SendPolicy) countKey(phone string) string {
	return phone + ":" + p.now().Format("2006-01-02")
}
