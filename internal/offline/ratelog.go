package offline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// throttledWarner emits at most one warning per key and window. Warnings
// dropped inside a window are counted and reported as "suppressed" on the
// next one that gets through.
type throttledWarner struct {
	log    *logrus.Entry
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*warnState
}

type warnState struct {
	last       time.Time
	suppressed int
}

func newThrottledWarner(log *logrus.Entry, window time.Duration) *throttledWarner {
	return &throttledWarner{log: log, window: window, now: time.Now, keys: map[string]*warnState{}}
}

func (t *throttledWarner) Warn(key string, fields logrus.Fields, msg string) {
	t.mu.Lock()
	st, ok := t.keys[key]
	if !ok {
		st = &warnState{}
		t.keys[key] = st
	}
	now := t.now()
	if !st.last.IsZero() && now.Sub(st.last) < t.window {
		st.suppressed++
		t.mu.Unlock()
		return
	}
	suppressed := st.suppressed
	st.last, st.suppressed = now, 0
	t.mu.Unlock()

	e := t.log.WithFields(fields)
	if suppressed > 0 {
		e = e.WithField("suppressed", suppressed)
	}
	e.Warn(msg)
}
