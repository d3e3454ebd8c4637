// Package ratelog throttles noisy error logging.
//
// TLS libraries can be driven into reporting large volumes of errors from
// malformed or hostile peer input; logging each occurrence at full rate
// would let a remote peer flood the log. Limiter caps both the steady-state
// frequency and the burst size of a log stream.
package ratelog

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter gates a stream of log events by frequency and burst.
type Limiter struct {
	mu sync.Mutex
	rl *rate.Limiter
}

// New returns a Limiter allowing perSecond events/sec with the given burst
// capacity.
func New(perSecond float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether the caller should emit this log event now.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rl.Allow()
}
