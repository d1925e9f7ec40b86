package server

import "time"

// frameLimiter paces the worker tick loop at a fixed rate. Each tick's
// deadline advances by a constant interval from the previous one, so short
// ticks do not let the loop run ahead of schedule.
type frameLimiter struct {
	interval time.Duration
	next     time.Time
}

func newFrameLimiter(ticksPerSecond int) *frameLimiter {
	return &frameLimiter{
		interval: time.Second / time.Duration(ticksPerSecond),
		next:     time.Now(),
	}
}

// wait sleeps out the remainder of the current tick and returns the signed
// slack in nanoseconds: positive when the tick had spare time, negative when
// it overran its budget. The dispatcher routes new sessions to the worker
// reporting the most slack.
func (l *frameLimiter) wait() int64 {
	l.next = l.next.Add(l.interval)
	now := time.Now()
	if now.Before(l.next) {
		spare := l.next.Sub(now)
		time.Sleep(spare)
		return spare.Nanoseconds()
	}
	overrun := now.Sub(l.next)
	if overrun > l.interval {
		// resync instead of fast-forwarding through the missed ticks
		l.next = now
	}
	return -overrun.Nanoseconds()
}
