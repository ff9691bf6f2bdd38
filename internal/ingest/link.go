package ingest

import "time"

const (
	linkClosed linkState = iota
	linkOpen
	linkFailed
)

type linkState int

func (s linkState) String() string {
	switch s {
	case linkOpen:
		return "open"
	case linkFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Backoff defines the two delay tiers of a recovery loop: the wait before the
// first reconnect attempt after a failure, and the wait between further attempts
type Backoff struct {
	Initial time.Duration
	Retry   time.Duration
}

// link tracks the lifecycle of one connection. State only changes through
// up, fail, retryLater and close.
type link struct {
	state       linkState
	backoff     Backoff
	nextAttempt time.Time
	attempts    int
}

func newLink(b Backoff) link {
	return link{state: linkClosed, backoff: b}
}

func (l *link) up() {
	l.state = linkOpen
	l.attempts = 0
	l.nextAttempt = time.Time{}
}

// fail schedules the first reconnect attempt
func (l *link) fail(now time.Time) {
	l.state = linkFailed
	l.attempts = 0
	l.nextAttempt = now.Add(l.backoff.Initial)
}

// retryLater records a failed attempt and schedules the next one
func (l *link) retryLater(now time.Time) {
	l.attempts++
	l.nextAttempt = now.Add(l.backoff.Retry)
}

func (l *link) due(now time.Time) bool {
	return l.state == linkFailed && !now.Before(l.nextAttempt)
}

func (l *link) close() {
	l.state = linkClosed
}
