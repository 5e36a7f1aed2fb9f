package reconnect

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	minBackoff = 2 * time.Second
	maxBackoff = 10 * time.Second
)

// schedule is a backoff.BackOff implementing the fixed 2, 4, 8, 10, 10, …
// second doubling sequence spec §4.6 requires. It is not the library's
// default ExponentialBackOff — that policy has no fixed cap and jitters —
// but it satisfies the same interface so the controller can hold it as a
// backoff.BackOff value.
type schedule struct {
	next time.Duration
}

func newSchedule() *schedule {
	return &schedule{next: minBackoff}
}

// NextBackOff returns the current delay and advances the schedule,
// doubling and capping at maxBackoff. Satisfies backoff.BackOff.
func (s *schedule) NextBackOff() time.Duration {
	d := s.next
	doubled := s.next * 2
	if doubled > maxBackoff {
		doubled = maxBackoff
	}
	s.next = doubled
	return d
}

// Reset restores the schedule to its minimum, per a successful connect.
// Satisfies backoff.BackOff.
func (s *schedule) Reset() {
	s.next = minBackoff
}

var _ backoff.BackOff = (*schedule)(nil)
