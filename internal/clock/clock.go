// Package clock wraps github.com/jacobsa/timeutil.Clock so the reactor's
// retransmit sweep and the session engine's last-sent-at bookkeeping can be
// driven by an injectable clock in tests, the same seam jacobsa/fuse uses
// around its own timeout-sensitive operations.
package clock

import "github.com/jacobsa/timeutil"

// Clock is the subset of timeutil.Clock the server depends on.
type Clock = timeutil.Clock

// Real returns the system clock.
func Real() Clock {
	return timeutil.RealClock()
}
