package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// Poller reports which of a set of registered file descriptors are ready
// for reading, blocking up to a timeout. It abstracts the readiness wait so
// the reactor's dispatch logic can be driven by a fake in tests instead of
// real sockets.
type Poller interface {
	// Wait blocks until at least one registered fd is ready, the timeout
	// elapses, or the wait is interrupted. It returns the ready fds.
	Wait(fds []int, timeout time.Duration) ([]int, error)
}

// UnixPoller implements Poller with golang.org/x/sys/unix.Poll, in place of
// the select()-based readiness wait of the source server (a plain poll(2) is
// sufficient here: the watched set is bounded by spec to ≤ 34 descriptors).
type UnixPoller struct{}

func (UnixPoller) Wait(fds []int, timeout time.Duration) ([]int, error) {
	pollfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	timeoutMs := int(timeout / time.Millisecond)
	n, err := unix.Poll(pollfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ready := make([]int, 0, n)
	for i, pfd := range pollfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready = append(ready, fds[i])
		}
	}
	return ready, nil
}
