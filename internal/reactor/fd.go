package reactor

import "net"

// fileDescriptor extracts the raw OS file descriptor backing a *net.UDPConn
// so it can be registered with the poller. The conn itself remains the
// interface used for all actual reads and writes.
func fileDescriptor(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := sc.Control(func(f uintptr) {
		fd = int(f)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}
