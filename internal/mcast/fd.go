package mcast

import (
	"fmt"
	"net"
	"syscall"
)

// connFD extracts the native file descriptor backing conn so it can be
// registered with the epoll-based reactor (spec §4.3: the transport owns
// its sockets, but reactor interest is driven by the core). Only
// *net.TCPConn and *net.UDPConn expose SyscallConn; anything else is
// rejected rather than silently skipped.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("mcast: connection type %T does not expose a raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("mcast: SyscallConn: %w", err)
	}

	var fd int
	var ctrlErr error
	err = raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if err != nil {
		return -1, fmt.Errorf("mcast: raw control: %w", err)
	}
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}
