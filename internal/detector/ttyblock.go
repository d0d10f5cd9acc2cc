//go:build unix

package detector

import (
	"golang.org/x/sys/unix"
)

// TTYBlockedOnRead polls fd for read-readiness with a zero timeout. It
// returns true when the fd is NOT currently ready to yield more bytes,
// which is the MED-confidence signal of spec section 4.2: the child
// process is runnable but the pty has nothing queued, consistent with it
// blocking on a read from its controlling terminal.
func TTYBlockedOnRead(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return fds[0].Revents&unix.POLLIN == 0, nil
}
