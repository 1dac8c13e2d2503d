package hio

import (
	"testing"

	"golang.org/x/sys/unix"
)

// pipePair returns a non-blocking pipe's (readFD, writeFD). Callers are
// responsible for closing both ends (directly, or via a Device's closeOS
// hook).
func pipePair(t *testing.T) (int, int, error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
