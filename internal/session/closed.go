package session

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// isExpectedClose reports whether err is an ordinary end of a raw peer connection
// rather than something worth logging as an error.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
