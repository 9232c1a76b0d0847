package blockdev

import "errors"

// isEINTR reports whether err indicates an interrupted syscall that should
// simply be retried. On the platforms this runs on, the os package already
// retries EINTR internally for file I/O, so in practice this is always
// false; it exists so the read/write loops have an explicit retry point
// rather than assuming that internal behavior.
func isEINTR(err error) bool {
	var eintr interface{ Temporary() bool }
	if errors.As(err, &eintr) {
		return eintr.Temporary()
	}
	return false
}
