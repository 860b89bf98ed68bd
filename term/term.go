// Package term puts the controlling terminal into raw mode so guest
// console bytes pass through unmangled.
package term

import (
	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(0, unix.TCGETS)

	return err == nil
}

// SetRawMode switches stdin to raw mode and returns a function restoring
// the previous settings.
func SetRawMode() (func(), error) {
	t, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	old := *t

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	restore := func() {
		_ = unix.IoctlSetTermios(0, unix.TCSETS, &old)
	}

	return restore, unix.IoctlSetTermios(0, unix.TCSETS, t)
}
