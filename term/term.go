// Package term puts the process's controlling terminal into raw mode
// while a guest console is attached to it.
package term

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)

	return err == nil
}

// SetRawMode switches stdin to raw mode and returns the restore
// function. Restore must run before process exit or the shell is left
// with a broken terminal.
func SetRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())

	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	raw := *old
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	restore := func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, old)
	}

	return restore, unix.IoctlSetTermios(fd, unix.TCSETS, &raw)
}
