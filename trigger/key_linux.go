package trigger

import "golang.org/x/sys/unix"

// keepOutputProcessing turns newline translation back on after MakeRaw so
// log lines written to the terminal do not stair-step.
func keepOutputProcessing(fd int) {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	termios.Oflag |= unix.OPOST | unix.ONLCR
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}
