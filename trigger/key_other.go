//go:build !linux

package trigger

func keepOutputProcessing(fd int) {}
