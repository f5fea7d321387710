//go:build !linux

package process

// ClearSignalMask is only implemented on Linux.
func ClearSignalMask() error {
	return notImplemented("ClearSignalMask")
}
