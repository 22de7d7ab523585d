//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// zeroing still applies, swapping cannot be prevented here
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
