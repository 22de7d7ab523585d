//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock is per-region; memguard already locks its own enclaves
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
