package config

import (
	"fmt"
	"runtime"
)

// Platform describes the detected host platform. Bandsox targets Linux
// with KVM and the firecracker binary; it refuses to start on any other
// operating system rather than silently degrading.
type Platform struct {
	OS   string
	Arch string
}

// DetectPlatform detects the host platform and fails unless it is
// Linux. It does not check for KVM or for the firecracker binary.
func DetectPlatform() (*Platform, error) {
	p := &Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}

	if p.OS != "linux" {
		return nil, fmt.Errorf(
			"unsupported platform: %s/%s: bandsox requires Linux with KVM (Firecracker backend only)",
			p.OS, p.Arch,
		)
	}
	return p, nil
}
