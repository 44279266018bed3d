package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// systemdMarker exists when systemd is PID 1 (see sd_booted(3)).
const systemdMarker = "/run/systemd/system"

// RealDetector implements Detector using actual platform detection.
type RealDetector struct {
	// GOOS overrides runtime.GOOS, for tests.
	GOOS string
	// Stat overrides os.Stat when probing for the service manager.
	Stat func(name string) (os.FileInfo, error)
}

// NewDetector creates a new platform detector.
func NewDetector() Detector {
	return &RealDetector{}
}

// Detect returns platform information. OS and architecture come from the
// runtime; hostname and distribution come from gopsutil. When gopsutil
// cannot read host details the remaining fields stay empty and detection
// still succeeds. Only a cancelled context is an error.
func (d *RealDetector) Detect(ctx context.Context) (*Info, error) {
	goos := d.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	info := &Info{
		OS:      goos,
		Arch:    normalizeArch(runtime.GOARCH),
		ArchRaw: runtime.GOARCH,
	}
	info.ServiceManager = d.serviceManager(goos)

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}
		if hostname, herr := os.Hostname(); herr == nil {
			info.Hostname = hostname
		}
		return info, nil
	}

	info.Hostname = hi.Hostname
	if goos == "linux" {
		if platform := normalizePlatform(hi.Platform); platform != "" {
			info.Platform = platform
			info.Family = mapFamily(hi.PlatformFamily)
			info.Version = normalizePlatform(hi.PlatformVersion)
		}
	} else {
		info.Version = normalizePlatform(hi.PlatformVersion)
	}
	return info, nil
}

func (d *RealDetector) serviceManager(goos string) ServiceManager {
	switch goos {
	case "darwin":
		return ServiceLaunchd
	case "windows":
		return ServiceSCM
	case "linux":
		stat := d.Stat
		if stat == nil {
			stat = os.Stat
		}
		if fi, err := stat(systemdMarker); err == nil && fi.IsDir() {
			return ServiceSystemd
		}
	}
	return ServiceNone
}
