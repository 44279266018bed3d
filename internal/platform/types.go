// Package platform detects the host an agent runs on: operating system,
// architecture, distribution, hostname, and which service manager controls
// daemons there. Clients attach this to deploy metadata; servers use it to
// pick a service-control backend for hooks.
package platform

import "context"

// Linux distribution family constants.
const (
	FamilyDebian  = "debian"  // Debian, Ubuntu, Linux Mint
	FamilyRHEL    = "rhel"    // RHEL, CentOS, Rocky Linux, AlmaLinux
	FamilyFedora  = "fedora"  // Fedora
	FamilySUSE    = "suse"    // openSUSE, SLES
	FamilyArch    = "arch"    // Arch Linux, Manjaro
	FamilyAlpine  = "alpine"  // Alpine Linux
	FamilyGentoo  = "gentoo"  // Gentoo
	FamilyUnknown = "unknown" // Unrecognized distributions
)

// ServiceManager names the init system that owns services on a host.
type ServiceManager string

const (
	ServiceSystemd ServiceManager = "systemd"
	ServiceLaunchd ServiceManager = "launchd"
	ServiceSCM     ServiceManager = "scm" // Windows Service Control Manager
	ServiceNone    ServiceManager = ""
)

// Info contains platform detection information.
type Info struct {
	OS       string // "linux", "darwin", "windows"
	Arch     string // normalized ("amd64", "arm64") or GOARCH as-is
	ArchRaw  string // original GOARCH
	Hostname string
	Platform string // distro ID (Linux only, e.g., "ubuntu", "arch")
	Family   string // canonical family (e.g., "debian", "rhel", "arch")
	Version  string // distro version (Linux only, e.g., "22.04")

	ServiceManager ServiceManager
}

// IsLinux returns true if the platform is Linux.
func (i *Info) IsLinux() bool {
	return i.OS == "linux"
}

// IsWindows returns true if the platform is Windows.
func (i *Info) IsWindows() bool {
	return i.OS == "windows"
}

// Metadata returns the fields a client attaches to deploy requests. Empty
// values are omitted.
func (i *Info) Metadata() map[string]string {
	md := make(map[string]string, 5)
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("hostname", i.Hostname)
	set("os", i.OS)
	set("arch", i.Arch)
	set("platform", i.Platform)
	set("platform_version", i.Version)
	return md
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}
