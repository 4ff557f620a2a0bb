package ios

import (
	"errors"
)

// ErrImageNotMounted is returned by HostDevice.LaunchApplication when the developer disk image is missing
// on the device. Callers check for it with errors.Is so they can ask for an image instead of failing.
var ErrImageNotMounted = errors.New("developer image is not mounted")

// App is an application installed on a host device.
type App struct {
	BundleID   string `json:"bundleId"`
	BundleName string `json:"bundleName"`
	Version    string `json:"version,omitempty"`
	Icon       []byte `json:"-"`
}

// HostDevice is the lockdown side of a peer: pairing, app listing, image mounting and app launching.
// Its implementation lives outside of this module, the discovery, registry and tunnel code only
// depends on this shape.
type HostDevice interface {
	Identifier() string
	Hostname() string
	Name() string
	UDID() string
	// ProductVersion is the iOS version as reported by UpdateInfo, for example "14.4.2".
	ProductVersion() string
	IsConnected() bool

	UpdateInfo() error
	InstalledApps() ([]App, error)
	LaunchApplication(app App) error
	MountImage(diskImage string, signature string) error
	// StartLockdown opens a lockdown session, pairingRecord may be nil to reuse a stored pairing.
	StartLockdown(pairingRecord []byte) error
}
