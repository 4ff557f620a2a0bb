package packettunnel

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

// Interface is a TUN device.
type Interface interface {
	io.ReadWriteCloser
	Name() string
}

// InterfaceFactory creates and configures the tunnel interface.
type InterfaceFactory func(name string, settings tunnel.NetworkSettings, mtu int) (Interface, error)

// OpenTUN creates a TUN device and applies settings with the network tools of the OS. It needs root.
func OpenTUN(name string, settings tunnel.NetworkSettings, mtu int) (Interface, error) {
	if err := checkInterfaceName(name); err != nil {
		return nil, fmt.Errorf("OpenTUN: %w", err)
	}
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: platformParams(name),
	})
	if err != nil {
		return nil, fmt.Errorf("OpenTUN: failed creating TUN device: %w", err)
	}
	cmds, err := configureCommands(runtime.GOOS, ifce.Name(), settings, mtu)
	if err != nil {
		ifce.Close()
		return nil, fmt.Errorf("OpenTUN: %w", err)
	}
	for _, args := range cmds {
		if err := runCmd(exec.Command(args[0], args[1:]...)); err != nil {
			ifce.Close()
			return nil, fmt.Errorf("OpenTUN: failed to configure interface %s: %w", ifce.Name(), err)
		}
	}
	log.WithField("interface", ifce.Name()).WithField("address", settings.Prefix()).Info("tunnel interface is up")
	return ifce, nil
}

// configureCommands returns the commands that assign the address, set the MTU, bring the interface up and
// route the included routes into it. Excluded routes need no command because nothing else is routed into
// the interface.
func configureCommands(goos string, ifname string, settings tunnel.NetworkSettings, mtu int) ([][]string, error) {
	switch goos {
	case "linux":
		// the kernel adds the route of the prefix by itself, other included routes are added explicitly
		cmds := [][]string{
			{"ip", "addr", "add", settings.Prefix(), "dev", ifname},
			{"ip", "link", "set", "dev", ifname, "mtu", strconv.Itoa(mtu), "up"},
		}
		for _, route := range settings.IncludedRoutes {
			if prefixRoute(settings, route) {
				continue
			}
			cmds = append(cmds, []string{"ip", "route", "add", route.String(), "dev", ifname})
		}
		return cmds, nil
	case "darwin":
		cmds := [][]string{
			{"ifconfig", ifname, "inet", settings.Address.String(), settings.RemoteAddress.String(),
				"netmask", net.IP(settings.Mask).String(), "mtu", strconv.Itoa(mtu), "up"},
		}
		for _, route := range settings.IncludedRoutes {
			cmds = append(cmds, []string{"route", "-q", "-n", "add", "-net", route.String(), "-interface", ifname})
		}
		return cmds, nil
	}
	return nil, fmt.Errorf("configureCommands: configuring tunnel interfaces is not supported on %s", goos)
}

func prefixRoute(settings tunnel.NetworkSettings, route net.IPNet) bool {
	prefix := net.IPNet{IP: settings.Address.Mask(settings.Mask), Mask: settings.Mask}
	return prefix.String() == route.String()
}

func runCmd(cmd *exec.Cmd) error {
	buf := new(bytes.Buffer)
	cmd.Stderr = buf
	err := cmd.Run()
	if err != nil {
		return fmt.Errorf("runCmd: failed to execute command (stderr: %s): %w", buf.String(), err)
	}
	return nil
}
