//go:build !linux

package packettunnel

import (
	"github.com/songgao/water"
)

// the interface name is picked by the OS
func platformParams(string) water.PlatformSpecificParams {
	return water.PlatformSpecificParams{}
}

func checkInterfaceName(string) error {
	return nil
}
