package packettunnel

import (
	"fmt"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

func platformParams(name string) water.PlatformSpecificParams {
	return water.PlatformSpecificParams{Name: name}
}

// checkInterfaceName rejects names the kernel would truncate.
func checkInterfaceName(name string) error {
	if len(name) >= unix.IFNAMSIZ {
		return fmt.Errorf("checkInterfaceName: '%s' is longer than %d characters", name, unix.IFNAMSIZ-1)
	}
	return nil
}
