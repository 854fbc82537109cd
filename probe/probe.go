// Package probe checks whether this host can run guests at all.
package probe

import (
	"fmt"
	"os"

	"vmproc/hv"
)

// Device verifies that the hypervisor device node exists and this
// process may open it, and prints the result.
func Device(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("no hypervisor device at %s: %w", path, err)
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return fmt.Errorf("%s is not a device node", path)
	}

	dev, err := hv.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer dev.Close()

	fmt.Printf("%s: usable\n", path)

	return nil
}
