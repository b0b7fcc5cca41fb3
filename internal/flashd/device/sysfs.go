package device

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// serialName matches USB serial device nodes (ttyUSB0, ttyACM1, ...).
var serialName = regexp.MustCompile(`^tty(USB|ACM)[0-9]+$`)

// SerialDevice is one attached USB serial device, as discovered via sysfs.
type SerialDevice struct {
	Name      string // node name, e.g. ttyUSB0
	Port      string // device node path, e.g. /dev/ttyUSB0
	VendorID  string // 4 lowercase hex digits
	ProductID string // 4 lowercase hex digits
}

// resolveIdentity walks the sysfs parents of a tty node until it finds the
// USB device entry carrying idVendor/idProduct. The tty sits a few levels
// below the usb_device entry (tty -> interface -> device), so a short upward
// walk is enough.
func resolveIdentity(sysTTYDir, name string) (vid, pid string, err error) {
	dir, err := filepath.EvalSymlinks(filepath.Join(sysTTYDir, name, "device"))
	if err != nil {
		return "", "", fmt.Errorf("resolving sysfs path for %s: %w", name, err)
	}

	for depth := 0; depth < 6 && dir != "/" && dir != "."; depth++ {
		v, verr := os.ReadFile(filepath.Join(dir, "idVendor"))
		p, perr := os.ReadFile(filepath.Join(dir, "idProduct"))
		if verr == nil && perr == nil {
			return strings.ToLower(strings.TrimSpace(string(v))),
				strings.ToLower(strings.TrimSpace(string(p))), nil
		}
		dir = filepath.Dir(dir)
	}

	return "", "", fmt.Errorf("no USB identity found for %s", name)
}

// scanSerialDevices enumerates USB serial devices currently present under
// devDir, resolving each identity through sysTTYDir. Nodes whose identity
// cannot be resolved are skipped.
func scanSerialDevices(devDir, sysTTYDir string) ([]SerialDevice, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, err
	}

	var devices []SerialDevice
	for _, e := range entries {
		name := e.Name()
		if !serialName.MatchString(name) {
			continue
		}
		vid, pid, err := resolveIdentity(sysTTYDir, name)
		if err != nil {
			continue
		}
		devices = append(devices, SerialDevice{
			Name:      name,
			Port:      filepath.Join(devDir, name),
			VendorID:  vid,
			ProductID: pid,
		})
	}
	return devices, nil
}

// Scan lists the USB serial devices attached to the host. Used by the
// `flashd devices` subcommand.
func Scan(devDir string) ([]SerialDevice, error) {
	return scanSerialDevices(devDir, "/sys/class/tty")
}
