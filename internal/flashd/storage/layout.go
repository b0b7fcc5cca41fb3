package storage

import (
	"os"
	"path/filepath"

	"github.com/usbflash-io/usbflash/internal/flashd/event"
)

// Expected bundle layout, relative to the mount point.
const (
	ManifestFile = "device_info.json"
	CertFile     = "certificate.pem"
	FirmwareFile = "firmware/firmware.bin"
	DigestFile   = "firmware/firmware.sha256"
)

// probeLayout checks the mounted carrier for the expected files. It returns
// the resolved artifact paths, or the list of missing relative paths when the
// layout is malformed.
func probeLayout(deviceNode, mountPoint string) (*event.Artifacts, []string) {
	var missing []string
	for _, rel := range []string{ManifestFile, CertFile, FirmwareFile, DigestFile} {
		if _, err := os.Stat(filepath.Join(mountPoint, rel)); err != nil {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return nil, missing
	}

	return &event.Artifacts{
		DeviceNode:   deviceNode,
		MountPoint:   mountPoint,
		ManifestPath: filepath.Join(mountPoint, ManifestFile),
		CertPath:     filepath.Join(mountPoint, CertFile),
		FirmwarePath: filepath.Join(mountPoint, FirmwareFile),
		DigestPath:   filepath.Join(mountPoint, DigestFile),
	}, nil
}
