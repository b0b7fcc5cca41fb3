package verify

import (
	"encoding/json"
	"fmt"
)

// Manifest is the signed descriptor of a firmware bundle, parsed from
// device_info.json. It is immutable once loaded; the raw bytes it was parsed
// from are what the signature covers.
type Manifest struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	FirmwareVersion string `json:"firmware_version"`
	TargetDevice    string `json:"target_device"`
	CreatedAt       string `json:"created_at"`
}

// ParseManifest decodes raw into a Manifest. The caller must keep raw intact
// for signature verification; ParseManifest never re-encodes it.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.DeviceID == "" || m.FirmwareVersion == "" || m.TargetDevice == "" {
		return nil, fmt.Errorf("manifest missing required fields (device_id, firmware_version, target_device)")
	}
	return &m, nil
}
