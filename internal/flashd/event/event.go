// Package event defines the serialized event stream shared by the hardware
// watchers (producers) and the orchestrator (the single consumer).
package event

type Kind string

const (
	StorageAttached     Kind = "storage.attached"
	StorageDetached     Kind = "storage.detached"
	StorageMalformed    Kind = "storage.malformed"
	StorageMountFailure Kind = "storage.mount-failure"
	DeviceAttached      Kind = "device.attached"
	DeviceDetached      Kind = "device.detached"
	SettleTick          Kind = "settle.tick"
)

// Artifacts are the paths surfaced by a successfully mounted and
// layout-checked storage carrier. All paths are absolute.
type Artifacts struct {
	DeviceNode   string
	MountPoint   string
	ManifestPath string
	CertPath     string
	FirmwarePath string
	DigestPath   string
}

// Event is one entry of the stream. Exactly the fields relevant to its Kind
// are populated.
type Event struct {
	Kind Kind

	// Artifacts is set for StorageAttached.
	Artifacts *Artifacts

	// Port is set for DeviceAttached.
	Port string

	// Missing is set for StorageMalformed: the expected files not found.
	Missing []string

	// Err is set for StorageMountFailure.
	Err error
}
