package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrMountTimeout indicates a mount did not complete within the bounded
	// timeout. Surfaced to the orchestrator as a mount failure, never as an
	// attach.
	ErrMountTimeout = errors.New("mount timed out")

	// ErrMalformedLayout indicates a mounted carrier is missing one or more
	// of the expected bundle files.
	ErrMalformedLayout = errors.New("malformed carrier layout")
)

// Mounter abstracts the OS mount primitives so the monitor can be tested
// without root or real block devices.
type Mounter interface {
	// Mount mounts deviceNode read-only at mountPoint, creating the mount
	// point if needed.
	Mount(ctx context.Context, deviceNode, mountPoint string) error

	// Unmount unmounts mountPoint. Unmounting a volume that is not mounted
	// is a no-op success.
	Unmount(ctx context.Context, mountPoint string) error
}

// ExecMounter shells out to mount(8) and umount(8).
type ExecMounter struct{}

var _ Mounter = (*ExecMounter)(nil)

func (e *ExecMounter) Mount(ctx context.Context, deviceNode, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}

	out, err := exec.CommandContext(ctx, "mount", "-o", "ro", deviceNode, mountPoint).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: mounting %s", ErrMountTimeout, deviceNode)
		}
		return fmt.Errorf("mounting %s at %s: %v: %s", deviceNode, mountPoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *ExecMounter) Unmount(ctx context.Context, mountPoint string) error {
	// Lazy unmount so a yanked carrier cannot wedge the cycle reset.
	out, err := exec.CommandContext(ctx, "umount", "-l", mountPoint).CombinedOutput()
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "not mounted") || strings.Contains(msg, "no mount point") {
			return nil
		}
		if _, statErr := os.Stat(mountPoint); os.IsNotExist(statErr) {
			return nil
		}
		return fmt.Errorf("unmounting %s: %v: %s", mountPoint, err, strings.TrimSpace(msg))
	}
	return nil
}
