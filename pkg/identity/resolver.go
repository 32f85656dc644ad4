package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/syscmd"
)

var (
	ErrNotFound                  = errors.New("no device with this UUID is currently present")
	ErrCouldNotReadByUUIDDir     = errors.New("could not read the by-uuid directory")
	ErrCouldNotResolveSymlink    = errors.New("could not resolve device symlink")
	ErrCouldNotStatDevice        = errors.New("could not stat device")
	ErrCouldNotReadSysfs         = errors.New("could not read sysfs attribute")
	ErrCouldNotFindParentDisk    = errors.New("could not find parent disk for partition")
	ErrCouldNotProbeDeviceUUID   = errors.New("could not probe device for a UUID")
	ErrCouldNotParseProbedOutput = errors.New("could not parse probed UUID")
)

// Resolver maps between stable partition UUIDs and current device paths.
// Device names are not stable across reboots, so all persisted state stores
// UUIDs and every path is resolved fresh per invocation and then discarded.
type Resolver struct {
	log types.Logger

	runner syscmd.Runner

	devRoot string
	sysRoot string
}

func NewResolver(runner syscmd.Runner, log types.Logger) *Resolver {
	return &Resolver{
		log:     log,
		runner:  runner,
		devRoot: "/dev",
		sysRoot: "/sys",
	}
}

// NewResolverWithRoots is used by tests to point the resolver at a synthetic
// /dev and /sys tree.
func NewResolverWithRoots(runner syscmd.Runner, devRoot, sysRoot string, log types.Logger) *Resolver {
	return &Resolver{
		log:     log,
		runner:  runner,
		devRoot: devRoot,
		sysRoot: sysRoot,
	}
}

// Resolve returns the current device path for a partition UUID, or
// ErrNotFound if no present device carries it.
func (r *Resolver) Resolve(id uuid.UUID) (string, error) {
	byUUIDDir := filepath.Join(r.devRoot, "disk", "by-uuid")

	entries, err := os.ReadDir(byUUIDDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}

		return "", errors.Join(ErrCouldNotReadByUUIDDir, err)
	}

	for _, entry := range entries {
		entryID, err := uuid.Parse(entry.Name())
		if err != nil {
			// Short FAT-style IDs and other non-RFC4122 names live here too
			continue
		}

		if entryID != id {
			continue
		}

		path, err := filepath.EvalSymlinks(filepath.Join(byUUIDDir, entry.Name()))
		if err != nil {
			return "", errors.Join(ErrCouldNotResolveSymlink, err)
		}

		if r.log != nil {
			r.log.Debug().Str("uuid", id.String()).Str("path", path).Msg("resolved device")
		}

		return path, nil
	}

	return "", ErrNotFound
}

// Identify returns the UUID recorded on a device, if it carries one.
func (r *Resolver) Identify(ctx context.Context, devicePath string) (uuid.UUID, bool, error) {
	byUUIDDir := filepath.Join(r.devRoot, "disk", "by-uuid")

	entries, err := os.ReadDir(byUUIDDir)
	if err != nil && !os.IsNotExist(err) {
		return uuid.Nil, false, errors.Join(ErrCouldNotReadByUUIDDir, err)
	}

	for _, entry := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(byUUIDDir, entry.Name()))
		if err != nil {
			continue
		}

		if target != devicePath {
			continue
		}

		entryID, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}

		return entryID, true, nil
	}

	// A device that was formatted moments ago may not have its by-uuid
	// symlink yet; ask blkid directly before giving up
	if r.runner != nil {
		output, err := r.runner.Run(ctx, "blkid", "-o", "value", "-s", "UUID", devicePath)
		if err != nil {
			return uuid.Nil, false, nil
		}

		probed := strings.TrimSpace(string(output))
		if probed == "" {
			return uuid.Nil, false, nil
		}

		entryID, err := uuid.Parse(probed)
		if err != nil {
			return uuid.Nil, false, errors.Join(ErrCouldNotParseProbedOutput, err)
		}

		return entryID, true, nil
	}

	return uuid.Nil, false, nil
}

// ParentDisk returns the whole-disk device path for a partition path. The
// structured sysfs relationship is authoritative; stripping the trailing
// partition number is kept only as a fallback for devices sysfs does not
// know about.
func (r *Resolver) ParentDisk(partitionPath string) (string, error) {
	name := filepath.Base(partitionPath)

	if _, err := os.Stat(filepath.Join(r.sysRoot, "class", "block", name, "partition")); err == nil {
		target, err := os.Readlink(filepath.Join(r.sysRoot, "class", "block", name))
		if err == nil {
			parent := filepath.Base(filepath.Dir(target))
			if parent != "block" && parent != "." {
				return filepath.Join(r.devRoot, parent), nil
			}
		}
	}

	trimmed := strings.TrimRight(name, "0123456789")
	// nvme0n1p3 -> nvme0n1
	trimmed = strings.TrimSuffix(trimmed, "p")
	if trimmed == "" || trimmed == name {
		return "", ErrCouldNotFindParentDisk
	}

	if r.log != nil {
		r.log.Warn().Str("partition", name).Str("disk", trimmed).Msg("falling back to name heuristic for parent disk")
	}

	return filepath.Join(r.devRoot, trimmed), nil
}

// Rotational reports whether a device is backed by spinning media. For
// partitions the queue attributes live on the parent disk.
func (r *Resolver) Rotational(devicePath string) (bool, error) {
	name := filepath.Base(devicePath)

	raw, err := os.ReadFile(filepath.Join(r.sysRoot, "class", "block", name, "queue", "rotational"))
	if err != nil {
		parent, parentErr := r.ParentDisk(devicePath)
		if parentErr != nil {
			return false, errors.Join(ErrCouldNotReadSysfs, err)
		}

		raw, err = os.ReadFile(filepath.Join(r.sysRoot, "class", "block", filepath.Base(parent), "queue", "rotational"))
		if err != nil {
			return false, errors.Join(ErrCouldNotReadSysfs, err)
		}
	}

	return strings.TrimSpace(string(raw)) == "1", nil
}
