package layers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/config"
	"github.com/loopholelabs/strata/pkg/identity"
	"github.com/loopholelabs/strata/pkg/mounttab"
	"github.com/loopholelabs/strata/pkg/rollback"
	"github.com/loopholelabs/strata/pkg/syscmd"
	"golang.org/x/sys/unix"
)

var (
	ErrUnsupportedFilesystemType = errors.New("unsupported file system type")
	ErrCouldNotFormatFilesystem  = errors.New("could not format file system")
	ErrCouldNotIdentifyVolume    = errors.New("could not identify freshly formatted volume")
	ErrCouldNotCreateSubvolumes  = errors.New("could not create subvolumes")
)

// mkfsFlags carries the per-type force flag so a rebuild over a previous
// file system does not stop to ask questions.
var mkfsFlags = map[string][]string{
	"ext4":  {"-F"},
	"ext3":  {"-F"},
	"btrfs": {"-f"},
	"xfs":   {"-f"},
	"f2fs":  {"-f"},
	"vfat":  {},
}

// FileSystemBuilder formats the final device of a stack and records one
// mount-table entry per mount point. Assemble is a no-op: a pre-existing
// file system is simply mounted later.
type FileSystemBuilder struct {
	log types.Logger

	runner   syscmd.Runner
	resolver *identity.Resolver
}

func NewFileSystemBuilder(runner syscmd.Runner, resolver *identity.Resolver, log types.Logger) *FileSystemBuilder {
	return &FileSystemBuilder{
		log:      log,
		runner:   runner,
		resolver: resolver,
	}
}

// Build formats the input device (Create only), creates subvolumes when more
// than one mount point was requested, and appends the matching mount-table
// entries. specOverride, when non-empty, is used as the fstab source field
// instead of the volume UUID; the planner passes the mapper path for
// encrypted volumes since those carry no stable outer UUID.
func (b *FileSystemBuilder) Build(ctx context.Context, goal Goal, fsType string, mountPoints []config.MountPoint,
	specOverride string, input *StorageUnit, table *mounttab.Table, cleanup *rollback.Stack) (*StorageUnit, error) {
	unit := &StorageUnit{
		Kind:        UnitFileSystemVolume,
		Identity:    DerivedIdentity(UnitFileSystemVolume, []*StorageUnit{input}),
		CurrentPath: input.CurrentPath,
		State:       StateBuilding,
		Inputs:      []*StorageUnit{input},
	}

	if goal == GoalAssemble {
		unit.State = StateActive

		return unit, nil
	}

	if goal != GoalCreate {
		return nil, errors.Join(ErrUnsupportedGoal, fmt.Errorf("goal %s", goal))
	}

	flags, ok := mkfsFlags[fsType]
	if !ok {
		return nil, errors.Join(ErrUnsupportedFilesystemType, fmt.Errorf("type %s", fsType))
	}

	if _, err := b.runner.Run(ctx, "mkfs."+fsType, append(flags, input.CurrentPath)...); err != nil {
		return nil, errors.Join(ErrCouldNotFormatFilesystem, err)
	}

	spec := specOverride
	if spec == "" {
		volumeUUID, found, err := b.resolver.Identify(ctx, input.CurrentPath)
		if err != nil || !found {
			return nil, errors.Join(ErrCouldNotIdentifyVolume, err)
		}

		spec = "UUID=" + volumeUUID.String()
	}

	subvolumes := len(mountPoints) > 1
	if subvolumes {
		if err := b.createSubvolumes(ctx, input.CurrentPath, fsType, mountPoints, cleanup); err != nil {
			return nil, err
		}
	}

	for _, mountPoint := range mountPoints {
		options := mountPoint.Options
		if subvolumes {
			subvol := "subvol=" + config.SubvolumeName(mountPoint.Path)
			if options == "" {
				options = subvol
			} else {
				options = options + "," + subvol
			}
		}

		passNo := 2
		if mountPoint.Path == "/" {
			passNo = 1
		}

		table.AddMount(mounttab.MountEntry{
			Spec:    spec,
			File:    mountPoint.Path,
			VFSType: fsType,
			Options: options,
			PassNo:  passNo,
		})
	}

	unit.State = StateActive

	if b.log != nil {
		b.log.Info().Str("device", input.CurrentPath).Str("type", fsType).Int("mountPoints", len(mountPoints)).Msg("file system formatted")
	}

	return unit, nil
}

// createSubvolumes mounts the fresh volume at a temporary directory, creates
// one subvolume per mount point inside it, and leaves the unmount plus
// directory removal to the rollback stack so they run on every exit path.
func (b *FileSystemBuilder) createSubvolumes(ctx context.Context, devicePath, fsType string,
	mountPoints []config.MountPoint, cleanup *rollback.Stack) error {
	tempDir := filepath.Join(os.TempDir(), "strata-subvol-"+shortuuid.New())
	if err := os.MkdirAll(tempDir, 0700); err != nil {
		return errors.Join(ErrCouldNotCreateSubvolumes, err)
	}

	if err := unix.Mount(devicePath, tempDir, fsType, 0, ""); err != nil {
		_ = os.Remove(tempDir)

		return errors.Join(ErrCouldNotCreateSubvolumes, err)
	}

	cleanup.Push("unmount temporary subvolume mount "+tempDir, func(_ context.Context) error {
		if err := unix.Unmount(tempDir, 0); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
			return err
		}

		return os.Remove(tempDir)
	})

	for _, mountPoint := range mountPoints {
		name := config.SubvolumeName(mountPoint.Path)
		if _, err := b.runner.Run(ctx, "btrfs", "subvolume", "create", filepath.Join(tempDir, name)); err != nil {
			// A leftover subvolume from a previous run is fine
			if strings.Contains(err.Error(), "File exists") {
				continue
			}

			return errors.Join(ErrCouldNotCreateSubvolumes, err)
		}
	}

	return nil
}
