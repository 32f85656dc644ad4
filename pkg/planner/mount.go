package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/loopholelabs/strata/pkg/config"
	"github.com/loopholelabs/strata/pkg/mounttab"
)

var (
	ErrCouldNotCreateMountDir = errors.New("could not create mount directory")
	ErrCouldNotMountVolume    = errors.New("could not mount volume")
)

type mountJob struct {
	device     string
	fsType     string
	mountPoint config.MountPoint
	subvolume  bool
}

// Mount mounts every built file system under the target directory. Order is
// the ascending-depth order of the union of all mount points across specs,
// independent of spec order, so a parent file system mounted beneath another
// spec's mount point always comes first.
func (p *Planner) Mount(ctx context.Context, configuration *config.StackConfiguration) error {
	var jobs []mountJob
	for _, filesystem := range configuration.Filesystems {
		for _, mountPoint := range filesystem.MountPoints {
			jobs = append(jobs, mountJob{
				device:     filesystem.CurrentDevice,
				fsType:     filesystem.FSType,
				mountPoint: mountPoint,
				subvolume:  len(filesystem.MountPoints) > 1,
			})
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return mounttab.PathDepth(jobs[i].mountPoint.Path) < mounttab.PathDepth(jobs[j].mountPoint.Path)
	})

	for _, job := range jobs {
		target := filepath.Join(configuration.TargetDir, job.mountPoint.Path)
		if err := os.MkdirAll(target, 0755); err != nil {
			return errors.Join(ErrCouldNotCreateMountDir, err)
		}

		options := job.mountPoint.Options
		if job.subvolume {
			subvol := "subvol=" + config.SubvolumeName(job.mountPoint.Path)
			if options == "" {
				options = subvol
			} else {
				options = options + "," + subvol
			}
		}

		args := []string{"-t", job.fsType}
		if options != "" {
			args = append(args, "-o", options)
		}
		args = append(args, job.device, target)

		if _, err := p.runner.Run(ctx, "mount", args...); err != nil {
			return errors.Join(ErrCouldNotMountVolume, fmt.Errorf("%s at %s", job.device, target), err)
		}

		if p.log != nil {
			p.log.Info().Str("device", job.device).Str("target", target).Msg("mounted")
		}
	}

	if p.metrics != nil {
		p.metrics.MetricMounts.Inc()
	}

	return nil
}

// Unmount releases the whole live stack beneath the configuration: every
// leaf partition is unlocked, which recursively unmounts and stops all the
// layers above it. Unresolvable partitions are skipped so the walk releases
// as much as possible.
func (p *Planner) Unmount(ctx context.Context, configuration *config.StackConfiguration) error {
	var paths []string
	seen := map[string]bool{}

	for _, filesystem := range configuration.Filesystems {
		partitions := append([]uuid.UUID{}, filesystem.Partitions...)
		if filesystem.Cache != nil {
			partitions = append(partitions, filesystem.Cache.Partitions...)
		}

		for _, partition := range partitions {
			path, err := p.resolver.Resolve(partition)
			if err != nil {
				if p.log != nil {
					p.log.Warn().Str("uuid", partition.String()).Msg("partition did not resolve, skipping in unmount")
				}

				continue
			}

			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}

	if p.metrics != nil {
		p.metrics.MetricUnlocks.Inc()
	}

	return p.engine.UnlockAll(ctx, paths)
}
