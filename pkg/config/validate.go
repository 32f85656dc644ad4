package config

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/loopholelabs/strata/pkg/holders"
)

var (
	ErrCacheNotSolidState       = errors.New("cache partition is on rotational media")
	ErrDeviceBusy               = errors.New("partition is already in use")
	ErrCouldNotResolvePartition = errors.New("could not resolve partition UUID to a device")
)

// DeviceProber is the slice of the identity resolver the validator needs.
type DeviceProber interface {
	Resolve(id uuid.UUID) (string, error)
	Rotational(devicePath string) (bool, error)
}

// Validate performs the structural checks that need no device access:
// RAID level minimums, duplicate assignment, mount point shape. It runs
// before any device is touched, so failures here have no side effects.
func (c *StackConfiguration) Validate() error {
	if len(c.Filesystems) == 0 {
		return errors.Join(ErrInvalidConfiguration, ErrNoFilesystems)
	}

	if c.TargetDir == "" {
		return errors.Join(ErrInvalidConfiguration, ErrMissingTargetDir)
	}

	seen := map[uuid.UUID]bool{}
	claim := func(partitions []uuid.UUID) error {
		for _, partition := range partitions {
			if seen[partition] {
				return errors.Join(ErrInvalidConfiguration, ErrDuplicateDevice, fmt.Errorf("partition %s", partition))
			}

			seen[partition] = true
		}

		return nil
	}

	// Cache sets are shared by identity, so only the first reference to a
	// partition set claims its partitions
	claimedCaches := map[string]bool{}

	rootCount := 0
	for _, filesystem := range c.Filesystems {
		if len(filesystem.Partitions) == 0 {
			return errors.Join(ErrInvalidConfiguration, ErrNoPartitions)
		}

		if len(filesystem.MountPoints) == 0 {
			return errors.Join(ErrInvalidConfiguration, ErrNoMountPoints)
		}

		if err := claim(filesystem.Partitions); err != nil {
			return err
		}

		if err := validateRaid(filesystem.RaidLevel, len(filesystem.Partitions)); err != nil {
			return err
		}

		if filesystem.Cache != nil && !claimedCaches[filesystem.Cache.Key()] {
			claimedCaches[filesystem.Cache.Key()] = true

			if len(filesystem.Cache.Partitions) == 0 {
				return errors.Join(ErrInvalidConfiguration, ErrNoPartitions)
			}

			if err := claim(filesystem.Cache.Partitions); err != nil {
				return err
			}

			if err := validateRaid(filesystem.Cache.RaidLevel, len(filesystem.Cache.Partitions)); err != nil {
				return err
			}
		}

		if len(filesystem.MountPoints) > 1 && !SubvolumeCapableTypes[filesystem.FSType] {
			return errors.Join(ErrInvalidConfiguration, ErrSubvolumesUnsupported, fmt.Errorf("type %s", filesystem.FSType))
		}

		for _, mountPoint := range filesystem.MountPoints {
			if mountPoint.Path == "/" {
				rootCount++
			}
		}
	}

	if rootCount == 0 {
		return errors.Join(ErrInvalidConfiguration, ErrNoRootMountPoint)
	}

	if rootCount > 1 {
		return errors.Join(ErrInvalidConfiguration, ErrMultipleRootMountPoints)
	}

	return nil
}

func validateRaid(level *int, members int) error {
	if members >= 2 && level == nil {
		return errors.Join(ErrInvalidConfiguration, ErrMissingRaidLevel)
	}

	if level == nil {
		return nil
	}

	minimum, ok := RaidLevelMinimums[*level]
	if !ok {
		return errors.Join(ErrInvalidConfiguration, ErrUnknownRaidLevel, fmt.Errorf("level %d", *level))
	}

	if members < minimum {
		return errors.Join(ErrInvalidConfiguration, ErrTooFewRaidMembers,
			fmt.Errorf("level %d needs at least %d members, got %d", *level, minimum, members))
	}

	return nil
}

// ValidateDevices performs the best-effort device-level checks: every leaf
// partition must resolve, cache partitions must be on non-rotational media,
// and no partition may already be claimed by a live RAID array or cache set.
func (c *StackConfiguration) ValidateDevices(prober DeviceProber, provider holders.Provider) error {
	checkFree := func(id uuid.UUID, requireSolidState bool) error {
		path, err := prober.Resolve(id)
		if err != nil {
			return errors.Join(ErrInvalidConfiguration, ErrCouldNotResolvePartition, fmt.Errorf("partition %s", id), err)
		}

		if requireSolidState {
			rotational, err := prober.Rotational(path)
			if err != nil {
				return errors.Join(ErrInvalidConfiguration, err)
			}

			if rotational {
				return errors.Join(ErrInvalidConfiguration, ErrCacheNotSolidState, fmt.Errorf("partition %s at %s", id, path))
			}
		}

		if provider == nil {
			return nil
		}

		upper, err := provider.HoldersOf(path)
		if err != nil {
			return errors.Join(ErrInvalidConfiguration, err)
		}

		if len(upper) > 0 {
			return errors.Join(ErrInvalidConfiguration, ErrDeviceBusy,
				fmt.Errorf("partition %s at %s has %d live holders", id, path, len(upper)))
		}

		return nil
	}

	for _, filesystem := range c.Filesystems {
		for _, partition := range filesystem.Partitions {
			if err := checkFree(partition, false); err != nil {
				return err
			}
		}

		if filesystem.Cache == nil {
			continue
		}

		for _, partition := range filesystem.Cache.Partitions {
			if err := checkFree(partition, true); err != nil {
				return err
			}
		}
	}

	return nil
}
