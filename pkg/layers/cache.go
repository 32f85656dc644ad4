package layers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/syscmd"
	"golang.org/x/sys/unix"
)

var (
	ErrCouldNotFormatCache       = errors.New("could not format cache device")
	ErrCouldNotReadCacheSuper    = errors.New("could not read bcache superblock")
	ErrCouldNotParseCacheSetUUID = errors.New("could not parse cache-set UUID")
	ErrCouldNotRegisterDevice    = errors.New("could not register device with bcache")
	ErrCouldNotAttachBacking     = errors.New("could not attach backing device to cache set")
	ErrCouldNotFindBoundDevice   = errors.New("could not find bound bcache device")
)

// CacheBuilder formats (Create) or registers (Assemble) devices as a bcache
// cache set and records the resulting cache-set UUID, which is the set's
// persistent identity.
type CacheBuilder struct {
	log types.Logger

	runner syscmd.Runner

	sysRoot     string
	waitTimeout time.Duration
}

func NewCacheBuilder(runner syscmd.Runner, log types.Logger) *CacheBuilder {
	return NewCacheBuilderWithRoots(runner, "/sys", log)
}

// NewCacheBuilderWithRoots points the builder at a synthetic sysfs; used by
// tests.
func NewCacheBuilderWithRoots(runner syscmd.Runner, sysRoot string, log types.Logger) *CacheBuilder {
	return &CacheBuilder{
		log:         log,
		runner:      runner,
		sysRoot:     sysRoot,
		waitTimeout: DefaultWaitTimeout,
	}
}

// Build returns the cache-set unit; its Identity is the cache-set UUID read
// back from the superblock. Re-registering an already-registered cache
// device is tolerated.
func (b *CacheBuilder) Build(ctx context.Context, goal Goal, bucketSize string, inputs []*StorageUnit) (*StorageUnit, uuid.UUID, error) {
	unit := &StorageUnit{
		Kind:     UnitCacheSet,
		Identity: DerivedIdentity(UnitCacheSet, inputs),
		State:    StateBuilding,
		Inputs:   inputs,
	}

	switch goal {
	case GoalCreate:
		args := []string{"--cache"}
		if bucketSize != "" {
			args = append(args, "--bucket", bucketSize)
		}
		args = append(args, inputPaths(inputs)...)

		if _, err := b.runner.Run(ctx, "make-bcache", args...); err != nil {
			return nil, uuid.Nil, errors.Join(ErrCouldNotFormatCache, err)
		}

	case GoalAssemble:
		// Nothing to format; registration below re-attaches the set

	default:
		return nil, uuid.Nil, errors.Join(ErrUnsupportedGoal, fmt.Errorf("goal %s", goal))
	}

	setUUID, err := b.cacheSetUUID(ctx, inputs[0].CurrentPath)
	if err != nil {
		return nil, uuid.Nil, err
	}

	for _, input := range inputs {
		if err := b.register(input.CurrentPath); err != nil {
			return nil, uuid.Nil, err
		}
	}

	setDir := filepath.Join(b.sysRoot, "fs", "bcache", setUUID.String())
	if err := WaitForPath(ctx, setDir, b.waitTimeout); err != nil {
		return nil, uuid.Nil, err
	}

	unit.Identity = setUUID.String()
	unit.CurrentPath = setDir
	unit.State = StateActive

	if b.log != nil {
		b.log.Info().Str("set", setUUID.String()).Msg("cache set is up")
	}

	return unit, setUUID, nil
}

func (b *CacheBuilder) cacheSetUUID(ctx context.Context, devicePath string) (uuid.UUID, error) {
	output, err := b.runner.Run(ctx, "bcache-super-show", devicePath)
	if err != nil {
		return uuid.Nil, errors.Join(ErrCouldNotReadCacheSuper, err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "cset.uuid" {
			setUUID, err := uuid.Parse(fields[1])
			if err != nil {
				return uuid.Nil, errors.Join(ErrCouldNotParseCacheSetUUID, err)
			}

			return setUUID, nil
		}
	}

	return uuid.Nil, ErrCouldNotParseCacheSetUUID
}

func (b *CacheBuilder) register(devicePath string) error {
	// EINVAL means the device is already registered
	err := os.WriteFile(filepath.Join(b.sysRoot, "fs", "bcache", "register"), []byte(devicePath), 0200)
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return errors.Join(ErrCouldNotRegisterDevice, err)
	}

	return nil
}

// CacheBinder marks a backing device as cached by a given cache set. The
// bound bcache device replaces the backing device in the graph for every
// later layer. One set may back multiple independent devices.
type CacheBinder struct {
	log types.Logger

	runner   syscmd.Runner
	provider holders.Provider

	devRoot     string
	sysRoot     string
	waitTimeout time.Duration
}

func NewCacheBinder(runner syscmd.Runner, provider holders.Provider, log types.Logger) *CacheBinder {
	return NewCacheBinderWithRoots(runner, provider, "/dev", "/sys", log)
}

// NewCacheBinderWithRoots points the binder at synthetic device and sysfs
// trees; used by tests.
func NewCacheBinderWithRoots(runner syscmd.Runner, provider holders.Provider, devRoot, sysRoot string, log types.Logger) *CacheBinder {
	return &CacheBinder{
		log:         log,
		runner:      runner,
		provider:    provider,
		devRoot:     devRoot,
		sysRoot:     sysRoot,
		waitTimeout: DefaultWaitTimeout,
	}
}

// Bind formats (Create) or registers (Assemble) the backing device, attaches
// it to the cache set and returns the resulting bound unit.
func (b *CacheBinder) Bind(ctx context.Context, goal Goal, setUUID uuid.UUID, backing *StorageUnit) (*StorageUnit, error) {
	backingName := filepath.Base(backing.CurrentPath)
	bcacheDir := filepath.Join(b.sysRoot, "class", "block", backingName, "bcache")

	switch goal {
	case GoalCreate:
		if _, err := os.Stat(bcacheDir); err == nil {
			if b.log != nil {
				b.log.Info().Str("backing", backing.CurrentPath).Msg("backing device already registered, skipping format")
			}
		} else if _, err := b.runner.Run(ctx, "make-bcache", "--bdev", backing.CurrentPath); err != nil {
			return nil, errors.Join(ErrCouldNotFormatCache, err)
		}

	case GoalAssemble:
		// Registration below re-attaches pre-existing backing state

	default:
		return nil, errors.Join(ErrUnsupportedGoal, fmt.Errorf("goal %s", goal))
	}

	if err := b.registerBacking(backing.CurrentPath); err != nil {
		return nil, err
	}

	if err := WaitForPath(ctx, bcacheDir, b.waitTimeout); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(bcacheDir, "attach"), []byte(setUUID.String()), 0200); err != nil {
		// An already-attached backing device rejects a second attach
		if b.log != nil {
			b.log.Debug().Err(err).Str("backing", backing.CurrentPath).Msg("attach write rejected, assuming already attached")
		}
	}

	boundPath, err := b.boundDevice(backing.CurrentPath)
	if err != nil {
		return nil, err
	}

	if err := WaitForPath(ctx, boundPath, b.waitTimeout); err != nil {
		return nil, err
	}

	unit := &StorageUnit{
		Kind:        UnitBackingAttachment,
		Identity:    DerivedIdentity(UnitBackingAttachment, []*StorageUnit{backing}),
		CurrentPath: boundPath,
		State:       StateActive,
		Inputs:      []*StorageUnit{backing},
	}

	if b.log != nil {
		b.log.Info().Str("backing", backing.CurrentPath).Str("bound", boundPath).Str("set", setUUID.String()).Msg("backing device attached")
	}

	return unit, nil
}

func (b *CacheBinder) registerBacking(devicePath string) error {
	// EINVAL means the device is already registered
	err := os.WriteFile(filepath.Join(b.sysRoot, "fs", "bcache", "register"), []byte(devicePath), 0200)
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return errors.Join(ErrCouldNotRegisterDevice, err)
	}

	return nil
}

// boundDevice locates the bcache device sitting on top of the backing
// device through the typed holder query, not by guessing names.
func (b *CacheBinder) boundDevice(backingPath string) (string, error) {
	upper, err := b.provider.HoldersOf(backingPath)
	if err != nil {
		return "", errors.Join(ErrCouldNotFindBoundDevice, err)
	}

	for _, holder := range upper {
		if holder.Kind == holders.KindBcacheVolume {
			return holder.Path, nil
		}
	}

	// The holder may not have appeared yet; the kernel also exposes the
	// bound device name directly
	backingName := filepath.Base(backingPath)
	target, err := os.Readlink(filepath.Join(b.sysRoot, "class", "block", backingName, "bcache", "dev"))
	if err != nil {
		return "", errors.Join(ErrCouldNotFindBoundDevice, err)
	}

	return filepath.Join(b.devRoot, filepath.Base(target)), nil
}
