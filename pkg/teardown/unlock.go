package teardown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/avast/retry-go/v4"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/mounttab"
	"github.com/loopholelabs/strata/pkg/syscmd"
	"golang.org/x/sys/unix"
)

var (
	ErrCouldNotQueryHolders  = errors.New("could not query holders")
	ErrCouldNotUnmountDevice = errors.New("could not unmount device")
	ErrCouldNotStopArray     = errors.New("could not stop RAID array")
	ErrStopRetriesExhausted  = errors.New("RAID stop retry budget exhausted")
	ErrCouldNotUnregisterSet = errors.New("could not unregister cache set")
	ErrCouldNotCloseMapping  = errors.New("could not close encrypted mapping")
	ErrCouldNotStopBcache    = errors.New("could not stop bcache device")
	ErrCouldNotUnlockDevice  = errors.New("could not unlock device")
)

const (
	// stopRetries bounds how often an array stop is attempted; a resync
	// restarting between attempts is expected, not a failure
	stopRetries = 10

	stopRetryDelay = 100 * time.Millisecond
)

// Engine unwinds live device stacks top-down. It works from what the kernel
// reports, never from declared configuration, so it is safe to run against
// stacks built by other processes, previous invocations or by hand.
type Engine struct {
	log types.Logger

	runner   syscmd.Runner
	provider holders.Provider

	sysRoot    string
	mountsPath string

	stopAttempts uint
	stopDelay    time.Duration

	// Syscall seams; tests swap these to observe unmount and swapoff
	// without touching the live system
	unmount func(target string, flags int) error
	swapoff func(path string) error
}

func NewEngine(runner syscmd.Runner, provider holders.Provider, log types.Logger) *Engine {
	return NewEngineWithRoots(runner, provider, "/sys", "/proc/self/mounts", log)
}

// NewEngineWithRoots points the engine at a synthetic sysfs and mounts
// table; used by tests and the sandbox.
func NewEngineWithRoots(runner syscmd.Runner, provider holders.Provider, sysRoot, mountsPath string, log types.Logger) *Engine {
	return &Engine{
		log:          log,
		runner:       runner,
		provider:     provider,
		sysRoot:      sysRoot,
		mountsPath:   mountsPath,
		stopAttempts: stopRetries,
		stopDelay:    stopRetryDelay,
		unmount:      unix.Unmount,
		swapoff:      swapoff,
	}
}

// swapoff invokes swapoff(2) directly; x/sys/unix exports no wrapper for it
// on Linux, only the syscall number.
func swapoff(path string) error {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return err
	}

	if _, _, errno := unix.Syscall(unix.SYS_SWAPOFF, uintptr(unsafe.Pointer(p)), 0, 0); errno != 0 {
		return errno
	}

	return nil
}

// Unlock releases everything currently layered on top of a device, then the
// device itself: holders are unlocked depth-first before the device's own
// unlock action runs. Failures are collected and joined rather than
// stopping the walk, so as much of the stack as possible gets released.
func (e *Engine) Unlock(ctx context.Context, devicePath string) error {
	// Callers hand in the convenience paths (/dev/md/<name>, /dev/mapper/
	// <name>), which are symlinks; sysfs only knows the kernel names they
	// point at
	if resolved, err := filepath.EvalSymlinks(devicePath); err == nil {
		devicePath = resolved
	}

	device, err := e.provider.Classify(devicePath)
	if err != nil {
		return errors.Join(ErrCouldNotUnlockDevice, err)
	}

	return e.unlock(ctx, device)
}

// UnlockAll unlocks a set of devices, aggregating per-device failures.
func (e *Engine) UnlockAll(ctx context.Context, devicePaths []string) error {
	var errs error
	for _, devicePath := range devicePaths {
		if err := e.Unlock(ctx, devicePath); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}

func (e *Engine) unlock(ctx context.Context, device holders.Device) error {
	upper, err := e.provider.HoldersOf(device.Path)
	if err != nil {
		return errors.Join(ErrCouldNotQueryHolders, err)
	}

	var errs error
	for _, holder := range upper {
		if err := e.unlock(ctx, holder); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if err := e.unmountEverywhere(device.Path); err != nil {
		errs = errors.Join(errs, err)
	}

	// Swap is disabled unconditionally; an inactive device is not an error
	if err := e.swapoff(device.Path); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.ENODEV) {
		if e.log != nil {
			e.log.Debug().Err(err).Str("device", device.Path).Msg("swapoff failed")
		}
	}

	if err := e.release(ctx, device); err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

func (e *Engine) release(ctx context.Context, device holders.Device) error {
	switch device.Kind {
	case holders.KindRaidArray:
		return e.stopArray(ctx, device)

	case holders.KindCacheMember:
		return e.unregisterCacheSet(device)

	case holders.KindCryptVolume:
		return e.closeMapping(ctx, device)

	case holders.KindBackingMember, holders.KindBcacheVolume:
		return e.stopBcache(device)

	case holders.KindPartition, holders.KindDisk:
		return nil

	default:
		// Teardown must never abort on a device it does not recognize
		if e.log != nil {
			e.log.Warn().Str("device", device.Path).Str("kind", string(device.Kind)).Msg("no unlock action for device kind, skipping")
		}

		return nil
	}
}

// stopArray suspends any in-progress resynchronization, then stops the
// array, retrying with backoff: a resync may restart between attempts and
// block the stop, which is expected.
func (e *Engine) stopArray(ctx context.Context, device holders.Device) error {
	syncAction := filepath.Join(e.sysRoot, "class", "block", filepath.Base(device.Path), "md", "sync_action")

	err := retry.Do(
		func() error {
			if err := os.WriteFile(syncAction, []byte("idle"), 0200); err != nil && e.log != nil {
				e.log.Debug().Err(err).Str("array", device.Path).Msg("could not idle resync")
			}

			if _, err := e.runner.Run(ctx, "mdadm", "--stop", device.Path); err != nil {
				return errors.Join(ErrCouldNotStopArray, err)
			}

			return nil
		},
		retry.Attempts(e.stopAttempts),
		retry.Delay(e.stopDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Join(ErrStopRetriesExhausted, err)
	}

	if e.log != nil {
		e.log.Info().Str("array", device.Path).Msg("stopped array")
	}

	return nil
}

// unregisterCacheSet stops the whole cache set a member belongs to, which
// atomically detaches every bound backing device.
func (e *Engine) unregisterCacheSet(device holders.Device) error {
	if device.CacheSetUUID == "" {
		return nil
	}

	unregister := filepath.Join(e.sysRoot, "fs", "bcache", device.CacheSetUUID, "unregister")
	if err := os.WriteFile(unregister, []byte("1"), 0200); err != nil {
		if os.IsNotExist(err) {
			// The set is already gone
			return nil
		}

		return errors.Join(ErrCouldNotUnregisterSet, err)
	}

	if e.log != nil {
		e.log.Info().Str("set", device.CacheSetUUID).Msg("unregistered cache set")
	}

	return nil
}

func (e *Engine) closeMapping(ctx context.Context, device holders.Device) error {
	name := device.MappedName
	if name == "" {
		name = filepath.Base(device.Path)
	}

	if _, err := e.runner.Run(ctx, "cryptsetup", "close", name); err != nil {
		return errors.Join(ErrCouldNotCloseMapping, err)
	}

	if e.log != nil {
		e.log.Info().Str("mapping", name).Msg("closed encrypted mapping")
	}

	return nil
}

func (e *Engine) stopBcache(device holders.Device) error {
	stop := filepath.Join(e.sysRoot, "class", "block", filepath.Base(device.Path), "bcache", "stop")
	if err := os.WriteFile(stop, []byte("1"), 0200); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return errors.Join(ErrCouldNotStopBcache, err)
	}

	return nil
}

// unmountEverywhere unmounts all mount points backed by the device, deepest
// first. Mounted file systems are not holders, so this has to be explicit.
func (e *Engine) unmountEverywhere(devicePath string) error {
	mountPoints, err := e.mountPointsOf(devicePath)
	if err != nil {
		return err
	}

	var errs error
	for _, mountPoint := range mountPoints {
		if err := e.unmount(mountPoint, 0); err != nil {
			errs = errors.Join(errs, ErrCouldNotUnmountDevice, fmt.Errorf("%s at %s", devicePath, mountPoint), err)

			continue
		}

		if e.log != nil {
			e.log.Info().Str("device", devicePath).Str("mountPoint", mountPoint).Msg("unmounted")
		}
	}

	return errs
}

func (e *Engine) mountPointsOf(devicePath string) ([]string, error) {
	raw, err := os.ReadFile(e.mountsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.Join(ErrCouldNotUnmountDevice, err)
	}

	var mountPoints []string
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != devicePath {
			continue
		}

		// Octal escapes in the mounts table (e.g. \040 for spaces) are left
		// as-is; the paths this engine creates never contain them
		mountPoints = append(mountPoints, fields[1])
	}

	sort.SliceStable(mountPoints, func(i, j int) bool {
		return mounttab.PathDepth(mountPoints[i]) > mounttab.PathDepth(mountPoints[j])
	})

	return mountPoints, nil
}
