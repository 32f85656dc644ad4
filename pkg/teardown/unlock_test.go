package teardown

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/syscmd"
)

type testEngine struct {
	engine *Engine

	commands  []string
	unmounted []string
	swapped   []string
}

func newTestEngine(t *testing.T, provider holders.Provider, sysRoot, mountsPath string) *testEngine {
	te := &testEngine{}

	runner := syscmd.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		te.commands = append(te.commands, name+" "+strings.Join(args, " "))

		return nil, nil
	})

	te.engine = NewEngineWithRoots(runner, provider, sysRoot, mountsPath, nil)
	te.engine.unmount = func(target string, _ int) error {
		te.unmounted = append(te.unmounted, target)

		return nil
	}
	te.engine.swapoff = func(path string) error {
		te.swapped = append(te.swapped, path)

		return nil
	}

	return te
}

// Captures the full stack shape: a partition under an array, the array under
// a bound bcache device, the bcache device under an encrypted mapping that is
// mounted. Unlocking the partition must release everything above it first,
// top-down.
func TestUnlockReleasesFullStackTopDown(t *testing.T) {
	sysRoot := t.TempDir()
	setUUID := uuid.New()

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/sda1", Kind: holders.KindPartition})
	provider.AddDevice(holders.Device{Path: "/dev/md0", Kind: holders.KindRaidArray})
	provider.AddDevice(holders.Device{Path: "/dev/bcache0", Kind: holders.KindBcacheVolume})
	provider.AddDevice(holders.Device{Path: "/dev/dm-0", Kind: holders.KindCryptVolume, MappedName: "poolcrypt0"})
	provider.AddHolder("/dev/sda1", "/dev/md0")
	provider.AddHolder("/dev/md0", "/dev/bcache0")
	provider.AddHolder("/dev/bcache0", "/dev/dm-0")

	mountsPath := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsPath, []byte("/dev/dm-0 /mnt/data ext4 rw 0 0\n"), 0644))

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "block", "md0", "md"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "block", "bcache0", "bcache"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache", setUUID.String()), 0755))

	te := newTestEngine(t, provider, sysRoot, mountsPath)
	require.NoError(t, te.engine.Unlock(context.Background(), "/dev/sda1"))

	// The encrypted mapping closes before the array stops
	require.Len(t, te.commands, 2)
	assert.Equal(t, "cryptsetup close poolcrypt0", te.commands[0])
	assert.Equal(t, "mdadm --stop /dev/md0", te.commands[1])

	assert.Equal(t, []string{"/mnt/data"}, te.unmounted)

	stopped, err := os.ReadFile(filepath.Join(sysRoot, "class", "block", "bcache0", "bcache", "stop"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(stopped))
}

func TestUnlockUnmountsDeepestFirst(t *testing.T) {
	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/md0", Kind: holders.KindPartition})

	mountsPath := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsPath, []byte(strings.Join([]string{
		"/dev/md0 /mnt btrfs rw 0 0",
		"/dev/md0 /mnt/var/log btrfs rw 0 0",
		"/dev/md0 /mnt/var btrfs rw 0 0",
		"",
	}, "\n")), 0644))

	te := newTestEngine(t, provider, t.TempDir(), mountsPath)
	require.NoError(t, te.engine.Unlock(context.Background(), "/dev/md0"))

	assert.Equal(t, []string{"/mnt/var/log", "/mnt/var", "/mnt"}, te.unmounted)
}

func TestUnlockStopsBareArray(t *testing.T) {
	sysRoot := t.TempDir()

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/md0", Kind: holders.KindRaidArray})

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "block", "md0", "md"), 0755))

	te := newTestEngine(t, provider, sysRoot, filepath.Join(t.TempDir(), "missing-mounts"))
	require.NoError(t, te.engine.Unlock(context.Background(), "/dev/md0"))

	assert.Equal(t, []string{"mdadm --stop /dev/md0"}, te.commands)
	assert.Empty(t, te.unmounted)

	idled, err := os.ReadFile(filepath.Join(sysRoot, "class", "block", "md0", "md", "sync_action"))
	require.NoError(t, err)
	assert.Equal(t, "idle", string(idled))
}

func TestUnlockUnregistersCacheSetOnce(t *testing.T) {
	sysRoot := t.TempDir()
	setUUID := uuid.New()

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/nvme0n1p1", Kind: holders.KindCacheMember, CacheSetUUID: setUUID.String()})

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache", setUUID.String()), 0755))

	te := newTestEngine(t, provider, sysRoot, filepath.Join(t.TempDir(), "missing-mounts"))
	require.NoError(t, te.engine.Unlock(context.Background(), "/dev/nvme0n1p1"))

	unregistered, err := os.ReadFile(filepath.Join(sysRoot, "fs", "bcache", setUUID.String(), "unregister"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(unregistered))

	// A second unlock finds the set already gone and succeeds anyway
	require.NoError(t, os.RemoveAll(filepath.Join(sysRoot, "fs", "bcache", setUUID.String())))
	require.NoError(t, te.engine.Unlock(context.Background(), "/dev/nvme0n1p1"))
}

// Arrays assembled with a name come up as /dev/md/<name>, a symlink to the
// kernel device; teardown has to follow it to find the sysfs entry.
func TestUnlockFollowsNamedArraySymlink(t *testing.T) {
	sysRoot := t.TempDir()
	devRoot := t.TempDir()

	arrayPath := filepath.Join(devRoot, "md127")
	require.NoError(t, os.WriteFile(arrayPath, nil, 0600))

	resolved, err := filepath.EvalSymlinks(arrayPath)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(devRoot, "md"), 0755))
	namedPath := filepath.Join(devRoot, "md", "pool0")
	require.NoError(t, os.Symlink(arrayPath, namedPath))

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: resolved, Kind: holders.KindRaidArray})

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "block", "md127", "md"), 0755))

	te := newTestEngine(t, provider, sysRoot, filepath.Join(t.TempDir(), "missing-mounts"))
	require.NoError(t, te.engine.Unlock(context.Background(), namedPath))

	assert.Equal(t, []string{"mdadm --stop " + resolved}, te.commands)
}

func TestUnlockSkipsUnknownKinds(t *testing.T) {
	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/weird0", Kind: holders.KindUnknown})

	te := newTestEngine(t, provider, t.TempDir(), filepath.Join(t.TempDir(), "missing-mounts"))

	require.NoError(t, te.engine.Unlock(context.Background(), "/dev/weird0"))
	assert.Empty(t, te.commands)
}

func TestUnlockGivesUpAfterStopRetryBudget(t *testing.T) {
	sysRoot := t.TempDir()

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/md0", Kind: holders.KindRaidArray})

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "class", "block", "md0", "md"), 0755))

	var commands []string
	runner := syscmd.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		commands = append(commands, name+" "+strings.Join(args, " "))

		return nil, unix.EBUSY
	})

	engine := NewEngineWithRoots(runner, provider, sysRoot, filepath.Join(t.TempDir(), "missing-mounts"), nil)
	engine.stopAttempts = 3
	engine.stopDelay = time.Millisecond
	engine.swapoff = func(string) error { return nil }

	err := engine.Unlock(context.Background(), "/dev/md0")
	require.ErrorIs(t, err, ErrStopRetriesExhausted)
	require.ErrorIs(t, err, ErrCouldNotStopArray)

	assert.Equal(t, []string{
		"mdadm --stop /dev/md0",
		"mdadm --stop /dev/md0",
		"mdadm --stop /dev/md0",
	}, commands)
}

func TestUnlockAllKeepsGoingAfterFailures(t *testing.T) {
	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: "/dev/md0", Kind: holders.KindPartition})
	provider.AddDevice(holders.Device{Path: "/dev/md1", Kind: holders.KindPartition})

	mountsPath := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mountsPath, []byte(strings.Join([]string{
		"/dev/md0 /mnt/a ext4 rw 0 0",
		"/dev/md1 /mnt/b ext4 rw 0 0",
		"",
	}, "\n")), 0644))

	te := newTestEngine(t, provider, t.TempDir(), mountsPath)
	te.engine.unmount = func(target string, _ int) error {
		te.unmounted = append(te.unmounted, target)
		if target == "/mnt/a" {
			return unix.EBUSY
		}

		return nil
	}

	err := te.engine.UnlockAll(context.Background(), []string{"/dev/md0", "/dev/md1"})
	require.ErrorIs(t, err, ErrCouldNotUnmountDevice)

	// The failure on the first device does not stop the second
	assert.Equal(t, []string{"/mnt/a", "/mnt/b"}, te.unmounted)
}
