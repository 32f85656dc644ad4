package layers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/syscmd"
)

func TestCacheBuilderCreate(t *testing.T) {
	sysRoot := t.TempDir()
	devRoot := t.TempDir()
	setUUID := uuid.New()

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache"), 0755))

	cachePartition := filepath.Join(devRoot, "nvme0n1p1")

	var calls []string
	runner := syscmd.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))

		switch name {
		case "make-bcache":
			require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache", setUUID.String()), 0755))

			return nil, nil

		case "bcache-super-show":
			return []byte("sb.magic\t\tok\ncset.uuid\t" + setUUID.String() + "\n"), nil

		default:
			t.Fatalf("unexpected command %s", name)

			return nil, nil
		}
	})

	builder := NewCacheBuilderWithRoots(runner, sysRoot, nil)
	unit, gotUUID, err := builder.Build(context.Background(), GoalCreate, "2M", []*StorageUnit{partitionUnit(cachePartition)})

	require.NoError(t, err)
	assert.Equal(t, setUUID, gotUUID)
	assert.Equal(t, UnitCacheSet, unit.Kind)
	assert.Equal(t, setUUID.String(), unit.Identity)
	assert.Equal(t, StateActive, unit.State)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "make-bcache --cache --bucket 2M")

	registered, err := os.ReadFile(filepath.Join(sysRoot, "fs", "bcache", "register"))
	require.NoError(t, err)
	assert.Equal(t, cachePartition, string(registered))
}

func TestCacheBuilderAssembleSkipsFormat(t *testing.T) {
	sysRoot := t.TempDir()
	devRoot := t.TempDir()
	setUUID := uuid.New()

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache", setUUID.String()), 0755))

	var calls []string
	runner := syscmd.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)

		require.Equal(t, "bcache-super-show", name)

		return []byte("cset.uuid\t" + setUUID.String() + "\n"), nil
	})

	builder := NewCacheBuilderWithRoots(runner, sysRoot, nil)
	_, gotUUID, err := builder.Build(context.Background(), GoalAssemble, "", []*StorageUnit{partitionUnit(filepath.Join(devRoot, "nvme0n1p1"))})

	require.NoError(t, err)
	assert.Equal(t, setUUID, gotUUID)
	assert.Equal(t, []string{"bcache-super-show"}, calls)
}

func TestCacheBuilderSurfacesRegisterFailure(t *testing.T) {
	sysRoot := t.TempDir()
	devRoot := t.TempDir()
	setUUID := uuid.New()

	// A directory at the register path makes the sysfs write fail with
	// something other than EINVAL, which must not be swallowed
	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache", "register"), 0755))

	runner := syscmd.RunnerFunc(func(_ context.Context, name string, _ ...string) ([]byte, error) {
		require.Equal(t, "bcache-super-show", name)

		return []byte("cset.uuid\t" + setUUID.String() + "\n"), nil
	})

	builder := NewCacheBuilderWithRoots(runner, sysRoot, nil)
	_, _, err := builder.Build(context.Background(), GoalAssemble, "", []*StorageUnit{partitionUnit(filepath.Join(devRoot, "nvme0n1p1"))})

	require.ErrorIs(t, err, ErrCouldNotRegisterDevice)
}

func TestCacheBinderBind(t *testing.T) {
	sysRoot := t.TempDir()
	devRoot := t.TempDir()
	setUUID := uuid.New()

	backingPath := filepath.Join(devRoot, "md0")
	boundPath := filepath.Join(devRoot, "bcache0")
	bcacheDir := filepath.Join(sysRoot, "class", "block", "md0", "bcache")

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache"), 0755))

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: backingPath, Kind: holders.KindBackingMember})
	provider.AddDevice(holders.Device{Path: boundPath, Kind: holders.KindBcacheVolume})
	provider.AddHolder(backingPath, boundPath)

	var calls []string
	runner := syscmd.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))

		if name == "make-bcache" {
			require.NoError(t, os.MkdirAll(bcacheDir, 0755))
			require.NoError(t, os.WriteFile(boundPath, nil, 0600))
		}

		return nil, nil
	})

	binder := NewCacheBinderWithRoots(runner, provider, devRoot, sysRoot, nil)
	unit, err := binder.Bind(context.Background(), GoalCreate, setUUID, partitionUnit(backingPath))

	require.NoError(t, err)
	assert.Equal(t, UnitBackingAttachment, unit.Kind)
	assert.Equal(t, boundPath, unit.CurrentPath)
	assert.Equal(t, StateActive, unit.State)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "make-bcache --bdev")

	attached, err := os.ReadFile(filepath.Join(bcacheDir, "attach"))
	require.NoError(t, err)
	assert.Equal(t, setUUID.String(), string(attached))
}

func TestCacheBinderSkipsFormatWhenAlreadyRegistered(t *testing.T) {
	sysRoot := t.TempDir()
	devRoot := t.TempDir()
	setUUID := uuid.New()

	backingPath := filepath.Join(devRoot, "md0")
	boundPath := filepath.Join(devRoot, "bcache0")
	bcacheDir := filepath.Join(sysRoot, "class", "block", "md0", "bcache")

	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "fs", "bcache"), 0755))
	require.NoError(t, os.MkdirAll(bcacheDir, 0755))
	require.NoError(t, os.WriteFile(boundPath, nil, 0600))

	provider := holders.NewMockProvider()
	provider.AddDevice(holders.Device{Path: boundPath, Kind: holders.KindBcacheVolume})
	provider.AddHolder(backingPath, boundPath)

	var calls []string
	runner := syscmd.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)

		return nil, nil
	})

	binder := NewCacheBinderWithRoots(runner, provider, devRoot, sysRoot, nil)
	_, err := binder.Bind(context.Background(), GoalCreate, setUUID, partitionUnit(backingPath))

	require.NoError(t, err)
	assert.Empty(t, calls)
}
