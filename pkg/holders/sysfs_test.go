package holders

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBlockDir(t *testing.T, sysRoot, name string) string {
	dir := filepath.Join(sysRoot, "class", "block", name)
	require.NoError(t, os.MkdirAll(dir, 0755))

	return dir
}

func TestClassifyKinds(t *testing.T) {
	devRoot := filepath.Join(t.TempDir(), "dev")
	sysRoot := filepath.Join(t.TempDir(), "sys")
	provider := NewSysfsProviderWithRoots(devRoot, sysRoot, nil)

	// Partition
	sda1 := makeBlockDir(t, sysRoot, "sda1")
	require.NoError(t, os.WriteFile(filepath.Join(sda1, "partition"), []byte("1\n"), 0644))

	// Whole disk
	sda := makeBlockDir(t, sysRoot, "sda")
	require.NoError(t, os.MkdirAll(filepath.Join(sda, "queue"), 0755))

	// RAID array
	md0 := makeBlockDir(t, sysRoot, "md0")
	require.NoError(t, os.MkdirAll(filepath.Join(md0, "md"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(md0, "md", "level"), []byte("raid1\n"), 0644))

	// Crypt volume
	dm0 := makeBlockDir(t, sysRoot, "dm-0")
	require.NoError(t, os.MkdirAll(filepath.Join(dm0, "dm"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dm0, "dm", "uuid"), []byte("CRYPT-LUKS2-deadbeef-stratacrypt0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dm0, "dm", "name"), []byte("stratacrypt0\n"), 0644))

	// Cache member
	nvme := makeBlockDir(t, sysRoot, "nvme0n1p1")
	require.NoError(t, os.MkdirAll(filepath.Join(nvme, "bcache"), 0755))
	setDir := filepath.Join(sysRoot, "fs", "bcache", "11111111-2222-3333-4444-555555555555")
	require.NoError(t, os.MkdirAll(setDir, 0755))
	require.NoError(t, os.Symlink(setDir, filepath.Join(nvme, "bcache", "set")))

	// Backing member
	sdb1 := makeBlockDir(t, sysRoot, "sdb1")
	require.NoError(t, os.MkdirAll(filepath.Join(sdb1, "bcache", "dev"), 0755))

	// Bound bcache volume
	bcache0 := makeBlockDir(t, sysRoot, "bcache0")
	require.NoError(t, os.MkdirAll(filepath.Join(bcache0, "bcache"), 0755))

	for _, testCase := range []struct {
		name string
		kind Kind
	}{
		{"sda1", KindPartition},
		{"sda", KindDisk},
		{"md0", KindRaidArray},
		{"dm-0", KindCryptVolume},
		{"nvme0n1p1", KindCacheMember},
		{"sdb1", KindBackingMember},
		{"bcache0", KindBcacheVolume},
		{"sdz9", KindUnknown},
	} {
		device, err := provider.Classify(filepath.Join(devRoot, testCase.name))
		require.NoError(t, err)
		assert.Equal(t, testCase.kind, device.Kind, testCase.name)
	}

	crypt, err := provider.Classify(filepath.Join(devRoot, "dm-0"))
	require.NoError(t, err)
	assert.Equal(t, "stratacrypt0", crypt.MappedName)

	member, err := provider.Classify(filepath.Join(devRoot, "nvme0n1p1"))
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", member.CacheSetUUID)

	array, err := provider.Classify(filepath.Join(devRoot, "md0"))
	require.NoError(t, err)
	assert.Equal(t, "raid1", array.RaidLevel)
}

func TestHoldersOf(t *testing.T) {
	devRoot := filepath.Join(t.TempDir(), "dev")
	sysRoot := filepath.Join(t.TempDir(), "sys")
	provider := NewSysfsProviderWithRoots(devRoot, sysRoot, nil)

	sda1 := makeBlockDir(t, sysRoot, "sda1")
	require.NoError(t, os.WriteFile(filepath.Join(sda1, "partition"), []byte("1\n"), 0644))

	md0 := makeBlockDir(t, sysRoot, "md0")
	require.NoError(t, os.MkdirAll(filepath.Join(md0, "md"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(md0, "md", "level"), []byte("raid1\n"), 0644))

	require.NoError(t, os.MkdirAll(filepath.Join(sda1, "holders"), 0755))
	require.NoError(t, os.Symlink(md0, filepath.Join(sda1, "holders", "md0")))

	upper, err := provider.HoldersOf(filepath.Join(devRoot, "sda1"))
	require.NoError(t, err)
	require.Len(t, upper, 1)
	assert.Equal(t, KindRaidArray, upper[0].Kind)
	assert.Equal(t, filepath.Join(devRoot, "md0"), upper[0].Path)

	// No holders directory means no holders, not an error
	upper, err = provider.HoldersOf(filepath.Join(devRoot, "md0"))
	require.NoError(t, err)
	assert.Empty(t, upper)
}
