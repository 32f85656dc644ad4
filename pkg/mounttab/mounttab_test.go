package mounttab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathDepth(t *testing.T) {
	assert.Equal(t, 0, PathDepth("/"))
	assert.Equal(t, 1, PathDepth("/home"))
	assert.Equal(t, 2, PathDepth("/var/log"))
	assert.Equal(t, 2, PathDepth("/var/log/"))
}

func TestMountsOrderedByDepth(t *testing.T) {
	table := NewTable()
	table.AddMount(MountEntry{Spec: "UUID=c", File: "/var/log", VFSType: "ext4"})
	table.AddMount(MountEntry{Spec: "UUID=a", File: "/", VFSType: "ext4"})
	table.AddMount(MountEntry{Spec: "UUID=b", File: "/var", VFSType: "ext4"})

	mounts := table.Mounts()
	require.Len(t, mounts, 3)
	assert.Equal(t, "/", mounts[0].File)
	assert.Equal(t, "/var", mounts[1].File)
	assert.Equal(t, "/var/log", mounts[2].File)
}

func TestRenderFstab(t *testing.T) {
	table := NewTable()
	table.AddMount(MountEntry{Spec: "UUID=a", File: "/", VFSType: "btrfs", Options: "subvol=@", PassNo: 1})
	table.AddMount(MountEntry{Spec: "UUID=b", File: "/boot", VFSType: "vfat", PassNo: 2})

	rendered := table.RenderFstab()
	assert.Equal(t, "UUID=a\t/\tbtrfs\tsubvol=@\t0\t1\nUUID=b\t/boot\tvfat\tdefaults\t0\t2\n", rendered)
}

func TestRenderCrypttab(t *testing.T) {
	table := NewTable()
	table.AddCrypt(CryptEntry{Name: "stratacrypt0", Spec: "UUID=c"})

	assert.Equal(t, "stratacrypt0\tUUID=c\tnone\tluks\n", table.RenderCrypttab())
}
