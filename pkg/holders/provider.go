package holders

import "errors"

var (
	ErrCouldNotReadHoldersDir = errors.New("could not read holders directory")
	ErrCouldNotClassifyDevice = errors.New("could not classify device")
)

type Kind string

const (
	KindPartition     Kind = "partition"
	KindDisk          Kind = "disk"
	KindRaidArray     Kind = "raid-array"
	KindCacheMember   Kind = "cache-member"
	KindBackingMember Kind = "backing-member"
	KindBcacheVolume  Kind = "bcache-volume"
	KindCryptVolume   Kind = "crypt-volume"
	KindUnknown       Kind = "unknown"
)

// Device is one node of the live kernel device graph, tagged with what the
// kernel says it is rather than what any configuration claims it should be.
type Device struct {
	Path string
	Kind Kind

	// MappedName is set for crypt volumes (the device-mapper name)
	MappedName string

	// CacheSetUUID is set for cache members (the set they belong to)
	CacheSetUUID string

	// RaidLevel is set for arrays (e.g. "raid1")
	RaidLevel string
}

// Provider answers holder queries against live kernel state only. It must
// work for devices built by a different process, a previous invocation, or
// by hand, which is why it never consults declared configuration.
type Provider interface {
	// HoldersOf returns every device currently layered directly on top of
	// the given device.
	HoldersOf(devicePath string) ([]Device, error)

	// Classify tags a device with its kind and kind-specific attributes.
	Classify(devicePath string) (Device, error)
}
