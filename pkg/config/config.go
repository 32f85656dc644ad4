package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	ConfigName = "strata.json"
	HintsName  = "cache-hints.json"
)

var (
	ErrCouldNotOpenConfigFile   = errors.New("could not open configuration file")
	ErrCouldNotDecodeConfigFile = errors.New("could not decode configuration file")
	ErrCouldNotEncodeConfigFile = errors.New("could not encode configuration file")

	ErrInvalidConfiguration    = errors.New("invalid configuration")
	ErrNoFilesystems           = errors.New("configuration names no file systems")
	ErrNoPartitions            = errors.New("file system has no partitions")
	ErrNoMountPoints           = errors.New("file system has no mount points")
	ErrUnknownRaidLevel        = errors.New("unknown RAID level")
	ErrTooFewRaidMembers       = errors.New("too few members for RAID level")
	ErrMissingRaidLevel        = errors.New("multiple partitions require a RAID level")
	ErrDuplicateDevice         = errors.New("partition assigned more than once")
	ErrNoRootMountPoint        = errors.New("no file system mounts the root path")
	ErrMultipleRootMountPoints = errors.New("more than one file system mounts the root path")
	ErrSubvolumesUnsupported   = errors.New("multiple mount points require a subvolume-capable file system type")
	ErrMissingTargetDir        = errors.New("no target mount directory configured")
)

// RaidLevelMinimums maps each supported RAID level to the smallest member
// count the kernel accepts for it.
var RaidLevelMinimums = map[int]int{
	0:  2,
	1:  2,
	4:  3,
	5:  3,
	6:  4,
	10: 4,
}

// SubvolumeCapableTypes lists file system types that can carry more than one
// mount point via subvolumes.
var SubvolumeCapableTypes = map[string]bool{
	"btrfs": true,
}

// MountPoint is one place a file system (or one of its subvolumes) gets
// mounted.
type MountPoint struct {
	Path    string `json:"path"`
	Options string `json:"options,omitempty"`
}

// CacheReference describes a cache set by its member partitions. Two specs
// that name the same partition set share one cache set, built once.
type CacheReference struct {
	Partitions []uuid.UUID `json:"partitions"`
	RaidLevel  *int        `json:"raidLevel,omitempty"`
	BucketSize string      `json:"bucketSize,omitempty"`
}

// Key returns the identity of the cache set: its sorted member UUIDs. Specs
// referencing the same partitions share the same key and therefore the same
// built set.
func (c *CacheReference) Key() string {
	members := make([]string, len(c.Partitions))
	for i, partition := range c.Partitions {
		members[i] = partition.String()
	}

	// Insertion sort; member counts are tiny
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j] < members[j-1]; j-- {
			members[j], members[j-1] = members[j-1], members[j]
		}
	}

	return strings.Join(members, ",")
}

// FilesystemSpec is one logical file system and the layers beneath it.
type FilesystemSpec struct {
	Partitions []uuid.UUID `json:"partitions"`
	RaidLevel  *int        `json:"raidLevel,omitempty"`

	Cache *CacheReference `json:"cache,omitempty"`

	Encrypted bool `json:"encrypted,omitempty"`

	FSType      string       `json:"fsType"`
	MountPoints []MountPoint `json:"mountPoints"`

	// CurrentDevice is the device to actually format and mount, updated as
	// each layer binds. Session state, never persisted.
	CurrentDevice string `json:"-"`
}

// StackConfiguration is the persisted description of a full storage stack,
// authored by the external configuration collector and consumed here.
type StackConfiguration struct {
	NamePrefix string `json:"namePrefix"`
	TargetDir  string `json:"targetDir"`

	Filesystems []FilesystemSpec `json:"filesystems"`
}

func ReadStackConfiguration(path string) (*StackConfiguration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenConfigFile, err)
	}

	var configuration StackConfiguration
	if err := json.Unmarshal(raw, &configuration); err != nil {
		return nil, errors.Join(ErrCouldNotDecodeConfigFile, err)
	}

	return &configuration, nil
}

func (c *StackConfiguration) Write(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Join(ErrCouldNotEncodeConfigFile, err)
	}

	if err := os.WriteFile(path, raw, 0644); err != nil {
		return errors.Join(ErrCouldNotEncodeConfigFile, err)
	}

	return nil
}

// SubvolumeName derives the subvolume name for a mount point path: the root
// path maps to "@", everything else to "@" plus the path with separators
// flattened, matching the common btrfs layout convention.
func SubvolumeName(mountPath string) string {
	cleaned := strings.Trim(mountPath, "/")
	if cleaned == "" {
		return "@"
	}

	return "@" + strings.ReplaceAll(cleaned, "/", "-")
}
